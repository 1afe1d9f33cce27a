package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// =============================================================================
// Event Records
// =============================================================================

// EventDateTime mirrors the Google wire shape: exactly one of Date (all-day)
// or DateTime is set.
type EventDateTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// IsZero reports whether neither date form is present.
func (d EventDateTime) IsZero() bool { return d.Date == "" && d.DateTime == "" }

// Resolve parses the carried instant. All-day dates resolve to midnight UTC.
// The second return is false when no usable date is present.
func (d EventDateTime) Resolve() (time.Time, bool) {
	if d.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, d.DateTime); err == nil {
			return t, true
		}
	}
	if d.Date != "" {
		if t, err := time.Parse("2006-01-02", d.Date); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// RawEvent is one item from the Google events endpoint, decoupled from the
// API client so the sync engine can be driven by fakes.
type RawEvent struct {
	ID                string
	Status            string
	Summary           string
	Description       string
	Location          string
	ColorID           string
	Start             EventDateTime
	End               EventDateTime
	OriginalStartTime EventDateTime
	Recurrence        []string
	RecurringEventID  string
	Visibility        string
	Transparency      string
	Attendees         json.RawMessage
	Organizer         json.RawMessage
	Reminders         json.RawMessage
	ConferenceData    json.RawMessage
	HTMLLink          string
	ICalUID           string
	Etag              string
}

// Event is the persisted row. Summary, Description and Location hold
// ciphertext produced under the owning user's key; a field that was never set
// is empty, never an empty ciphertext.
type Event struct {
	GoogleEventID     string          `json:"google_event_id"`
	GoogleCalendarID  string          `json:"google_calendar_id"`
	GoogleAccountID   string          `json:"google_account_id"`
	Source            string          `json:"source"`
	Summary           string          `json:"summary"`
	Description       string          `json:"description,omitempty"`
	Location          string          `json:"location,omitempty"`
	StartDateTime     EventDateTime   `json:"start_datetime"`
	EndDateTime       EventDateTime   `json:"end_datetime"`
	IsAllDay          bool            `json:"is_all_day"`
	AllDayDate        string          `json:"all_day_date,omitempty"`
	Recurrence        []string        `json:"recurrence,omitempty"`
	RecurringEventID  string          `json:"recurring_event_id,omitempty"`
	OriginalStartTime string          `json:"original_start_time,omitempty"`
	Status            string          `json:"status"`
	Visibility        string          `json:"visibility"`
	Transparency      string          `json:"transparency"`
	Attendees         json.RawMessage `json:"attendees,omitempty"`
	Organizer         json.RawMessage `json:"organizer,omitempty"`
	ColorID           string          `json:"color_id,omitempty"`
	Reminders         json.RawMessage `json:"reminders,omitempty"`
	ConferenceData    json.RawMessage `json:"conference_data,omitempty"`
	HTMLLink          string          `json:"html_link,omitempty"`
	ICalUID           string          `json:"ical_uid,omitempty"`
	Etag              string          `json:"etag,omitempty"`
	EmbeddingPending  bool            `json:"embedding_pending"`
	CreatedAt         time.Time       `json:"created_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at,omitempty"`
}

// EventDate returns the event's start instant for proximity ordering.
// Events with no usable date report ok=false and sort last.
func (e *Event) EventDate() (time.Time, bool) {
	return e.StartDateTime.Resolve()
}

// ClientEvent is the decrypted, client-facing shape streamed over SSE and
// returned by the events endpoints.
type ClientEvent struct {
	ID                string          `json:"id"`
	CalendarID        string          `json:"calendarId"`
	Summary           string          `json:"summary"`
	Description       string          `json:"description,omitempty"`
	Location          string          `json:"location,omitempty"`
	Start             EventDateTime   `json:"start"`
	End               EventDateTime   `json:"end"`
	Status            string          `json:"status"`
	Visibility        string          `json:"visibility"`
	Transparency      string          `json:"transparency"`
	Recurrence        []string        `json:"recurrence,omitempty"`
	RecurringEventID  string          `json:"recurringEventId,omitempty"`
	OriginalStartTime *EventDateTime  `json:"originalStartTime,omitempty"`
	ColorID           string          `json:"colorId,omitempty"`
	Attendees         json.RawMessage `json:"attendees,omitempty"`
	Organizer         json.RawMessage `json:"organizer,omitempty"`
	Reminders         json.RawMessage `json:"reminders,omitempty"`
	ConferenceData    json.RawMessage `json:"conferenceData,omitempty"`
	HTMLLink          string          `json:"htmlLink,omitempty"`
	ICalUID           string          `json:"iCalUID,omitempty"`
}
