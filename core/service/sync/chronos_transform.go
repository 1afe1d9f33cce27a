// Package sync implements the incremental calendar sync core: the per-calendar
// engine, the per-user orchestrator and the webhook debouncer.
package sync

import (
	"sort"
	"time"

	"chronos_server/core/domain"
	"chronos_server/pkg/crypto"

	"github.com/rs/zerolog"
)

// untitledEvent replaces a missing summary so the encrypted column is never
// an empty ciphertext.
const untitledEvent = "(No title)"

// Transformer turns raw Google events into persistable rows and persisted
// rows back into the decrypted client shape.
type Transformer struct {
	encryptor *crypto.Encryptor
	log       zerolog.Logger
}

func NewTransformer(encryptor *crypto.Encryptor, log zerolog.Logger) *Transformer {
	return &Transformer{
		encryptor: encryptor,
		log:       log.With().Str("component", "event_transform").Logger(),
	}
}

// Transform maps one raw event into an Event row with summary, description
// and location encrypted under userID's key.
func (t *Transformer) Transform(raw domain.RawEvent, cal *domain.GoogleCalendar, userID string) (domain.Event, error) {
	start := raw.Start
	if start.IsZero() {
		start = raw.OriginalStartTime
	}
	end := raw.End

	status := raw.Status
	if status == "" {
		status = "confirmed"
	}
	visibility := raw.Visibility
	if visibility == "" {
		visibility = "default"
	}
	transparency := raw.Transparency
	if transparency == "" {
		transparency = "opaque"
	}
	colorID := raw.ColorID
	if colorID == "" {
		colorID = cal.Color
	}

	summary := raw.Summary
	if summary == "" {
		summary = untitledEvent
	}
	key, err := t.encryptor.DeriveKey(userID)
	if err != nil {
		return domain.Event{}, err
	}
	summaryCT, err := t.encryptor.EncryptWithKey(summary, userID, key)
	if err != nil {
		return domain.Event{}, err
	}
	var descriptionCT, locationCT string
	if raw.Description != "" {
		if descriptionCT, err = t.encryptor.EncryptWithKey(raw.Description, userID, key); err != nil {
			return domain.Event{}, err
		}
	}
	if raw.Location != "" {
		if locationCT, err = t.encryptor.EncryptWithKey(raw.Location, userID, key); err != nil {
			return domain.Event{}, err
		}
	}

	originalStart := raw.OriginalStartTime.DateTime
	if originalStart == "" {
		originalStart = raw.OriginalStartTime.Date
	}

	ev := domain.Event{
		GoogleEventID:     raw.ID,
		GoogleCalendarID:  cal.ID,
		GoogleAccountID:   cal.GoogleAccountID,
		Source:            "google",
		Summary:           summaryCT,
		Description:       descriptionCT,
		Location:          locationCT,
		StartDateTime:     start,
		EndDateTime:       end,
		IsAllDay:          start.Date != "",
		Recurrence:        raw.Recurrence,
		RecurringEventID:  raw.RecurringEventID,
		OriginalStartTime: originalStart,
		Status:            status,
		Visibility:        visibility,
		Transparency:      transparency,
		Attendees:         raw.Attendees,
		Organizer:         raw.Organizer,
		ColorID:           colorID,
		Reminders:         raw.Reminders,
		ConferenceData:    raw.ConferenceData,
		HTMLLink:          raw.HTMLLink,
		ICalUID:           raw.ICalUID,
		Etag:              raw.Etag,
		EmbeddingPending:  status != "cancelled",
	}
	if ev.IsAllDay {
		ev.AllDayDate = start.Date
	}
	return ev, nil
}

// TransformPage maps a whole page. Events that fail to encrypt are dropped
// with a log line rather than failing the page.
func (t *Transformer) TransformPage(items []domain.RawEvent, cal *domain.GoogleCalendar, userID string) []domain.Event {
	events := make([]domain.Event, 0, len(items))
	for _, raw := range items {
		ev, err := t.Transform(raw, cal, userID)
		if err != nil {
			t.log.Error().Err(err).Str("event_id", raw.ID).Msg("failed to transform event")
			continue
		}
		events = append(events, ev)
	}
	return events
}

// ToClientEvents decrypts rows into the client-facing shape. A field that
// cannot be decrypted is blanked, never surfaced as ciphertext.
func (t *Transformer) ToClientEvents(events []domain.Event, userID string) []domain.ClientEvent {
	key, err := t.encryptor.DeriveKey(userID)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to derive user key")
		return nil
	}

	out := make([]domain.ClientEvent, 0, len(events))
	for i := range events {
		out = append(out, t.toClientEvent(&events[i], userID, key))
	}
	return out
}

func (t *Transformer) toClientEvent(ev *domain.Event, userID string, key []byte) domain.ClientEvent {
	ce := domain.ClientEvent{
		ID:               ev.GoogleEventID,
		CalendarID:       ev.GoogleCalendarID,
		Summary:          t.safeDecrypt(ev.Summary, userID, key, "summary"),
		Start:            ev.StartDateTime,
		End:              ev.EndDateTime,
		Status:           ev.Status,
		Visibility:       ev.Visibility,
		Transparency:     ev.Transparency,
		Recurrence:       ev.Recurrence,
		RecurringEventID: ev.RecurringEventID,
		ColorID:          ev.ColorID,
		Attendees:        ev.Attendees,
		Organizer:        ev.Organizer,
		Reminders:        ev.Reminders,
		ConferenceData:   ev.ConferenceData,
		HTMLLink:         ev.HTMLLink,
		ICalUID:          ev.ICalUID,
	}
	if ev.Description != "" {
		ce.Description = t.safeDecrypt(ev.Description, userID, key, "description")
	}
	if ev.Location != "" {
		ce.Location = t.safeDecrypt(ev.Location, userID, key, "location")
	}
	if ev.OriginalStartTime != "" {
		ost := domain.EventDateTime{}
		if len(ev.OriginalStartTime) == len("2006-01-02") {
			ost.Date = ev.OriginalStartTime
		} else {
			ost.DateTime = ev.OriginalStartTime
		}
		ce.OriginalStartTime = &ost
	}
	return ce
}

func (t *Transformer) safeDecrypt(ct, userID string, key []byte, field string) string {
	pt, err := t.encryptor.DecryptWithKey(ct, userID, key)
	if err != nil {
		t.log.Warn().Str("field", field).Msg("undecryptable field, blanking")
		return ""
	}
	return pt
}

// SortByProximity orders events by distance of their start from now, nearest
// first, ties broken chronologically. Events without a usable date sort last.
func SortByProximity(events []domain.ClientEvent, now time.Time) {
	type entry struct {
		ev domain.ClientEvent
		t  time.Time
		ok bool
	}
	entries := make([]entry, len(events))
	for i, ev := range events {
		t, ok := ev.Start.Resolve()
		entries[i] = entry{ev: ev, t: t, ok: ok}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ok != b.ok {
			return a.ok
		}
		if !a.ok {
			return false
		}
		da, db := absDuration(a.t.Sub(now)), absDuration(b.t.Sub(now))
		if da != db {
			return da < db
		}
		return a.t.Before(b.t)
	})
	for i := range entries {
		events[i] = entries[i].ev
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
