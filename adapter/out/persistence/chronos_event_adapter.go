package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// upsertBatchSize bounds one multi-row INSERT. 500 rows keeps the placeholder
// count well inside the postgres protocol limit.
const upsertBatchSize = 500

// =============================================================================
// EventAdapter
// =============================================================================

type EventAdapter struct {
	db *sqlx.DB
}

func NewEventAdapter(db *sqlx.DB) *EventAdapter {
	return &EventAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type eventEntity struct {
	GoogleEventID     string          `db:"google_event_id"`
	GoogleCalendarID  string          `db:"google_calendar_id"`
	GoogleAccountID   string          `db:"google_account_id"`
	Source            string          `db:"source"`
	Summary           string          `db:"summary"`
	Description       sql.NullString  `db:"description"`
	Location          sql.NullString  `db:"location"`
	StartDate         sql.NullString  `db:"start_date"`
	StartDateTime     sql.NullString  `db:"start_datetime"`
	StartTimeZone     sql.NullString  `db:"start_timezone"`
	EndDate           sql.NullString  `db:"end_date"`
	EndDateTime       sql.NullString  `db:"end_datetime"`
	EndTimeZone       sql.NullString  `db:"end_timezone"`
	IsAllDay          bool            `db:"is_all_day"`
	AllDayDate        sql.NullString  `db:"all_day_date"`
	Recurrence        pq.StringArray  `db:"recurrence"`
	RecurringEventID  sql.NullString  `db:"recurring_event_id"`
	OriginalStartTime sql.NullString  `db:"original_start_time"`
	Status            string          `db:"status"`
	Visibility        string          `db:"visibility"`
	Transparency      string          `db:"transparency"`
	Attendees         json.RawMessage `db:"attendees"`
	Organizer         json.RawMessage `db:"organizer"`
	ColorID           sql.NullString  `db:"color_id"`
	Reminders         json.RawMessage `db:"reminders"`
	ConferenceData    json.RawMessage `db:"conference_data"`
	HTMLLink          sql.NullString  `db:"html_link"`
	ICalUID           sql.NullString  `db:"ical_uid"`
	Etag              sql.NullString  `db:"etag"`
	EmbeddingPending  bool            `db:"embedding_pending"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (e *eventEntity) toDomain() domain.Event {
	ev := domain.Event{
		GoogleEventID:    e.GoogleEventID,
		GoogleCalendarID: e.GoogleCalendarID,
		GoogleAccountID:  e.GoogleAccountID,
		Source:           e.Source,
		Summary:          e.Summary,
		IsAllDay:         e.IsAllDay,
		Recurrence:       e.Recurrence,
		Status:           e.Status,
		Visibility:       e.Visibility,
		Transparency:     e.Transparency,
		Attendees:        e.Attendees,
		Organizer:        e.Organizer,
		Reminders:        e.Reminders,
		ConferenceData:   e.ConferenceData,
		EmbeddingPending: e.EmbeddingPending,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
		StartDateTime: domain.EventDateTime{
			Date:     e.StartDate.String,
			DateTime: e.StartDateTime.String,
			TimeZone: e.StartTimeZone.String,
		},
		EndDateTime: domain.EventDateTime{
			Date:     e.EndDate.String,
			DateTime: e.EndDateTime.String,
			TimeZone: e.EndTimeZone.String,
		},
	}
	ev.Description = e.Description.String
	ev.Location = e.Location.String
	ev.AllDayDate = e.AllDayDate.String
	ev.RecurringEventID = e.RecurringEventID.String
	ev.OriginalStartTime = e.OriginalStartTime.String
	ev.ColorID = e.ColorID.String
	ev.HTMLLink = e.HTMLLink.String
	ev.ICalUID = e.ICalUID.String
	ev.Etag = e.Etag.String
	return ev
}

// eventColumns is the insert column list; keep in lockstep with eventArgs.
var eventColumns = []string{
	"google_event_id", "google_calendar_id", "google_account_id", "source",
	"summary", "description", "location",
	"start_date", "start_datetime", "start_timezone",
	"end_date", "end_datetime", "end_timezone",
	"is_all_day", "all_day_date",
	"recurrence", "recurring_event_id", "original_start_time",
	"status", "visibility", "transparency",
	"attendees", "organizer", "color_id", "reminders", "conference_data",
	"html_link", "ical_uid", "etag", "embedding_pending",
}

func eventArgs(ev *domain.Event) []interface{} {
	return []interface{}{
		ev.GoogleEventID, ev.GoogleCalendarID, ev.GoogleAccountID, ev.Source,
		ev.Summary, toNullableString(ev.Description), toNullableString(ev.Location),
		toNullableString(ev.StartDateTime.Date), toNullableString(ev.StartDateTime.DateTime), toNullableString(ev.StartDateTime.TimeZone),
		toNullableString(ev.EndDateTime.Date), toNullableString(ev.EndDateTime.DateTime), toNullableString(ev.EndDateTime.TimeZone),
		ev.IsAllDay, toNullableString(ev.AllDayDate),
		toNullableArray(ev.Recurrence), toNullableString(ev.RecurringEventID), toNullableString(ev.OriginalStartTime),
		ev.Status, ev.Visibility, ev.Transparency,
		toNullableJSON(ev.Attendees), toNullableJSON(ev.Organizer), toNullableString(ev.ColorID),
		toNullableJSON(ev.Reminders), toNullableJSON(ev.ConferenceData),
		toNullableString(ev.HTMLLink), toNullableString(ev.ICalUID), toNullableString(ev.Etag), ev.EmbeddingPending,
	}
}

// =============================================================================
// Upsert
// =============================================================================

// UpsertEvents writes events in batches keyed by (google_calendar_id,
// google_event_id, source). A failed batch does not stop later batches; the
// count covers the rows that landed and the error reports the first failed
// batch.
func (a *EventAdapter) UpsertEvents(ctx context.Context, events []domain.Event) (int, error) {
	var (
		upserted int
		firstErr error
	)
	for start := 0; start < len(events); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(events) {
			end = len(events)
		}
		batch := events[start:end]
		if err := a.upsertBatch(ctx, batch); err != nil {
			if firstErr == nil {
				firstErr = domain.NewPersistError(start/upsertBatchSize, err)
			}
			continue
		}
		upserted += len(batch)
	}
	return upserted, firstErr
}

func (a *EventAdapter) upsertBatch(ctx context.Context, batch []domain.Event) error {
	ncols := len(eventColumns)
	rows := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*ncols)
	for i := range batch {
		ph := make([]string, ncols)
		for j := 0; j < ncols; j++ {
			ph[j] = fmt.Sprintf("$%d", i*ncols+j+1)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")
		args = append(args, eventArgs(&batch[i])...)
	}

	query := fmt.Sprintf(`
		INSERT INTO events (%s)
		VALUES %s
		ON CONFLICT (google_calendar_id, google_event_id, source) DO UPDATE SET
			summary = EXCLUDED.summary,
			description = EXCLUDED.description,
			location = EXCLUDED.location,
			start_date = EXCLUDED.start_date,
			start_datetime = EXCLUDED.start_datetime,
			start_timezone = EXCLUDED.start_timezone,
			end_date = EXCLUDED.end_date,
			end_datetime = EXCLUDED.end_datetime,
			end_timezone = EXCLUDED.end_timezone,
			is_all_day = EXCLUDED.is_all_day,
			all_day_date = EXCLUDED.all_day_date,
			recurrence = EXCLUDED.recurrence,
			recurring_event_id = EXCLUDED.recurring_event_id,
			original_start_time = EXCLUDED.original_start_time,
			status = EXCLUDED.status,
			visibility = EXCLUDED.visibility,
			transparency = EXCLUDED.transparency,
			attendees = EXCLUDED.attendees,
			organizer = EXCLUDED.organizer,
			color_id = EXCLUDED.color_id,
			reminders = EXCLUDED.reminders,
			conference_data = EXCLUDED.conference_data,
			html_link = EXCLUDED.html_link,
			ical_uid = EXCLUDED.ical_uid,
			etag = EXCLUDED.etag,
			embedding_pending = EXCLUDED.embedding_pending,
			updated_at = NOW()
	`, strings.Join(eventColumns, ", "), strings.Join(rows, ", "))

	_, err := a.db.ExecContext(ctx, query, args...)
	return err
}

// =============================================================================
// Queries
// =============================================================================

// Predicates for the three event lists. They must stay pairwise disjoint:
// any row carrying recurring_event_id belongs to exceptions alone, even when
// it also carries its own recurrence rule.
const (
	condSingles    = `recurrence IS NULL AND recurring_event_id IS NULL AND status != 'cancelled'`
	condMasters    = `recurrence IS NOT NULL AND recurring_event_id IS NULL AND status != 'cancelled'`
	condExceptions = `recurring_event_id IS NOT NULL`
)

// QueryEvents splits rows into non-recurring singles, recurring masters and
// recurrence exceptions. Cancelled rows are excluded from the first two;
// exceptions keep them so clients can punch holes in expanded series.
func (a *EventAdapter) QueryEvents(ctx context.Context, calendarIDs []string) (single, masters, exceptions []domain.Event, err error) {
	single, err = a.selectEvents(ctx, calendarIDs, condSingles)
	if err != nil {
		return nil, nil, nil, err
	}
	masters, err = a.selectEvents(ctx, calendarIDs, condMasters)
	if err != nil {
		return nil, nil, nil, err
	}
	exceptions, err = a.selectEvents(ctx, calendarIDs, condExceptions)
	if err != nil {
		return nil, nil, nil, err
	}
	return single, masters, exceptions, nil
}

func (a *EventAdapter) selectEvents(ctx context.Context, calendarIDs []string, cond string) ([]domain.Event, error) {
	var entities []eventEntity
	query := fmt.Sprintf(`
		SELECT * FROM events
		WHERE google_calendar_id = ANY($1) AND (%s)
	`, cond)
	if err := a.db.SelectContext(ctx, &entities, query, pq.Array(calendarIDs)); err != nil {
		return nil, err
	}
	events := make([]domain.Event, len(entities))
	for i := range entities {
		events[i] = entities[i].toDomain()
	}
	return events, nil
}

// GetLatestSyncAt returns the freshest completed sync across the calendars,
// or nil when none has completed a full sync yet.
func (a *EventAdapter) GetLatestSyncAt(ctx context.Context, calendarIDs []string) (*time.Time, error) {
	var last sql.NullTime
	query := `
		SELECT MAX(last_sync_at)
		FROM calendar_sync_states
		WHERE google_calendar_id = ANY($1) AND full_sync_complete
	`
	if err := a.db.GetContext(ctx, &last, query, pq.Array(calendarIDs)); err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// =============================================================================
// Helper functions
// =============================================================================

func toNullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func toNullableArray(ss []string) interface{} {
	if len(ss) == 0 {
		return nil
	}
	return pq.Array(ss)
}

func toNullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

var _ out.EventRepository = (*EventAdapter)(nil)
