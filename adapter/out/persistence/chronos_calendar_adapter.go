package persistence

import (
	"context"
	"database/sql"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// CalendarAdapter
// =============================================================================

type CalendarAdapter struct {
	db *sqlx.DB
}

func NewCalendarAdapter(db *sqlx.DB) *CalendarAdapter {
	return &CalendarAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type calendarEntity struct {
	ID               string         `db:"id"`
	GoogleAccountID  string         `db:"google_account_id"`
	GoogleCalendarID string         `db:"google_calendar_id"`
	Name             string         `db:"name"`
	Color            sql.NullString `db:"color"`
	IsPrimary        bool           `db:"is_primary"`
	AccessRole       sql.NullString `db:"access_role"`
}

func (e *calendarEntity) toDomain() *domain.GoogleCalendar {
	cal := &domain.GoogleCalendar{
		ID:               e.ID,
		GoogleAccountID:  e.GoogleAccountID,
		GoogleCalendarID: e.GoogleCalendarID,
		Name:             e.Name,
		IsPrimary:        e.IsPrimary,
	}
	if e.Color.Valid {
		cal.Color = e.Color.String
	}
	if e.AccessRole.Valid {
		cal.AccessRole = e.AccessRole.String
	}
	return cal
}

// =============================================================================
// Upsert
// =============================================================================

// UpsertCalendars writes the provider listing by (google_account_id,
// google_calendar_id). Existing rows keep their local id.
func (a *CalendarAdapter) UpsertCalendars(ctx context.Context, accountID string, cals []domain.CalendarDescriptor) ([]domain.GoogleCalendar, error) {
	query := `
		INSERT INTO google_calendars (
			id, google_account_id, google_calendar_id,
			name, color, is_primary, access_role
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (google_account_id, google_calendar_id) DO UPDATE SET
			name = EXCLUDED.name,
			color = EXCLUDED.color,
			is_primary = EXCLUDED.is_primary,
			access_role = EXCLUDED.access_role,
			updated_at = NOW()
		RETURNING id, google_account_id, google_calendar_id, name, color, is_primary, access_role
	`
	result := make([]domain.GoogleCalendar, 0, len(cals))
	for _, d := range cals {
		var entity calendarEntity
		err := a.db.GetContext(ctx, &entity, query,
			uuid.NewString(),
			accountID,
			d.GoogleCalendarID,
			d.Name,
			toNullableString(d.Color),
			d.IsPrimary,
			toNullableString(d.AccessRole),
		)
		if err != nil {
			return nil, err
		}
		result = append(result, *entity.toDomain())
	}
	return result, nil
}

// =============================================================================
// Queries
// =============================================================================

func (a *CalendarAdapter) GetCalendar(ctx context.Context, calendarID, userID string) (*domain.GoogleCalendar, error) {
	var entity calendarEntity
	query := `
		SELECT c.id, c.google_account_id, c.google_calendar_id,
		       c.name, c.color, c.is_primary, c.access_role
		FROM google_calendars c
		JOIN google_accounts a ON a.id = c.google_account_id
		WHERE c.id = $1 AND a.user_id = $2
	`
	if err := a.db.GetContext(ctx, &entity, query, calendarID, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *CalendarAdapter) GetAllForUser(ctx context.Context, userID string) ([]domain.GoogleCalendar, error) {
	var entities []calendarEntity
	query := `
		SELECT c.id, c.google_account_id, c.google_calendar_id,
		       c.name, c.color, c.is_primary, c.access_role
		FROM google_calendars c
		JOIN google_accounts a ON a.id = c.google_account_id
		WHERE a.user_id = $1
		ORDER BY c.is_primary DESC, c.name ASC
	`
	if err := a.db.SelectContext(ctx, &entities, query, userID); err != nil {
		return nil, err
	}
	result := make([]domain.GoogleCalendar, len(entities))
	for i := range entities {
		result[i] = *entities[i].toDomain()
	}
	return result, nil
}

func (a *CalendarAdapter) GetUserCalendarIDs(ctx context.Context, userID string, requested []string) ([]string, error) {
	var ids []string
	if len(requested) == 0 {
		query := `
			SELECT c.id
			FROM google_calendars c
			JOIN google_accounts a ON a.id = c.google_account_id
			WHERE a.user_id = $1
		`
		if err := a.db.SelectContext(ctx, &ids, query, userID); err != nil {
			return nil, err
		}
		return ids, nil
	}

	query := `
		SELECT c.id
		FROM google_calendars c
		JOIN google_accounts a ON a.id = c.google_account_id
		WHERE a.user_id = $1 AND c.id = ANY($2)
	`
	if err := a.db.SelectContext(ctx, &ids, query, userID, pq.Array(requested)); err != nil {
		return nil, err
	}
	return ids, nil
}

var _ out.CalendarRepository = (*CalendarAdapter)(nil)
