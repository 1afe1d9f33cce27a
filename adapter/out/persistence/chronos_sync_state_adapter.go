package persistence

import (
	"context"
	"database/sql"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// SyncStateAdapter
// =============================================================================

// SyncStateAdapter persists per-calendar sync cursors and watch channels.
// One row per local calendar id.
type SyncStateAdapter struct {
	db *sqlx.DB
}

func NewSyncStateAdapter(db *sqlx.DB) *SyncStateAdapter {
	return &SyncStateAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type syncStateEntity struct {
	GoogleCalendarID    string         `db:"google_calendar_id"`
	SyncToken           sql.NullString `db:"sync_token"`
	NextPageToken       sql.NullString `db:"next_page_token"`
	LastSyncAt          sql.NullTime   `db:"last_sync_at"`
	PagesFetched        int            `db:"pages_fetched"`
	ItemsUpserted       int            `db:"items_upserted"`
	SyncDurationMS      int64          `db:"sync_duration_ms"`
	FullSyncComplete    bool           `db:"full_sync_complete"`
	WebhookChannelID    sql.NullString `db:"webhook_channel_id"`
	WebhookResourceID   sql.NullString `db:"webhook_resource_id"`
	WebhookChannelToken sql.NullString `db:"webhook_channel_token"`
	WebhookExpiresAt    sql.NullTime   `db:"webhook_expires_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (e *syncStateEntity) toDomain() *domain.CalendarSyncState {
	state := &domain.CalendarSyncState{
		GoogleCalendarID: e.GoogleCalendarID,
		SyncToken:        e.SyncToken.String,
		NextPageToken:    e.NextPageToken.String,
		PagesFetched:     e.PagesFetched,
		ItemsUpserted:    e.ItemsUpserted,
		SyncDurationMS:   e.SyncDurationMS,
		FullSyncComplete: e.FullSyncComplete,
	}
	if e.LastSyncAt.Valid {
		state.LastSyncAt = e.LastSyncAt.Time
	}
	if e.WebhookChannelID.Valid {
		state.WebhookChannelID = e.WebhookChannelID.String
	}
	if e.WebhookResourceID.Valid {
		state.WebhookResourceID = e.WebhookResourceID.String
	}
	if e.WebhookChannelToken.Valid {
		state.WebhookChannelToken = e.WebhookChannelToken.String
	}
	if e.WebhookExpiresAt.Valid {
		state.WebhookExpiresAt = e.WebhookExpiresAt.Time
	}
	return state
}

// =============================================================================
// Cursor
// =============================================================================

func (a *SyncStateAdapter) Get(ctx context.Context, calendarID string) (*domain.CalendarSyncState, error) {
	var entity syncStateEntity
	query := `SELECT * FROM calendar_sync_states WHERE google_calendar_id = $1`
	if err := a.db.GetContext(ctx, &entity, query, calendarID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

// Update upserts the cursor row. sync_token and last_sync_at are always
// written; nil fields of upd keep their stored value.
func (a *SyncStateAdapter) Update(ctx context.Context, calendarID, syncToken string, upd domain.SyncStateUpdate) error {
	query := `
		INSERT INTO calendar_sync_states (
			google_calendar_id, sync_token, next_page_token, last_sync_at,
			pages_fetched, items_upserted, sync_duration_ms, full_sync_complete
		)
		VALUES (
			$1, $2, COALESCE($3, ''), NOW(),
			COALESCE($4, 0), COALESCE($5, 0), COALESCE($6, 0), COALESCE($7, FALSE)
		)
		ON CONFLICT (google_calendar_id) DO UPDATE SET
			sync_token = EXCLUDED.sync_token,
			last_sync_at = NOW(),
			next_page_token = COALESCE($3, calendar_sync_states.next_page_token),
			pages_fetched = COALESCE($4, calendar_sync_states.pages_fetched),
			items_upserted = COALESCE($5, calendar_sync_states.items_upserted),
			sync_duration_ms = COALESCE($6, calendar_sync_states.sync_duration_ms),
			full_sync_complete = COALESCE($7, calendar_sync_states.full_sync_complete),
			updated_at = NOW()
	`
	_, err := a.db.ExecContext(ctx, query,
		calendarID,
		syncToken,
		upd.PageToken,
		upd.PagesFetched,
		upd.ItemsUpserted,
		upd.SyncDurationMS,
		upd.FullSyncComplete,
	)
	return err
}

// Clear nulls both tokens so the next run starts a full sync.
func (a *SyncStateAdapter) Clear(ctx context.Context, calendarID string) error {
	query := `
		UPDATE calendar_sync_states SET
			sync_token = '',
			next_page_token = '',
			full_sync_complete = FALSE,
			updated_at = NOW()
		WHERE google_calendar_id = $1
	`
	_, err := a.db.ExecContext(ctx, query, calendarID)
	return err
}

// =============================================================================
// Watch Channels
// =============================================================================

func (a *SyncStateAdapter) SaveWebhookRegistration(ctx context.Context, reg domain.WatchRegistration) error {
	query := `
		INSERT INTO calendar_sync_states (
			google_calendar_id, sync_token, next_page_token,
			webhook_channel_id, webhook_resource_id, webhook_channel_token, webhook_expires_at
		)
		VALUES ($1, '', '', $2, $3, $4, $5)
		ON CONFLICT (google_calendar_id) DO UPDATE SET
			webhook_channel_id = EXCLUDED.webhook_channel_id,
			webhook_resource_id = EXCLUDED.webhook_resource_id,
			webhook_channel_token = EXCLUDED.webhook_channel_token,
			webhook_expires_at = EXCLUDED.webhook_expires_at,
			updated_at = NOW()
	`
	_, err := a.db.ExecContext(ctx, query,
		reg.GoogleCalendarID,
		reg.ChannelID,
		reg.ResourceID,
		reg.ChannelToken,
		reg.ExpiresAt,
	)
	return err
}

func (a *SyncStateAdapter) GetByChannelID(ctx context.Context, channelID string) (*domain.WebhookRoute, error) {
	var route struct {
		GoogleCalendarID string         `db:"google_calendar_id"`
		GoogleAccountID  string         `db:"google_account_id"`
		UserID           string         `db:"user_id"`
		ChannelToken     sql.NullString `db:"webhook_channel_token"`
	}
	query := `
		SELECT s.google_calendar_id, c.google_account_id, a.user_id, s.webhook_channel_token
		FROM calendar_sync_states s
		JOIN google_calendars c ON c.id = s.google_calendar_id
		JOIN google_accounts a ON a.id = c.google_account_id
		WHERE s.webhook_channel_id = $1
	`
	if err := a.db.GetContext(ctx, &route, query, channelID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &domain.WebhookRoute{
		GoogleCalendarID: route.GoogleCalendarID,
		GoogleAccountID:  route.GoogleAccountID,
		UserID:           route.UserID,
		ChannelToken:     route.ChannelToken.String,
	}, nil
}

var _ out.SyncStateRepository = (*SyncStateAdapter)(nil)
