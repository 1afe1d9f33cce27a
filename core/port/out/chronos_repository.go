// Package out defines the outbound ports of the sync core.
package out

import (
	"context"
	"time"

	"chronos_server/core/domain"
)

// AccountRepository persists google accounts and their encrypted token rows.
type AccountRepository interface {
	GetAccount(ctx context.Context, accountID string) (*domain.GoogleAccount, error)
	GetAccountsForUser(ctx context.Context, userID string) ([]domain.GoogleAccount, error)

	// GetDecryptedTokens returns the token row for an account, decrypted with
	// the owning user's key. Rows not belonging to userID are not returned.
	GetDecryptedTokens(ctx context.Context, userID, accountID string) (*domain.TokenSet, error)

	// UpdateTokens stores a new encrypted access token and expiry. refreshCT
	// is written only when non-empty (Google rotated the refresh token).
	UpdateTokens(ctx context.Context, accountID, accessCT string, expiresAt time.Time, refreshCT string) error

	MarkNeedsReauth(ctx context.Context, accountID string) error
}

// CalendarRepository persists local calendar handles.
type CalendarRepository interface {
	// UpsertCalendars writes the provider listing by the natural key
	// (google_account_id, google_calendar_id) and returns the local rows.
	UpsertCalendars(ctx context.Context, accountID string, cals []domain.CalendarDescriptor) ([]domain.GoogleCalendar, error)

	// GetCalendar returns the calendar only when it is reachable from userID.
	GetCalendar(ctx context.Context, calendarID, userID string) (*domain.GoogleCalendar, error)

	GetAllForUser(ctx context.Context, userID string) ([]domain.GoogleCalendar, error)

	// GetUserCalendarIDs returns the intersection of the user's calendars and
	// the requested set, or all of the user's calendars when requested is empty.
	GetUserCalendarIDs(ctx context.Context, userID string, requested []string) ([]string, error)
}

// EventRepository persists event rows.
type EventRepository interface {
	// UpsertEvents writes events in batches by (google_calendar_id,
	// google_event_id, source). A failed batch does not stop later batches;
	// the returned count covers the batches that succeeded and the error is a
	// PersistError for the first failed batch.
	UpsertEvents(ctx context.Context, events []domain.Event) (int, error)

	// QueryEvents splits rows into non-recurring singles, recurring masters
	// and recurrence exceptions. Cancelled rows are excluded from the first
	// two lists.
	QueryEvents(ctx context.Context, calendarIDs []string) (single, masters, exceptions []domain.Event, err error)

	GetLatestSyncAt(ctx context.Context, calendarIDs []string) (*time.Time, error)
}

// SyncStateRepository persists per-calendar sync cursors and watch channels.
type SyncStateRepository interface {
	// Get returns (nil, nil) when no row exists yet.
	Get(ctx context.Context, calendarID string) (*domain.CalendarSyncState, error)

	// Update upserts the row, always writing sync_token and last_sync_at.
	// Fields of upd left nil are untouched.
	Update(ctx context.Context, calendarID, syncToken string, upd domain.SyncStateUpdate) error

	// Clear nulls both tokens so the next run starts a full sync.
	Clear(ctx context.Context, calendarID string) error

	SaveWebhookRegistration(ctx context.Context, reg domain.WatchRegistration) error

	// GetByChannelID resolves a push channel to its calendar and user.
	// Returns (nil, nil) for unknown channels.
	GetByChannelID(ctx context.Context, channelID string) (*domain.WebhookRoute, error)
}
