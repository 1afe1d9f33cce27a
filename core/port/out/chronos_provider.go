package out

import (
	"context"
	"time"

	"chronos_server/core/domain"
)

// EventsQuery selects the cursor for one events page. At most one of
// SyncToken and PageToken is set; PageToken wins when both are present.
type EventsQuery struct {
	SyncToken string
	PageToken string
}

// WatchChannel is Google's answer to a watch registration.
type WatchChannel struct {
	ResourceID string
	ExpiresAt  time.Time
}

// CalendarProviderPort is the transport adapter over Google Calendar v3.
// Every call resolves a valid access token for the account, runs under the
// per-account retry controller and maps failures into the sync error taxonomy.
type CalendarProviderPort interface {
	ListCalendars(ctx context.Context, userID, accountID string) ([]domain.CalendarDescriptor, error)

	// FetchEventsPage retrieves one page of the events listing. The final
	// page carries NextSyncToken and an empty NextPageToken.
	FetchEventsPage(ctx context.Context, userID, accountID, googleCalendarID string, q EventsQuery) (*domain.EventsPage, error)

	// RefreshAccessToken exchanges a refresh token at the OAuth endpoint.
	// Any non-2xx answer is an auth error.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.RefreshedToken, error)

	CreateWatchChannel(ctx context.Context, userID, accountID, googleCalendarID, channelID, channelToken, address string) (*WatchChannel, error)
}

// AccessTokenSource yields a currently valid access token for an account,
// refreshing if necessary. Implemented by the token manager.
type AccessTokenSource interface {
	ValidAccessToken(ctx context.Context, userID, accountID string) (string, error)

	// ForceRefresh refreshes unconditionally. Used when Google rejects a
	// token that has not reached its stored expiry.
	ForceRefresh(ctx context.Context, userID, accountID string) (string, error)
}

// TokenRefresher is the slice of the provider the token manager needs.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.RefreshedToken, error)
}
