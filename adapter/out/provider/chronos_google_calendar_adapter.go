// Package provider implements the Google Calendar transport adapter.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"
	"chronos_server/pkg/httputil"
	"chronos_server/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// eventsPageSize is the page size for the events listing.
const eventsPageSize = 250

// watchTTL is the lifetime requested for push channels.
const watchTTL = 7 * 24 * time.Hour

// quotaReasons are the 403 reasons that indicate exhausted quota rather than
// a permission problem.
var quotaReasons = map[string]bool{
	"userRateLimitExceeded": true,
	"rateLimitExceeded":     true,
	"quotaExceeded":         true,
}

// GoogleCalendarAdapter implements CalendarProviderPort for Google Calendar.
// Every API call resolves an access token, runs under the per-account retry
// controller and behind a shared circuit breaker.
type GoogleCalendarAdapter struct {
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	oauthClient *http.Client
	limiter     *ratelimit.AccountLimiter
	tokens      out.AccessTokenSource
	cb          *gobreaker.CircuitBreaker
	log         zerolog.Logger
}

// NewGoogleCalendarAdapter creates a new Google Calendar adapter. The token
// source is injected later via SetTokenSource because the token manager
// itself depends on this adapter for refreshes.
func NewGoogleCalendarAdapter(oauthConfig *oauth2.Config, limiter *ratelimit.AccountLimiter, log zerolog.Logger) *GoogleCalendarAdapter {
	a := &GoogleCalendarAdapter{
		oauthConfig: oauthConfig,
		httpClient:  httputil.CalendarClient(),
		oauthClient: httputil.OAuthClient(),
		limiter:     limiter,
		log:         log.With().Str("component", "google_calendar").Logger(),
	}

	cbSettings := gobreaker.Settings{
		Name:        "google-calendar-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
	a.cb = gobreaker.NewCircuitBreaker(cbSettings)
	return a
}

// SetTokenSource wires the token manager in after construction.
func (a *GoogleCalendarAdapter) SetTokenSource(src out.AccessTokenSource) {
	a.tokens = src
}

// getService creates a Calendar service bound to one access token over the
// shared pooled HTTP client.
func (a *GoogleCalendarAdapter) getService(ctx context.Context, accessToken string) (*calendar.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	base := context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	client := oauth2.NewClient(base, src)
	return calendar.NewService(ctx, option.WithHTTPClient(client))
}

// execute runs one API call with token resolution, retry, circuit breaking
// and error mapping. A 401 gets a single forced token refresh and one more
// try; a second 401 is final.
func (a *GoogleCalendarAdapter) execute(ctx context.Context, userID, accountID string, call func(svc *calendar.Service) error) error {
	return a.limiter.WithRetry(ctx, accountID, func(ctx context.Context) error {
		token, err := a.tokens.ValidAccessToken(ctx, userID, accountID)
		if err != nil {
			return err
		}

		err = a.doCall(ctx, token, call)
		if !domain.IsKind(err, domain.ErrAuth) {
			return err
		}

		a.log.Info().Str("account_id", accountID).Msg("401 from google, forcing token refresh")
		token, refreshErr := a.tokens.ForceRefresh(ctx, userID, accountID)
		if refreshErr != nil {
			return refreshErr
		}
		return a.doCall(ctx, token, call)
	})
}

func (a *GoogleCalendarAdapter) doCall(ctx context.Context, token string, call func(svc *calendar.Service) error) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return domain.NewNetworkError(0, "failed to create calendar service", err)
	}

	res, err := a.cb.Execute(func() (any, error) {
		if err := call(svc); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code < 500 && apiErr.Code != 429 {
				// Client errors must not trip the breaker; hand them back as
				// the result so the breaker counts the call as a success.
				return mapGoogleError(err), nil
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.NewNetworkError(0, "google calendar circuit open", err)
		}
		return mapGoogleError(err)
	}
	if mapped, ok := res.(error); ok && mapped != nil {
		return mapped
	}
	return nil
}

// =============================================================================
// Calendar Operations
// =============================================================================

// ListCalendars lists the account's calendars.
func (a *GoogleCalendarAdapter) ListCalendars(ctx context.Context, userID, accountID string) ([]domain.CalendarDescriptor, error) {
	var list *calendar.CalendarList
	err := a.execute(ctx, userID, accountID, func(svc *calendar.Service) error {
		var err error
		list, err = svc.CalendarList.List().Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	cals := make([]domain.CalendarDescriptor, 0, len(list.Items))
	for _, item := range list.Items {
		cals = append(cals, domain.CalendarDescriptor{
			GoogleCalendarID: item.Id,
			Name:             item.Summary,
			Color:            item.BackgroundColor,
			IsPrimary:        item.Primary,
			AccessRole:       item.AccessRole,
		})
	}
	return cals, nil
}

// =============================================================================
// Event Operations
// =============================================================================

// FetchEventsPage retrieves one page of the events listing. The caller drives
// pagination so every page request runs under its own retry budget.
func (a *GoogleCalendarAdapter) FetchEventsPage(ctx context.Context, userID, accountID, googleCalendarID string, q out.EventsQuery) (*domain.EventsPage, error) {
	var resp *calendar.Events
	err := a.execute(ctx, userID, accountID, func(svc *calendar.Service) error {
		req := svc.Events.List(googleCalendarID).
			SingleEvents(false).
			ShowDeleted(true).
			MaxResults(eventsPageSize).
			Context(ctx)

		// A page token resumes an in-flight listing and already encodes the
		// sync token when there was one.
		switch {
		case q.PageToken != "":
			req = req.PageToken(q.PageToken)
		case q.SyncToken != "":
			req = req.SyncToken(q.SyncToken)
		}

		var err error
		resp, err = req.Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	items := make([]domain.RawEvent, 0, len(resp.Items))
	for _, item := range resp.Items {
		items = append(items, convertEvent(item))
	}
	return &domain.EventsPage{
		Items:         items,
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}, nil
}

// =============================================================================
// Token Refresh
// =============================================================================

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RefreshAccessToken exchanges a refresh token at the Google token endpoint.
// Any non-2xx answer means the grant is gone and the account needs reauth.
func (a *GoogleCalendarAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.RefreshedToken, error) {
	form := url.Values{
		"client_id":     {a.oauthConfig.ClientID},
		"client_secret": {a.oauthConfig.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.oauthConfig.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.NewNetworkError(0, "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.oauthClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError(0, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewNetworkError(resp.StatusCode, "failed to read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var oauthErr tokenErrorResponse
		_ = json.Unmarshal(body, &oauthErr)
		msg := oauthErr.Error
		if msg == "" {
			msg = fmt.Sprintf("token refresh failed with status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 500 {
			return nil, domain.NewServerError(resp.StatusCode)
		}
		return nil, domain.NewAuthError(resp.StatusCode, msg)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, domain.NewNetworkError(resp.StatusCode, "malformed token response", err)
	}
	if tok.AccessToken == "" {
		return nil, domain.NewAuthError(resp.StatusCode, "token response carried no access token")
	}

	return &domain.RefreshedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}, nil
}

// =============================================================================
// Watch (Push Notifications)
// =============================================================================

// CreateWatchChannel registers a push channel for the calendar.
func (a *GoogleCalendarAdapter) CreateWatchChannel(ctx context.Context, userID, accountID, googleCalendarID, channelID, channelToken, address string) (*out.WatchChannel, error) {
	channel := &calendar.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    address,
		Token:      channelToken,
		Expiration: time.Now().Add(watchTTL).UnixMilli(),
	}

	var resp *calendar.Channel
	err := a.execute(ctx, userID, accountID, func(svc *calendar.Service) error {
		var err error
		resp, err = svc.Events.Watch(googleCalendarID, channel).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	return &out.WatchChannel{
		ResourceID: resp.ResourceId,
		ExpiresAt:  time.UnixMilli(resp.Expiration),
	}, nil
}

// =============================================================================
// Error Mapping
// =============================================================================

// mapGoogleError converts transport failures into the sync error taxonomy.
func mapGoogleError(err error) error {
	if err == nil {
		return nil
	}
	var se *domain.SyncError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return domain.NewAuthError(401, apiErr.Message)
		case 403:
			if reason := errorReason(apiErr); quotaReasons[reason] {
				return domain.NewQuotaError(reason)
			}
			return domain.NewAuthError(403, apiErr.Message)
		case 410:
			return domain.NewSyncTokenExpiredError()
		case 429:
			return domain.NewRateLimitedError()
		case 500, 502, 503, 504:
			return domain.NewServerError(apiErr.Code)
		default:
			return domain.NewRequestFailedError(apiErr.Code, apiErr.Message)
		}
	}

	return domain.NewNetworkError(0, "google api request failed", err)
}

func errorReason(apiErr *googleapi.Error) string {
	for _, item := range apiErr.Errors {
		if item.Reason != "" {
			return item.Reason
		}
	}
	return ""
}

// =============================================================================
// Conversion
// =============================================================================

func convertEvent(item *calendar.Event) domain.RawEvent {
	raw := domain.RawEvent{
		ID:               item.Id,
		Status:           item.Status,
		Summary:          item.Summary,
		Description:      item.Description,
		Location:         item.Location,
		ColorID:          item.ColorId,
		Recurrence:       item.Recurrence,
		RecurringEventID: item.RecurringEventId,
		Visibility:       item.Visibility,
		Transparency:     item.Transparency,
		HTMLLink:         item.HtmlLink,
		ICalUID:          item.ICalUID,
		Etag:             item.Etag,
	}

	raw.Start = convertDateTime(item.Start)
	raw.End = convertDateTime(item.End)
	raw.OriginalStartTime = convertDateTime(item.OriginalStartTime)

	if len(item.Attendees) > 0 {
		raw.Attendees, _ = json.Marshal(item.Attendees)
	}
	if item.Organizer != nil {
		raw.Organizer, _ = json.Marshal(item.Organizer)
	}
	if item.Reminders != nil {
		raw.Reminders, _ = json.Marshal(item.Reminders)
	}
	if item.ConferenceData != nil {
		raw.ConferenceData, _ = json.Marshal(item.ConferenceData)
	}
	return raw
}

func convertDateTime(dt *calendar.EventDateTime) domain.EventDateTime {
	if dt == nil {
		return domain.EventDateTime{}
	}
	return domain.EventDateTime{
		Date:     dt.Date,
		DateTime: dt.DateTime,
		TimeZone: dt.TimeZone,
	}
}

// Ensure interface compliance
var (
	_ out.CalendarProviderPort = (*GoogleCalendarAdapter)(nil)
	_ out.TokenRefresher       = (*GoogleCalendarAdapter)(nil)
)
