// Package calendar serves the read-side REST surface: decrypted event
// queries, calendar listings and provider-backed calendar refresh.
package calendar

import (
	"context"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"
	syncsvc "chronos_server/core/service/sync"

	"github.com/rs/zerolog"
)

// EventsQueryResult groups the rows the client renders separately: plain
// events, recurring masters and recurrence exceptions.
type EventsQueryResult struct {
	Events     []domain.ClientEvent `json:"events"`
	Masters    []domain.ClientEvent `json:"masters"`
	Exceptions []domain.ClientEvent `json:"exceptions"`
}

// SyncStatus reports the freshest completed sync across the queried calendars.
type SyncStatus struct {
	LastSyncAt *time.Time `json:"lastSyncAt"`
}

type Service struct {
	accounts  out.AccountRepository
	calendars out.CalendarRepository
	events    out.EventRepository
	provider  out.CalendarProviderPort
	transform *syncsvc.Transformer
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(
	accounts out.AccountRepository,
	calendars out.CalendarRepository,
	events out.EventRepository,
	provider out.CalendarProviderPort,
	transform *syncsvc.Transformer,
	log zerolog.Logger,
) *Service {
	return &Service{
		accounts:  accounts,
		calendars: calendars,
		events:    events,
		provider:  provider,
		transform: transform,
		log:       log.With().Str("component", "calendar_service").Logger(),
		now:       time.Now,
	}
}

// QueryDecryptedEvents returns the user's stored events decrypted into the
// client shape. requested narrows the calendars; empty means all of them.
// Plain events come back proximity-ordered around now.
func (s *Service) QueryDecryptedEvents(ctx context.Context, userID string, requested []string) (*EventsQueryResult, error) {
	calendarIDs, err := s.calendars.GetUserCalendarIDs(ctx, userID, requested)
	if err != nil {
		return nil, err
	}
	if len(calendarIDs) == 0 {
		return &EventsQueryResult{
			Events:     []domain.ClientEvent{},
			Masters:    []domain.ClientEvent{},
			Exceptions: []domain.ClientEvent{},
		}, nil
	}

	single, masters, exceptions, err := s.events.QueryEvents(ctx, calendarIDs)
	if err != nil {
		return nil, err
	}

	res := &EventsQueryResult{
		Events:     s.transform.ToClientEvents(single, userID),
		Masters:    s.transform.ToClientEvents(masters, userID),
		Exceptions: s.transform.ToClientEvents(exceptions, userID),
	}
	syncsvc.SortByProximity(res.Events, s.now())
	return res, nil
}

// ListAccounts returns the user's linked Google accounts.
func (s *Service) ListAccounts(ctx context.Context, userID string) ([]domain.GoogleAccount, error) {
	return s.accounts.GetAccountsForUser(ctx, userID)
}

// ListCalendars returns the user's calendars joined with account metadata.
func (s *Service) ListCalendars(ctx context.Context, userID string) ([]domain.CalendarView, error) {
	cals, err := s.calendars.GetAllForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	accounts, err := s.accounts.GetAccountsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.GoogleAccount, len(accounts))
	for i := range accounts {
		byID[accounts[i].ID] = &accounts[i]
	}
	views := make([]domain.CalendarView, 0, len(cals))
	for i := range cals {
		views = append(views, buildView(&cals[i], byID[cals[i].GoogleAccountID]))
	}
	return views, nil
}

// GetSyncStatus reports when the queried calendars last completed a sync.
// LastSyncAt is nil when none of them has synced yet.
func (s *Service) GetSyncStatus(ctx context.Context, userID string, requested []string) (*SyncStatus, error) {
	calendarIDs, err := s.calendars.GetUserCalendarIDs(ctx, userID, requested)
	if err != nil {
		return nil, err
	}
	if len(calendarIDs) == 0 {
		return &SyncStatus{}, nil
	}
	last, err := s.events.GetLatestSyncAt(ctx, calendarIDs)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{LastSyncAt: last}, nil
}

// RefreshCalendars re-reads the account's calendar listing from Google,
// upserts the local rows and returns the refreshed views.
func (s *Service) RefreshCalendars(ctx context.Context, userID, accountID string) ([]domain.CalendarView, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.UserID != userID {
		return nil, domain.NewBadRequestError("google account not found")
	}
	if account.NeedsReauth {
		return nil, domain.NewAuthError(401, "account requires re-authentication")
	}

	descriptors, err := s.provider.ListCalendars(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	cals, err := s.calendars.UpsertCalendars(ctx, accountID, descriptors)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("account_id", accountID).
		Int("calendars", len(cals)).
		Msg("calendar listing refreshed")

	views := make([]domain.CalendarView, 0, len(cals))
	for i := range cals {
		views = append(views, buildView(&cals[i], account))
	}
	return views, nil
}

func buildView(cal *domain.GoogleCalendar, account *domain.GoogleAccount) domain.CalendarView {
	view := domain.CalendarView{
		ID:               cal.ID,
		GoogleCalendarID: cal.GoogleCalendarID,
		Name:             cal.Name,
		Color:            cal.Color,
		IsPrimary:        cal.IsPrimary,
		GoogleAccountID:  cal.GoogleAccountID,
	}
	if account != nil {
		view.AccountEmail = account.Email
		view.AccountName = account.Name
		view.NeedsReauth = account.NeedsReauth
	}
	return view
}
