package sync

import (
	"context"
	stdsync "sync"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"
	"chronos_server/pkg/crypto"
)

// stateWrite records one sync-state upsert for assertions.
type stateWrite struct {
	syncToken string
	upd       domain.SyncStateUpdate
}

// fakeStore is an in-memory implementation of all four repositories.
type fakeStore struct {
	mu  stdsync.Mutex
	enc *crypto.Encryptor

	accounts  map[string]*domain.GoogleAccount
	calendars map[string]*domain.GoogleCalendar // by local id
	states    map[string]*domain.CalendarSyncState
	routes    map[string]*domain.WebhookRoute // by channel id
	events    map[string]domain.Event         // by calendarID|eventID

	writes     []stateWrite
	regs       []domain.WatchRegistration
	clearCalls int
	upsertErr  error
	upserts    int
}

func newFakeStore(enc *crypto.Encryptor) *fakeStore {
	return &fakeStore{
		enc:       enc,
		accounts:  make(map[string]*domain.GoogleAccount),
		calendars: make(map[string]*domain.GoogleCalendar),
		states:    make(map[string]*domain.CalendarSyncState),
		routes:    make(map[string]*domain.WebhookRoute),
		events:    make(map[string]domain.Event),
	}
}

// --- AccountRepository ---

func (s *fakeStore) GetAccount(ctx context.Context, accountID string) (*domain.GoogleAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[accountID], nil
}

func (s *fakeStore) GetAccountsForUser(ctx context.Context, userID string) ([]domain.GoogleAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.GoogleAccount
	for _, a := range s.accounts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) GetDecryptedTokens(ctx context.Context, userID, accountID string) (*domain.TokenSet, error) {
	return &domain.TokenSet{AccessToken: "access", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *fakeStore) UpdateTokens(ctx context.Context, accountID, accessCT string, expiresAt time.Time, refreshCT string) error {
	return nil
}

func (s *fakeStore) MarkNeedsReauth(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.accounts[accountID]; a != nil {
		a.NeedsReauth = true
	}
	return nil
}

// --- CalendarRepository ---

func (s *fakeStore) UpsertCalendars(ctx context.Context, accountID string, cals []domain.CalendarDescriptor) ([]domain.GoogleCalendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []domain.GoogleCalendar
	for _, c := range cals {
		row := domain.GoogleCalendar{
			ID:               "local-" + c.GoogleCalendarID,
			GoogleAccountID:  accountID,
			GoogleCalendarID: c.GoogleCalendarID,
			Name:             c.Name,
			Color:            c.Color,
			IsPrimary:        c.IsPrimary,
			AccessRole:       c.AccessRole,
		}
		s.calendars[row.ID] = &row
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *fakeStore) GetCalendar(ctx context.Context, calendarID, userID string) (*domain.GoogleCalendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cal := s.calendars[calendarID]
	if cal == nil {
		return nil, nil
	}
	acct := s.accounts[cal.GoogleAccountID]
	if acct == nil || acct.UserID != userID {
		return nil, nil
	}
	return cal, nil
}

func (s *fakeStore) GetAllForUser(ctx context.Context, userID string) ([]domain.GoogleCalendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []domain.GoogleCalendar
	for _, c := range s.calendars {
		if a := s.accounts[c.GoogleAccountID]; a != nil && a.UserID == userID {
			rows = append(rows, *c)
		}
	}
	return rows, nil
}

func (s *fakeStore) GetUserCalendarIDs(ctx context.Context, userID string, requested []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := make(map[string]bool)
	for id, c := range s.calendars {
		if a := s.accounts[c.GoogleAccountID]; a != nil && a.UserID == userID {
			owned[id] = true
		}
	}
	var ids []string
	if len(requested) == 0 {
		for id := range owned {
			ids = append(ids, id)
		}
		return ids, nil
	}
	for _, id := range requested {
		if owned[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- EventRepository ---

func (s *fakeStore) UpsertEvents(ctx context.Context, events []domain.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	for _, ev := range events {
		s.events[ev.GoogleCalendarID+"|"+ev.GoogleEventID] = ev
	}
	return len(events), nil
}

func (s *fakeStore) QueryEvents(ctx context.Context, calendarIDs []string) (single, masters, exceptions []domain.Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(calendarIDs))
	for _, id := range calendarIDs {
		wanted[id] = true
	}
	for _, ev := range s.events {
		if !wanted[ev.GoogleCalendarID] {
			continue
		}
		switch {
		case ev.RecurringEventID != "":
			exceptions = append(exceptions, ev)
		case len(ev.Recurrence) > 0:
			if ev.Status != "cancelled" {
				masters = append(masters, ev)
			}
		default:
			if ev.Status != "cancelled" {
				single = append(single, ev)
			}
		}
	}
	return single, masters, exceptions, nil
}

func (s *fakeStore) GetLatestSyncAt(ctx context.Context, calendarIDs []string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *time.Time
	for _, id := range calendarIDs {
		if st := s.states[id]; st != nil && !st.LastSyncAt.IsZero() {
			if latest == nil || st.LastSyncAt.After(*latest) {
				t := st.LastSyncAt
				latest = &t
			}
		}
	}
	return latest, nil
}

// --- SyncStateRepository ---

func (s *fakeStore) Get(ctx context.Context, calendarID string) (*domain.CalendarSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[calendarID]
	if st == nil {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *fakeStore) Update(ctx context.Context, calendarID, syncToken string, upd domain.SyncStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[calendarID]
	if st == nil {
		st = &domain.CalendarSyncState{GoogleCalendarID: calendarID}
		s.states[calendarID] = st
	}
	st.SyncToken = syncToken
	st.LastSyncAt = time.Now()
	if upd.PageToken != nil {
		st.NextPageToken = *upd.PageToken
	}
	if upd.PagesFetched != nil {
		st.PagesFetched = *upd.PagesFetched
	}
	if upd.ItemsUpserted != nil {
		st.ItemsUpserted = *upd.ItemsUpserted
	}
	if upd.SyncDurationMS != nil {
		st.SyncDurationMS = *upd.SyncDurationMS
	}
	if upd.FullSyncComplete != nil {
		st.FullSyncComplete = *upd.FullSyncComplete
	}
	s.writes = append(s.writes, stateWrite{syncToken: syncToken, upd: upd})
	return nil
}

func (s *fakeStore) Clear(ctx context.Context, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls++
	if st := s.states[calendarID]; st != nil {
		st.SyncToken = ""
		st.NextPageToken = ""
	}
	return nil
}

func (s *fakeStore) SaveWebhookRegistration(ctx context.Context, reg domain.WatchRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[reg.GoogleCalendarID]
	if st == nil {
		st = &domain.CalendarSyncState{GoogleCalendarID: reg.GoogleCalendarID}
		s.states[reg.GoogleCalendarID] = st
	}
	st.WebhookChannelID = reg.ChannelID
	st.WebhookResourceID = reg.ResourceID
	st.WebhookChannelToken = reg.ChannelToken
	st.WebhookExpiresAt = reg.ExpiresAt
	s.regs = append(s.regs, reg)
	cal := s.calendars[reg.GoogleCalendarID]
	route := &domain.WebhookRoute{
		GoogleCalendarID: reg.GoogleCalendarID,
		ChannelToken:     reg.ChannelToken,
	}
	if cal != nil {
		route.GoogleAccountID = cal.GoogleAccountID
		if a := s.accounts[cal.GoogleAccountID]; a != nil {
			route.UserID = a.UserID
		}
	}
	s.routes[reg.ChannelID] = route
	return nil
}

func (s *fakeStore) GetByChannelID(ctx context.Context, channelID string) (*domain.WebhookRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes[channelID], nil
}

var (
	_ out.AccountRepository   = (*fakeStore)(nil)
	_ out.CalendarRepository  = (*fakeStore)(nil)
	_ out.EventRepository     = (*fakeStore)(nil)
	_ out.SyncStateRepository = (*fakeStore)(nil)
)

// --- Provider ---

type pageResult struct {
	page *domain.EventsPage
	err  error
}

// fakeProvider replays a scripted sequence of page results and records the
// queries it was asked.
type fakeProvider struct {
	mu       stdsync.Mutex
	results  []pageResult
	queries  []out.EventsQuery
	watchErr error
	watches  []string
}

func (p *fakeProvider) ListCalendars(ctx context.Context, userID, accountID string) ([]domain.CalendarDescriptor, error) {
	return nil, nil
}

func (p *fakeProvider) FetchEventsPage(ctx context.Context, userID, accountID, googleCalendarID string, q out.EventsQuery) (*domain.EventsPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, q)
	if len(p.results) == 0 {
		return &domain.EventsPage{}, nil
	}
	res := p.results[0]
	p.results = p.results[1:]
	return res.page, res.err
}

func (p *fakeProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.RefreshedToken, error) {
	return nil, nil
}

func (p *fakeProvider) CreateWatchChannel(ctx context.Context, userID, accountID, googleCalendarID, channelID, channelToken, address string) (*out.WatchChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	p.watches = append(p.watches, channelID)
	return &out.WatchChannel{ResourceID: "res-" + channelID, ExpiresAt: time.Now().Add(7 * 24 * time.Hour)}, nil
}

var _ out.CalendarProviderPort = (*fakeProvider)(nil)

// --- Sink ---

// recordingSink collects progress records in order.
type recordingSink struct {
	mu   stdsync.Mutex
	recs []domain.ProgressRecord
}

func (r *recordingSink) sink(rec domain.ProgressRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordingSink) records() []domain.ProgressRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ProgressRecord(nil), r.recs...)
}

func (r *recordingSink) types() []domain.ProgressType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ProgressType, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Type)
	}
	return out
}
