package sync

import (
	"context"
	"testing"
	"time"

	"chronos_server/core/domain"
	"chronos_server/pkg/crypto"

	"github.com/rs/zerolog"
)

const (
	testUserID     = "user-1"
	testAccountID  = "acct-1"
	testCalendarID = "cal-1"
)

type engineFixture struct {
	engine   *Engine
	store    *fakeStore
	provider *fakeProvider
	enc      *crypto.Encryptor
}

func newEngineFixture(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()
	enc, err := crypto.NewEncryptor("sync-engine-test-master-key")
	if err != nil {
		t.Fatal(err)
	}
	store := newFakeStore(enc)
	store.accounts[testAccountID] = &domain.GoogleAccount{
		ID:     testAccountID,
		UserID: testUserID,
		Email:  "user@example.com",
	}
	store.calendars[testCalendarID] = &domain.GoogleCalendar{
		ID:               testCalendarID,
		GoogleAccountID:  testAccountID,
		GoogleCalendarID: "primary",
		Name:             "Primary",
	}
	provider := &fakeProvider{}
	transform := NewTransformer(enc, zerolog.Nop())
	engine := NewEngine(store, store, store, store, provider, transform, cfg, zerolog.Nop())
	return &engineFixture{engine: engine, store: store, provider: provider, enc: enc}
}

func standupPage(nextSyncToken string) *domain.EventsPage {
	return &domain.EventsPage{
		Items: []domain.RawEvent{{
			ID:      "e1",
			Summary: "Standup",
			Start:   domain.EventDateTime{DateTime: "2025-06-15T10:00:00Z"},
			End:     domain.EventDateTime{DateTime: "2025-06-15T11:00:00Z"},
			Status:  "confirmed",
		}},
		NextSyncToken: nextSyncToken,
	}
}

func TestSyncCalendarHappyPath(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.provider.results = []pageResult{{page: standupPage("tok-1")}}

	var sink recordingSink
	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, sink.sink); err != nil {
		t.Fatalf("SyncCalendar() = %v", err)
	}

	recs := sink.records()
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3: %+v", len(recs), sink.types())
	}
	if recs[0].Type != domain.ProgressEvents || recs[1].Type != domain.ProgressSyncToken || recs[2].Type != domain.ProgressCalendarDone {
		t.Fatalf("record order = %v", sink.types())
	}
	if len(recs[0].Events) != 1 || recs[0].Events[0].Summary != "Standup" {
		t.Fatalf("events record = %+v", recs[0].Events)
	}
	if recs[0].CalendarID != testCalendarID {
		t.Fatalf("calendar id = %q", recs[0].CalendarID)
	}

	// Persisted event decrypts back to the plaintext.
	ev, ok := f.store.events[testCalendarID+"|e1"]
	if !ok {
		t.Fatal("event row missing")
	}
	plain, err := f.enc.Decrypt(ev.Summary, testUserID)
	if err != nil || plain != "Standup" {
		t.Fatalf("decrypted summary = %q, %v", plain, err)
	}
	if !ev.EmbeddingPending {
		t.Fatal("confirmed event should leave embedding_pending set")
	}

	st := f.store.states[testCalendarID]
	if st == nil || st.SyncToken != "tok-1" || st.NextPageToken != "" {
		t.Fatalf("sync state = %+v", st)
	}
	if !st.FullSyncComplete {
		t.Fatal("full_sync_complete not set")
	}
}

func TestSyncCalendarIdempotent(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.provider.results = []pageResult{{page: standupPage("tok-1")}, {page: standupPage("tok-1")}}

	for i := 0; i < 2; i++ {
		if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, nil); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(f.store.events) != 1 {
		t.Fatalf("event rows = %d, want 1", len(f.store.events))
	}
	if st := f.store.states[testCalendarID]; st.SyncToken != "tok-1" {
		t.Fatalf("sync token = %q", st.SyncToken)
	}
}

func TestSyncCalendarMultiPagePersistsBoundaries(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	page1 := &domain.EventsPage{
		Items:         []domain.RawEvent{{ID: "e1", Summary: "A"}},
		NextPageToken: "pg2",
	}
	page2 := &domain.EventsPage{
		Items:         []domain.RawEvent{{ID: "e2", Summary: "B"}},
		NextSyncToken: "tok-final",
	}
	f.provider.results = []pageResult{{page: page1}, {page: page2}}

	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, nil); err != nil {
		t.Fatal(err)
	}

	// First write is the page boundary: empty sync token, page token saved.
	if len(f.store.writes) < 2 {
		t.Fatalf("writes = %d, want >= 2", len(f.store.writes))
	}
	first := f.store.writes[0]
	if first.syncToken != "" || first.upd.PageToken == nil || *first.upd.PageToken != "pg2" {
		t.Fatalf("page boundary write = %+v", first)
	}
	last := f.store.writes[len(f.store.writes)-1]
	if last.syncToken != "tok-final" || last.upd.PageToken == nil || *last.upd.PageToken != "" {
		t.Fatalf("final write = %+v", last)
	}

	// Second request carried the page token.
	if q := f.provider.queries[1]; q.PageToken != "pg2" || q.SyncToken != "" {
		t.Fatalf("second query = %+v", q)
	}
}

func TestSyncCalendarIncrementalUsesSyncToken(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.store.states[testCalendarID] = &domain.CalendarSyncState{
		GoogleCalendarID: testCalendarID,
		SyncToken:        "tok-old",
		FullSyncComplete: true,
	}
	f.provider.results = []pageResult{{page: standupPage("tok-new")}}

	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, nil); err != nil {
		t.Fatal(err)
	}
	if q := f.provider.queries[0]; q.SyncToken != "tok-old" || q.PageToken != "" {
		t.Fatalf("first query = %+v", q)
	}
	if st := f.store.states[testCalendarID]; st.SyncToken != "tok-new" {
		t.Fatalf("sync token = %q", st.SyncToken)
	}
}

func TestSyncCalendarResumesFromPageToken(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.store.states[testCalendarID] = &domain.CalendarSyncState{
		GoogleCalendarID: testCalendarID,
		SyncToken:        "old",
		NextPageToken:    "pg2",
	}
	f.provider.results = []pageResult{{page: standupPage("tok-new")}}

	var sink recordingSink
	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, sink.sink); err != nil {
		t.Fatal(err)
	}

	// The resume request uses the page token and must not send the sync token.
	if q := f.provider.queries[0]; q.PageToken != "pg2" || q.SyncToken != "" {
		t.Fatalf("resume query = %+v", q)
	}
	types := sink.types()
	if types[0] != domain.ProgressEvents || types[1] != domain.ProgressSyncToken {
		t.Fatalf("record order = %v", types)
	}
}

func TestSyncCalendarSyncTokenExpiredRestartsOnce(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.store.states[testCalendarID] = &domain.CalendarSyncState{
		GoogleCalendarID: testCalendarID,
		SyncToken:        "stale",
	}
	f.provider.results = []pageResult{
		{err: domain.NewSyncTokenExpiredError()},
		{page: &domain.EventsPage{
			Items:         []domain.RawEvent{{ID: "r1", Summary: "Rebuilt"}},
			NextSyncToken: "fresh",
		}},
	}

	var sink recordingSink
	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, sink.sink); err != nil {
		t.Fatal(err)
	}

	if f.store.clearCalls != 1 {
		t.Fatalf("clear calls = %d, want 1", f.store.clearCalls)
	}
	if q := f.provider.queries[1]; q.SyncToken != "" || q.PageToken != "" {
		t.Fatalf("restart query = %+v, want full sync", q)
	}
	var events, tokens int
	for _, typ := range sink.types() {
		switch typ {
		case domain.ProgressEvents:
			events++
		case domain.ProgressSyncToken:
			tokens++
		}
	}
	if events != 1 || tokens != 1 {
		t.Fatalf("events=%d tokens=%d, want 1/1", events, tokens)
	}
	if st := f.store.states[testCalendarID]; st.SyncToken != "fresh" {
		t.Fatalf("sync token = %q, want fresh", st.SyncToken)
	}
}

func TestSyncCalendarSecondSyncTokenExpiryIsTerminal(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.store.states[testCalendarID] = &domain.CalendarSyncState{
		GoogleCalendarID: testCalendarID,
		SyncToken:        "stale",
	}
	f.provider.results = []pageResult{
		{err: domain.NewSyncTokenExpiredError()},
		{err: domain.NewSyncTokenExpiredError()},
	}

	var sink recordingSink
	err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, sink.sink)
	if !domain.IsKind(err, domain.ErrSyncTokenExpired) {
		t.Fatalf("err = %v, want sync token expired", err)
	}
	if f.store.clearCalls != 1 {
		t.Fatalf("clear calls = %d, want 1", f.store.clearCalls)
	}
	types := sink.types()
	if len(types) != 1 || types[0] != domain.ProgressError {
		t.Fatalf("records = %v, want single error", types)
	}
}

func TestSyncCalendarStaleResumeFallsBackToFullSync(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.store.states[testCalendarID] = &domain.CalendarSyncState{
		GoogleCalendarID: testCalendarID,
		NextPageToken:    "pg-stale",
	}
	f.provider.results = []pageResult{
		{err: domain.NewServerError(503)},
		{page: standupPage("tok-recovered")},
	}

	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, nil); err != nil {
		t.Fatal(err)
	}
	if q := f.provider.queries[1]; q.PageToken != "" || q.SyncToken != "" {
		t.Fatalf("restart query = %+v, want full sync", q)
	}
	if st := f.store.states[testCalendarID]; st.SyncToken != "tok-recovered" {
		t.Fatalf("sync token = %q", st.SyncToken)
	}
}

func TestSyncCalendarMidRunFailureSavesResumePoint(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.provider.results = []pageResult{
		{page: &domain.EventsPage{
			Items:         []domain.RawEvent{{ID: "e1", Summary: "A"}},
			NextPageToken: "pg3",
		}},
		{err: domain.NewServerError(500)},
	}

	var sink recordingSink
	err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, sink.sink)
	if !domain.IsKind(err, domain.ErrServer) {
		t.Fatalf("err = %v, want server error", err)
	}

	// The page token acquired mid-run survives for the next run to resume.
	last := f.store.writes[len(f.store.writes)-1]
	if last.syncToken != "" || last.upd.PageToken == nil || *last.upd.PageToken != "pg3" {
		t.Fatalf("resume write = %+v", last)
	}

	types := sink.types()
	lastRec := sink.records()[len(types)-1]
	if lastRec.Type != domain.ProgressError || !lastRec.Retryable || lastRec.Code != "500" {
		t.Fatalf("error record = %+v", lastRec)
	}
}

func TestSyncCalendarPersistFailureStillAdvancesToken(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.store.upsertErr = domain.NewPersistError(0, context.DeadlineExceeded)
	f.provider.results = []pageResult{{page: standupPage("tok-1")}}

	var sink recordingSink
	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, sink.sink); err != nil {
		t.Fatalf("SyncCalendar() = %v, persist failure should not fail the run", err)
	}

	if st := f.store.states[testCalendarID]; st.SyncToken != "tok-1" {
		t.Fatalf("sync token = %q, want tok-1 despite persist failure", st.SyncToken)
	}

	types := sink.types()
	wantOrder := []domain.ProgressType{
		domain.ProgressEvents,
		domain.ProgressSyncToken,
		domain.ProgressError,
		domain.ProgressCalendarDone,
	}
	if len(types) != len(wantOrder) {
		t.Fatalf("records = %v", types)
	}
	for i := range wantOrder {
		if types[i] != wantOrder[i] {
			t.Fatalf("records = %v, want %v", types, wantOrder)
		}
	}
	for _, rec := range sink.records() {
		if rec.Type == domain.ProgressError {
			if rec.Code != "persist" || !rec.Retryable {
				t.Fatalf("persist record = %+v", rec)
			}
		}
	}
}

func TestSyncCalendarRefusesNeedsReauthAccount(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.store.accounts[testAccountID].NeedsReauth = true

	var sink recordingSink
	err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, sink.sink)
	if !domain.IsKind(err, domain.ErrAuth) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if len(f.provider.queries) != 0 {
		t.Fatal("provider was called for a needs_reauth account")
	}
}

func TestSyncCalendarUnknownCalendar(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	err := f.engine.SyncCalendar(context.Background(), testUserID, "cal-missing", nil)
	if !domain.IsKind(err, domain.ErrBadRequest) {
		t.Fatalf("err = %v, want bad request", err)
	}
}

func TestSyncCalendarForeignCalendarHidden(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	err := f.engine.SyncCalendar(context.Background(), "other-user", testCalendarID, nil)
	if !domain.IsKind(err, domain.ErrBadRequest) {
		t.Fatalf("err = %v, want bad request for foreign calendar", err)
	}
}

func TestSyncCalendarRegistersWatchChannel(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.WebhookURL = "https://api.example.com/api/calendar/webhook/google-calendar"
	f := newEngineFixture(t, cfg)
	f.provider.results = []pageResult{{page: standupPage("tok-1")}}

	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, nil); err != nil {
		t.Fatal(err)
	}
	if len(f.store.regs) != 1 {
		t.Fatalf("registrations = %d, want 1", len(f.store.regs))
	}
	reg := f.store.regs[0]
	if reg.GoogleCalendarID != testCalendarID || reg.ChannelID == "" {
		t.Fatalf("registration = %+v", reg)
	}
	if len(reg.ChannelToken) < 64 {
		t.Fatalf("channel token %q carries too little entropy", reg.ChannelToken)
	}
}

func TestSyncCalendarSkipsWatchRenewalWhileValid(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.WebhookURL = "https://api.example.com/api/calendar/webhook/google-calendar"
	f := newEngineFixture(t, cfg)
	f.store.states[testCalendarID] = &domain.CalendarSyncState{
		GoogleCalendarID:    testCalendarID,
		WebhookChannelID:    "chan-live",
		WebhookResourceID:   "res-live",
		WebhookChannelToken: "token-live",
		WebhookExpiresAt:    time.Now().Add(6 * 24 * time.Hour),
	}
	f.provider.results = []pageResult{{page: standupPage("tok-1")}}

	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, nil); err != nil {
		t.Fatal(err)
	}
	if len(f.provider.watches) != 0 {
		t.Fatal("valid watch channel was re-registered")
	}
}

func TestSyncCalendarWatchPushNotSupportedIsNonFatal(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.WebhookURL = "https://api.example.com/api/calendar/webhook/google-calendar"
	f := newEngineFixture(t, cfg)
	f.provider.watchErr = domain.NewRequestFailedError(400, "push notifications are not supported")
	f.provider.results = []pageResult{{page: standupPage("tok-1")}}

	if err := f.engine.SyncCalendar(context.Background(), testUserID, testCalendarID, nil); err != nil {
		t.Fatalf("push-not-supported failed the sync: %v", err)
	}
	if st := f.store.states[testCalendarID]; st.SyncToken != "tok-1" {
		t.Fatalf("sync token = %q", st.SyncToken)
	}
}

func TestSyncCalendarHonorsCancellation(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.engine.SyncCalendar(ctx, testUserID, testCalendarID, nil)
	if err == nil {
		t.Fatal("cancelled run returned nil")
	}
}
