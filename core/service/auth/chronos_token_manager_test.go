package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chronos_server/core/domain"
	"chronos_server/pkg/crypto"
	"chronos_server/pkg/metrics"
	"chronos_server/pkg/ratelimit"

	"github.com/rs/zerolog"
)

// fakeAccountRepo is an in-memory AccountRepository covering the token paths.
type fakeAccountRepo struct {
	mu          sync.Mutex
	enc         *crypto.Encryptor
	userID      string
	accessCT    string
	refreshCT   string
	expiresAt   time.Time
	needsReauth bool
	missing     bool // simulates an unlinked account: token row gone
	updates     int
}

func (r *fakeAccountRepo) GetAccount(ctx context.Context, accountID string) (*domain.GoogleAccount, error) {
	return &domain.GoogleAccount{ID: accountID, UserID: r.userID, NeedsReauth: r.needsReauth}, nil
}

func (r *fakeAccountRepo) GetAccountsForUser(ctx context.Context, userID string) ([]domain.GoogleAccount, error) {
	return nil, nil
}

func (r *fakeAccountRepo) GetDecryptedTokens(ctx context.Context, userID, accountID string) (*domain.TokenSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.missing {
		return nil, nil
	}
	ts := &domain.TokenSet{ExpiresAt: r.expiresAt}
	var err error
	if r.accessCT != "" {
		if ts.AccessToken, err = r.enc.Decrypt(r.accessCT, userID); err != nil {
			return nil, err
		}
	}
	if r.refreshCT != "" {
		if ts.RefreshToken, err = r.enc.Decrypt(r.refreshCT, userID); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

func (r *fakeAccountRepo) UpdateTokens(ctx context.Context, accountID, accessCT string, expiresAt time.Time, refreshCT string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessCT = accessCT
	r.expiresAt = expiresAt
	if refreshCT != "" {
		r.refreshCT = refreshCT
	}
	r.updates++
	return nil
}

func (r *fakeAccountRepo) MarkNeedsReauth(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.needsReauth = true
	return nil
}

type fakeRefresher struct {
	mu     sync.Mutex
	calls  int
	result *domain.RefreshedToken
	err    error
	block  chan struct{} // when set, refresh waits until closed
}

func (f *fakeRefresher) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.RefreshedToken, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(t *testing.T, repo *fakeAccountRepo, refresher *fakeRefresher) *TokenManager {
	t.Helper()
	m := NewTokenManager(repo, ratelimit.NewAccountLimiter(), repo.enc, zerolog.Nop())
	m.SetRefresher(refresher)
	return m
}

func seedRepo(t *testing.T, userID, access, refresh string, expiresAt time.Time) *fakeAccountRepo {
	t.Helper()
	enc, err := crypto.NewEncryptor("token-manager-test-master-key")
	if err != nil {
		t.Fatal(err)
	}
	repo := &fakeAccountRepo{enc: enc, userID: userID, expiresAt: expiresAt}
	if access != "" {
		if repo.accessCT, err = enc.Encrypt(access, userID); err != nil {
			t.Fatal(err)
		}
	}
	if refresh != "" {
		if repo.refreshCT, err = enc.Encrypt(refresh, userID); err != nil {
			t.Fatal(err)
		}
	}
	return repo
}

func TestValidAccessTokenFreshTokenSkipsRefresh(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-fresh", "refresh-1", time.Now().Add(time.Hour))
	refresher := &fakeRefresher{}
	m := newTestManager(t, repo, refresher)

	got, err := m.ValidAccessToken(context.Background(), "user-1", "acct-1")
	if err != nil {
		t.Fatalf("ValidAccessToken() = %v", err)
	}
	if got != "access-fresh" {
		t.Fatalf("token = %q, want access-fresh", got)
	}
	if refresher.callCount() != 0 {
		t.Fatal("fresh token triggered a refresh")
	}
}

func TestValidAccessTokenRefreshesInsideBuffer(t *testing.T) {
	// Expires in 2 minutes, inside the 5 minute buffer.
	repo := seedRepo(t, "user-1", "access-stale", "refresh-1", time.Now().Add(2*time.Minute))
	refresher := &fakeRefresher{result: &domain.RefreshedToken{
		AccessToken: "access-new",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	m := newTestManager(t, repo, refresher)

	got, err := m.ValidAccessToken(context.Background(), "user-1", "acct-1")
	if err != nil {
		t.Fatalf("ValidAccessToken() = %v", err)
	}
	if got != "access-new" {
		t.Fatalf("token = %q, want access-new", got)
	}
	if refresher.callCount() != 1 {
		t.Fatalf("refresh calls = %d, want 1", refresher.callCount())
	}

	// Stored row was rewritten and decrypts to the new token.
	ts, err := repo.GetDecryptedTokens(context.Background(), "user-1", "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if ts.AccessToken != "access-new" || ts.RefreshToken != "refresh-1" {
		t.Fatalf("stored tokens = %+v", ts)
	}
}

func TestValidAccessTokenPersistsRotatedRefreshToken(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-stale", "refresh-old", time.Now().Add(-time.Minute))
	refresher := &fakeRefresher{result: &domain.RefreshedToken{
		AccessToken:  "access-new",
		RefreshToken: "refresh-rotated",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	m := newTestManager(t, repo, refresher)

	if _, err := m.ValidAccessToken(context.Background(), "user-1", "acct-1"); err != nil {
		t.Fatal(err)
	}
	ts, err := repo.GetDecryptedTokens(context.Background(), "user-1", "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if ts.RefreshToken != "refresh-rotated" {
		t.Fatalf("refresh token = %q, want refresh-rotated", ts.RefreshToken)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-stale", "refresh-1", time.Now().Add(-time.Minute))
	block := make(chan struct{})
	refresher := &fakeRefresher{
		result: &domain.RefreshedToken{
			AccessToken: "access-new",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
		block: block,
	}
	m := newTestManager(t, repo, refresher)

	const callers = 8
	results := make(chan string, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			tok, err := m.ValidAccessToken(context.Background(), "user-1", "acct-1")
			results <- tok
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(block)

	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("caller error: %v", err)
		}
		if tok := <-results; tok != "access-new" {
			t.Fatalf("token = %q, want access-new", tok)
		}
	}
	if n := refresher.callCount(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	if repo.updates != 1 {
		t.Fatalf("token row rewritten %d times, want 1", repo.updates)
	}
}

func TestRefreshFailureMarksNeedsReauth(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-stale", "refresh-dead", time.Now().Add(-time.Minute))
	refresher := &fakeRefresher{err: domain.NewAuthError(400, "invalid_grant")}
	m := newTestManager(t, repo, refresher)

	_, err := m.ValidAccessToken(context.Background(), "user-1", "acct-1")
	if !domain.IsKind(err, domain.ErrAuth) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if !repo.needsReauth {
		t.Fatal("account was not marked needs_reauth")
	}
}

func TestRefreshServerErrorDoesNotMarkReauth(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-stale", "refresh-1", time.Now().Add(-time.Minute))
	refresher := &fakeRefresher{err: domain.NewServerError(503)}
	m := newTestManager(t, repo, refresher)

	_, err := m.ValidAccessToken(context.Background(), "user-1", "acct-1")
	if !domain.IsKind(err, domain.ErrServer) {
		t.Fatalf("err = %v, want server error", err)
	}
	if repo.needsReauth {
		t.Fatal("transient failure marked the account needs_reauth")
	}
}

func TestMissingRefreshTokenIsTerminal(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-stale", "", time.Now().Add(-time.Minute))
	refresher := &fakeRefresher{}
	m := newTestManager(t, repo, refresher)

	_, err := m.ValidAccessToken(context.Background(), "user-1", "acct-1")
	if !domain.IsKind(err, domain.ErrAuth) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if !repo.needsReauth {
		t.Fatal("account without refresh token was not marked needs_reauth")
	}
	if refresher.callCount() != 0 {
		t.Fatal("refresh attempted without a refresh token")
	}
}

func TestMissingTokenRowIsAuthError(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-1", "refresh-1", time.Now().Add(time.Hour))
	repo.missing = true
	refresher := &fakeRefresher{}
	m := newTestManager(t, repo, refresher)

	_, err := m.ValidAccessToken(context.Background(), "user-1", "acct-gone")
	if !domain.IsKind(err, domain.ErrAuth) {
		t.Fatalf("ValidAccessToken err = %v, want auth error", err)
	}
	if _, err := m.ForceRefresh(context.Background(), "user-1", "acct-gone"); !domain.IsKind(err, domain.ErrAuth) {
		t.Fatalf("ForceRefresh err = %v, want auth error", err)
	}
	if refresher.callCount() != 0 {
		t.Fatal("refresh attempted for a missing token row")
	}
}

func TestTokenRowUnlinkedDuringRefreshIsAuthError(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-stale", "refresh-1", time.Now().Add(-time.Minute))
	refresher := &fakeRefresher{result: &domain.RefreshedToken{
		AccessToken: "access-new",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	m := newTestManager(t, repo, refresher)

	// The row disappears after the stale first read, before the locked re-read.
	repo.mu.Lock()
	repo.missing = true
	repo.mu.Unlock()

	stale := &domain.TokenSet{AccessToken: "access-stale", ExpiresAt: time.Now().Add(-time.Minute)}
	if _, err := m.refresh(context.Background(), "user-1", "acct-gone", stale); !domain.IsKind(err, domain.ErrAuth) {
		t.Fatalf("refresh err = %v, want auth error", err)
	}
	if refresher.callCount() != 0 {
		t.Fatal("refresh attempted after the token row vanished")
	}
}

func TestForceRefreshIgnoresStoredExpiry(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-revoked", "refresh-1", time.Now().Add(time.Hour))
	refresher := &fakeRefresher{result: &domain.RefreshedToken{
		AccessToken: "access-new",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	m := newTestManager(t, repo, refresher)

	got, err := m.ForceRefresh(context.Background(), "user-1", "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "access-new" {
		t.Fatalf("token = %q, want access-new", got)
	}
	if refresher.callCount() != 1 {
		t.Fatalf("refresh calls = %d, want 1", refresher.callCount())
	}
}

func TestRefreshLatencyLandsInSharedRegistry(t *testing.T) {
	repo := seedRepo(t, "user-1", "access-stale", "refresh-1", time.Now().Add(-time.Minute))
	refresher := &fakeRefresher{result: &domain.RefreshedToken{
		AccessToken: "access-new",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	m := newTestManager(t, repo, refresher)
	reg := metrics.NewSyncRegistry(10)
	m.SetMetrics(reg)

	if _, err := m.ValidAccessToken(context.Background(), "user-1", "acct-1"); err != nil {
		t.Fatal(err)
	}
	stats, ok := reg.Snapshot()[metrics.PhaseTokenRefresh]
	if !ok || stats["count"].(int64) != 1 {
		t.Fatalf("token refresh latency not recorded: %v", stats)
	}
}

func TestRefreshPropagatesRepositoryError(t *testing.T) {
	repo := seedRepo(t, "user-1", "", "", time.Time{})
	repo.accessCT = "not-a-ciphertext"
	refresher := &fakeRefresher{}
	m := newTestManager(t, repo, refresher)

	_, err := m.ValidAccessToken(context.Background(), "user-1", "acct-1")
	if !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("err = %v, want decryption failure", err)
	}
}
