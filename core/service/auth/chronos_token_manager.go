// Package auth manages the OAuth token lifecycle for linked Google accounts.
package auth

import (
	"context"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"
	"chronos_server/pkg/crypto"
	"chronos_server/pkg/metrics"
	"chronos_server/pkg/ratelimit"

	"github.com/rs/zerolog"
)

// RefreshBuffer is the head start before expiry at which a token is treated
// as already expired.
const RefreshBuffer = 5 * time.Minute

// TokenManager hands out valid access tokens, refreshing lazily behind a
// per-account mutex so concurrent callers trigger at most one refresh.
type TokenManager struct {
	accounts  out.AccountRepository
	refresher out.TokenRefresher
	limiter   *ratelimit.AccountLimiter
	encryptor *crypto.Encryptor
	metrics   *metrics.SyncRegistry
	log       zerolog.Logger

	now func() time.Time
}

// NewTokenManager creates a token manager. The refresher is injected later
// via SetRefresher because the provider adapter needs the token manager too.
func NewTokenManager(accounts out.AccountRepository, limiter *ratelimit.AccountLimiter, encryptor *crypto.Encryptor, log zerolog.Logger) *TokenManager {
	return &TokenManager{
		accounts:  accounts,
		limiter:   limiter,
		encryptor: encryptor,
		metrics:   metrics.NewSyncRegistry(1000),
		log:       log.With().Str("component", "token_manager").Logger(),
		now:       time.Now,
	}
}

// SetRefresher wires the provider adapter in after construction.
func (m *TokenManager) SetRefresher(r out.TokenRefresher) {
	m.refresher = r
}

// SetMetrics shares the container-owned latency registry.
func (m *TokenManager) SetMetrics(reg *metrics.SyncRegistry) {
	if reg != nil {
		m.metrics = reg
	}
}

// ValidAccessToken returns an access token with at least RefreshBuffer of
// life left, refreshing it first when necessary.
func (m *TokenManager) ValidAccessToken(ctx context.Context, userID, accountID string) (string, error) {
	tokens, err := m.accounts.GetDecryptedTokens(ctx, userID, accountID)
	if err != nil {
		return "", err
	}
	if tokens == nil {
		return "", domain.NewAuthError(401, "google account not found")
	}

	if m.fresh(tokens) {
		return tokens.AccessToken, nil
	}
	return m.refresh(ctx, userID, accountID, tokens)
}

// ForceRefresh refreshes regardless of the stored expiry. Used after Google
// rejects a token the store still considers valid.
func (m *TokenManager) ForceRefresh(ctx context.Context, userID, accountID string) (string, error) {
	tokens, err := m.accounts.GetDecryptedTokens(ctx, userID, accountID)
	if err != nil {
		return "", err
	}
	if tokens == nil {
		return "", domain.NewAuthError(401, "google account not found")
	}
	return m.refresh(ctx, userID, accountID, tokens)
}

func (m *TokenManager) fresh(tokens *domain.TokenSet) bool {
	return m.now().Add(RefreshBuffer).Before(tokens.ExpiresAt)
}

// refresh serializes per-account refreshes. The expiry is re-checked under
// the lock so the callers that lost the race reuse the winner's token.
func (m *TokenManager) refresh(ctx context.Context, userID, accountID string, stale *domain.TokenSet) (string, error) {
	mu := m.limiter.RefreshLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	tokens, err := m.accounts.GetDecryptedTokens(ctx, userID, accountID)
	if err != nil {
		return "", err
	}
	if tokens == nil {
		// Row vanished between the first read and the lock (account unlink).
		return "", domain.NewAuthError(401, "google account not found")
	}
	if m.fresh(tokens) && tokens.AccessToken != stale.AccessToken {
		return tokens.AccessToken, nil
	}

	if tokens.RefreshToken == "" {
		if err := m.accounts.MarkNeedsReauth(ctx, accountID); err != nil {
			m.log.Error().Err(err).Str("account_id", accountID).Msg("failed to mark needs_reauth")
		}
		return "", domain.NewAuthError(401, "account has no refresh token")
	}

	refreshStart := m.now()
	refreshed, err := m.refresher.RefreshAccessToken(ctx, tokens.RefreshToken)
	m.metrics.Observe(metrics.PhaseTokenRefresh, m.now().Sub(refreshStart))
	if err != nil {
		if domain.IsKind(err, domain.ErrAuth) {
			m.log.Warn().Str("account_id", accountID).Msg("refresh grant rejected, marking needs_reauth")
			if markErr := m.accounts.MarkNeedsReauth(ctx, accountID); markErr != nil {
				m.log.Error().Err(markErr).Str("account_id", accountID).Msg("failed to mark needs_reauth")
			}
		}
		return "", err
	}

	accessCT, err := m.encryptor.Encrypt(refreshed.AccessToken, userID)
	if err != nil {
		return "", err
	}
	var refreshCT string
	if refreshed.RefreshToken != "" {
		if refreshCT, err = m.encryptor.Encrypt(refreshed.RefreshToken, userID); err != nil {
			return "", err
		}
	}

	if err := m.accounts.UpdateTokens(ctx, accountID, accessCT, refreshed.ExpiresAt, refreshCT); err != nil {
		return "", err
	}

	m.log.Info().
		Str("account_id", accountID).
		Time("expires_at", refreshed.ExpiresAt).
		Msg("access token refreshed")
	return refreshed.AccessToken, nil
}

var _ out.AccessTokenSource = (*TokenManager)(nil)
