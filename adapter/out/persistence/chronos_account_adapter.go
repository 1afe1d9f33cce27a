package persistence

import (
	"context"
	"database/sql"
	"time"

	"chronos_server/core/domain"
	"chronos_server/core/port/out"
	"chronos_server/pkg/crypto"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// AccountAdapter
// =============================================================================

// AccountAdapter persists linked Google accounts. Token columns hold
// ciphertext; plaintext tokens only exist across the GetDecryptedTokens /
// UpdateTokens boundary.
type AccountAdapter struct {
	db        *sqlx.DB
	encryptor *crypto.Encryptor
}

func NewAccountAdapter(db *sqlx.DB, encryptor *crypto.Encryptor) *AccountAdapter {
	return &AccountAdapter{db: db, encryptor: encryptor}
}

// =============================================================================
// Entity
// =============================================================================

type accountEntity struct {
	ID          string    `db:"id"`
	UserID      string    `db:"user_id"`
	GoogleID    string    `db:"google_id"`
	Email       string    `db:"email"`
	Name        string    `db:"name"`
	NeedsReauth bool      `db:"needs_reauth"`
	CreatedAt   time.Time `db:"created_at"`
}

func (e *accountEntity) toDomain() *domain.GoogleAccount {
	return &domain.GoogleAccount{
		ID:          e.ID,
		UserID:      e.UserID,
		GoogleID:    e.GoogleID,
		Email:       e.Email,
		Name:        e.Name,
		NeedsReauth: e.NeedsReauth,
		CreatedAt:   e.CreatedAt,
	}
}

type tokenEntity struct {
	UserID         string         `db:"user_id"`
	AccessToken    string         `db:"access_token"`
	RefreshToken   sql.NullString `db:"refresh_token"`
	TokenExpiresAt sql.NullTime   `db:"token_expires_at"`
}

// =============================================================================
// Queries
// =============================================================================

func (a *AccountAdapter) GetAccount(ctx context.Context, accountID string) (*domain.GoogleAccount, error) {
	var entity accountEntity
	query := `
		SELECT id, user_id, google_id, email, name, needs_reauth, created_at
		FROM google_accounts
		WHERE id = $1
	`
	if err := a.db.GetContext(ctx, &entity, query, accountID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *AccountAdapter) GetAccountsForUser(ctx context.Context, userID string) ([]domain.GoogleAccount, error) {
	var entities []accountEntity
	query := `
		SELECT id, user_id, google_id, email, name, needs_reauth, created_at
		FROM google_accounts
		WHERE user_id = $1
		ORDER BY created_at ASC
	`
	if err := a.db.SelectContext(ctx, &entities, query, userID); err != nil {
		return nil, err
	}
	accounts := make([]domain.GoogleAccount, len(entities))
	for i := range entities {
		accounts[i] = *entities[i].toDomain()
	}
	return accounts, nil
}

func (a *AccountAdapter) GetDecryptedTokens(ctx context.Context, userID, accountID string) (*domain.TokenSet, error) {
	var entity tokenEntity
	query := `
		SELECT user_id, access_token, refresh_token, token_expires_at
		FROM google_accounts
		WHERE id = $1 AND user_id = $2
	`
	if err := a.db.GetContext(ctx, &entity, query, accountID, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	access, err := a.encryptor.Decrypt(entity.AccessToken, userID)
	if err != nil {
		return nil, domain.NewDecryptionError("access_token", err)
	}
	tokens := &domain.TokenSet{AccessToken: access}
	if entity.RefreshToken.Valid && entity.RefreshToken.String != "" {
		refresh, err := a.encryptor.Decrypt(entity.RefreshToken.String, userID)
		if err != nil {
			return nil, domain.NewDecryptionError("refresh_token", err)
		}
		tokens.RefreshToken = refresh
	}
	if entity.TokenExpiresAt.Valid {
		tokens.ExpiresAt = entity.TokenExpiresAt.Time
	}
	return tokens, nil
}

func (a *AccountAdapter) UpdateTokens(ctx context.Context, accountID, accessCT string, expiresAt time.Time, refreshCT string) error {
	query := `
		UPDATE google_accounts SET
			access_token = $1,
			token_expires_at = $2,
			refresh_token = COALESCE($3, refresh_token),
			needs_reauth = FALSE,
			updated_at = NOW()
		WHERE id = $4
	`
	_, err := a.db.ExecContext(ctx, query, accessCT, expiresAt, toNullableString(refreshCT), accountID)
	return err
}

func (a *AccountAdapter) MarkNeedsReauth(ctx context.Context, accountID string) error {
	query := `
		UPDATE google_accounts SET
			needs_reauth = TRUE,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := a.db.ExecContext(ctx, query, accountID)
	return err
}

var _ out.AccountRepository = (*AccountAdapter)(nil)
