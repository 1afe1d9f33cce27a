package domain

import "time"

// GoogleAccount is one linked Google identity. NeedsReauth is terminal until
// the user re-consents; the sync engine refuses work for such accounts.
type GoogleAccount struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	GoogleID    string    `json:"google_id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	NeedsReauth bool      `json:"needs_reauth"`
	CreatedAt   time.Time `json:"created_at"`
}

// TokenSet is the decrypted OAuth token row for an account.
type TokenSet struct {
	AccessToken  string
	RefreshToken string // empty when Google never issued one
	ExpiresAt    time.Time
}

// RefreshedToken is the result of a refresh_token grant against Google.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string // non-empty only when Google rotated it
	ExpiresAt    time.Time
}
