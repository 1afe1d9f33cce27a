package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sync Error Taxonomy
// =============================================================================

// ErrorKind classifies every failure the sync core can produce. The kind
// determines retryability and which layer consumes the error.
type ErrorKind string

const (
	ErrAuth             ErrorKind = "auth"               // 401 / non-quota 403, needs-reauth path
	ErrQuota            ErrorKind = "quota"              // 403 with a quota reason
	ErrRateLimited      ErrorKind = "rate_limited"       // 429
	ErrSyncTokenExpired ErrorKind = "sync_token_expired" // 410, consumed by the sync engine
	ErrServer           ErrorKind = "server"             // 5xx
	ErrNetwork          ErrorKind = "network"            // transport-level failure
	ErrDecryption       ErrorKind = "decryption"         // field could not be decrypted
	ErrPersist          ErrorKind = "persist"            // store write failure
	ErrBadRequest       ErrorKind = "bad_request"        // client input validation
)

// SyncError is the single error type used across the sync core.
type SyncError struct {
	Kind       ErrorKind
	StatusCode int    // originating HTTP status, when there is one
	Reason     string // Google error reason for quota errors
	Field      string // field name for decryption errors
	Batch      int    // batch index for persist errors
	Message    string
	Err        error
	retryable  bool
}

func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("google api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. The retry controller
// keys off this predicate alone.
func (e *SyncError) Retryable() bool { return e.retryable }

func NewAuthError(status int, message string) *SyncError {
	return &SyncError{Kind: ErrAuth, StatusCode: status, Message: message}
}

func NewQuotaError(reason string) *SyncError {
	return &SyncError{
		Kind:       ErrQuota,
		StatusCode: 403,
		Reason:     reason,
		Message:    "quota exceeded: " + reason,
		retryable:  true,
	}
}

func NewRateLimitedError() *SyncError {
	return &SyncError{Kind: ErrRateLimited, StatusCode: 429, Message: "rate limited", retryable: true}
}

func NewSyncTokenExpiredError() *SyncError {
	return &SyncError{Kind: ErrSyncTokenExpired, StatusCode: 410, Message: "sync token expired"}
}

func NewServerError(status int) *SyncError {
	return &SyncError{Kind: ErrServer, StatusCode: status, Message: "google server error", retryable: true}
}

func NewNetworkError(status int, message string, cause error) *SyncError {
	return &SyncError{Kind: ErrNetwork, StatusCode: status, Message: message, Err: cause, retryable: true}
}

func NewDecryptionError(field string, cause error) *SyncError {
	return &SyncError{Kind: ErrDecryption, Field: field, Message: "failed to decrypt " + field, Err: cause}
}

func NewPersistError(batch int, cause error) *SyncError {
	return &SyncError{
		Kind:      ErrPersist,
		Batch:     batch,
		Message:   fmt.Sprintf("failed to persist batch %d", batch),
		Err:       cause,
		retryable: true,
	}
}

func NewBadRequestError(message string) *SyncError {
	return &SyncError{Kind: ErrBadRequest, StatusCode: 400, Message: message}
}

func NewRequestFailedError(status int, message string) *SyncError {
	return &SyncError{Kind: ErrBadRequest, StatusCode: status, Message: message}
}

// AsSyncError unwraps err into a *SyncError, or wraps unknown errors as a
// non-retryable network-kind failure so callers always see the taxonomy.
func AsSyncError(err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return &SyncError{Kind: ErrNetwork, StatusCode: 500, Message: err.Error(), Err: err}
}

// IsKind reports whether err is a SyncError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == kind
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Retryable()
}
