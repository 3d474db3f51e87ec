package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBindingNotFound signals the tenant binding is absent or owned by
	// a different org.
	ErrBindingNotFound = errors.New("xero: tenant binding not found")
	// ErrBindingInactive signals the binding status is not active.
	ErrBindingInactive = errors.New("xero: tenant binding inactive")
	// ErrGrantNotFound signals the binding points at a missing grant.
	ErrGrantNotFound = errors.New("xero: grant not found")
	// ErrReauthRequired signals the grant is dead and the user must
	// reconnect the Xero organisation.
	ErrReauthRequired = errors.New("xero: re-authorization required")
	// ErrDecryptFailed signals corrupted ciphertext or an encryption key
	// mismatch. Re-authorization will not fix this; a re-encryption
	// migration is needed.
	ErrDecryptFailed = errors.New("xero: token decryption failed")
)

// FailureKind classifies refresh failures. The refresh client returns a
// closed variant so callers branch on a type, never on provider error
// strings.
type FailureKind int

const (
	// FailureTransient covers network errors, 5xx responses, and
	// malformed bodies. Another attempt may succeed.
	FailureTransient FailureKind = iota
	// FailurePermanent covers invalid_grant/invalid_client responses.
	// The credential is dead until the user re-authorizes.
	FailurePermanent
)

// RefreshError is the classified failure of a token refresh attempt.
type RefreshError struct {
	Kind       FailureKind
	Code       string
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	kind := "transient"
	if e.Kind == FailurePermanent {
		kind = "permanent"
	}
	if e.Code != "" {
		return fmt.Sprintf("xero: %s refresh failure: %s (status=%d)", kind, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("xero: %s refresh failure: %v", kind, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// IsPermanentRefreshFailure reports whether err is a refresh failure that
// cannot succeed without user re-authorization.
func IsPermanentRefreshFailure(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Kind == FailurePermanent
}

// IsTransientRefreshFailure reports whether err is a retriable refresh
// failure.
func IsTransientRefreshFailure(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Kind == FailureTransient
}
