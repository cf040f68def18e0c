package core

import "errors"

// The three failure classes the coordinator distinguishes. AuthError pauses
// a user's polling until re-authorization; TransientError is retried on the
// next tick with no user-facing message; DataError skips the user's cycle
// and is logged for the operator.

// AuthError means the user's calendar credential is invalid or expired.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// TransientError means a network, timeout, or rate-limit failure that the
// fixed poll interval will retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// DataError means the source returned malformed or inconsistent event data.
type DataError struct {
	Err error
}

func (e *DataError) Error() string { return "data: " + e.Err.Error() }
func (e *DataError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsData reports whether err is (or wraps) a DataError.
func IsData(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}
