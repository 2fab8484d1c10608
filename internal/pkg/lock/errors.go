package lock

import "errors"

// ErrLockTimeout is returned when a user's lock cannot be acquired within the timeout period.
// Callers treat it as retryable: another request for the same user is still in flight.
var ErrLockTimeout = errors.New("user lock acquisition timeout")
