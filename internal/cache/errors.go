package cache

import "errors"

// FetchFailedMessage is the normalized description surfaced to consumers
// whenever a producer fails. The underlying cause is logged, not shown.
const FetchFailedMessage = "Failed to fetch data"

// ErrFetchFailed matches every error returned for a failed producer call.
var ErrFetchFailed = errors.New("cache: fetch failed")

// FetchError is returned when the producer for a key fails. Error() always
// yields FetchFailedMessage; the raw cause stays reachable via errors.Unwrap
// for diagnostics.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string { return FetchFailedMessage }

func (e *FetchError) Unwrap() error { return e.Err }

// Is reports ErrFetchFailed as a match so callers can branch on the class
// of failure without inspecting the cause.
func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }
