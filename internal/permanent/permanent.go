// Package permanent separates failures redelivery can fix from failures it
// cannot. A malformed alert payload or a notification endpoint rejecting a
// request outright stays broken no matter how often it is retried, so ingest
// consumers terminate marked deliveries instead of requeueing them and the
// notify retry loop stops at the first marked error.
package permanent

import "errors"

// marked carries the non-retryable tag around a failure.
type marked struct {
	err error
}

func (m marked) Error() string {
	if m.err == nil {
		return "permanent failure"
	}
	return m.err.Error()
}

func (m marked) Unwrap() error {
	return m.err
}

// Permanent exposes the tag to Is across wrapping layers.
// Params: none.
// Returns: true.
func (marked) Permanent() bool {
	return true
}

// Mark tags a failure as non-retryable while keeping the cause visible to
// errors.Is and errors.As.
// Params: failure to tag; nil passes through.
// Returns: tagged error or nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return marked{err: err}
}

// Is reports whether a failure carries the non-retryable tag anywhere in its
// wrap chain. Errors from other packages declaring their own Permanent
// marker count the same.
// Params: failure to inspect.
// Returns: true when redelivery cannot help.
func Is(err error) bool {
	var tag interface{ Permanent() bool }
	return errors.As(err, &tag) && tag.Permanent()
}
