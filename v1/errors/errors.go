package errors

import "errors"

var (
	// ErrNotAcquired is returned by scoped lock helpers when the lock was
	// not won within the configured budget. Callers must not enter the
	// protected section.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrFillTimeout is returned when a cache-miss reader waited for
	// another worker to fill the cache and the wait budget elapsed.
	ErrFillTimeout = errors.New("cache fill timed out")
	// ErrCorruptEntry is returned when a cached payload cannot be decoded.
	// The entry is evicted before the error is reported.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)
