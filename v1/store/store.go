package store

import (
	"context"
	"time"
)

// Store is a thin client for one coordination store node.
//
// CompareAndDelete and CompareAndExpire are check-then-act operations that
// the backend must execute atomically: the check against owner and the
// mutation happen as one indivisible step, never interleaved with other
// commands on the same key.
type Store interface {
	// SetNX stores value under key with the given TTL only if the key is
	// absent. It returns true when the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get retrieves the value for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set unconditionally stores the value for the given key with the
	// specified TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// TTL returns the remaining time to live of the key. The result is
	// negative when the key is missing or has no expiry, following Redis
	// semantics.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Delete unconditionally removes the key.
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes the key only if its current value equals
	// owner. It returns true when the key was deleted.
	CompareAndDelete(ctx context.Context, key, owner string) (bool, error)
	// CompareAndExpire extends the expiry of the key to ttl only if its
	// current value equals owner. It returns true when the expiry was set.
	CompareAndExpire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}
