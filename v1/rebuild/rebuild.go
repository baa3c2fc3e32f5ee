package rebuild

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lberrors "github.com/mirkobrombin/go-lockbox/v1/errors"
	"github.com/mirkobrombin/go-lockbox/v1/lock"
	"github.com/mirkobrombin/go-lockbox/v1/metrics"
	"github.com/mirkobrombin/go-lockbox/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockbox/v1/rebuild")

const (
	// DefaultCacheTTL is the expiry for entries written by the blocking policy.
	DefaultCacheTTL = 30 * time.Second
	// DefaultSoftTTL is the freshness window for SWR entries.
	DefaultSoftTTL = 10 * time.Second
	// DefaultSWRWindow is the serve-stale window beyond the soft TTL.
	DefaultSWRWindow = 10 * time.Second
	// DefaultLockTTL is the expiry of the per-key rebuild lock.
	DefaultLockTTL = 5 * time.Second
	// DefaultLockWait is how long a miss reader contends for the rebuild lock.
	DefaultLockWait = time.Second
	// DefaultPollInterval is the cache poll period while waiting for a fill.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultFillWait is how long a reader waits for another worker's fill.
	DefaultFillWait = 1500 * time.Millisecond
)

// LoaderFunc recomputes the value for a key from the source of truth.
type LoaderFunc[T any] func(ctx context.Context) (T, error)

// Rebuilder coordinates cache rebuilds for values of type T. All state
// lives in the coordination store; Rebuilder instances in separate
// processes cooperate through the per-key rebuild lock.
type Rebuilder[T any] struct {
	store store.Store
	codec Codec

	cacheTTL     time.Duration
	softTTL      time.Duration
	swrWindow    time.Duration
	lockTTL      time.Duration
	lockWait     time.Duration
	retryBase    time.Duration
	jitterMax    time.Duration
	pollInterval time.Duration
	fillWait     time.Duration
	watchdog     bool
	traceEnabled bool
}

// Option configures a Rebuilder.
type Option[T any] func(*Rebuilder[T])

// WithCacheTTL sets the expiry for entries written by the blocking policy.
func WithCacheTTL[T any](d time.Duration) Option[T] {
	return func(r *Rebuilder[T]) {
		if d > 0 {
			r.cacheTTL = d
		}
	}
}

// WithSoftTTL sets the freshness window and the serve-stale window for SWR
// entries. The hard expiry is soft + window.
func WithSoftTTL[T any](soft, window time.Duration) Option[T] {
	return func(r *Rebuilder[T]) {
		if soft > 0 {
			r.softTTL = soft
		}
		if window > 0 {
			r.swrWindow = window
		}
	}
}

// WithLockTTL sets the expiry of the per-key rebuild lock.
func WithLockTTL[T any](d time.Duration) Option[T] {
	return func(r *Rebuilder[T]) {
		if d > 0 {
			r.lockTTL = d
		}
	}
}

// WithLockWait sets how long a miss reader contends for the rebuild lock
// before falling back to waiting for another worker's fill.
func WithLockWait[T any](d time.Duration) Option[T] {
	return func(r *Rebuilder[T]) {
		if d > 0 {
			r.lockWait = d
		}
	}
}

// WithBackoff sets the retry sleep used while contending for the rebuild lock.
func WithBackoff[T any](base, jitter time.Duration) Option[T] {
	return func(r *Rebuilder[T]) {
		if base > 0 {
			r.retryBase = base
		}
		if jitter >= 0 {
			r.jitterMax = jitter
		}
	}
}

// WithPollInterval sets the cache poll period while waiting for a fill.
func WithPollInterval[T any](d time.Duration) Option[T] {
	return func(r *Rebuilder[T]) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithFillWait sets the deadline for waiting on another worker's fill.
func WithFillWait[T any](d time.Duration) Option[T] {
	return func(r *Rebuilder[T]) {
		if d > 0 {
			r.fillWait = d
		}
	}
}

// WithWatchdog renews the rebuild lock in the background while the loader
// runs, for loaders that may outlive the lock TTL.
func WithWatchdog[T any]() Option[T] {
	return func(r *Rebuilder[T]) {
		r.watchdog = true
	}
}

// WithCodec sets the codec used for cached values. The default is JSONCodec.
func WithCodec[T any](c Codec) Option[T] {
	return func(r *Rebuilder[T]) {
		if c != nil {
			r.codec = c
		}
	}
}

// WithTracing enables OpenTelemetry tracing for rebuild operations.
func WithTracing[T any]() Option[T] {
	return func(r *Rebuilder[T]) {
		r.traceEnabled = true
	}
}

// New returns a new Rebuilder using the provided store.
func New[T any](s store.Store, opts ...Option[T]) *Rebuilder[T] {
	r := &Rebuilder[T]{
		store:        s,
		codec:        JSONCodec{},
		cacheTTL:     DefaultCacheTTL,
		softTTL:      DefaultSoftTTL,
		swrWindow:    DefaultSWRWindow,
		lockTTL:      DefaultLockTTL,
		lockWait:     DefaultLockWait,
		retryBase:    lock.DefaultRetryBase,
		jitterMax:    lock.DefaultJitterMax,
		pollInterval: DefaultPollInterval,
		fillWait:     DefaultFillWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(key string) string { return "cache:" + key }

func lockResource(key string) string { return "rebuild:" + key }

func (r *Rebuilder[T]) newMutex(key string) *lock.Mutex {
	return lock.New(r.store, lockResource(key),
		lock.WithTTL(r.lockTTL),
		lock.WithBackoff(r.retryBase, r.jitterMax))
}

// Get returns the cached value for key, rebuilding it with loader on a
// miss. At most one caller recomputes; the winner of the rebuild lock
// re-checks the cache, runs loader and writes the result, while losers poll
// the cache until the value appears or the fill deadline elapses, in which
// case ErrFillTimeout is returned. Loader errors propagate and are never
// cached.
func (r *Rebuilder[T]) Get(ctx context.Context, key string, loader LoaderFunc[T]) (val T, err error) {
	if r.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Rebuilder.Get")
		span.SetAttributes(attribute.String("lockbox.cache.key", key))
		defer func() {
			span.SetAttributes(attribute.Bool("lockbox.cache.error", err != nil))
			span.End()
		}()
	}
	v, ok, err := r.lookup(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	if ok {
		return v, nil
	}
	return r.rebuild(ctx, key, loader, r.lookup, r.write)
}

// lookup reads and decodes a plain (non-SWR) entry.
func (r *Rebuilder[T]) lookup(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, ok, err := r.store.Get(ctx, cacheKey(key))
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := r.codec.Unmarshal([]byte(raw), &v); err != nil {
		if derr := r.store.Delete(ctx, cacheKey(key)); derr != nil {
			return zero, false, derr
		}
		return zero, false, lberrors.ErrCorruptEntry
	}
	return v, true, nil
}

// write stores a plain entry with the configured cache TTL.
func (r *Rebuilder[T]) write(ctx context.Context, key string, v T) error {
	data, err := r.codec.Marshal(v)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, cacheKey(key), string(data), r.cacheTTL)
}

type lookupFunc[T any] func(ctx context.Context, key string) (T, bool, error)

type writeFunc[T any] func(ctx context.Context, key string, v T) error

// rebuild runs the miss path shared by both policies: contend for the
// rebuild lock, double-check the cache as the winner, or wait for the
// winner's fill as a loser.
func (r *Rebuilder[T]) rebuild(ctx context.Context, key string, loader LoaderFunc[T], lookup lookupFunc[T], write writeFunc[T]) (T, error) {
	var zero T
	mu := r.newMutex(key)
	acquired, err := mu.Acquire(ctx, r.lockWait)
	if err != nil {
		return zero, err
	}
	if acquired {
		defer func() {
			if _, err := mu.Release(context.Background()); err != nil {
				slog.Warn("lockbox: rebuild lock release failed", "key", key, "error", err)
			}
		}()
		// another holder may have filled the cache between the first
		// check and acquisition
		v, ok, err := lookup(ctx, key)
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
		if r.watchdog {
			mu.StartRenew(0)
		}
		v, err = loader(ctx)
		if err != nil {
			return zero, err
		}
		if err := write(ctx, key, v); err != nil {
			return zero, err
		}
		metrics.Rebuilds.Inc()
		return v, nil
	}
	return r.waitFill(ctx, key, lookup)
}

// waitFill polls the cache until the value appears or the fill deadline
// elapses.
func (r *Rebuilder[T]) waitFill(ctx context.Context, key string, lookup lookupFunc[T]) (T, error) {
	var zero T
	deadline := time.Now().Add(r.fillWait)
	for time.Now().Before(deadline) {
		v, ok, err := lookup(ctx, key)
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
		timer := time.NewTimer(r.pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
	metrics.FillTimeouts.Inc()
	return zero, lberrors.ErrFillTimeout
}
