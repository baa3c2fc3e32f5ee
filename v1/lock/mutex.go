package lock

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lberrors "github.com/mirkobrombin/go-lockbox/v1/errors"
	"github.com/mirkobrombin/go-lockbox/v1/metrics"
	"github.com/mirkobrombin/go-lockbox/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockbox/v1/lock")

const (
	// DefaultTTL is the lock expiry applied when no TTL option is given.
	DefaultTTL = 8 * time.Second
	// DefaultRetryBase is the base sleep between acquisition attempts.
	DefaultRetryBase = 100 * time.Millisecond
	// DefaultJitterMax is the maximum random jitter added to each retry sleep.
	DefaultJitterMax = 50 * time.Millisecond

	// stopJoinTimeout bounds how long StopRenew waits for the watchdog to exit.
	stopJoinTimeout = time.Second
)

// Mutex is an advisory lock on a single coordination store node. The lock
// key maps to at most one owner token at any instant; an absent key means
// unlocked. Every mutation after acquisition is owner-checked, so a Mutex
// can never delete or extend a lock it does not hold.
type Mutex struct {
	store     store.Store
	resource  string
	key       string
	token     string
	ttl       time.Duration
	retryBase time.Duration
	jitterMax time.Duration

	traceEnabled bool

	renewMu   sync.Mutex
	renewStop chan struct{}
	renewDone chan struct{}
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithTTL sets the lock expiry applied on acquisition and renewal.
func WithTTL(d time.Duration) Option {
	return func(m *Mutex) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithBackoff sets the retry sleep used by Acquire. Each attempt sleeps
// base plus a uniformly random jitter in [0, jitter].
func WithBackoff(base, jitter time.Duration) Option {
	return func(m *Mutex) {
		if base > 0 {
			m.retryBase = base
		}
		if jitter >= 0 {
			m.jitterMax = jitter
		}
	}
}

// WithTracing enables OpenTelemetry tracing for lock operations.
func WithTracing() Option {
	return func(m *Mutex) {
		m.traceEnabled = true
	}
}

// New returns a new Mutex for the named resource. The owner token is unique
// to this instance and never shared; two Mutex values for the same resource
// contend like two independent processes.
func New(s store.Store, resource string, opts ...Option) *Mutex {
	m := &Mutex{
		store:     s,
		resource:  resource,
		key:       "lock:" + resource,
		token:     uuid.NewString(),
		ttl:       DefaultTTL,
		retryBase: DefaultRetryBase,
		jitterMax: DefaultJitterMax,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resource returns the resource name the mutex guards.
func (m *Mutex) Resource() string { return m.resource }

// Token returns the owner token of this instance.
func (m *Mutex) Token() string { return m.token }

// TryAcquire attempts to obtain the lock with a single set-if-absent. It
// never retries.
func (m *Mutex) TryAcquire(ctx context.Context) (bool, error) {
	metrics.AcquireAttempts.Inc()
	ok, err := m.store.SetNX(ctx, m.key, m.token, m.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.AcquireWins.Inc()
	}
	return ok, nil
}

// Acquire retries TryAcquire until success or timeout, sleeping the
// configured backoff between attempts. A timeout <= 0 degenerates to a
// single TryAcquire. Store errors during the loop are treated as transient
// and retried within the budget; context cancellation aborts with ctx.Err().
func (m *Mutex) Acquire(ctx context.Context, timeout time.Duration) (ok bool, err error) {
	if m.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Mutex.Acquire")
		span.SetAttributes(attribute.String("lockbox.lock.resource", m.resource))
		defer func() {
			span.SetAttributes(attribute.Bool("lockbox.lock.acquired", ok))
			span.End()
		}()
	}
	if timeout <= 0 {
		return m.TryAcquire(ctx)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ok, err := m.TryAcquire(ctx)
		if err == nil && ok {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		sleep := m.retryBase
		if m.jitterMax > 0 {
			sleep += time.Duration(rand.Int64N(int64(m.jitterMax) + 1))
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		}
	}
	return false, nil
}

// Release atomically deletes the lock key only if this instance still owns
// it. Any active watchdog is stopped first, regardless of the delete
// outcome: a renewal racing the delete could otherwise resurrect a lock
// that was already released. Release returns true iff the key was owned and
// deleted; store errors propagate.
func (m *Mutex) Release(ctx context.Context) (bool, error) {
	m.StopRenew()
	return m.store.CompareAndDelete(ctx, m.key, m.token)
}

// Renew atomically extends the lock expiry only if this instance still owns
// the key. A ttl <= 0 uses the configured TTL. A false return signals
// ownership loss; store errors propagate.
func (m *Mutex) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	ok, err := m.store.CompareAndExpire(ctx, m.key, m.token, ttl)
	if err == nil && !ok {
		metrics.RenewFailures.Inc()
	}
	return ok, err
}

// StartRenew starts a background watchdog that renews the lock every period
// until StopRenew is called or a renewal reports ownership lost. A period
// <= 0 defaults to half the TTL. Calling StartRenew while the watchdog is
// running is a no-op.
func (m *Mutex) StartRenew(period time.Duration) {
	if period <= 0 {
		period = m.ttl / 2
	}
	m.renewMu.Lock()
	defer m.renewMu.Unlock()
	if m.renewDone != nil {
		select {
		case <-m.renewDone:
			// previous watchdog exited on its own, allow a restart
		default:
			return
		}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.renewStop = stop
	m.renewDone = done
	go m.renewLoop(period, stop, done)
}

func (m *Mutex) renewLoop(period time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := m.Renew(context.Background(), 0)
			if err != nil {
				slog.Warn("lockbox: watchdog renew failed", "resource", m.resource, "error", err)
				return
			}
			if !ok {
				// ownership lost; never retry or re-acquire
				return
			}
		}
	}
}

// StopRenew signals the watchdog to stop and waits bounded for it to exit.
// It is idempotent and safe to call when the watchdog was never started.
func (m *Mutex) StopRenew() {
	m.renewMu.Lock()
	stop, done := m.renewStop, m.renewDone
	m.renewStop, m.renewDone = nil, nil
	m.renewMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		slog.Warn("lockbox: watchdog did not stop in time", "resource", m.resource)
	}
}

// Do acquires the lock, runs fn and releases on every exit path. It returns
// ErrNotAcquired when the lock was not won within timeout, so callers never
// run fn unprotected.
func (m *Mutex) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ok, err := m.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return lberrors.ErrNotAcquired
	}
	defer func() {
		if _, err := m.Release(context.Background()); err != nil {
			slog.Warn("lockbox: release failed", "resource", m.resource, "error", err)
		}
	}()
	return fn(ctx)
}
