package lock

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	lberrors "github.com/mirkobrombin/go-lockbox/v1/errors"
	"github.com/mirkobrombin/go-lockbox/v1/metrics"
	"github.com/mirkobrombin/go-lockbox/v1/store"
)

const (
	// DefaultQuorumTTL is the requested lock expiry on every node.
	DefaultQuorumTTL = 10 * time.Second
	// DefaultDriftFactor approximates relative clock drift between nodes.
	DefaultDriftFactor = 0.01

	// driftOverhead is a fixed allowance for per-node latency error.
	driftOverhead = 2 * time.Millisecond
)

// Quorum is an advisory lock spanning N independent coordination stores.
// The lock is held iff a majority of nodes accepted the set-if-absent and
// the time spent acquiring, plus a drift allowance, still leaves a positive
// validity window out of the requested TTL.
type Quorum struct {
	stores      []store.Store
	resource    string
	key         string
	token       string
	ttl         time.Duration
	driftFactor float64
	quorum      int

	mu       sync.Mutex
	validity time.Duration
}

// QuorumOption configures a Quorum lock.
type QuorumOption func(*Quorum)

// WithQuorumTTL sets the lock expiry requested on every node.
func WithQuorumTTL(d time.Duration) QuorumOption {
	return func(q *Quorum) {
		if d > 0 {
			q.ttl = d
		}
	}
}

// WithDriftFactor sets the clock drift factor used when computing the
// validity window.
func WithDriftFactor(f float64) QuorumOption {
	return func(q *Quorum) {
		if f > 0 {
			q.driftFactor = f
		}
	}
}

// NewQuorum returns a new Quorum lock over the given store nodes. The
// required majority is len(stores)/2+1.
func NewQuorum(stores []store.Store, resource string, opts ...QuorumOption) *Quorum {
	q := &Quorum{
		stores:      stores,
		resource:    resource,
		key:         "lock:" + resource,
		token:       uuid.NewString(),
		ttl:         DefaultQuorumTTL,
		driftFactor: DefaultDriftFactor,
		quorum:      len(stores)/2 + 1,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Resource returns the resource name the lock guards.
func (q *Quorum) Resource() string { return q.resource }

// Token returns the owner token of this instance.
func (q *Quorum) Token() string { return q.token }

// QuorumSize returns the number of agreeing nodes required for success.
func (q *Quorum) QuorumSize() int { return q.quorum }

// Validity returns the validity window computed by the last Acquire. The
// window is how long the lock is conservatively guaranteed to be held.
func (q *Quorum) Validity() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.validity
}

// Acquire attempts the set-if-absent on every node concurrently. Node
// errors count as non-votes, not hard failures. The lock is acquired iff
// the vote count reaches quorum and validity = ttl - elapsed - drift is
// still positive; on any shortfall every node is released before returning
// false. Exactly-quorum votes with a spent validity window are a failure.
func (q *Quorum) Acquire(ctx context.Context) (bool, error) {
	start := time.Now()
	var votes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range q.stores {
		g.Go(func() error {
			ok, err := s.SetNX(gctx, q.key, q.token, q.ttl)
			if err != nil {
				// node down or unreachable: a non-vote
				return nil
			}
			if ok {
				votes.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	drift := time.Duration(float64(q.ttl)*q.driftFactor) + driftOverhead
	validity := q.ttl - elapsed - drift
	q.mu.Lock()
	q.validity = validity
	q.mu.Unlock()

	metrics.AcquireAttempts.Inc()
	if int(votes.Load()) >= q.quorum && validity > 0 {
		metrics.AcquireWins.Inc()
		return true, nil
	}
	q.Release(ctx)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

// Release performs a best-effort owner-checked delete on every node. Node
// errors are logged and counted but never surfaced: the TTL already bounds
// how long a missed delete can leak the lock.
func (q *Quorum) Release(ctx context.Context) {
	var g errgroup.Group
	for _, s := range q.stores {
		g.Go(func() error {
			if _, err := s.CompareAndDelete(ctx, q.key, q.token); err != nil {
				metrics.QuorumReleaseFailures.Inc()
				slog.Warn("lockbox: quorum release failed on node", "resource", q.resource, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Do acquires the quorum lock, runs fn and releases on every node on every
// exit path. It returns ErrNotAcquired when the quorum was not reached or
// the validity window was already spent.
func (q *Quorum) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ok, err := q.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return lberrors.ErrNotAcquired
	}
	defer q.Release(context.Background())
	return fn(ctx)
}
