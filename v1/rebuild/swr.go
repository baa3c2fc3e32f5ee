package rebuild

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lberrors "github.com/mirkobrombin/go-lockbox/v1/errors"
	"github.com/mirkobrombin/go-lockbox/v1/metrics"
)

// envelope is the stored form of an SWR entry. Val holds the codec-encoded
// value, so the configured codec must produce valid JSON (the default
// JSONCodec does). SoftExpireAt is the freshness boundary in unix
// milliseconds; the hard expiry is carried by the store TTL.
type envelope struct {
	Val          json.RawMessage `json:"val"`
	SoftExpireAt int64           `json:"soft_expire_at"`
}

// GetSWR returns the cached value for key under the stale-while-revalidate
// policy. Reads before the soft expiry return the fresh value. Reads past
// it but before the hard expiry return the stale value immediately and
// trigger at most one detached background refresh, guarded by a
// non-blocking lock attempt. An absent key is a cold miss and behaves like
// the blocking rebuild, writing an SWR envelope.
func (r *Rebuilder[T]) GetSWR(ctx context.Context, key string, loader LoaderFunc[T]) (val T, err error) {
	if r.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Rebuilder.GetSWR")
		span.SetAttributes(attribute.String("lockbox.cache.key", key))
		defer func() {
			span.SetAttributes(attribute.Bool("lockbox.cache.error", err != nil))
			span.End()
		}()
	}
	var zero T
	raw, ok, err := r.store.Get(ctx, cacheKey(key))
	if err != nil {
		return zero, err
	}
	if !ok {
		// cold miss
		return r.rebuild(ctx, key, loader, r.lookupSWR, r.writeSWR)
	}

	v, softExpireAt, err := r.decodeSWR(ctx, key, raw)
	if err != nil {
		return zero, err
	}
	if time.Now().UnixMilli() <= softExpireAt {
		return v, nil
	}

	// stale; confirm the hard expiry has not passed underneath us
	ttl, err := r.store.TTL(ctx, cacheKey(key))
	if err != nil {
		return zero, err
	}
	if ttl <= 0 {
		return r.rebuild(ctx, key, loader, r.lookupSWR, r.writeSWR)
	}

	metrics.StaleServed.Inc()
	go r.refresh(key, loader)
	return v, nil
}

// refresh recomputes the value in the background after a stale read. The
// non-blocking acquire collapses concurrent stale readers to one refresher;
// losers have already served their stale value. Failures are logged and
// counted, never surfaced: the triggering read has long since returned.
func (r *Rebuilder[T]) refresh(key string, loader LoaderFunc[T]) {
	ctx := context.Background()
	mu := r.newMutex(key)
	ok, err := mu.TryAcquire(ctx)
	if err != nil {
		metrics.RefreshFailures.Inc()
		slog.Warn("lockbox: background refresh lock failed", "key", key, "error", err)
		return
	}
	if !ok {
		// another worker is already refreshing
		return
	}
	defer func() {
		if _, err := mu.Release(ctx); err != nil {
			slog.Warn("lockbox: background refresh release failed", "key", key, "error", err)
		}
	}()
	v, err := loader(ctx)
	if err != nil {
		metrics.RefreshFailures.Inc()
		slog.Warn("lockbox: background refresh loader failed", "key", key, "error", err)
		return
	}
	if err := r.writeSWR(ctx, key, v); err != nil {
		metrics.RefreshFailures.Inc()
		slog.Warn("lockbox: background refresh write failed", "key", key, "error", err)
		return
	}
	metrics.Rebuilds.Inc()
}

// lookupSWR reads and decodes an SWR entry regardless of freshness. It is
// the double-check and fill-wait lookup for the cold path.
func (r *Rebuilder[T]) lookupSWR(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, ok, err := r.store.Get(ctx, cacheKey(key))
	if err != nil || !ok {
		return zero, false, err
	}
	v, _, err := r.decodeSWR(ctx, key, raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// writeSWR stores an SWR envelope with soft expiry now+softTTL and hard
// expiry softTTL+swrWindow.
func (r *Rebuilder[T]) writeSWR(ctx context.Context, key string, v T) error {
	data, err := r.codec.Marshal(v)
	if err != nil {
		return err
	}
	env := envelope{
		Val:          data,
		SoftExpireAt: time.Now().Add(r.softTTL).UnixMilli(),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, cacheKey(key), string(b), r.softTTL+r.swrWindow)
}

// decodeSWR unwraps an envelope, evicting the entry and reporting
// ErrCorruptEntry when the payload cannot be decoded.
func (r *Rebuilder[T]) decodeSWR(ctx context.Context, key, raw string) (T, int64, error) {
	var zero T
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || len(env.Val) == 0 {
		if derr := r.store.Delete(ctx, cacheKey(key)); derr != nil {
			return zero, 0, derr
		}
		return zero, 0, lberrors.ErrCorruptEntry
	}
	var v T
	if err := r.codec.Unmarshal(env.Val, &v); err != nil {
		if derr := r.store.Delete(ctx, cacheKey(key)); derr != nil {
			return zero, 0, derr
		}
		return zero, 0, lberrors.ErrCorruptEntry
	}
	return v, env.SoftExpireAt, nil
}
