package rebuild

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lberrors "github.com/mirkobrombin/go-lockbox/v1/errors"
	"github.com/mirkobrombin/go-lockbox/v1/store"
)

func newSWRRebuilder(s *store.Memory, soft, window time.Duration) *Rebuilder[string] {
	return New[string](s,
		WithSoftTTL[string](soft, window),
		WithLockWait[string](time.Second),
		WithFillWait[string](time.Second),
		WithBackoff[string](10*time.Millisecond, 5*time.Millisecond),
		WithPollInterval[string](10*time.Millisecond))
}

// waitForValue polls until GetSWR observes want or the deadline elapses.
func waitForValue(t *testing.T, r *Rebuilder[string], key, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		v, _, err := r.lookupSWR(context.Background(), key)
		if err == nil && v == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cache never reached value %q", want)
}

func TestSWRFreshHit(t *testing.T) {
	s := store.NewMemory()
	r := newSWRRebuilder(s, time.Second, time.Second)
	ctx := context.Background()

	var loads atomic.Int64
	loader := func(ctx context.Context) (string, error) {
		loads.Add(1)
		return "v1", nil
	}
	if v, err := r.GetSWR(ctx, "item:1", loader); err != nil || v != "v1" {
		t.Fatalf("cold get: v %q err %v", v, err)
	}
	if v, err := r.GetSWR(ctx, "item:1", loader); err != nil || v != "v1" {
		t.Fatalf("fresh get: v %q err %v", v, err)
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("loader ran %d times for a fresh entry", got)
	}
}

func TestSWRStaleServedImmediately(t *testing.T) {
	s := store.NewMemory()
	r := newSWRRebuilder(s, 50*time.Millisecond, 10*time.Second)
	ctx := context.Background()

	var loads atomic.Int64
	loader := func(ctx context.Context) (string, error) {
		n := loads.Add(1)
		if n > 1 {
			time.Sleep(80 * time.Millisecond)
			return "v2", nil
		}
		return "v1", nil
	}
	if _, err := r.GetSWR(ctx, "item:1", loader); err != nil {
		t.Fatalf("cold get: %v", err)
	}
	time.Sleep(80 * time.Millisecond) // past soft expiry, inside swr window

	start := time.Now()
	v, err := r.GetSWR(ctx, "item:1", loader)
	if err != nil || v != "v1" {
		t.Fatalf("stale get: v %q err %v", v, err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("stale read blocked for %v", elapsed)
	}

	// the detached refresh replaces the entry
	waitForValue(t, r, "item:1", "v2", time.Second)
	if got := loads.Load(); got != 2 {
		t.Fatalf("expected one background refresh, loader ran %d times", got)
	}
}

func TestSWRSingleBackgroundRefresher(t *testing.T) {
	s := store.NewMemory()
	r := newSWRRebuilder(s, 50*time.Millisecond, 10*time.Second)
	ctx := context.Background()

	var loads atomic.Int64
	loader := func(ctx context.Context) (string, error) {
		n := loads.Add(1)
		if n > 1 {
			time.Sleep(100 * time.Millisecond)
			return "v2", nil
		}
		return "v1", nil
	}
	if _, err := r.GetSWR(ctx, "item:1", loader); err != nil {
		t.Fatalf("cold get: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	const readers = 20
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.GetSWR(ctx, "item:1", loader)
			if err != nil || v != "v1" {
				t.Errorf("stale get: v %q err %v", v, err)
			}
		}()
	}
	wg.Wait()

	waitForValue(t, r, "item:1", "v2", time.Second)
	if got := loads.Load(); got != 2 {
		t.Fatalf("expected a single refresher, loader ran %d times", got)
	}
}

func TestSWRColdMissCollapsesReaders(t *testing.T) {
	s := store.NewMemory()
	r := newSWRRebuilder(s, time.Second, time.Second)

	var loads atomic.Int64
	loader := func(ctx context.Context) (string, error) {
		loads.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "v1", nil
	}

	const readers = 10
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.GetSWR(context.Background(), "item:1", loader)
			if err != nil || v != "v1" {
				t.Errorf("cold get: v %q err %v", v, err)
			}
		}()
	}
	wg.Wait()
	if got := loads.Load(); got != 1 {
		t.Fatalf("expected one cold rebuild, loader ran %d times", got)
	}
}

func TestSWRHardExpiryIsColdMiss(t *testing.T) {
	s := store.NewMemory()
	r := newSWRRebuilder(s, 30*time.Millisecond, 30*time.Millisecond)
	ctx := context.Background()

	var loads atomic.Int64
	loader := func(ctx context.Context) (string, error) {
		if loads.Add(1) > 1 {
			return "v2", nil
		}
		return "v1", nil
	}
	if _, err := r.GetSWR(ctx, "item:1", loader); err != nil {
		t.Fatalf("cold get: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // past hard expiry

	v, err := r.GetSWR(ctx, "item:1", loader)
	if err != nil || v != "v2" {
		t.Fatalf("post-hard-expiry get: v %q err %v", v, err)
	}
	if got := loads.Load(); got != 2 {
		t.Fatalf("loader ran %d times", got)
	}
}

func TestSWRCorruptEnvelope(t *testing.T) {
	s := store.NewMemory()
	r := newSWRRebuilder(s, time.Second, time.Second)
	ctx := context.Background()

	if err := s.Set(ctx, cacheKey("item:1"), "garbage", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, err := r.GetSWR(ctx, "item:1", func(ctx context.Context) (string, error) {
		return "", nil
	})
	if !errors.Is(err, lberrors.ErrCorruptEntry) {
		t.Fatalf("expected ErrCorruptEntry, got %v", err)
	}
	if _, found, _ := s.Get(ctx, cacheKey("item:1")); found {
		t.Fatal("corrupt entry was not evicted")
	}
}

func TestSWRRefreshFailureKeepsStale(t *testing.T) {
	s := store.NewMemory()
	r := newSWRRebuilder(s, 50*time.Millisecond, 10*time.Second)
	ctx := context.Background()

	var loads atomic.Int64
	loader := func(ctx context.Context) (string, error) {
		if loads.Add(1) > 1 {
			return "", errors.New("db down")
		}
		return "v1", nil
	}
	if _, err := r.GetSWR(ctx, "item:1", loader); err != nil {
		t.Fatalf("cold get: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	// the stale read succeeds even though the background refresh will fail
	v, err := r.GetSWR(ctx, "item:1", loader)
	if err != nil || v != "v1" {
		t.Fatalf("stale get: v %q err %v", v, err)
	}
	time.Sleep(100 * time.Millisecond)
	// the stale value is still served, untouched by the failed refresh
	v, err = r.GetSWR(ctx, "item:1", loader)
	if err != nil || v != "v1" {
		t.Fatalf("second stale get: v %q err %v", v, err)
	}
}
