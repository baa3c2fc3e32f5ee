package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockbox/v1/store"
)

func newRedisMutex(t *testing.T, resource string, opts ...Option) (*miniredis.Miniredis, *store.Redis, *Mutex, context.Context, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedis(client)
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return mr, s, New(s, resource, opts...), context.Background(), cleanup
}

func TestRedisMutexAcquireReleaseCycle(t *testing.T) {
	_, s, m, ctx, cleanup := newRedisMutex(t, "res")
	defer cleanup()

	if ok, err := m.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("tryacquire: %v ok %v", err, ok)
	}
	rival := New(s, "res")
	if ok, err := rival.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("expected lock held, ok %v err %v", ok, err)
	}
	if ok, err := m.Release(ctx); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	if ok, err := rival.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("rival acquire after release: ok %v err %v", ok, err)
	}
}

func TestRedisMutexTTLExpiry(t *testing.T) {
	mr, s, m, ctx, cleanup := newRedisMutex(t, "res", WithTTL(50*time.Millisecond))
	defer cleanup()

	if ok, _ := m.TryAcquire(ctx); !ok {
		t.Fatal("tryacquire failed")
	}
	mr.FastForward(100 * time.Millisecond)

	rival := New(s, "res")
	if ok, err := rival.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("lock should have expired, ok %v err %v", ok, err)
	}
	// the original owner has lost the lock
	if ok, err := m.Renew(ctx, 0); err != nil || ok {
		t.Fatalf("renew after expiry must fail, ok %v err %v", ok, err)
	}
	if ok, err := m.Release(ctx); err != nil || ok {
		t.Fatalf("release after expiry must not delete the rival's lock, ok %v err %v", ok, err)
	}
}

func TestRedisMutexRenewExtends(t *testing.T) {
	mr, s, m, ctx, cleanup := newRedisMutex(t, "res", WithTTL(100*time.Millisecond))
	defer cleanup()

	if ok, _ := m.TryAcquire(ctx); !ok {
		t.Fatal("tryacquire failed")
	}
	mr.FastForward(60 * time.Millisecond)
	if ok, err := m.Renew(ctx, 0); err != nil || !ok {
		t.Fatalf("renew: ok %v err %v", ok, err)
	}
	mr.FastForward(60 * time.Millisecond)
	rival := New(s, "res")
	if ok, _ := rival.TryAcquire(ctx); ok {
		t.Fatal("lock expired despite renewal")
	}
	mr.FastForward(60 * time.Millisecond)
	if ok, _ := rival.TryAcquire(ctx); !ok {
		t.Fatal("lock still held past renewed expiry")
	}
}

func TestRedisMutexReleaseErrorPropagates(t *testing.T) {
	mr, _, m, ctx, cleanup := newRedisMutex(t, "res")
	defer cleanup()

	if ok, _ := m.TryAcquire(ctx); !ok {
		t.Fatal("tryacquire failed")
	}
	mr.Close()
	if _, err := m.Release(ctx); err == nil {
		t.Fatal("release must propagate connectivity errors")
	}
	if _, err := m.Renew(ctx, 0); err == nil {
		t.Fatal("renew must propagate connectivity errors")
	}
}
