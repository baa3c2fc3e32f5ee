package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	redis "github.com/redis/go-redis/v9"

	lberrors "github.com/mirkobrombin/go-lockbox/v1/errors"
	"github.com/mirkobrombin/go-lockbox/v1/rebuild"
	"github.com/mirkobrombin/go-lockbox/v1/store"
)

var (
	mode       = flag.String("mode", "blocking", "Rebuild policy: blocking or swr")
	key        = flag.String("key", "item:1", "Logical cache key")
	cacheTTL   = flag.Int("cache-ttl", 30, "Cache TTL in seconds (blocking mode)")
	softTTL    = flag.Int("soft-ttl", 10, "Freshness window in seconds (swr mode)")
	swrWindow  = flag.Int("swr-window", 10, "Serve-stale window in seconds beyond soft TTL")
	lockTTLMs  = flag.Int("lock-ttl-ms", 5000, "Rebuild lock TTL in milliseconds")
	timeoutMs  = flag.Int("timeout-ms", 1000, "Lock wait timeout in milliseconds")
	retryMs    = flag.Int("retry-ms", 100, "Retry backoff base in milliseconds")
	waitFillMs = flag.Int("wait-fill-ms", 1500, "Wait-for-fill deadline in milliseconds")
	dbMs       = flag.Int("db-ms", 500, "Simulated DB latency in milliseconds")
	watchdog   = flag.Bool("watchdog", false, "Auto-renew the rebuild lock while loading")
	addr       = flag.String("addr", "127.0.0.1:6379", "Redis address")
)

func main() {
	flag.Parse()

	client := redis.NewClient(&redis.Options{Addr: *addr})
	defer client.Close()

	opts := []rebuild.Option[string]{
		rebuild.WithCacheTTL[string](time.Duration(*cacheTTL) * time.Second),
		rebuild.WithSoftTTL[string](time.Duration(*softTTL)*time.Second, time.Duration(*swrWindow)*time.Second),
		rebuild.WithLockTTL[string](time.Duration(*lockTTLMs) * time.Millisecond),
		rebuild.WithLockWait[string](time.Duration(*timeoutMs) * time.Millisecond),
		rebuild.WithBackoff[string](time.Duration(*retryMs)*time.Millisecond, 50*time.Millisecond),
		rebuild.WithFillWait[string](time.Duration(*waitFillMs) * time.Millisecond),
	}
	if *watchdog {
		opts = append(opts, rebuild.WithWatchdog[string]())
	}
	r := rebuild.New[string](store.NewRedis(client), opts...)

	loader := func(ctx context.Context) (string, error) {
		time.Sleep(time.Duration(*dbMs) * time.Millisecond)
		return fmt.Sprintf("db-value@%d", time.Now().Unix()), nil
	}

	ctx := context.Background()
	var val string
	var err error
	switch *mode {
	case "blocking":
		val, err = r.Get(ctx, *key, loader)
	case "swr":
		val, err = r.GetSWR(ctx, *key, loader)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	switch {
	case err == nil:
		log.Printf("key=%s val=%s", *key, val)
	case errors.Is(err, lberrors.ErrNotAcquired):
		log.Printf("lock not acquired: %v", err)
		os.Exit(1)
	case errors.Is(err, lberrors.ErrFillTimeout):
		log.Printf("cache not filled in time: %v", err)
		os.Exit(2)
	case errors.Is(err, lberrors.ErrCorruptEntry):
		log.Printf("corrupt cache entry evicted: %v", err)
		os.Exit(3)
	default:
		log.Fatalf("rebuild: %v", err)
	}
}
