package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockbox/v1/lock"
	"github.com/mirkobrombin/go-lockbox/v1/store"
)

var (
	resource  = flag.String("resource", "demo", "Resource name to lock")
	ttlMs     = flag.Int("ttl-ms", 8000, "Lock TTL in milliseconds")
	timeoutMs = flag.Int("timeout-ms", 0, "Acquire timeout in milliseconds (0 = single attempt)")
	retryMs   = flag.Int("retry-ms", 100, "Retry backoff base in milliseconds")
	jitterMs  = flag.Int("jitter-ms", 50, "Retry jitter max in milliseconds")
	renewMs   = flag.Int("renew-ms", 0, "Watchdog renew period in milliseconds (0 = no watchdog)")
	workMs    = flag.Int("work-ms", 2000, "Simulated work duration in milliseconds")
	addr      = flag.String("addr", "127.0.0.1:6379", "Redis address")
)

func main() {
	flag.Parse()

	client := redis.NewClient(&redis.Options{Addr: *addr})
	defer client.Close()

	ctx := context.Background()
	m := lock.New(store.NewRedis(client), *resource,
		lock.WithTTL(time.Duration(*ttlMs)*time.Millisecond),
		lock.WithBackoff(time.Duration(*retryMs)*time.Millisecond, time.Duration(*jitterMs)*time.Millisecond))

	acquired, err := m.Acquire(ctx, time.Duration(*timeoutMs)*time.Millisecond)
	if err != nil {
		log.Fatalf("acquire: %v", err)
	}
	if !acquired {
		log.Printf("lock %q not acquired within budget", *resource)
		os.Exit(1)
	}
	log.Printf("lock %q acquired by %s", *resource, m.Token())

	if *renewMs > 0 {
		m.StartRenew(time.Duration(*renewMs) * time.Millisecond)
		log.Printf("watchdog renewing every %dms", *renewMs)
	}

	time.Sleep(time.Duration(*workMs) * time.Millisecond)

	released, err := m.Release(ctx)
	if err != nil {
		log.Fatalf("release: %v", err)
	}
	log.Printf("released=%v", released)
}
