package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestAcquireOnceWithoutRedis(t *testing.T) {
	d := NewDeduper(nil, time.Minute)
	for i := 0; i < 3; i++ {
		if !d.AcquireOnce(context.Background(), "notify:a:approved:") {
			t.Fatal("nil client must never block")
		}
	}
}

func TestAcquireOnceFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	d := NewDeduper(rdb, time.Minute)
	if !d.AcquireOnce(context.Background(), "notify:a:approved:") {
		t.Fatal("unreachable redis must fail open")
	}
}
