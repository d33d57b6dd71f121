package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper 基于 Redis SETNX 的一次性去重
type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDeduper rdb 为 nil 时不做去重
func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

// AcquireOnce 首次出现返回 true，重复返回 false
// Redis 不可用时返回 true，不阻止处理
func (d *Deduper) AcquireOnce(ctx context.Context, key string) bool {
	if d == nil || d.rdb == nil {
		return true
	}
	ok, err := d.rdb.SetNX(ctx, "dedup:"+key, 1, d.ttl).Result()
	if err != nil {
		return true
	}
	return ok
}
