package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// Limiter counts messages per user per UTC day.
type Limiter interface {
	// Allow records one message and reports whether it is within the limit
	// and how many remain.
	Allow(ctx context.Context, userID string) (bool, int, error)
}

func dayKey(now time.Time) string { return now.UTC().Format("2006-01-02") }

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

type redisLimiter struct {
	rdb   *redis.Client
	limit int
	now   func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, limit int) Limiter {
	return &redisLimiter{rdb: rdb, limit: limit, now: time.Now}
}

func (l *redisLimiter) Allow(ctx context.Context, userID string) (bool, int, error) {
	now := l.now()
	key := fmt.Sprintf("vaultbot:daily:%s:%s", userID, dayKey(now))
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, nextMidnight(now))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	n := int(incr.Val())
	return n <= l.limit, max(l.limit-n, 0), nil
}

type memoryLimiter struct {
	mu     sync.Mutex
	counts *ttlcache.Cache[string, int]
	limit  int
	now    func() time.Time
}

func NewMemoryLimiter(limit int) Limiter {
	c := ttlcache.New(ttlcache.WithDisableTouchOnHit[string, int]())
	go c.Start()
	return &memoryLimiter{counts: c, limit: limit, now: time.Now}
}

func (l *memoryLimiter) Allow(_ context.Context, userID string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	key := userID + ":" + dayKey(now)
	n := 1
	if item := l.counts.Get(key); item != nil {
		n = item.Value() + 1
	}
	l.counts.Set(key, n, nextMidnight(now).Sub(now))
	return n <= l.limit, max(l.limit-n, 0), nil
}

// Unlimited is used when the daily limit is disabled.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, int, error) { return true, -1, nil }
