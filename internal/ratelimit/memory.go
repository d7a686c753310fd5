package ratelimit

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/modfin/brevq/tools"
)

type window struct {
	count    int64
	expireAt time.Time
}

// MemoryCounter keeps counters in process. It is only correct when a single brevq process talks to the job store.
type MemoryCounter struct {
	cache *ttlcache.Cache[string, window]
	mu    *tools.KeyedMutex[string]
	now   func() time.Time
}

func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	c := &MemoryCounter{
		cache: ttlcache.New[string, window](ttlcache.WithDisableTouchOnHit[string, window]()),
		mu:    tools.NewKeyedMutex[string](),
		now:   now,
	}
	go c.cache.Start()
	return c
}

func (c *MemoryCounter) Increment(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer c.mu.Lock(key)()

	w := window{count: 1, expireAt: expireAt}
	if item := c.cache.Get(key); item != nil && c.now().Before(item.Value().expireAt) {
		w = item.Value()
		w.count++
	}

	// the ttl only evicts, expiry itself is judged by c.now above
	ttl := time.Until(w.expireAt)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	c.cache.Set(key, w, ttl)
	return w.count, nil
}

func (c *MemoryCounter) Stop(ctx context.Context) error {
	c.cache.Stop()
	return nil
}
