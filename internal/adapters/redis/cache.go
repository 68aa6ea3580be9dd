package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

// Cache holds small counters with a TTL, such as rate limit windows.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// IncrWindow increments key and starts its TTL on first use. It returns the
// count within the current window.
func (c *Cache) IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, period)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, domain.Transient(err)
	}
	return incr.Val(), nil
}
