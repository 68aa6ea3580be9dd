package rateLimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

// Counter counts hits in a fixed window that starts on the first hit.
type Counter interface {
	IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
	logger  observability.Logger
}

func NewRateLimiter(counter Counter, logger observability.Logger) *RateLimiter {
	return &RateLimiter{counter: counter, logger: logger}
}

// Allow reports whether key is still within rate hits per period. A counter
// failure denies the request.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	n, err := rl.counter.IncrWindow(ctx, "rl:"+key, period)
	if err != nil {
		rl.logger.WithError(err).WithField("key", key).Warn("rate limit counter failed")
		return false
	}
	return n <= int64(rate)
}

// Middleware limits each caller, as named by identify, to rate requests per
// minute. Requests without an identity are not limited here.
func (rl *RateLimiter) Middleware(name string, rate int, identify func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identify(r)
			if id == "" || rate <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.Allow(r.Context(), name+":"+id, rate, time.Minute) {
				observability.RateLimitExceeded.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(60))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
