package app

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"parlor/internal/config"
)

// writeLimiter throttles message sends and post writes per principal.
type writeLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *ttlcache.Cache[int64, *rate.Limiter]
	logger   *zap.Logger
}

// newWriteLimiter returns nil when limiting is disabled.
func newWriteLimiter(cfg config.RateLimit, logger *zap.Logger) *writeLimiter {
	if cfg.MessagesPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &writeLimiter{
		limit: rate.Limit(float64(cfg.MessagesPerMinute) / 60),
		burst: burst,
		limiters: ttlcache.New[int64, *rate.Limiter](
			ttlcache.WithTTL[int64, *rate.Limiter](10*time.Minute),
			ttlcache.WithCapacity[int64, *rate.Limiter](100_000),
		),
		logger: logger,
	}
}

func (l *writeLimiter) limiterFor(principalID int64) *rate.Limiter {
	item, _ := l.limiters.GetOrSet(principalID, rate.NewLimiter(l.limit, l.burst))
	return item.Value()
}

// reserve takes a token for the principal, or reports how long to wait.
func (l *writeLimiter) reserve(principalID int64) (time.Duration, bool) {
	res := l.limiterFor(principalID).Reserve()
	if !res.OK() {
		return time.Minute, false
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, false
	}
	return 0, true
}

func (l *writeLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal, ok := principalFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if delay, ok := l.reserve(principal.ID); !ok {
			l.logger.Warn("rate limit exceeded",
				zap.Int64("user_id", principal.ID),
				zap.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
