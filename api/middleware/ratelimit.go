package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	cache "github.com/patrickmn/go-cache"
	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/models"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long a token bucket survives without requests.
const idleLimiterTTL = time.Hour

// Limiter holds one token bucket per identity (API key or client IP). It
// smooths bursts on the control routes; the rolling credential quota is
// enforced by Quota. Buckets live in a go-cache whose expiry slides with
// each request.
type Limiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	buckets *cache.Cache
}

// NewLimiter creates a Limiter from cfg.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{cfg: cfg, buckets: cache.New(idleLimiterTTL, 5*time.Minute)}
}

// Allow takes one token from the bucket of id.
func (l *Limiter) Allow(id string) bool {
	l.mu.Lock()
	var b *rate.Limiter
	if v, ok := l.buckets.Get(id); ok {
		b = v.(*rate.Limiter)
	} else {
		b = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
	}
	l.buckets.SetDefault(id, b)
	l.mu.Unlock()
	return b.Allow()
}

// Tracked reports how many identities currently hold a bucket.
func (l *Limiter) Tracked() int {
	return l.buckets.ItemCount()
}

// RateLimit enforces l per identity.
func RateLimit(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(identity(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				models.Fail(models.ErrCodeRateLimited, "rate limit exceeded, please slow down"))
			return
		}
		c.Next()
	}
}
