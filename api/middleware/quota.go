package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	cache "github.com/patrickmn/go-cache"
	"github.com/use-agent/tabsleep/models"
)

// Quota counts requests per credential over a rolling window. Each
// credential keeps a log of request times in a go-cache entry that expires
// one window after its last request.
type Quota struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	logs *cache.Cache
}

// NewQuota creates a Quota allowing limit requests per window.
func NewQuota(limit int, window time.Duration) *Quota {
	if window <= 0 {
		window = time.Hour
	}
	return &Quota{
		limit:  limit,
		window: window,
		now:    time.Now,
		logs:   cache.New(window, 10*time.Minute),
	}
}

// QuotaStatus is the outcome of one Allow call.
type QuotaStatus struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Allow records a request for credential if the window still has room. A
// window whose count is already at the limit rejects the request without
// recording it.
func (q *Quota) Allow(credential string) QuotaStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	cutoff := now.Add(-q.window)

	var log []time.Time
	if v, ok := q.logs.Get(credential); ok {
		log = v.([]time.Time)
	}
	kept := log[:0:0]
	for _, t := range log {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	st := QuotaStatus{Limit: q.limit}
	if len(kept) >= q.limit {
		st.ResetAt = kept[0].Add(q.window)
		q.logs.Set(credential, kept, cache.DefaultExpiration)
		return st
	}

	kept = append(kept, now)
	q.logs.Set(credential, kept, cache.DefaultExpiration)
	st.Allowed = true
	st.Remaining = q.limit - len(kept)
	st.ResetAt = kept[0].Add(q.window)
	return st
}

// HourlyQuota enforces q per credential and reports the window in
// X-RateLimit-* headers.
func HourlyQuota(q *Quota) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := q.Allow(identity(c))
		c.Header("X-RateLimit-Limit", strconv.Itoa(st.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(st.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(st.ResetAt.Unix(), 10))
		if !st.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(time.Until(st.ResetAt).Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				models.Fail(models.ErrCodeRateLimited, "hourly request quota exceeded for this credential"))
			return
		}
		c.Next()
	}
}
