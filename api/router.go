package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/use-agent/tabsleep/api/handler"
	"github.com/use-agent/tabsleep/api/middleware"
	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/engine"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/metrics"
)

// Deps are the components the HTTP surface serves.
type Deps struct {
	Dispatcher handler.Dispatcher
	Coord      *engine.Coordinator
	Sampler    *memory.Sampler
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:   Recovery → Logger → request metrics
//	Control:  Auth (if enabled) → RateLimit
//	External: Auth → HourlyQuota → RateLimit
//
// Health and metrics stay outside auth so monitoring checks always work.
// The token buckets are shared by both groups.
func NewRouter(deps Deps, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	if deps.Metrics != nil {
		r.Use(requestMetrics(deps.Metrics))
	}

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(deps.Coord, deps.Sampler, startTime))

	limit := middleware.RateLimit(middleware.NewLimiter(cfg.RateLimit))

	ctrl := v1.Group("/control")
	if cfg.Auth.Enabled {
		ctrl.Use(middleware.Auth(cfg.Auth, middleware.ScopeControl))
	}
	ctrl.Use(limit)
	ctrl.POST("", handler.Control(deps.Dispatcher))

	// Second-party callers always present a credential when keys exist.
	ext := v1.Group("/external")
	ext.Use(middleware.Auth(cfg.Auth, middleware.ScopeExternal))
	ext.Use(middleware.HourlyQuota(middleware.NewQuota(cfg.Quota.Limit, cfg.Quota.Window)))
	ext.Use(limit)
	ext.POST("/:action", handler.External(deps.Dispatcher))

	return r
}

func requestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.ObserveRequest(c.FullPath(), c.Writer.Status())
	}
}
