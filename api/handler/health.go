package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/tabsleep/engine"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Health returns a handler for GET /api/v1/health.
//
// Reports the engine phase and the last memory reading. Status degrades when
// no reading exists yet or the last one is stale.
func Health(coord *engine.Coordinator, sampler *memory.Sampler, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := coord.Stats()
		state := models.EngineState{
			Phase:      string(coord.Phase()),
			Cycles:     stats.Cycles,
			LastReason: stats.LastReason,
		}

		status := "healthy"
		if r, ok := sampler.Last(); ok {
			state.MemoryPercent = r.UsagePercent
			state.MemoryStatus = string(r.Status)
			state.MemoryStale = r.Stale
			if r.Stale {
				status = "degraded"
			}
		} else if stats.SkippedCycles > 0 {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Engine:  state,
			Version: Version,
		})
	}
}
