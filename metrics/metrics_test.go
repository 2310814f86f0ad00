package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/use-agent/tabsleep/engine"
	"github.com/use-agent/tabsleep/memory"
)

func TestReportCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() int { return 4 })

	m.ReportCycle(context.Background(), &engine.CycleResult{
		Trigger:   engine.TriggerTimer,
		Duration:  120 * time.Millisecond,
		Reading:   &memory.Reading{UsagePercent: 91.5, UsedMB: 7000, Status: memory.StatusCritical},
		Status:    memory.StatusCritical,
		BrowserMB: 2300,
		Plan:      engine.Plan{Eligible: 5, Emergency: true},
		Suspended: []string{"1", "2", "3"},
		Failed:    []engine.HandleFailure{{ID: "4"}},
	})
	m.ReportCycle(context.Background(), &engine.CycleResult{Trigger: engine.TriggerManual, Skipped: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("completed", "timer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("skipped", "manual")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Suspended))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiscardFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmergencyPasses))
	assert.Equal(t, 91.5, testutil.ToFloat64(m.MemoryUsage))
	assert.Equal(t, 2300.0, testutil.ToFloat64(m.BrowserMB))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoryStatus.WithLabelValues("critical")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MemoryStatus.WithLabelValues("optimal")))

	n, err := testutil.GatherAndCount(reg, "tabsleep_tracked_handles")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestObserveRequest(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil)
	m.ObserveRequest("/api/v1/control", 200)
	m.ObserveRequest("", 404)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/api/v1/control", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("unmatched", "404")))
}
