package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/tabsleep/config"
)

func TestScheduler_ReschedulesOnSettingsChange(t *testing.T) {
	h := newHarness(t, tabs("a"), 50, config.DefaultSettings())

	s, err := NewScheduler(h.coord, h.activity)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Shutdown() })

	assert.Equal(t, time.Duration(config.DefaultSettings().CheckInterval), s.Interval())

	interval := config.Duration(5 * time.Minute)
	h.coord.UpdateSettings(context.Background(), config.Patch{CheckInterval: &interval})
	assert.Equal(t, 5*time.Minute, s.Interval())

	// Clamped intervals still move the job.
	interval = config.Duration(time.Second)
	h.coord.UpdateSettings(context.Background(), config.Patch{CheckInterval: &interval})
	assert.Equal(t, config.MinCheckInterval, s.Interval())
}
