package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/tabsleep/host"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/policy"
)

func cand(id string, score int, inactive time.Duration) Candidate {
	return Candidate{
		Handle:   host.Handle{ID: id, URL: "https://" + id + ".example.org/"},
		Inactive: inactive,
		Age:      24 * time.Hour,
		Score:    score,
		Priority: policy.Normal,
	}
}

func reading(pct float64, st memory.Status) memory.Reading {
	return memory.Reading{UsagePercent: pct, Status: st}
}

var defaultOpts = SelectOptions{SleepTimer: 30 * time.Minute, GracePeriod: 180 * time.Second}

func TestThresholdMultiplier_Monotonic(t *testing.T) {
	prev := 1.0
	for pct := 0.0; pct <= 100; pct += 0.5 {
		m := ThresholdMultiplier(pct)
		assert.LessOrEqual(t, m, prev, "multiplier must not grow at %.1f%%", pct)
		prev = m
	}
	assert.Equal(t, 0.9, ThresholdMultiplier(55))
	assert.Equal(t, 1.0, ThresholdMultiplier(54.9))
	assert.Equal(t, 0.2, ThresholdMultiplier(85.1))
}

// Scenario A: critical pressure, aggressive mode, ten eligible handles.
func TestSelect_CriticalTopTier(t *testing.T) {
	var cs []Candidate
	for i := 0; i < 10; i++ {
		cs = append(cs, cand(fmt.Sprintf("h%d", i), 90-5*i, time.Hour))
	}
	opts := defaultOpts
	opts.Aggressive = true

	plan := Select(cs, reading(90, memory.StatusCritical), memory.StatusCritical, opts)

	assert.Equal(t, 8, plan.Target)
	assert.True(t, plan.Emergency)
	assert.Equal(t, 0, plan.EmergencyAdded, "ceil(0.7*10)=7 is already covered by 8")
	assert.Equal(t, []string{"h0", "h1", "h2", "h3", "h4", "h5", "h6", "h7"}, plan.IDs())
	assert.Equal(t, 6*time.Minute, plan.Threshold)
}

func TestSelect_EmergencyTopUp(t *testing.T) {
	var cs []Candidate
	// 4 eligible, 6 too fresh to pass even the scaled threshold.
	for i := 0; i < 4; i++ {
		cs = append(cs, cand(fmt.Sprintf("idle%d", i), 70-i, time.Hour))
	}
	for i := 0; i < 6; i++ {
		cs = append(cs, cand(fmt.Sprintf("fresh%d", i), 60-i, time.Minute))
	}
	// Protected handles never count toward the pool.
	never := cand("pinned", 99, 10*time.Hour)
	never.Priority = policy.Never
	active := cand("front", 99, 0)
	active.Handle.Active = true
	cs = append(cs, never, active)

	opts := defaultOpts
	opts.Aggressive = true
	plan := Select(cs, reading(92, memory.StatusCritical), memory.StatusCritical, opts)

	require.True(t, plan.Emergency)
	assert.Equal(t, 10, plan.Filtered)
	assert.Equal(t, 4, plan.Target)
	assert.Equal(t, 3, plan.EmergencyAdded)
	assert.Equal(t, []string{"idle0", "idle1", "idle2", "idle3", "fresh0", "fresh1", "fresh2"}, plan.IDs())

	seen := map[string]bool{}
	for _, id := range plan.IDs() {
		assert.False(t, seen[id], "selected twice: %s", id)
		seen[id] = true
	}
}

func TestSelect_NoEmergencyWithoutAggressive(t *testing.T) {
	cs := []Candidate{cand("a", 50, time.Hour), cand("b", 40, time.Minute)}
	plan := Select(cs, reading(95, memory.StatusCritical), memory.StatusCritical, defaultOpts)
	assert.False(t, plan.Emergency)
	assert.Equal(t, []string{"a"}, plan.IDs())
	assert.Equal(t, defaultOpts.SleepTimer, plan.Threshold)
}

// Scenario B: activation count above 30 doubles the threshold, compared with >=.
func TestSelect_HighActivationNeedsDoubleThreshold(t *testing.T) {
	opts := SelectOptions{SleepTimer: 10 * time.Minute, GracePeriod: 180 * time.Second}

	tests := []struct {
		name     string
		count    int
		inactive time.Duration
		want     bool
	}{
		{"35 activations at exactly 2x", 35, 20 * time.Minute, true},
		{"35 activations just short", 35, 20*time.Minute - time.Second, false},
		{"20 activations at 1.5x", 20, 15 * time.Minute, true},
		{"20 activations below 1.5x", 20, 14 * time.Minute, false},
		{"few activations at base", 2, 10 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cand("x", 50, tt.inactive)
			c.ActivationCount = tt.count
			plan := Select([]Candidate{c}, reading(40, memory.StatusOptimal), memory.StatusOptimal, opts)
			assert.Equal(t, tt.want, len(plan.Selected) == 1)
		})
	}
}

func TestSelect_NeverIsNeverSelected(t *testing.T) {
	for _, st := range []memory.Status{memory.StatusOptimal, memory.StatusElevated, memory.StatusWarning, memory.StatusCritical} {
		for _, aggressive := range []bool{false, true} {
			c := cand("keep", 100, 1000*time.Hour)
			c.Priority = policy.Never
			others := []Candidate{c, cand("a", 10, time.Minute), cand("b", 20, time.Hour)}
			opts := defaultOpts
			opts.Aggressive = aggressive
			plan := Select(others, reading(99, st), st, opts)
			assert.NotContains(t, plan.IDs(), "keep", "status=%s aggressive=%v", st, aggressive)
		}
	}
}

func TestSelect_EagerBypassesCapUnderOptimal(t *testing.T) {
	var cs []Candidate
	for i := 0; i < 3; i++ {
		c := cand(fmt.Sprintf("deny%d", i), 10, 30*time.Minute)
		c.Priority = policy.Eager
		cs = append(cs, c)
	}
	// Normal handles: ceil(2*0.3)=1 is selected.
	cs = append(cs, cand("n1", 80, time.Hour), cand("n2", 70, time.Hour))

	plan := Select(cs, reading(30, memory.StatusOptimal), memory.StatusOptimal, defaultOpts)
	assert.Equal(t, 1, plan.Target)
	assert.ElementsMatch(t, []string{"deny0", "deny1", "deny2", "n1"}, plan.IDs())
	assert.Equal(t, "n1", plan.IDs()[0], "suspend order is by score")
}

func TestSelect_EagerGracePeriod(t *testing.T) {
	c := cand("new", 50, time.Hour)
	c.Priority = policy.Eager
	c.Age = 2 * time.Minute

	plan := Select([]Candidate{c}, reading(30, memory.StatusOptimal), memory.StatusOptimal, defaultOpts)
	assert.Empty(t, plan.Selected)

	c.Age = 3 * time.Minute
	plan = Select([]Candidate{c}, reading(30, memory.StatusOptimal), memory.StatusOptimal, defaultOpts)
	assert.Equal(t, []string{"new"}, plan.IDs())
}

func TestSelect_FiltersProtected(t *testing.T) {
	audible := cand("audible", 90, time.Hour)
	audible.Handle.Audible = true
	suspended := cand("asleep", 90, time.Hour)
	suspended.Handle.Suspended = true
	system := cand("settings", 90, time.Hour)
	system.Handle.URL = "chrome://settings"

	plan := Select([]Candidate{audible, suspended, system}, reading(99, memory.StatusCritical), memory.StatusCritical,
		SelectOptions{SleepTimer: time.Minute, Aggressive: true})
	assert.Empty(t, plan.Selected)
	assert.Zero(t, plan.Filtered)
}

func TestSelect_TiesBrokenByInactivity(t *testing.T) {
	cs := []Candidate{cand("short", 60, 40*time.Minute), cand("long", 60, 3*time.Hour)}
	plan := Select(cs, reading(90, memory.StatusCritical), memory.StatusCritical, defaultOpts)
	assert.Equal(t, []string{"long", "short"}, plan.IDs())
}

func TestSelect_TierFractions(t *testing.T) {
	var cs []Candidate
	for i := 0; i < 10; i++ {
		cs = append(cs, cand(fmt.Sprintf("h%d", i), 50, time.Hour))
	}
	want := map[memory.Status]int{
		memory.StatusOptimal:  3,
		memory.StatusElevated: 4,
		memory.StatusWarning:  6,
		memory.StatusCritical: 8,
	}
	for st, n := range want {
		plan := Select(cs, reading(50, st), st, defaultOpts)
		assert.Len(t, plan.Selected, n, st)
	}
}
