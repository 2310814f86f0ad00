// Package engine runs eviction cycles: sample memory, enumerate handles,
// score, select and discard.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/tabsleep/activity"
	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/host"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/models"
	"github.com/use-agent/tabsleep/policy"
	"github.com/use-agent/tabsleep/scoring"
	"github.com/use-agent/tabsleep/store"
)

// ErrBusy is returned by TryRunCycle while another cycle is in flight.
var ErrBusy = errors.New("engine: eviction cycle already running")

// Phase is the coordinator's position in the cycle state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSampling   Phase = "sampling"
	PhaseScoring    Phase = "scoring"
	PhaseSelecting  Phase = "selecting"
	PhaseDiscarding Phase = "discarding"
	PhaseReporting  Phase = "reporting"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
)

// HandleFailure records a discard that the host refused.
type HandleFailure struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// CycleResult is the outcome of one cycle.
type CycleResult struct {
	ID        string          `json:"id"`
	Trigger   Trigger         `json:"trigger"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Reading   *memory.Reading `json:"reading,omitempty"`
	// BrowserMB is the host's own resident memory, when it reports one.
	BrowserMB int64           `json:"browser_mb,omitempty"`
	Status    memory.Status   `json:"status,omitempty"`
	Checked   int             `json:"checked"`
	Plan      Plan            `json:"plan"`
	Suspended []string        `json:"suspended"`
	Failed    []HandleFailure `json:"failed,omitempty"`
	DryRun    bool            `json:"dry_run"`
	Skipped   bool            `json:"skipped"`
	Reason    string          `json:"reason,omitempty"`
}

// Stats are rolling counters across cycles.
type Stats struct {
	Cycles          int64     `json:"cycles"`
	SkippedCycles   int64     `json:"skipped_cycles"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	LastDurationMs  float64   `json:"last_duration_ms"`
	EmergencyPasses int64     `json:"emergency_passes"`
	SuspendedTotal  int64     `json:"suspended_total"`
	DiscardFailures int64     `json:"discard_failures"`
	LastReason      string    `json:"last_reason,omitempty"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitzero"`
}

// Reporter receives every cycle result, including skipped cycles.
type Reporter interface {
	ReportCycle(ctx context.Context, r *CycleResult)
}

// Deps are the capabilities a Coordinator is built from.
type Deps struct {
	Host     host.ResourceHost
	Sampler  *memory.Sampler
	Activity *activity.Store
	Policy   *policy.Matcher
	Scorer   *scoring.Scorer
	// Store persists settings and stats; nil disables persistence.
	Store     store.Store
	Reporters []Reporter
}

// Coordinator orchestrates eviction cycles. At most one cycle runs at a time.
type Coordinator struct {
	host      host.ResourceHost
	sampler   *memory.Sampler
	activity  *activity.Store
	policy    *policy.Matcher
	scorer    *scoring.Scorer
	store     store.Store
	reporters []Reporter
	now       func() time.Time

	cycleMu sync.Mutex

	mu          sync.RWMutex
	phase       Phase
	settings    config.Settings
	stats       Stats
	durationSum time.Duration
	onSettings  []func(config.Settings)
}

// NewCoordinator creates a Coordinator with the given settings and
// subscribes it to host events.
func NewCoordinator(deps Deps, settings config.Settings) *Coordinator {
	c := &Coordinator{
		host:      deps.Host,
		sampler:   deps.Sampler,
		activity:  deps.Activity,
		policy:    deps.Policy,
		scorer:    deps.Scorer,
		store:     deps.Store,
		reporters: deps.Reporters,
		now:       time.Now,
		phase:     PhaseIdle,
		settings:  settings.Clamp(),
	}
	c.sampler.SetThresholds(c.settings.Thresholds)
	deps.Host.Subscribe(c)
	return c
}

// AddReporter registers r for subsequent cycles.
func (c *Coordinator) AddReporter(r Reporter) {
	c.mu.Lock()
	c.reporters = append(c.reporters, r)
	c.mu.Unlock()
}

// OnSettingsChange registers fn to run after every settings update.
func (c *Coordinator) OnSettingsChange(fn func(config.Settings)) {
	c.mu.Lock()
	c.onSettings = append(c.onSettings, fn)
	c.mu.Unlock()
}

// Phase returns the current cycle phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Settings returns the current settings.
func (c *Coordinator) Settings() config.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// UpdateSettings applies p, clamping out-of-range values, and persists the
// result.
func (c *Coordinator) UpdateSettings(ctx context.Context, p config.Patch) config.Settings {
	c.mu.Lock()
	c.settings = c.settings.Apply(p)
	s := c.settings
	hooks := append([]func(config.Settings){}, c.onSettings...)
	c.mu.Unlock()

	c.applySettings(ctx, s, hooks)
	return s
}

// ReplaceSettings swaps in s wholesale after clamping it.
func (c *Coordinator) ReplaceSettings(ctx context.Context, s config.Settings) config.Settings {
	s = s.Clamp()
	c.mu.Lock()
	c.settings = s
	hooks := append([]func(config.Settings){}, c.onSettings...)
	c.mu.Unlock()

	c.applySettings(ctx, s, hooks)
	return s
}

func (c *Coordinator) applySettings(ctx context.Context, s config.Settings, hooks []func(config.Settings)) {
	c.sampler.SetThresholds(s.Thresholds)
	c.persist(ctx, store.KeyConfig, s)
	for _, fn := range hooks {
		fn(s)
	}
	slog.Info("engine: settings updated",
		"ramLimitMB", s.RAMLimitMB,
		"sleepTimerMin", s.SleepTimerMin,
		"aggressive", s.AggressiveMode,
		"autoSleep", s.AutoSleep,
		"dryRun", s.DryRun,
	)
}

// Stats returns a copy of the rolling stats.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// ResetStats zeroes the rolling stats.
func (c *Coordinator) ResetStats(ctx context.Context) {
	c.mu.Lock()
	c.stats = Stats{}
	c.durationSum = 0
	c.mu.Unlock()
	c.persist(ctx, store.KeyStats, Stats{})
}

// Restore loads persisted settings and stats. Missing keys keep the
// current values; corrupt ones are logged and ignored.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	blobs, err := c.store.Get(ctx, store.KeyConfig, store.KeyStats)
	if err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}
	if b, ok := blobs[store.KeyConfig]; ok {
		s := c.Settings()
		if err := json.Unmarshal(b, &s); err != nil {
			slog.Warn("engine: ignoring corrupt persisted settings", "error", err)
		} else {
			c.mu.Lock()
			c.settings = s.Clamp()
			s = c.settings
			hooks := append([]func(config.Settings){}, c.onSettings...)
			c.mu.Unlock()
			c.sampler.SetThresholds(s.Thresholds)
			for _, fn := range hooks {
				fn(s)
			}
		}
	}
	if b, ok := blobs[store.KeyStats]; ok {
		var st Stats
		if err := json.Unmarshal(b, &st); err != nil {
			slog.Warn("engine: ignoring corrupt persisted stats", "error", err)
		} else {
			c.mu.Lock()
			c.stats = st
			c.durationSum = time.Duration(st.AvgDurationMs*float64(st.Cycles)) * time.Millisecond
			c.mu.Unlock()
		}
	}
	return nil
}

// Tick runs a timer-driven cycle. It is a no-op when auto sleep is off and
// returns ErrBusy when a cycle is already in flight.
func (c *Coordinator) Tick(ctx context.Context) (*CycleResult, error) {
	if !c.Settings().AutoSleep {
		return nil, nil
	}
	return c.TryRunCycle(ctx, TriggerTimer)
}

// TryRunCycle runs a cycle unless one is already running, in which case it
// returns ErrBusy immediately.
func (c *Coordinator) TryRunCycle(ctx context.Context, trigger Trigger) (*CycleResult, error) {
	if !c.cycleMu.TryLock() {
		return nil, ErrBusy
	}
	defer c.cycleMu.Unlock()
	return c.runCycle(ctx, trigger), nil
}

// RunCycle runs a cycle, waiting for any in-flight cycle to finish first.
func (c *Coordinator) RunCycle(ctx context.Context, trigger Trigger) (*CycleResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.runCycle(ctx, trigger), nil
}

// Wait blocks until no cycle is in flight.
func (c *Coordinator) Wait() {
	c.cycleMu.Lock()
	c.cycleMu.Unlock() //nolint:staticcheck // empty critical section waits for the in-flight cycle
}

func (c *Coordinator) runCycle(ctx context.Context, trigger Trigger) *CycleResult {
	settings := c.Settings()
	start := c.now()
	res := &CycleResult{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: start,
		DryRun:    settings.DryRun,
		Suspended: []string{},
	}
	defer c.setPhase(PhaseIdle)

	c.setPhase(PhaseSampling)
	reading, err := c.sampler.Sample(ctx)
	if err != nil {
		return c.skip(ctx, res, "no memory data", err)
	}
	res.Reading = &reading
	if reading.Stale {
		slog.Warn("engine: using stale memory reading", "sampledAt", reading.SampledAt)
	}

	handles, err := c.host.ListHandles(ctx)
	if err != nil {
		return c.skip(ctx, res, "handle enumeration failed",
			models.NewEngineError(models.ErrCodeSourceUnavailable, "list handles", err))
	}
	res.Checked = len(handles)

	res.BrowserMB = c.footprint(ctx)

	c.setPhase(PhaseScoring)
	status := effectiveStatus(reading, res.BrowserMB, settings)
	res.Status = status
	candidates := c.candidates(handles, status)

	c.setPhase(PhaseSelecting)
	plan := Select(candidates, reading, status, SelectOptions{
		SleepTimer:  settings.SleepTimer(),
		Aggressive:  settings.AggressiveMode,
		GracePeriod: time.Duration(settings.GracePeriod),
	})
	res.Plan = plan

	if !settings.DryRun {
		c.setPhase(PhaseDiscarding)
		for _, cand := range plan.Selected {
			id := cand.Handle.ID
			if err := c.host.Discard(ctx, id); err != nil {
				slog.Warn("engine: discard failed", "handle", id, "url", cand.Handle.URL, "error", err)
				res.Failed = append(res.Failed, HandleFailure{ID: id, URL: cand.Handle.URL, Error: err.Error()})
				continue
			}
			c.activity.RecordSuspend(id)
			res.Suspended = append(res.Suspended, id)
		}
	}

	c.setPhase(PhaseReporting)
	res.Duration = c.now().Sub(start)
	c.record(res)
	slog.Info("engine: cycle completed",
		"cycle", res.ID,
		"trigger", trigger,
		"status", status,
		"usagePercent", reading.UsagePercent,
		"checked", res.Checked,
		"eligible", plan.Eligible,
		"selected", len(plan.Selected),
		"suspended", len(res.Suspended),
		"failed", len(res.Failed),
		"emergency", plan.Emergency,
		"dryRun", settings.DryRun,
		"duration", res.Duration,
	)
	c.report(ctx, res)
	return res
}

// candidates snapshots handles into scored candidates and drops activity
// records for handles the host no longer reports.
func (c *Coordinator) candidates(handles []host.Handle, status memory.Status) []Candidate {
	live := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		live[h.ID] = struct{}{}
	}
	if n := c.activity.Retain(live); n > 0 {
		slog.Debug("engine: dropped records for vanished handles", "count", n)
	}

	now := c.now()
	out := make([]Candidate, 0, len(handles))
	for _, h := range handles {
		// A foreground handle is in use for as long as it stays visible.
		if h.Active {
			c.activity.Touch(h.ID)
		} else {
			c.activity.Observe(h.ID)
		}
		rec, _ := c.activity.Get(h.ID)
		out = append(out, Candidate{
			Handle:          h,
			Inactive:        now.Sub(rec.LastActivityAt),
			Age:             now.Sub(rec.CreatedAt),
			ActivationCount: rec.ActivationCount,
			Score:           c.scorer.Score(h, rec, status),
			Priority:        c.policy.Classify(h.URL),
		})
	}
	return out
}

// footprint asks the host for its resident memory. Zero means unknown.
func (c *Coordinator) footprint(ctx context.Context) int64 {
	fp, ok := c.host.(host.Footprinter)
	if !ok {
		return 0
	}
	mb, err := fp.FootprintMB(ctx)
	if err != nil {
		slog.Debug("engine: browser footprint unavailable", "error", err)
		return 0
	}
	return mb
}

// effectiveStatus escalates to at least warning once the browser's own
// footprint reaches the RAM limit. System-wide usage only sets the tier.
func effectiveStatus(r memory.Reading, browserMB int64, s config.Settings) memory.Status {
	if s.RAMLimitMB > 0 && browserMB > 0 && browserMB >= int64(s.RAMLimitMB) &&
		r.Status.Severity() < memory.StatusWarning.Severity() {
		return memory.StatusWarning
	}
	return r.Status
}

func (c *Coordinator) skip(ctx context.Context, res *CycleResult, reason string, err error) *CycleResult {
	res.Skipped = true
	res.Reason = fmt.Sprintf("%s: %v", reason, err)
	res.Duration = c.now().Sub(res.StartedAt)
	slog.Warn("engine: cycle skipped", "cycle", res.ID, "trigger", res.Trigger, "reason", reason, "error", err)

	c.mu.Lock()
	c.stats.SkippedCycles++
	c.stats.LastReason = res.Reason
	c.stats.LastCycleAt = res.StartedAt
	st := c.stats
	c.mu.Unlock()

	c.persist(ctx, store.KeyStats, st)
	c.report(ctx, res)
	return res
}

func (c *Coordinator) record(res *CycleResult) {
	c.mu.Lock()
	c.stats.Cycles++
	c.durationSum += res.Duration
	c.stats.AvgDurationMs = float64(c.durationSum.Microseconds()) / 1000 / float64(c.stats.Cycles)
	c.stats.LastDurationMs = float64(res.Duration.Microseconds()) / 1000
	if res.Plan.Emergency {
		c.stats.EmergencyPasses++
	}
	c.stats.SuspendedTotal += int64(len(res.Suspended))
	c.stats.DiscardFailures += int64(len(res.Failed))
	c.stats.LastReason = ""
	if res.DryRun {
		c.stats.LastReason = "dry run"
	}
	c.stats.LastCycleAt = res.StartedAt
	st := c.stats
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.persist(ctx, store.KeyStats, st)
}

func (c *Coordinator) report(ctx context.Context, res *CycleResult) {
	c.mu.RLock()
	reporters := append([]Reporter{}, c.reporters...)
	c.mu.RUnlock()
	for _, r := range reporters {
		r.ReportCycle(ctx, res)
	}
}

func (c *Coordinator) persist(ctx context.Context, key string, v any) {
	if c.store == nil {
		return
	}
	blob, err := json.Marshal(v)
	if err != nil {
		slog.Warn("engine: encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, map[string][]byte{key: blob}); err != nil {
		slog.Warn("engine: persist failed", "key", key, "error", err)
	}
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// OnActivated implements host.Listener.
func (c *Coordinator) OnActivated(id string) {
	c.activity.RecordActivity(id)
}

// OnRemoved implements host.Listener.
func (c *Coordinator) OnRemoved(id string) {
	c.activity.Remove(id)
}

// OnUpdated implements host.Listener.
func (c *Coordinator) OnUpdated(id string, info host.UpdateInfo) {
	if info.Completed {
		c.activity.RecordActivity(id)
	}
}
