package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/tabsleep/activity"
	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/host"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/policy"
	"github.com/use-agent/tabsleep/scoring"
	"github.com/use-agent/tabsleep/store"
)

type fakeHost struct {
	mu        sync.Mutex
	handles   []host.Handle
	listErr   error
	failing   map[string]bool
	discarded []string
	listener  host.Listener
	block     chan struct{}
	reloaded  []string
	footprint int64
}

func (f *fakeHost) FootprintMB(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.footprint == 0 {
		return 0, errors.New("footprint unknown")
	}
	return f.footprint, nil
}

func (f *fakeHost) ListHandles(ctx context.Context) ([]host.Handle, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]host.Handle(nil), f.handles...), nil
}

func (f *fakeHost) ActiveHandle(ctx context.Context) (*host.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if h.Active {
			h := h
			return &h, nil
		}
	}
	return nil, nil
}

func (f *fakeHost) Discard(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return errors.New("tab refused discard")
	}
	f.discarded = append(f.discarded, id)
	for i := range f.handles {
		if f.handles[i].ID == id {
			f.handles[i].Suspended = true
		}
	}
	return nil
}

func (f *fakeHost) Reload(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return errors.New("tab refused reload")
	}
	f.reloaded = append(f.reloaded, id)
	for i := range f.handles {
		if f.handles[i].ID == id {
			f.handles[i].Suspended = false
		}
	}
	return nil
}

func (f *fakeHost) Subscribe(l host.Listener) { f.listener = l }

func (f *fakeHost) discardedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.discarded...)
}

type fakeSource struct {
	mu   sync.Mutex
	info memory.Info
	err  error
}

func (f *fakeSource) Info(ctx context.Context) (memory.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info, f.err
}

// usage builds an Info for a 8 GiB machine at the given usage.
func usage(pct float64) memory.Info {
	return usageOf(8<<30, pct)
}

func usageOf(total uint64, pct float64) memory.Info {
	return memory.Info{CapacityBytes: total, AvailableCapacityBytes: total - uint64(float64(total)*pct/100)}
}

type recordingReporter struct {
	mu      sync.Mutex
	results []*CycleResult
}

func (r *recordingReporter) ReportCycle(ctx context.Context, res *CycleResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

type harness struct {
	coord    *Coordinator
	host     *fakeHost
	source   *fakeSource
	activity *activity.Store
	policy   *policy.Matcher
	store    *store.Memory
	reporter *recordingReporter
	now      time.Time
}

func newHarness(t *testing.T, handles []host.Handle, pct float64, settings config.Settings) *harness {
	t.Helper()
	h := &harness{
		host:     &fakeHost{handles: handles, failing: map[string]bool{}},
		source:   &fakeSource{info: usage(pct)},
		policy:   policy.NewMatcher(),
		store:    store.NewMemory(),
		reporter: &recordingReporter{},
		now:      time.Now(),
	}
	h.activity = activity.New(h.store, time.Hour)
	t.Cleanup(func() { _ = h.activity.Close(context.Background()) })

	sampler := memory.NewSampler(h.source, 0, settings.Thresholds)
	h.coord = NewCoordinator(Deps{
		Host:      h.host,
		Sampler:   sampler,
		Activity:  h.activity,
		Policy:    h.policy,
		Scorer:    scoring.NewScorer(),
		Store:     h.store,
		Reporters: []Reporter{h.reporter},
	}, settings)
	return h
}

// age shifts the coordinator clock forward so observed handles look idle.
func (h *harness) age(d time.Duration) {
	h.now = h.now.Add(d)
	now := h.now
	h.coord.now = func() time.Time { return now }
}

func tabs(ids ...string) []host.Handle {
	out := make([]host.Handle, len(ids))
	for i, id := range ids {
		out[i] = host.Handle{ID: id, URL: "https://" + id + ".example.org/"}
	}
	return out
}

func TestRunCycle_DiscardsIdleHandles(t *testing.T) {
	settings := config.DefaultSettings()
	h := newHarness(t, tabs("a", "b", "c"), 90, settings)

	// First cycle observes the handles; nothing is idle yet.
	res, err := h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Empty(t, res.Suspended)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 3, h.activity.Len())

	h.age(2 * time.Hour)
	res, err = h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, memory.StatusCritical, res.Status)
	assert.Len(t, res.Suspended, 3, "ceil(3*0.8)=3")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, h.host.discardedIDs())

	rec, ok := h.activity.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, rec.SuspendCount)

	st := h.coord.Stats()
	assert.Equal(t, int64(2), st.Cycles)
	assert.Equal(t, int64(3), st.SuspendedTotal)
	assert.Equal(t, PhaseIdle, h.coord.Phase())
}

func TestRunCycle_DiscardFailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t, tabs("a", "b", "c"), 90, config.DefaultSettings())
	h.host.failing["b"] = true
	_, _ = h.coord.RunCycle(context.Background(), TriggerManual)
	h.age(2 * time.Hour)

	res, err := h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, res.Suspended)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "b", res.Failed[0].ID)
	assert.Equal(t, int64(1), h.coord.Stats().DiscardFailures)
	assert.Equal(t, int64(2), h.coord.Stats().SuspendedTotal, "only verified successes count")
}

func TestRunCycle_NoMemoryDataSkips(t *testing.T) {
	h := newHarness(t, tabs("a"), 90, config.DefaultSettings())
	h.source.err = errors.New("meminfo unreadable")

	res, err := h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "no memory data")
	assert.Empty(t, h.host.discardedIDs())
	assert.Equal(t, int64(1), h.coord.Stats().SkippedCycles)
	assert.Equal(t, PhaseIdle, h.coord.Phase())

	require.Len(t, h.reporter.results, 1)
	assert.True(t, h.reporter.results[0].Skipped)
}

func TestRunCycle_EnumerationFailureSkips(t *testing.T) {
	h := newHarness(t, tabs("a"), 90, config.DefaultSettings())
	h.host.listErr = errors.New("cdp gone")

	res, err := h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "handle enumeration failed")
}

func TestRunCycle_DryRunDiscardsNothing(t *testing.T) {
	settings := config.DefaultSettings()
	settings.DryRun = true
	h := newHarness(t, tabs("a", "b"), 90, settings)
	_, _ = h.coord.RunCycle(context.Background(), TriggerManual)
	h.age(2 * time.Hour)

	res, err := h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Len(t, res.Plan.Selected, 2)
	assert.Empty(t, res.Suspended)
	assert.Empty(t, h.host.discardedIDs())
}

func TestRunCycle_RAMLimitEscalatesOnBrowserFootprint(t *testing.T) {
	settings := config.DefaultSettings()
	h := newHarness(t, tabs("a"), 20, settings)
	h.host.footprint = 2500

	res, err := h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.NotNil(t, res.Reading)
	assert.Equal(t, memory.StatusOptimal, res.Reading.Status)
	assert.Equal(t, int64(2500), res.BrowserMB)
	assert.Equal(t, memory.StatusWarning, res.Status)
}

func TestRunCycle_SystemUsageAloneKeepsTier(t *testing.T) {
	// 40% of 16 GiB is ~6.5 GB used machine-wide, far above the default
	// 2048 MB limit, while the browser itself stays small.
	h := newHarness(t, tabs("a"), 40, config.DefaultSettings())
	h.source.info = usageOf(16<<30, 40)
	h.host.footprint = 900

	res, err := h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.NotNil(t, res.Reading)
	assert.Greater(t, res.Reading.UsedMB, int64(2048))
	assert.Equal(t, memory.StatusOptimal, res.Status)

	// Unknown footprint never escalates.
	h.host.footprint = 0
	res, err = h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, memory.StatusOptimal, res.Status)
}

func TestRunCycle_VisibleHandleStaysFresh(t *testing.T) {
	handles := tabs("fg", "bg")
	handles[0].Active = true
	h := newHarness(t, handles, 50, config.DefaultSettings())
	_, err := h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	fg0, _ := h.activity.Get("fg")
	bg0, _ := h.activity.Get("bg")

	time.Sleep(5 * time.Millisecond)
	_, err = h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)

	fg, ok := h.activity.Get("fg")
	require.True(t, ok)
	assert.True(t, fg.LastActivityAt.After(fg0.LastActivityAt))
	assert.Positive(t, fg.TotalActiveTime)
	assert.Zero(t, fg.ActivationCount, "visibility refreshes activity without counting activations")
	bg, _ := h.activity.Get("bg")
	assert.Equal(t, bg0.LastActivityAt, bg.LastActivityAt)
}

func TestRunCycle_NeverPolicyKeepsHandle(t *testing.T) {
	h := newHarness(t, tabs("keep", "drop"), 95, config.DefaultSettings())
	_, err := h.policy.Add(policy.ListAllow, "keep.example.org")
	require.NoError(t, err)
	_, _ = h.coord.RunCycle(context.Background(), TriggerManual)
	h.age(5 * time.Hour)

	res, err := h.coord.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"drop"}, res.Suspended)
}

func TestTryRunCycle_BusyWhileInFlight(t *testing.T) {
	h := newHarness(t, tabs("a"), 50, config.DefaultSettings())
	h.host.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		_, _ = h.coord.RunCycle(context.Background(), TriggerManual)
		close(done)
	}()
	require.Eventually(t, func() bool { return h.coord.Phase() == PhaseSampling }, time.Second, time.Millisecond)

	_, err := h.coord.TryRunCycle(context.Background(), TriggerTimer)
	assert.ErrorIs(t, err, ErrBusy)

	close(h.host.block)
	<-done
	h.host.block = nil

	_, err = h.coord.TryRunCycle(context.Background(), TriggerTimer)
	assert.NoError(t, err)
}

func TestTick_RespectsAutoSleep(t *testing.T) {
	settings := config.DefaultSettings()
	settings.AutoSleep = false
	h := newHarness(t, tabs("a"), 50, settings)

	res, err := h.coord.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, h.coord.Stats().Cycles)
}

func TestUpdateSettings_ClampsAndPersists(t *testing.T) {
	h := newHarness(t, nil, 50, config.DefaultSettings())
	var seen config.Settings
	h.coord.OnSettingsChange(func(s config.Settings) { seen = s })

	ram := 99999
	got := h.coord.UpdateSettings(context.Background(), config.Patch{RAMLimitMB: &ram})
	assert.Equal(t, config.MaxRAMLimitMB, got.RAMLimitMB)
	assert.Equal(t, got, seen)

	blobs, err := h.store.Get(context.Background(), store.KeyConfig)
	require.NoError(t, err)
	var persisted config.Settings
	require.NoError(t, json.Unmarshal(blobs[store.KeyConfig], &persisted))
	assert.Equal(t, got, persisted)
}

func TestRestore_LoadsSettingsAndStats(t *testing.T) {
	h := newHarness(t, tabs("a"), 50, config.DefaultSettings())
	_, _ = h.coord.RunCycle(context.Background(), TriggerManual)
	timer := 45
	h.coord.UpdateSettings(context.Background(), config.Patch{SleepTimerMin: &timer})

	sampler := memory.NewSampler(&fakeSource{info: usage(50)}, 0, config.DefaultThresholds())
	fresh := NewCoordinator(Deps{
		Host:     &fakeHost{},
		Sampler:  sampler,
		Activity: activity.New(store.NewMemory(), time.Hour),
		Policy:   policy.NewMatcher(),
		Scorer:   scoring.NewScorer(),
		Store:    h.store,
	}, config.DefaultSettings())
	require.NoError(t, fresh.Restore(context.Background()))

	assert.Equal(t, 45, fresh.Settings().SleepTimerMin)
	assert.Equal(t, int64(1), fresh.Stats().Cycles)
}

func TestResetStats(t *testing.T) {
	h := newHarness(t, tabs("a"), 50, config.DefaultSettings())
	_, _ = h.coord.RunCycle(context.Background(), TriggerManual)
	require.Equal(t, int64(1), h.coord.Stats().Cycles)

	h.coord.ResetStats(context.Background())
	assert.Equal(t, Stats{}, h.coord.Stats())
}

func TestListener_RoutesHostEvents(t *testing.T) {
	h := newHarness(t, nil, 50, config.DefaultSettings())
	l := h.host.listener
	require.NotNil(t, l)

	l.OnActivated("7")
	l.OnUpdated("7", host.UpdateInfo{Completed: true})
	l.OnUpdated("7", host.UpdateInfo{Audible: true})
	rec, ok := h.activity.Get("7")
	require.True(t, ok)
	assert.Equal(t, 2, rec.ActivationCount)

	l.OnRemoved("7")
	_, ok = h.activity.Get("7")
	assert.False(t, ok)
}
