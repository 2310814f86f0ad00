package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/tabsleep/activity"
	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/engine"
	"github.com/use-agent/tabsleep/host"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/models"
	"github.com/use-agent/tabsleep/policy"
	"github.com/use-agent/tabsleep/store"
)

// SnapshotVersion is the current snapshot format.
const SnapshotVersion = 1

// Snapshot is the exportable engine state: settings and override sets.
// A snapshot without settings leaves the current settings in place.
type Snapshot struct {
	ID        string           `json:"id"`
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	Settings  *config.Settings `json:"settings,omitempty"`
	Allow     []string         `json:"allow"`
	Deny      []string         `json:"deny"`
}

// HandleCounts summarises the host's handles.
type HandleCounts struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Suspended int `json:"suspended"`
	Audible   int `json:"audible"`
	Tracked   int `json:"tracked"`
}

// StatsView is the getStats response.
type StatsView struct {
	Memory       *memory.Reading `json:"memory"`
	MemoryError  string          `json:"memory_error,omitempty"`
	Handles      HandleCounts    `json:"handles"`
	HandlesError string          `json:"handles_error,omitempty"`
	PolicyStats  policy.Stats    `json:"policy_stats"`
	Engine       engine.Stats    `json:"engine"`
	Phase        engine.Phase    `json:"phase"`
	Settings     config.Settings `json:"settings"`
}

// CycleView is the forceEvictionCycle response.
type CycleView struct {
	Suspended int                 `json:"suspended"`
	Checked   int                 `json:"checked"`
	Cycle     *engine.CycleResult `json:"cycle"`
}

// OverridesView is the getOverrides response.
type OverridesView struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// WakeView is the wakeHandle and wakeAll response.
type WakeView struct {
	Woken  []string `json:"woken"`
	Failed []string `json:"failed,omitempty"`
}

// Controller answers control-surface requests.
type Controller struct {
	coord    *engine.Coordinator
	policy   *policy.Matcher
	sampler  *memory.Sampler
	activity *activity.Store
	host     host.ResourceHost
	store    store.Store
}

// NewController wires a Controller. st may be nil to disable persistence of
// the override sets.
func NewController(coord *engine.Coordinator, pm *policy.Matcher, sampler *memory.Sampler,
	act *activity.Store, h host.ResourceHost, st store.Store) *Controller {
	return &Controller{coord: coord, policy: pm, sampler: sampler, activity: act, host: h, store: st}
}

// Dispatch decodes and handles a raw action.
func (c *Controller) Dispatch(ctx context.Context, action string, payload json.RawMessage) models.Response {
	req, err := Decode(action, payload)
	if err != nil {
		return failure(err)
	}
	return c.Handle(ctx, req)
}

// Handle executes req. It always returns an envelope, never panics on
// unknown variants.
func (c *Controller) Handle(ctx context.Context, req Request) models.Response {
	var (
		data any
		err  error
	)
	switch r := req.(type) {
	case UpdateSettings:
		data = c.coord.UpdateSettings(ctx, r.Patch)
	case GetStats:
		data = c.stats(ctx)
	case ForceEvictionCycle:
		data, err = c.forceCycle(ctx)
	case ResetStats:
		c.coord.ResetStats(ctx)
		data = c.coord.Stats()
	case AddOverride:
		data, err = c.addOverride(ctx, r)
	case RemoveOverride:
		data, err = c.removeOverride(ctx, r)
	case GetOverrides:
		allow, deny := c.policy.Lists()
		data = OverridesView{Allow: allow, Deny: deny}
	case ExportSnapshot:
		data = c.Export()
	case ImportSnapshot:
		data, err = c.Import(ctx, r.Snapshot)
	case WakeHandle:
		data, err = c.wakeHandle(ctx, r.ID)
	case WakeAll:
		data, err = c.wakeAll(ctx)
	default:
		err = models.NewEngineError(models.ErrCodeUnknownOperation,
			fmt.Sprintf("unknown operation %T", req), nil)
	}
	if err != nil {
		slog.Warn("control: request failed", "action", actionOf(req), "error", err)
		return failure(err)
	}
	return models.OK(data)
}

func (c *Controller) stats(ctx context.Context) StatsView {
	v := StatsView{
		PolicyStats: c.policy.Stats(),
		Engine:      c.coord.Stats(),
		Phase:       c.coord.Phase(),
		Settings:    c.coord.Settings(),
	}
	if r, err := c.sampler.Sample(ctx); err != nil {
		v.MemoryError = err.Error()
	} else {
		v.Memory = &r
	}
	handles, err := c.host.ListHandles(ctx)
	if err != nil {
		v.HandlesError = err.Error()
	}
	for _, h := range handles {
		v.Handles.Total++
		if h.Active {
			v.Handles.Active++
		}
		if h.Suspended {
			v.Handles.Suspended++
		}
		if h.Audible {
			v.Handles.Audible++
		}
	}
	v.Handles.Tracked = c.activity.Len()
	return v
}

func (c *Controller) forceCycle(ctx context.Context) (CycleView, error) {
	res, err := c.coord.RunCycle(ctx, engine.TriggerManual)
	if err != nil {
		return CycleView{}, err
	}
	if res.Skipped {
		return CycleView{}, models.NewEngineError(models.ErrCodeSourceUnavailable, res.Reason, nil)
	}
	return CycleView{Suspended: len(res.Suspended), Checked: res.Checked, Cycle: res}, nil
}

func (c *Controller) wakeHandle(ctx context.Context, id string) (WakeView, error) {
	if id == "" {
		fg, err := c.host.ActiveHandle(ctx)
		if err != nil {
			return WakeView{}, models.NewEngineError(models.ErrCodeSourceUnavailable, "cannot list handles", err)
		}
		if fg == nil {
			return WakeView{}, models.NewEngineError(models.ErrCodeInvalidInput, "no foreground handle to wake", nil)
		}
		id = fg.ID
	}
	if err := c.wake(ctx, id); err != nil {
		if errors.Is(err, host.ErrNotFound) {
			return WakeView{}, models.NewEngineError(models.ErrCodeInvalidInput,
				fmt.Sprintf("unknown handle %q", id), err)
		}
		return WakeView{}, models.NewEngineError(models.ErrCodeHandleOperation, err.Error(), err)
	}
	return WakeView{Woken: []string{id}}, nil
}

// wakeAll reloads every suspended handle. Individual failures are reported,
// not returned.
func (c *Controller) wakeAll(ctx context.Context) (WakeView, error) {
	handles, err := c.host.ListHandles(ctx)
	if err != nil {
		return WakeView{}, models.NewEngineError(models.ErrCodeSourceUnavailable, "cannot list handles", err)
	}
	v := WakeView{Woken: []string{}}
	for _, h := range handles {
		if !h.Suspended {
			continue
		}
		if err := c.wake(ctx, h.ID); err != nil {
			slog.Warn("control: wake failed", "id", h.ID, "error", err)
			v.Failed = append(v.Failed, h.ID)
			continue
		}
		v.Woken = append(v.Woken, h.ID)
	}
	return v, nil
}

func (c *Controller) wake(ctx context.Context, id string) error {
	if err := c.host.Reload(ctx, id); err != nil {
		return err
	}
	c.activity.RecordActivity(id)
	slog.Debug("control: handle woken", "id", id)
	return nil
}

func (c *Controller) addOverride(ctx context.Context, r AddOverride) (OverridesView, error) {
	list, err := policy.ParseList(r.List)
	if err != nil {
		return OverridesView{}, models.NewEngineError(models.ErrCodeInvalidInput, err.Error(), err)
	}
	if _, err := c.policy.Add(list, r.Domain); err != nil {
		return OverridesView{}, models.NewEngineError(models.ErrCodeInvalidInput, err.Error(), err)
	}
	return c.persistPolicy(ctx), nil
}

func (c *Controller) removeOverride(ctx context.Context, r RemoveOverride) (OverridesView, error) {
	list, err := policy.ParseList(r.List)
	if err != nil {
		return OverridesView{}, models.NewEngineError(models.ErrCodeInvalidInput, err.Error(), err)
	}
	if _, err := c.policy.Remove(list, r.Domain); err != nil {
		return OverridesView{}, models.NewEngineError(models.ErrCodeInvalidInput, err.Error(), err)
	}
	return c.persistPolicy(ctx), nil
}

// Export captures the current settings and override sets.
func (c *Controller) Export() Snapshot {
	allow, deny := c.policy.Lists()
	settings := c.coord.Settings()
	return Snapshot{
		ID:        uuid.NewString(),
		Version:   SnapshotVersion,
		CreatedAt: time.Now().UTC(),
		Settings:  &settings,
		Allow:     allow,
		Deny:      deny,
	}
}

// Import replaces the override sets, and the settings when s carries them.
// Policy is validated first; on any invalid pattern nothing changes.
func (c *Controller) Import(ctx context.Context, s Snapshot) (Snapshot, error) {
	if s.Version != SnapshotVersion {
		return Snapshot{}, models.NewEngineError(models.ErrCodePolicyImport,
			fmt.Sprintf("unsupported snapshot version %d", s.Version), nil)
	}
	if err := c.policy.Replace(s.Allow, s.Deny); err != nil {
		return Snapshot{}, models.NewEngineError(models.ErrCodePolicyImport, err.Error(), err)
	}
	c.persistPolicy(ctx)
	if s.Settings != nil {
		c.coord.ReplaceSettings(ctx, *s.Settings)
	}
	slog.Info("control: snapshot imported", "snapshot", s.ID, "allow", len(s.Allow), "deny", len(s.Deny),
		"settings", s.Settings != nil)
	return c.Export(), nil
}

// ImportOverrides atomically replaces both override sets. It is the apply
// function for the overrides file watcher.
func (c *Controller) ImportOverrides(o policy.Overrides) error {
	if err := c.policy.Replace(o.Allow, o.Deny); err != nil {
		return models.NewEngineError(models.ErrCodePolicyImport, err.Error(), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.persistPolicy(ctx)
	return nil
}

// RestorePolicy loads the persisted override sets.
func (c *Controller) RestorePolicy(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	blobs, err := c.store.Get(ctx, store.KeyPolicyAllow, store.KeyPolicyDeny)
	if err != nil {
		return fmt.Errorf("control: restore policy: %w", err)
	}
	var allow, deny []string
	if b, ok := blobs[store.KeyPolicyAllow]; ok {
		if err := json.Unmarshal(b, &allow); err != nil {
			return models.NewEngineError(models.ErrCodePolicyImport, "corrupt allow list", err)
		}
	}
	if b, ok := blobs[store.KeyPolicyDeny]; ok {
		if err := json.Unmarshal(b, &deny); err != nil {
			return models.NewEngineError(models.ErrCodePolicyImport, "corrupt deny list", err)
		}
	}
	if err := c.policy.Replace(allow, deny); err != nil {
		return models.NewEngineError(models.ErrCodePolicyImport, "persisted overrides rejected", err)
	}
	return nil
}

func (c *Controller) persistPolicy(ctx context.Context) OverridesView {
	allow, deny := c.policy.Lists()
	view := OverridesView{Allow: allow, Deny: deny}
	if c.store == nil {
		return view
	}
	a, _ := json.Marshal(allow)
	d, _ := json.Marshal(deny)
	if err := c.store.Set(ctx, map[string][]byte{store.KeyPolicyAllow: a, store.KeyPolicyDeny: d}); err != nil {
		slog.Warn("control: persist overrides failed", "error", err)
	}
	return view
}

// failure maps err onto a response envelope. Errors carrying a code keep it.
func failure(err error) models.Response {
	var ee *models.EngineError
	switch {
	case errors.Is(err, engine.ErrBusy):
		return models.Fail(models.ErrCodeBusy, err.Error())
	case errors.As(err, &ee):
		return models.Fail(ee.Code, ee.Message)
	case errors.Is(err, policy.ErrInvalidPattern):
		return models.Fail(models.ErrCodeInvalidInput, err.Error())
	}
	return models.Fail(models.ErrCodeInternal, err.Error())
}

func actionOf(req Request) string {
	if req == nil {
		return ""
	}
	return req.Action()
}
