package memory

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/models"
)

// Status is the memory pressure tier.
type Status string

const (
	StatusOptimal  Status = "optimal"
	StatusElevated Status = "elevated"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Severity orders statuses from 0 (optimal) to 3 (critical).
func (s Status) Severity() int {
	switch s {
	case StatusElevated:
		return 1
	case StatusWarning:
		return 2
	case StatusCritical:
		return 3
	default:
		return 0
	}
}

// ErrNoData is returned when the source fails and no earlier reading exists.
// Callers must skip the cycle rather than assume optimal.
var ErrNoData = models.NewEngineError(models.ErrCodeSourceUnavailable, "no memory data available", nil)

// Info is what a Source reports.
type Info struct {
	CapacityBytes          uint64
	AvailableCapacityBytes uint64
}

// Source reports total and available system memory.
type Source interface {
	Info(ctx context.Context) (Info, error)
}

// Reading is a classified memory sample.
type Reading struct {
	TotalMB      int64     `json:"total_mb"`
	AvailableMB  int64     `json:"available_mb"`
	UsedMB       int64     `json:"used_mb"`
	UsagePercent float64   `json:"usage_percent"`
	Status       Status    `json:"status"`
	SampledAt    time.Time `json:"sampled_at"`
	Stale        bool      `json:"stale"`
}

// Classify maps a usage percentage onto a status tier. It is monotonic:
// a higher percentage never yields a less severe status.
func Classify(usagePercent float64, t config.Thresholds) Status {
	if !t.Valid() {
		t = config.DefaultThresholds()
	}
	switch {
	case usagePercent >= t.Critical:
		return StatusCritical
	case usagePercent >= t.Warning:
		return StatusWarning
	case usagePercent >= t.Elevated:
		return StatusElevated
	default:
		return StatusOptimal
	}
}

// Sampler wraps a Source with a short-lived cache and stale fallback.
// It is safe for concurrent use.
type Sampler struct {
	src         Source
	maxCacheAge time.Duration
	now         func() time.Time

	mu         sync.Mutex
	thresholds config.Thresholds
	cached     *Reading
}

// NewSampler creates a Sampler. maxCacheAge <= 0 uses the 2s default.
func NewSampler(src Source, maxCacheAge time.Duration, thresholds config.Thresholds) *Sampler {
	if maxCacheAge <= 0 {
		maxCacheAge = 2 * time.Second
	}
	if !thresholds.Valid() {
		thresholds = config.DefaultThresholds()
	}
	return &Sampler{
		src:         src,
		maxCacheAge: maxCacheAge,
		thresholds:  thresholds,
		now:         time.Now,
	}
}

// SetThresholds replaces the tier thresholds. Invalid values are ignored.
// The cached reading is reclassified so the next Sample reflects the change.
func (s *Sampler) SetThresholds(t config.Thresholds) {
	if !t.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = t
	if s.cached != nil {
		s.cached.Status = Classify(s.cached.UsagePercent, t)
	}
}

// Sample returns the current reading, reusing the cache while it is younger
// than maxCacheAge. On source failure it falls back to a stale copy of the
// last reading, or ErrNoData when there is none.
func (s *Sampler) Sample(ctx context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != nil && !s.cached.Stale && now.Sub(s.cached.SampledAt) < s.maxCacheAge {
		return *s.cached, nil
	}

	info, err := s.src.Info(ctx)
	if err == nil && info.CapacityBytes == 0 {
		err = errors.New("memory source reported zero capacity")
	}
	if err != nil {
		if s.cached == nil {
			slog.Warn("memory: sampling failed with empty cache", "error", err)
			return Reading{}, models.NewEngineError(models.ErrCodeSourceUnavailable, ErrNoData.Message, errors.Join(ErrNoData, err))
		}
		slog.Warn("memory: sampling failed, serving stale reading",
			"error", err, "sampledAt", s.cached.SampledAt)
		stale := *s.cached
		stale.Stale = true
		return stale, nil
	}

	r := s.classify(info, now)
	s.cached = &r
	return r, nil
}

// Last returns the most recent reading without sampling.
func (s *Sampler) Last() (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return Reading{}, false
	}
	return *s.cached, true
}

func (s *Sampler) classify(info Info, now time.Time) Reading {
	total := int64(info.CapacityBytes >> 20)
	avail := int64(info.AvailableCapacityBytes >> 20)
	if avail > total {
		avail = total
	}
	used := total - avail

	var pct float64
	if total > 0 {
		pct = math.Round(float64(used)/float64(total)*1000) / 10
	}

	return Reading{
		TotalMB:      total,
		AvailableMB:  avail,
		UsedMB:       used,
		UsagePercent: pct,
		Status:       Classify(pct, s.thresholds),
		SampledAt:    now,
	}
}
