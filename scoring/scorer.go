// Package scoring ranks handles by how safe they are to suspend right now.
//
// The score is a weighted-additive heuristic in [0,100] so every decision
// can be explained term by term. It is a relative signal: values are only
// compared within one cycle.
package scoring

import (
	"math"
	"time"

	"github.com/use-agent/tabsleep/activity"
	"github.com/use-agent/tabsleep/host"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/policy"
)

const (
	baseScore          = 50
	recentSuspendGuard = 5 * time.Minute
)

// Breakdown is the per-term contribution to a score.
type Breakdown struct {
	Base        int      `json:"base"`
	Inactivity  int      `json:"inactivity"`
	Activations int      `json:"activations"`
	Recency     int      `json:"recency"`
	Category    int      `json:"category"`
	CategoryOf  Category `json:"category_name,omitempty"`
	// Excluded is set when the handle short-circuits to zero.
	Excluded string `json:"excluded,omitempty"`
	Total    int    `json:"total"`
}

// Scorer computes suspendability scores.
type Scorer struct {
	now func() time.Time
}

// NewScorer creates a Scorer.
func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// Score returns the suspendability score of h. The memory status is part of
// the contract but does not shift the value: a uniform offset cannot change
// the ordering within a cycle, and pressure is applied by the selector.
func (s *Scorer) Score(h host.Handle, rec activity.Record, status memory.Status) int {
	return s.Explain(h, rec, status).Total
}

// Explain returns the score of h with each term broken out.
func (s *Scorer) Explain(h host.Handle, rec activity.Record, _ memory.Status) Breakdown {
	switch {
	case h.Active:
		return Breakdown{Excluded: "active"}
	case h.Suspended:
		return Breakdown{Excluded: "suspended"}
	case h.Audible:
		return Breakdown{Excluded: "audible"}
	}

	now := s.now()
	b := Breakdown{Base: baseScore}
	b.Inactivity = inactivityTerm(now.Sub(rec.LastActivityAt))

	switch {
	case rec.ActivationCount < 3:
		b.Activations = 15
	case rec.ActivationCount < 10:
		b.Activations = 5
	case rec.ActivationCount > 30:
		b.Activations = -15
	}
	if rec.LastSuspendAt != nil && now.Sub(*rec.LastSuspendAt) < recentSuspendGuard {
		b.Recency = -20
	}

	b.CategoryOf = s.category(h)
	b.Category = b.CategoryOf.Weight()

	raw := float64(b.Base + b.Inactivity + b.Activations + b.Recency + b.Category)
	b.Total = int(math.Round(math.Max(0, math.Min(100, raw))))
	return b
}

func (s *Scorer) category(h host.Handle) Category {
	c := Categorize(policy.NormalizeHost(h.URL))
	if c == CategoryNone && h.Kind != "" {
		c = CategoryFromKind(h.Kind)
	}
	return c
}

func inactivityTerm(idle time.Duration) int {
	switch m := idle.Minutes(); {
	case m > 60:
		return 30
	case m > 30:
		return 20
	case m > 15:
		return 10
	case m > 5:
		return 5
	}
	return 0
}
