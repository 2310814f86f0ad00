package engine

import (
	"math"
	"sort"
	"time"

	"github.com/use-agent/tabsleep/host"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/policy"
)

// emergencyFraction is the share of all non-protected handles the emergency
// pass aims to have selected.
const emergencyFraction = 0.7

// Candidate is one handle as seen by a single cycle.
type Candidate struct {
	Handle          host.Handle     `json:"handle"`
	Inactive        time.Duration   `json:"inactive"`
	Age             time.Duration   `json:"age"`
	ActivationCount int             `json:"activation_count"`
	Score           int             `json:"score"`
	Priority        policy.Priority `json:"priority"`
}

// SelectOptions carries the settings that shape selection.
type SelectOptions struct {
	SleepTimer  time.Duration
	Aggressive  bool
	GracePeriod time.Duration
}

// Plan is the ordered set of handles to suspend in one cycle.
type Plan struct {
	Selected  []Candidate   `json:"selected"`
	Threshold time.Duration `json:"threshold"`
	// Filtered counts non-protected handles; Eligible counts those past the threshold.
	Filtered       int  `json:"filtered"`
	Eligible       int  `json:"eligible"`
	Target         int  `json:"target"`
	Emergency      bool `json:"emergency"`
	EmergencyAdded int  `json:"emergency_added"`
}

// IDs returns the selected handle ids in suspend order.
func (p Plan) IDs() []string {
	ids := make([]string, len(p.Selected))
	for i, c := range p.Selected {
		ids[i] = c.Handle.ID
	}
	return ids
}

// ThresholdMultiplier scales the sleep timer down as usage rises.
func ThresholdMultiplier(usagePercent float64) float64 {
	switch {
	case usagePercent > 85:
		return 0.2
	case usagePercent > 80:
		return 0.3
	case usagePercent > 75:
		return 0.4
	case usagePercent > 70:
		return 0.5
	case usagePercent > 65:
		return 0.6
	case usagePercent > 60:
		return 0.75
	case usagePercent >= 55:
		return 0.9
	}
	return 1.0
}

// TierFraction is the share of eligible normal handles selected per tier.
func TierFraction(s memory.Status) float64 {
	switch s {
	case memory.StatusCritical:
		return 0.8
	case memory.StatusWarning:
		return 0.6
	case memory.StatusElevated:
		return 0.4
	}
	return 0.3
}

// activationMultiplier lengthens the threshold for frequently revisited handles.
func activationMultiplier(count int) float64 {
	switch {
	case count > 30:
		return 2
	case count > 15:
		return 1.5
	}
	return 1
}

// Protected reports whether c can never be a suspension candidate.
func Protected(c Candidate) bool {
	h := c.Handle
	return c.Priority == policy.Never || h.Active || h.Audible || h.Suspended || host.IsSystemURL(h.URL)
}

// Select chooses which candidates to suspend under the given reading.
// status may be more severe than reading.Status when a RAM limit applies.
func Select(candidates []Candidate, reading memory.Reading, status memory.Status, opts SelectOptions) Plan {
	var filtered []Candidate
	for _, c := range candidates {
		if !Protected(c) {
			filtered = append(filtered, c)
		}
	}

	threshold := opts.SleepTimer
	if opts.Aggressive {
		threshold = time.Duration(float64(threshold) * ThresholdMultiplier(reading.UsagePercent))
	}

	var eager, normal []Candidate
	for _, c := range filtered {
		switch c.Priority {
		case policy.Eager:
			if c.Inactive >= threshold && c.Age >= opts.GracePeriod {
				eager = append(eager, c)
			}
		default:
			need := time.Duration(float64(threshold) * activationMultiplier(c.ActivationCount))
			if c.Inactive >= need {
				normal = append(normal, c)
			}
		}
	}
	sortCandidates(normal)

	target := int(math.Ceil(float64(len(normal)) * TierFraction(status)))
	if target > len(normal) {
		target = len(normal)
	}

	selected := make([]Candidate, 0, len(eager)+target)
	selected = append(selected, eager...)
	selected = append(selected, normal[:target]...)
	sortCandidates(selected)

	plan := Plan{
		Threshold: threshold,
		Filtered:  len(filtered),
		Eligible:  len(eager) + len(normal),
		Target:    target,
	}

	if opts.Aggressive && status == memory.StatusCritical {
		plan.Emergency = true
		selected, plan.EmergencyAdded = topUp(selected, filtered)
	}
	plan.Selected = selected
	return plan
}

// topUp extends selected in score order until it covers emergencyFraction
// of pool. Already-selected handles count toward the target and are never
// added twice; nothing is removed.
func topUp(selected, pool []Candidate) ([]Candidate, int) {
	goal := int(math.Ceil(float64(len(pool)) * emergencyFraction))
	if len(selected) >= goal {
		return selected, 0
	}

	chosen := make(map[string]struct{}, len(selected))
	for _, c := range selected {
		chosen[c.Handle.ID] = struct{}{}
	}
	ranked := append([]Candidate(nil), pool...)
	sortCandidates(ranked)

	added := 0
	for _, c := range ranked {
		if len(selected) >= goal {
			break
		}
		if _, ok := chosen[c.Handle.ID]; ok {
			continue
		}
		chosen[c.Handle.ID] = struct{}{}
		selected = append(selected, c)
		added++
	}
	return selected, added
}

// sortCandidates orders by score descending, then longer inactivity first.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].Inactive > cs[j].Inactive
	})
}
