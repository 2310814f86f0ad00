package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/use-agent/tabsleep/activity"
	"github.com/use-agent/tabsleep/host"
	"github.com/use-agent/tabsleep/memory"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer() *Scorer {
	s := NewScorer()
	s.now = func() time.Time { return fixedNow }
	return s
}

func idleFor(d time.Duration, activations int) activity.Record {
	return activity.Record{
		CreatedAt:       fixedNow.Add(-48 * time.Hour),
		LastActivityAt:  fixedNow.Add(-d),
		ActivationCount: activations,
	}
}

func TestScore_ShortCircuits(t *testing.T) {
	s := newTestScorer()
	rec := idleFor(2*time.Hour, 0)
	for name, h := range map[string]host.Handle{
		"active":    {URL: "https://youtube.com", Active: true},
		"suspended": {URL: "https://youtube.com", Suspended: true},
		"audible":   {URL: "https://youtube.com", Audible: true},
	} {
		t.Run(name, func(t *testing.T) {
			b := s.Explain(h, rec, memory.StatusCritical)
			assert.Equal(t, 0, b.Total)
			assert.Equal(t, name, b.Excluded)
		})
	}
}

func TestScore_Terms(t *testing.T) {
	s := newTestScorer()
	recent := fixedNow.Add(-2 * time.Minute)

	tests := []struct {
		name string
		url  string
		kind string
		rec  activity.Record
		want int
	}{
		{"fresh unknown", "https://example.org", "", idleFor(time.Minute, 5), 55},
		{"idle 6m", "https://example.org", "", idleFor(6*time.Minute, 5), 60},
		{"idle 16m", "https://example.org", "", idleFor(16*time.Minute, 5), 65},
		{"idle 31m", "https://example.org", "", idleFor(31*time.Minute, 5), 75},
		{"idle 61m rarely used video", "https://www.youtube.com/watch?v=1", "", idleFor(61*time.Minute, 1), 100},
		{"heavy productivity", "https://docs.google.com/d/1", "", idleFor(time.Minute, 40), 20},
		{"news", "https://news.ycombinator.com", "", idleFor(time.Minute, 10), 55},
		{"kind fallback", "https://example.org/watch", "video.movie", idleFor(time.Minute, 10), 60},
		{"recent suspend", "https://example.org", "", activity.Record{
			LastActivityAt: fixedNow.Add(-20 * time.Minute), ActivationCount: 12, LastSuspendAt: &recent,
		}, 40},
		{"clamped low", "https://mail.google.com", "", activity.Record{
			LastActivityAt: fixedNow, ActivationCount: 50, LastSuspendAt: &recent,
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := host.Handle{URL: tt.url, Kind: tt.kind}
			assert.Equal(t, tt.want, s.Score(h, tt.rec, memory.StatusOptimal))
		})
	}
}

func TestScore_StatusDoesNotChangeOrdering(t *testing.T) {
	s := newTestScorer()
	h := host.Handle{URL: "https://example.org"}
	rec := idleFor(20*time.Minute, 2)
	want := s.Score(h, rec, memory.StatusOptimal)
	for _, st := range []memory.Status{memory.StatusElevated, memory.StatusWarning, memory.StatusCritical} {
		assert.Equal(t, want, s.Score(h, rec, st))
	}
}

func TestCategorize(t *testing.T) {
	tests := map[string]Category{
		"mail.google.com":    CategoryCommunication,
		"app.slack.com":      CategoryCommunication,
		"github.com":         CategoryProductivity,
		"gist.github.com":    CategoryProductivity,
		"m.youtube.com":      CategoryVideo,
		"old.reddit.com":     CategorySocial,
		"en.wikipedia.org":   CategoryContent,
		"news.example.net":   CategoryNews,
		"notgithub.com":      CategoryNone,
		"":                   CategoryNone,
		"open.spotify.com":   CategoryEntertainment,
		"docs.internal.corp": CategoryProductivity,
	}
	for hostname, want := range tests {
		assert.Equal(t, want, Categorize(hostname), hostname)
	}
}
