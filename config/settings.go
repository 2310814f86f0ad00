package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bounds for clamped settings.
const (
	MinRAMLimitMB = 1000
	MaxRAMLimitMB = 5000

	MinSleepTimerMin = 1
	MaxSleepTimerMin = 1440

	MinCheckInterval = 10 * time.Second
	MaxCheckInterval = time.Hour

	MaxGracePeriod = time.Hour

	MinActivityMaxAge = time.Hour
	MaxActivityMaxAge = 365 * 24 * time.Hour
)

// Duration is a time.Duration that encodes as a Go duration string ("1m30s")
// in JSON. Plain numbers are accepted on decode as milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("config: duration must be a string or milliseconds")
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Thresholds are the usage percentages at which memory status escalates.
// They must be strictly ascending.
type Thresholds struct {
	Elevated float64 `json:"elevated"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// DefaultThresholds returns the 60/70/85 tiering.
func DefaultThresholds() Thresholds {
	return Thresholds{Elevated: 60, Warning: 70, Critical: 85}
}

// Valid reports whether the thresholds are strictly ascending within (0,100].
func (t Thresholds) Valid() bool {
	return t.Elevated > 0 && t.Elevated < t.Warning && t.Warning < t.Critical && t.Critical <= 100
}

// Settings are the runtime-tunable eviction settings. They are persisted
// under the "config" key and changed through the control surface.
type Settings struct {
	// RAMLimitMB caps the browser's own resident memory. Hosts that cannot
	// report their footprint never trigger it.
	RAMLimitMB     int        `json:"ram_limit_mb"`
	SleepTimerMin  int        `json:"sleep_timer_min"`
	AggressiveMode bool       `json:"aggressive_mode"`
	AutoSleep      bool       `json:"auto_sleep"`
	DryRun         bool       `json:"dry_run"`
	CheckInterval  Duration   `json:"check_interval"`
	GracePeriod    Duration   `json:"grace_period"`
	ActivityMaxAge Duration   `json:"activity_max_age"`
	Thresholds     Thresholds `json:"thresholds"`
}

// DefaultSettings returns the settings a fresh install starts with.
func DefaultSettings() Settings {
	return Settings{
		RAMLimitMB:     2048,
		SleepTimerMin:  30,
		AggressiveMode: false,
		AutoSleep:      true,
		DryRun:         false,
		CheckInterval:  Duration(time.Minute),
		GracePeriod:    Duration(180 * time.Second),
		ActivityMaxAge: Duration(30 * 24 * time.Hour),
		Thresholds:     DefaultThresholds(),
	}
}

// SleepTimer returns the base inactivity threshold.
func (s Settings) SleepTimer() time.Duration {
	return time.Duration(s.SleepTimerMin) * time.Minute
}

// Clamp returns a copy with every field forced into its valid range.
// Out-of-range values are clamped rather than rejected; invalid thresholds
// fall back to the defaults.
func (s Settings) Clamp() Settings {
	s.RAMLimitMB = clampInt(s.RAMLimitMB, MinRAMLimitMB, MaxRAMLimitMB)
	s.SleepTimerMin = clampInt(s.SleepTimerMin, MinSleepTimerMin, MaxSleepTimerMin)
	s.CheckInterval = Duration(clampDuration(time.Duration(s.CheckInterval), MinCheckInterval, MaxCheckInterval))
	s.GracePeriod = Duration(clampDuration(time.Duration(s.GracePeriod), 0, MaxGracePeriod))
	s.ActivityMaxAge = Duration(clampDuration(time.Duration(s.ActivityMaxAge), MinActivityMaxAge, MaxActivityMaxAge))
	if !s.Thresholds.Valid() {
		s.Thresholds = DefaultThresholds()
	}
	return s
}

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	RAMLimitMB     *int        `json:"ram_limit_mb,omitempty"`
	SleepTimerMin  *int        `json:"sleep_timer_min,omitempty"`
	AggressiveMode *bool       `json:"aggressive_mode,omitempty"`
	AutoSleep      *bool       `json:"auto_sleep,omitempty"`
	DryRun         *bool       `json:"dry_run,omitempty"`
	CheckInterval  *Duration   `json:"check_interval,omitempty"`
	GracePeriod    *Duration   `json:"grace_period,omitempty"`
	ActivityMaxAge *Duration   `json:"activity_max_age,omitempty"`
	Thresholds     *Thresholds `json:"thresholds,omitempty"`
}

// Apply merges the patch into s and clamps the result.
func (s Settings) Apply(p Patch) Settings {
	if p.RAMLimitMB != nil {
		s.RAMLimitMB = *p.RAMLimitMB
	}
	if p.SleepTimerMin != nil {
		s.SleepTimerMin = *p.SleepTimerMin
	}
	if p.AggressiveMode != nil {
		s.AggressiveMode = *p.AggressiveMode
	}
	if p.AutoSleep != nil {
		s.AutoSleep = *p.AutoSleep
	}
	if p.DryRun != nil {
		s.DryRun = *p.DryRun
	}
	if p.CheckInterval != nil {
		s.CheckInterval = *p.CheckInterval
	}
	if p.GracePeriod != nil {
		s.GracePeriod = *p.GracePeriod
	}
	if p.ActivityMaxAge != nil {
		s.ActivityMaxAge = *p.ActivityMaxAge
	}
	if p.Thresholds != nil {
		s.Thresholds = *p.Thresholds
	}
	return s.Clamp()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
