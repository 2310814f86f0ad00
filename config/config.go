package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process-level configuration. Runtime-tunable eviction
// settings live in Settings and are persisted separately.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Store     StoreConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Quota     QuotaConfig
	Log       LogConfig
	Sampler   SamplerConfig
	Webhook   WebhookConfig
	Policy    PolicyConfig
	Defaults  Settings
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "127.0.0.1"
	Port int    // default: 8455
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Chrome instance whose tabs are managed.
type BrowserConfig struct {
	// ControlURL connects to an already running Chrome (DevTools websocket URL).
	// When empty a browser is launched.
	ControlURL string

	// Headless controls whether a launched browser runs headless.
	Headless bool // default: false

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// StealthOnWake re-injects the stealth script before a discarded tab reloads.
	StealthOnWake bool // default: false

	// InspectTimeout bounds each per-tab CDP inspection (active/audible/kind).
	InspectTimeout time.Duration // default: 2s
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// URL is "memory", "sqlite://<path>" or "redis://<host>:<port>/<db>".
	URL string // default: "sqlite://tabsleep.db"

	// Prefix namespaces keys in shared backends (redis).
	Prefix string // default: "tabsleep:"
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication on the control surface.
	Enabled bool // default: false

	// APIKeys are operator credentials, accepted on every route.
	APIKeys []string

	// ExternalKeys are second-party credentials, accepted only on the
	// external API.
	ExternalKeys []string
}

// RateLimitConfig controls the per-identity token bucket on control routes.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per identity.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per identity.
	Burst int // default: 10
}

// QuotaConfig controls the per-credential rolling window on the external API.
type QuotaConfig struct {
	// Limit is the number of requests allowed per credential per Window.
	Limit int // default: 100

	// Window is the rolling window length.
	Window time.Duration // default: 1h
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// SamplerConfig controls memory sampling.
type SamplerConfig struct {
	// MaxCacheAge bounds how long a reading is reused before resampling.
	MaxCacheAge time.Duration // default: 2s

	// MeminfoPath is the procfs file read by the memory source.
	MeminfoPath string // default: "/proc/meminfo"
}

// WebhookConfig controls cycle event delivery.
type WebhookConfig struct {
	// URLs receive signed cycle events. Empty disables delivery.
	URLs []string

	// Secret signs request bodies with HMAC-SHA256 when non-empty.
	Secret string

	// SkippedEvents also delivers events for cycles that did not run.
	SkippedEvents bool // default: false
}

// PolicyConfig controls the overrides file.
type PolicyConfig struct {
	// OverridesFile is an optional YAML file of allow/deny domains that is
	// imported at startup and re-imported whenever it changes.
	OverridesFile string
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	defaults := DefaultSettings()
	return &Config{
		Server: ServerConfig{
			Host: envOr("TABSLEEP_HOST", "127.0.0.1"),
			Port: envIntOr("TABSLEEP_PORT", 8455),
			Mode: envOr("TABSLEEP_MODE", "release"),
		},
		Browser: BrowserConfig{
			ControlURL:     os.Getenv("TABSLEEP_CONTROL_URL"),
			Headless:       envBoolOr("TABSLEEP_HEADLESS", false),
			NoSandbox:      envBoolOr("TABSLEEP_NO_SANDBOX", false),
			BrowserBin:     os.Getenv("TABSLEEP_BROWSER_BIN"),
			StealthOnWake:  envBoolOr("TABSLEEP_STEALTH_ON_WAKE", false),
			InspectTimeout: envDurationOr("TABSLEEP_INSPECT_TIMEOUT", 2*time.Second),
		},
		Store: StoreConfig{
			URL:    envOr("TABSLEEP_STORE", "sqlite://tabsleep.db"),
			Prefix: envOr("TABSLEEP_STORE_PREFIX", "tabsleep:"),
		},
		Auth: AuthConfig{
			Enabled:      envBoolOr("TABSLEEP_AUTH_ENABLED", false),
			APIKeys:      envSliceOr("TABSLEEP_API_KEYS", nil),
			ExternalKeys: envSliceOr("TABSLEEP_EXTERNAL_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("TABSLEEP_RATE_RPS", 5.0),
			Burst:             envIntOr("TABSLEEP_RATE_BURST", 10),
		},
		Quota: QuotaConfig{
			Limit:  envIntOr("TABSLEEP_QUOTA_PER_HOUR", 100),
			Window: envDurationOr("TABSLEEP_QUOTA_WINDOW", time.Hour),
		},
		Log: LogConfig{
			Level:  envOr("TABSLEEP_LOG_LEVEL", "info"),
			Format: envOr("TABSLEEP_LOG_FORMAT", "json"),
		},
		Sampler: SamplerConfig{
			MaxCacheAge: envDurationOr("TABSLEEP_SAMPLE_CACHE", 2*time.Second),
			MeminfoPath: envOr("TABSLEEP_MEMINFO", "/proc/meminfo"),
		},
		Webhook: WebhookConfig{
			URLs:          envSliceOr("TABSLEEP_WEBHOOK_URLS", nil),
			Secret:        os.Getenv("TABSLEEP_WEBHOOK_SECRET"),
			SkippedEvents: envBoolOr("TABSLEEP_WEBHOOK_SKIPPED", false),
		},
		Policy: PolicyConfig{
			OverridesFile: os.Getenv("TABSLEEP_OVERRIDES_FILE"),
		},
		Defaults: Settings{
			RAMLimitMB:     envIntOr("TABSLEEP_RAM_LIMIT_MB", defaults.RAMLimitMB),
			SleepTimerMin:  envIntOr("TABSLEEP_SLEEP_TIMER_MIN", defaults.SleepTimerMin),
			AggressiveMode: envBoolOr("TABSLEEP_AGGRESSIVE", defaults.AggressiveMode),
			AutoSleep:      envBoolOr("TABSLEEP_AUTO_SLEEP", defaults.AutoSleep),
			DryRun:         envBoolOr("TABSLEEP_DRY_RUN", defaults.DryRun),
			CheckInterval:  Duration(envDurationOr("TABSLEEP_CHECK_INTERVAL", time.Duration(defaults.CheckInterval))),
			GracePeriod:    Duration(envDurationOr("TABSLEEP_GRACE_PERIOD", time.Duration(defaults.GracePeriod))),
			Thresholds: Thresholds{
				Elevated: envFloatOr("TABSLEEP_THRESHOLD_ELEVATED", defaults.Thresholds.Elevated),
				Warning:  envFloatOr("TABSLEEP_THRESHOLD_WARNING", defaults.Thresholds.Warning),
				Critical: envFloatOr("TABSLEEP_THRESHOLD_CRITICAL", defaults.Thresholds.Critical),
			},
			ActivityMaxAge: Duration(envDurationOr("TABSLEEP_ACTIVITY_MAX_AGE", time.Duration(defaults.ActivityMaxAge))),
		}.Clamp(),
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
