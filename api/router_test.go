package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/tabsleep/activity"
	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/control"
	"github.com/use-agent/tabsleep/engine"
	"github.com/use-agent/tabsleep/host"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/metrics"
	"github.com/use-agent/tabsleep/models"
	"github.com/use-agent/tabsleep/policy"
	"github.com/use-agent/tabsleep/scoring"
	"github.com/use-agent/tabsleep/store"
)

type stubHost struct{}

func (stubHost) ListHandles(context.Context) ([]host.Handle, error) {
	return []host.Handle{{ID: "1", URL: "https://example.org"}}, nil
}
func (stubHost) ActiveHandle(context.Context) (*host.Handle, error) { return nil, nil }
func (stubHost) Discard(context.Context, string) error              { return nil }
func (stubHost) Reload(context.Context, string) error               { return nil }
func (stubHost) Subscribe(host.Listener)                            {}

type stubSource struct{}

func (stubSource) Info(context.Context) (memory.Info, error) {
	return memory.Info{CapacityBytes: 4 << 30, AvailableCapacityBytes: 3 << 30}, nil
}

func newTestRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	st := store.NewMemory()
	sampler := memory.NewSampler(stubSource{}, 0, config.DefaultThresholds())
	act := activity.New(st, time.Hour)
	pm := policy.NewMatcher()
	coord := engine.NewCoordinator(engine.Deps{
		Host: stubHost{}, Sampler: sampler, Activity: act, Policy: pm,
		Scorer: scoring.NewScorer(), Store: st,
	}, config.DefaultSettings())
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, act.Len)
	coord.AddReporter(m)

	return NewRouter(Deps{
		Dispatcher: control.NewController(coord, pm, sampler, act, stubHost{}, st),
		Coord:      coord,
		Sampler:    sampler,
		Metrics:    m,
		Gatherer:   reg,
	}, cfg, time.Now())
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Mode: gin.TestMode},
		Auth:      config.AuthConfig{Enabled: true, APIKeys: []string{"secret"}, ExternalKeys: []string{"partner"}},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100},
		Quota:     config.QuotaConfig{Limit: 2, Window: time.Hour},
	}
}

func post(r http.Handler, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) models.Response {
	t.Helper()
	var resp models.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth_NoAuth(t *testing.T) {
	r := newTestRouter(t, testConfig())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var h models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "idle", h.Engine.Phase)
}

func TestControl_RoundTrip(t *testing.T) {
	r := newTestRouter(t, testConfig())

	w := post(r, "/api/v1/control", "secret", `{"action":"addOverride","payload":{"list":"allow","domain":"*.example.com"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode(t, w).Success)

	w = post(r, "/api/v1/control", "secret", `{"action":"getOverrides"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"data":{"allow":["*.example.com"],"deny":[]}}`, w.Body.String())

	w = post(r, "/api/v1/control", "secret", `{"action":"forceEvictionCycle"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestControl_Errors(t *testing.T) {
	r := newTestRouter(t, testConfig())

	w := post(r, "/api/v1/control", "", `{"action":"getStats"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(r, "/api/v1/control", "secret", `{"action":"selfDestruct"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeUnknownOperation, decode(t, w).Error.Code)

	w = post(r, "/api/v1/control", "secret", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeInvalidInput, decode(t, w).Error.Code)

	w = post(r, "/api/v1/control", "secret", `{"action":"importSnapshot","payload":{"version":1,"allow":["bad host!"]}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, models.ErrCodePolicyImport, decode(t, w).Error.Code)
}

func TestExternal_QuotaAndAllowlist(t *testing.T) {
	r := newTestRouter(t, testConfig())

	w := post(r, "/api/v1/external/updateSettings", "secret", `{"dry_run":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeUnknownOperation, decode(t, w).Error.Code)

	w = post(r, "/api/v1/external/getStats", "secret", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post(r, "/api/v1/external/getStats", "secret", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, models.ErrCodeRateLimited, decode(t, w).Error.Code)

	w = post(r, "/api/v1/external/getStats", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExternal_WakeHandle(t *testing.T) {
	r := newTestRouter(t, testConfig())

	w := post(r, "/api/v1/external/wakeHandle", "secret", `{"id":"1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success":true,"data":{"woken":["1"]}}`, w.Body.String())
}

func TestExternalKey_ScopedToExternalAPI(t *testing.T) {
	r := newTestRouter(t, testConfig())

	w := post(r, "/api/v1/control", "partner", `{"action":"getStats"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, models.ErrCodeForbidden, decode(t, w).Error.Code)

	w = post(r, "/api/v1/external/getStats", "partner", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, testConfig())
	post(r, "/api/v1/control", "secret", `{"action":"forceEvictionCycle"}`)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "tabsleep_cycles_total")
	assert.Contains(t, body, "tabsleep_http_requests_total")
	assert.True(t, bytes.Contains(w.Body.Bytes(), []byte(`route="/api/v1/control"`)))
}
