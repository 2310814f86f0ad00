package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/use-agent/tabsleep/activity"
	"github.com/use-agent/tabsleep/api"
	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/control"
	"github.com/use-agent/tabsleep/engine"
	"github.com/use-agent/tabsleep/host"
	"github.com/use-agent/tabsleep/memory"
	"github.com/use-agent/tabsleep/metrics"
	"github.com/use-agent/tabsleep/policy"
	"github.com/use-agent/tabsleep/scoring"
	"github.com/use-agent/tabsleep/store"
	"github.com/use-agent/tabsleep/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("tabsleep starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"store", cfg.Store.URL,
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// ── 3. Persistence ──────────────────────────────────────────────
	st, err := store.Open(ctx, cfg.Store.URL, cfg.Store.Prefix)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	act := activity.New(st, activity.DefaultDebounce)
	if n, err := act.Load(ctx); err != nil {
		slog.Warn("activity restore failed, starting empty", "error", err)
	} else {
		slog.Info("activity restored", "records", n)
	}

	// ── 4. Browser host ─────────────────────────────────────────────
	tabs, err := host.NewRodHost(cfg.Browser)
	if err != nil {
		slog.Error("failed to initialise browser host", "error", err)
		os.Exit(1)
	}
	defer tabs.Close()

	// ── 5. Engine ───────────────────────────────────────────────────
	sampler := memory.NewSampler(memory.NewProcSource(cfg.Sampler.MeminfoPath), cfg.Sampler.MaxCacheAge, cfg.Defaults.Thresholds)
	pm := policy.NewMatcher()

	coord := engine.NewCoordinator(engine.Deps{
		Host:     tabs,
		Sampler:  sampler,
		Activity: act,
		Policy:   pm,
		Scorer:   scoring.NewScorer(),
		Store:    st,
	}, cfg.Defaults)
	if err := coord.Restore(ctx); err != nil {
		slog.Warn("settings restore failed, using defaults", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, act.Len)
	coord.AddReporter(m)

	var notifier *webhook.Notifier
	if len(cfg.Webhook.URLs) > 0 {
		notifier = webhook.NewNotifier(cfg.Webhook.URLs, cfg.Webhook.Secret, cfg.Webhook.SkippedEvents)
		coord.AddReporter(notifier)
		slog.Info("webhook delivery enabled", "targets", len(cfg.Webhook.URLs))
	}

	ctrl := control.NewController(coord, pm, sampler, act, tabs, st)
	if err := ctrl.RestorePolicy(ctx); err != nil {
		slog.Warn("policy restore failed, starting with empty lists", "error", err)
	}

	if cfg.Policy.OverridesFile != "" {
		w := policy.NewWatcher(cfg.Policy.OverridesFile, ctrl.ImportOverrides)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("overrides watcher stopped", "error", err)
			}
		}()
	}

	sched, err := engine.NewScheduler(coord, act)
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()

	// ── 6. Setup router ─────────────────────────────────────────────
	router := api.NewRouter(api.Deps{
		Dispatcher: ctrl,
		Coord:      coord,
		Sampler:    sampler,
		Metrics:    m,
		Gatherer:   reg,
	}, cfg, time.Now())

	// ── 7. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 8. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// The in-flight cycle finishes before activity is flushed.
	if err := sched.Shutdown(); err != nil {
		slog.Warn("scheduler shutdown", "error", err)
	}
	stop()
	if notifier != nil {
		notifier.Wait()
	}
	// The HTTP drain may have used up shutdownCtx.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	if err := act.Close(flushCtx); err != nil {
		slog.Warn("activity flush failed", "error", err)
	}

	// Browser host and store close via defer.
	slog.Info("tabsleep stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
