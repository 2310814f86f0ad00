package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/use-agent/tabsleep/activity"
	"github.com/use-agent/tabsleep/config"
)

const purgeInterval = 24 * time.Hour

// Scheduler drives timer cycles and the stale activity purge.
type Scheduler struct {
	sched    gocron.Scheduler
	coord    *Coordinator
	activity *activity.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cycleJob gocron.Job
	interval time.Duration
}

// NewScheduler creates the scheduler and registers its jobs. Jobs start
// running on Start.
func NewScheduler(coord *Coordinator, act *activity.Store) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithStopTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{sched: sched, coord: coord, activity: act, ctx: ctx, cancel: cancel}

	settings := coord.Settings()
	s.interval = time.Duration(settings.CheckInterval)
	s.cycleJob, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.tick),
		gocron.WithName("eviction-cycle"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: schedule eviction cycle: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(purgeInterval),
		gocron.NewTask(s.purge),
		gocron.WithName("activity-purge"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: schedule purge: %w", err)
	}

	coord.OnSettingsChange(s.reschedule)
	return s, nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
	slog.Info("engine: scheduler started", "interval", s.Interval(), "purgeEvery", purgeInterval)
}

// Interval returns the current eviction cycle interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Shutdown stops scheduling new cycles and waits for the in-flight one.
func (s *Scheduler) Shutdown() error {
	err := s.sched.Shutdown()
	s.coord.Wait()
	s.cancel()
	return err
}

func (s *Scheduler) tick() {
	_, err := s.coord.Tick(s.ctx)
	if errors.Is(err, ErrBusy) {
		slog.Debug("engine: timer tick dropped, cycle in flight")
	}
}

func (s *Scheduler) purge() {
	maxAge := time.Duration(s.coord.Settings().ActivityMaxAge)
	s.activity.PurgeStale(maxAge)
}

// reschedule moves the cycle job to a new interval when it changed.
func (s *Scheduler) reschedule(settings config.Settings) {
	interval := time.Duration(settings.CheckInterval)

	s.mu.Lock()
	defer s.mu.Unlock()
	if interval == s.interval || s.cycleJob == nil {
		return
	}
	job, err := s.sched.Update(
		s.cycleJob.ID(),
		gocron.DurationJob(interval),
		gocron.NewTask(s.tick),
		gocron.WithName("eviction-cycle"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		slog.Warn("engine: reschedule failed", "interval", interval, "error", err)
		return
	}
	s.cycleJob = job
	s.interval = interval
	slog.Info("engine: cycle rescheduled", "interval", interval)
}
