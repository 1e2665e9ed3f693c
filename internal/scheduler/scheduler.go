// Package scheduler runs the recurring background jobs: quota day rollover,
// sitemap re-sync, status re-check and history cleanup. Each job has its own
// timer goroutine, skips ticks while a previous run is still in flight, and
// persists its last-run timestamp so a restart neither double-runs a window
// nor skips one.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/indexing"
	"github.com/searchlight/indexer/internal/telemetry"
)

// Job names as persisted in the job state store.
const (
	JobQuotaReset     = "quota_reset"
	JobSitemapSync    = "sitemap_sync"
	JobStatusRecheck  = "status_recheck"
	JobRetryBackoff   = "rate_limit_retry"
	JobHistoryCleanup = "history_cleanup"
)

// RunFunc executes one job pass.
type RunFunc func(ctx context.Context) error

// gateFunc decides whether a job is due given its persisted last run.
type gateFunc func(last, now time.Time) bool

type job struct {
	name     string
	interval time.Duration
	due      gateFunc
	run      RunFunc
	inFlight atomic.Bool
}

// Scheduler owns the background job goroutines.
type Scheduler struct {
	jobs    []*job
	state   indexing.JobStateStore
	clock   indexing.Clock
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New constructs an empty scheduler; register jobs before Start.
func New(state indexing.JobStateStore, clock indexing.Clock, metrics *telemetry.Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		state:   state,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// AddDaily registers a job that fires once per UTC day, at the first tick
// after the day boundary.
func (s *Scheduler) AddDaily(name string, tick time.Duration, run RunFunc) {
	s.jobs = append(s.jobs, &job{
		name:     name,
		interval: tick,
		due: func(last, now time.Time) bool {
			return indexing.DayKey(last) != indexing.DayKey(now)
		},
		run: run,
	})
}

// AddInterval registers a job that fires when at least every elapsed since
// its persisted last run.
func (s *Scheduler) AddInterval(name string, tick, every time.Duration, run RunFunc) {
	s.jobs = append(s.jobs, &job{
		name:     name,
		interval: tick,
		due: func(last, now time.Time) bool {
			return now.Sub(last) >= every
		},
		run: run,
	})
}

// Start launches one goroutine per job. It is a no-op when already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// First pass runs immediately so a restart mid-window catches up.
	s.tick(ctx, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, j)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, j *job) {
	if !j.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("job still running, skipping tick", zap.String("job", j.name))
		return
	}
	defer j.inFlight.Store(false)

	now := s.clock.Now()
	last, err := s.state.GetJobLastRun(ctx, j.name)
	if err != nil {
		s.logger.Warn("job state read failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	if !last.IsZero() && !j.due(last, now) {
		return
	}

	started := time.Now()
	err = j.run(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		// Job errors are logged and retried next tick, never escalated.
		s.logger.Warn("job failed",
			zap.String("job", j.name),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
	} else {
		s.logger.Info("job completed",
			zap.String("job", j.name),
			zap.Duration("elapsed", time.Since(started)),
		)
		if err := s.state.PutJobLastRun(ctx, j.name, now); err != nil {
			s.logger.Warn("job state write failed", zap.String("job", j.name), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.SchedulerRunsTotal.WithLabelValues(j.name, result).Inc()
	}
}
