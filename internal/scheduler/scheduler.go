// Package scheduler runs cron-scheduled intake jobs: each enabled evaluation
// job evaluates one school's attendance and progresses its stage ladders.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/attendflow/internal/ladder"
	"github.com/rendis/attendflow/internal/lock"
	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/internal/store"
)

// LockName is the distributed lock every intake pass runs under.
const LockName = "intake-scheduler"

// Job run statuses recorded on the evaluation job.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// JobStore is the persistence the scheduler needs. *store.LibSQLStore satisfies it.
type JobStore interface {
	ListEvaluationJobs(ctx context.Context, filter store.EvaluationJobFilter) ([]*store.EvaluationJob, error)
	UpdateEvaluationJob(ctx context.Context, id string, update store.EvaluationJobUpdate) error
}

// IntakeRunner runs one intake pass for a school. Satisfied by *ladder.Intake.
type IntakeRunner interface {
	RunIntake(ctx context.Context, schoolID string, asOf time.Time) (*ladder.IntakeReport, error)
}

// Locker serialises intake passes across processes. *lock.Service satisfies it.
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context, h *lock.Handle) error) (bool, error)
	Now() time.Time
}

// Scheduler polls the store for due evaluation jobs and runs them.
type Scheduler struct {
	store    JobStore
	intake   IntakeRunner
	locker   Locker
	parser   cron.Parser
	interval time.Duration
	lockTTL  time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler polling every interval.
func NewScheduler(s JobStore, intake IntakeRunner, locker Locker, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		intake:   intake,
		locker:   locker,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		lockTTL:  10 * time.Minute,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("intake scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Tick runs every enabled job that is due. It reports how many ran; a tick
// that lost the lock to another process runs none.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ran := 0
	acquired, err := s.locker.WithLock(ctx, LockName, s.lockTTL, func(ctx context.Context, _ *lock.Handle) error {
		n, err := s.runDue(ctx, func(job *store.EvaluationJob, now time.Time) bool {
			return job.NextRunAt == nil || !job.NextRunAt.After(now)
		})
		ran = n
		return err
	})
	if err != nil {
		return ran, err
	}
	if !acquired {
		metrics.IntakeRuns.WithLabelValues("skipped").Inc()
		s.logger.DebugContext(ctx, "intake scheduler lock contended")
	}
	return ran, nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("intake scheduler tick failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) runDue(ctx context.Context, due func(job *store.EvaluationJob, now time.Time) bool) (int, error) {
	enabled := true
	jobs, err := s.store.ListEvaluationJobs(ctx, store.EvaluationJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list evaluation jobs: %w", err)
	}

	now := s.locker.Now()
	ran := 0
	for _, job := range jobs {
		if !due(job, now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run evaluation job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			ran++
		}
		s.releaseJob(job.ID)
	}
	return ran, nil
}

// runJob executes one intake pass and updates the job's timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.EvaluationJob, now time.Time) error {
	s.logger.Info("running evaluation job",
		slog.String("job_id", job.ID),
		slog.String("school_id", job.SchoolID),
	)

	status := StatusSuccess
	report, err := s.intake.RunIntake(ctx, job.SchoolID, now)
	if err != nil {
		status = StatusError
		metrics.IntakeRuns.WithLabelValues("failed").Inc()
		s.logger.Error("evaluation job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		metrics.IntakeRuns.WithLabelValues("completed").Inc()
		s.logger.Info("evaluation job complete",
			slog.String("job_id", job.ID),
			slog.Int("eligible", report.Eligible),
			slog.Int("created", report.Created),
			slog.Int("advanced", report.Advanced),
			slog.Int("failed", report.Failed),
		)
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.EvaluationJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateEvaluationJob(ctx, job.ID, store.EvaluationJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("intake scheduler stopped")
	return nil
}

// RecoverMissed runs once every job whose next run passed while no process
// was scheduling. Jobs that never ran are left to the regular tick.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	recovered := 0
	_, err := s.locker.WithLock(ctx, LockName, s.lockTTL, func(ctx context.Context, _ *lock.Handle) error {
		n, err := s.runDue(ctx, func(job *store.EvaluationJob, now time.Time) bool {
			return job.NextRunAt != nil && job.NextRunAt.Before(now)
		})
		recovered = n
		return err
	})
	if err != nil {
		return fmt.Errorf("recover missed jobs: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("recovered missed evaluation jobs", slog.Int("count", recovered))
	}
	return nil
}
