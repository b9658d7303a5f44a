// Package playbook runs automated guardian outreach sequences. A runner tick
// discovers new stage entries, starts playbook runs for them and advances
// every due run by at most one step, all under a cluster-wide lock.
package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/attendflow/internal/lock"
	"github.com/rendis/attendflow/internal/logging"
	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// RunStore is the persistence the runner needs. *store.LibSQLStore satisfies it.
type RunStore interface {
	ListEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error)
	GetCursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, eventID int64) error
	GetInstance(ctx context.Context, id string) (*store.Instance, error)
	GetPlaybook(ctx context.Context, id string) (*schema.PlaybookDefinition, error)
	ListPlaybooks(ctx context.Context, filter store.PlaybookFilter) ([]*schema.PlaybookDefinition, error)
	CreateRunIfAbsent(ctx context.Context, run *store.Run) (*store.Run, bool, error)
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*store.Run, error)
	CommitRunStep(ctx context.Context, c store.RunCommit) error
	LatestExecutionLog(ctx context.Context, idempotencyKey string) (*store.ExecutionLog, error)
}

// GuardianResolver finds the primary contact for a student.
type GuardianResolver interface {
	ResolvePrimaryGuardian(ctx context.Context, studentID string) (*schema.Guardian, error)
}

// EscalationSink accepts escalations for case management. Implementations
// must be idempotent per run id.
type EscalationSink interface {
	Escalate(ctx context.Context, e schema.Escalation) error
}

// Locker is the distributed lock the runner ticks under. *lock.Service satisfies it.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Handle, error)
	Release(ctx context.Context, h *lock.Handle) error
	Now() time.Time
}

// Config tunes the runner.
type Config struct {
	LockName       string
	LockTTL        time.Duration
	Interval       time.Duration
	BatchSize      int
	DiscoveryBatch int
	Workers        int
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		LockName:       "playbook-runner",
		LockTTL:        2 * time.Minute,
		Interval:       time.Minute,
		BatchSize:      200,
		DiscoveryBatch: 500,
		Workers:        4,
	}
}

// TickReport summarizes one RunOnce call.
type TickReport struct {
	Acquired       bool          `json:"acquired"`
	Fence          int64         `json:"fence,omitempty"`
	EventsRead     int           `json:"events_read"`
	RunsCreated    int           `json:"runs_created"`
	DuplicateRuns  int           `json:"duplicate_runs"`
	DueRuns        int           `json:"due_runs"`
	Scheduled      int           `json:"scheduled"`
	Skipped        int           `json:"skipped"`
	Deduplicated   int           `json:"deduplicated"`
	Stopped        int           `json:"stopped"`
	Escalated      int           `json:"escalated"`
	Completed      int           `json:"completed"`
	Conflicts      int           `json:"conflicts"`
	LeaseLost      int           `json:"lease_lost"`
	Failed         int           `json:"failed"`
	DiscoveryError string        `json:"discovery_error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Runner is the playbook orchestrator.
type Runner struct {
	store     RunStore
	guardians GuardianResolver
	sink      EscalationSink
	evaluator *Evaluator
	locker    Locker
	cfg       Config
	logger    *slog.Logger

	tickMu sync.Mutex // no overlapping ticks within one process

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a Runner. Zero config fields fall back to DefaultConfig.
func NewRunner(st RunStore, guardians GuardianResolver, sink EscalationSink, evaluator *Evaluator, locker Locker, cfg Config, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.LockName == "" {
		cfg.LockName = def.LockName
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DiscoveryBatch <= 0 {
		cfg.DiscoveryBatch = def.DiscoveryBatch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     st,
		guardians: guardians,
		sink:      sink,
		evaluator: evaluator,
		locker:    locker,
		cfg:       cfg,
		logger:    logger,
	}
}

// RunOnce performs one tick. Lock contention returns a report with
// Acquired=false and a nil error. Only infrastructure failures (lock backend,
// due-run listing) return an error; per-run failures are counted.
func (r *Runner) RunOnce(ctx context.Context) (*TickReport, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := time.Now()
	report := &TickReport{}
	defer func() {
		report.Duration = time.Since(start)
		metrics.RunnerTickDuration.Observe(report.Duration.Seconds())
	}()

	h, err := r.locker.Acquire(ctx, r.cfg.LockName, r.cfg.LockTTL)
	if err != nil {
		metrics.RunnerTicks.WithLabelValues("error").Inc()
		return report, fmt.Errorf("acquire %s: %w", r.cfg.LockName, err)
	}
	if !h.Acquired {
		metrics.RunnerTicks.WithLabelValues("contended").Inc()
		return report, nil
	}
	report.Acquired = true
	report.Fence = h.Fence
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), h); err != nil {
			r.logger.Warn("runner: release lock", "lock", h.Name, "error", err)
		}
	}()

	if err := r.discover(ctx, report); err != nil {
		report.DiscoveryError = err.Error()
		r.logger.Error("runner: discovery stopped early", "error", err)
	}

	if err := r.processDue(ctx, h, report); err != nil {
		metrics.RunnerTicks.WithLabelValues("error").Inc()
		return report, err
	}

	metrics.RunnerTicks.WithLabelValues("completed").Inc()
	r.logger.Info("runner tick complete",
		"fence", report.Fence,
		"events", report.EventsRead,
		"runs_created", report.RunsCreated,
		"due", report.DueRuns,
		"scheduled", report.Scheduled,
		"skipped", report.Skipped,
		"stopped", report.Stopped,
		"escalated", report.Escalated,
		"completed", report.Completed,
		"failed", report.Failed,
	)
	return report, nil
}

// discover turns STAGE_ENTERED events after the cursor into playbook runs.
// The cursor only moves past events that were fully handled.
func (r *Runner) discover(ctx context.Context, report *TickReport) error {
	cursor, err := r.store.GetCursor(ctx, CursorName)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	events, err := r.store.ListEvents(ctx, store.EventFilter{
		AfterID: cursor,
		Types:   []string{schema.EventStageEntered},
		Limit:   r.cfg.DiscoveryBatch,
	})
	if err != nil {
		return fmt.Errorf("list stage events: %w", err)
	}

	lastGood := cursor
	var discErr error
	for _, ev := range events {
		if err := r.handleStageEntered(ctx, ev, report); err != nil {
			discErr = fmt.Errorf("event %d: %w", ev.ID, err)
			break
		}
		report.EventsRead++
		lastGood = ev.ID
	}

	if lastGood > cursor {
		if err := r.store.SetCursor(ctx, CursorName, lastGood); err != nil {
			return fmt.Errorf("advance cursor to %d: %w", lastGood, err)
		}
	}
	return discErr
}

// handleStageEntered creates a run for every active playbook triggered by
// the event's stage type. Only transient store errors are returned; a bad
// event is logged and counted as handled.
func (r *Runner) handleStageEntered(ctx context.Context, ev *store.Event, report *TickReport) error {
	var p store.StageEnteredPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.InstanceID == "" {
		r.logger.Error("runner: malformed stage event skipped", "event_id", ev.ID, "error", err)
		return nil
	}
	ctx = logging.WithIDs(ctx, "", p.InstanceID, p.StudentID)
	log := logging.LogWith(ctx, r.logger)

	inst, err := r.store.GetInstance(ctx, p.InstanceID)
	if schema.IsNotFound(err) {
		log.Warn("runner: stage event for unknown instance", "event_id", ev.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if inst.Status != schema.StatusActive || inst.CurrentStageID != p.StageID {
		log.Debug("runner: stage event superseded", "event_id", ev.ID, "status", string(inst.Status))
		return nil
	}

	playbooks, err := r.store.ListPlaybooks(ctx, store.PlaybookFilter{
		TenantID:         p.TenantID,
		TriggerStageType: p.StageType,
		ActiveOnly:       true,
	})
	if err != nil {
		return err
	}
	if len(playbooks) == 0 {
		return nil
	}

	guardianID := ""
	g, err := r.guardians.ResolvePrimaryGuardian(ctx, p.StudentID)
	switch {
	case err == nil:
		guardianID = g.ID
	case schema.IsNotFound(err):
		log.Warn("runner: no guardian on record", "event_id", ev.ID)
	default:
		return err
	}

	triggeredAt := p.EnteredAt
	if triggeredAt.IsZero() {
		triggeredAt = ev.CreatedAt
	}
	for _, def := range playbooks {
		first := def.StepAfter(0)
		if first == nil {
			log.Warn("runner: playbook has no steps", "playbook_id", def.ID)
			continue
		}
		due := triggeredAt.Add(days(first.OffsetDays))
		run := &store.Run{
			ID:             newRunID(),
			PlaybookID:     def.ID,
			InstanceID:     inst.ID,
			StudentID:      inst.StudentID,
			GuardianID:     guardianID,
			TenantID:       inst.TenantID,
			TriggerEventID: ev.ID,
			Status:         schema.StatusActive,
			TriggeredAt:    triggeredAt,
			NextStepDueAt:  &due,
		}
		got, created, err := r.store.CreateRunIfAbsent(ctx, run)
		if err != nil {
			return err
		}
		switch {
		case created:
			report.RunsCreated++
			metrics.RunOutcomes.WithLabelValues("created").Inc()
			log.Info("playbook run created", "run_id", got.ID, "playbook_id", def.ID, "next_step_due_at", due)
		case got.TriggerEventID != ev.ID:
			report.DuplicateRuns++
			metrics.RunOutcomes.WithLabelValues("duplicate").Inc()
			log.Error("runner: duplicate active run refused; existing run wins",
				"playbook_id", def.ID,
				"existing_run_id", got.ID,
				"existing_trigger_event_id", got.TriggerEventID,
				"trigger_event_id", ev.ID,
			)
		}
	}
	return nil
}

// processDue advances every due run on a bounded pool. Each run is
// processed with a context detached from shutdown so it finishes its commit.
func (r *Runner) processDue(ctx context.Context, h *lock.Handle, report *TickReport) error {
	runs, err := r.store.ListDueRuns(ctx, r.locker.Now(), r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due runs: %w", err)
	}
	report.DueRuns = len(runs)
	if len(runs) == 0 {
		return nil
	}

	var mu sync.Mutex
	record := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		tally(report, outcome)
		metrics.RunOutcomes.WithLabelValues(outcome).Inc()
	}

	pool := NewPool(r.cfg.Workers, func(runID string, p any) {
		r.logger.Error("runner: run panicked", "run_id", runID, "panic", fmt.Sprint(p))
		record(outcomeFailed)
	})
	detached := context.WithoutCancel(ctx)
	for _, run := range runs {
		if ctx.Err() != nil {
			break
		}
		if !h.Valid(r.locker.Now()) {
			record(outcomeLeaseLost)
			continue
		}
		err := pool.Submit(ctx, run.ID, func(context.Context) error {
			rctx := logging.WithIDs(detached, run.ID, run.InstanceID, run.StudentID)
			outcome, err := r.processRun(rctx, run)
			if err != nil {
				logging.LogWith(rctx, r.logger).Error("runner: run failed", "outcome", outcome, "error", err)
			}
			record(outcome)
			return err
		})
		if err != nil {
			break
		}
	}
	pool.Wait()
	return nil
}

const (
	outcomeScheduled    = "scheduled"
	outcomeSkipped      = "skipped"
	outcomeDeduplicated = "deduplicated"
	outcomeStopped      = "stopped"
	outcomeEscalated    = "escalated"
	outcomeCompleted    = "completed"
	outcomeConflict     = "conflict"
	outcomeLeaseLost    = "lease_lost"
	outcomeFailed       = "failed"
)

func tally(report *TickReport, outcome string) {
	switch outcome {
	case outcomeScheduled:
		report.Scheduled++
	case outcomeSkipped:
		report.Skipped++
	case outcomeDeduplicated:
		report.Deduplicated++
	case outcomeStopped:
		report.Stopped++
	case outcomeEscalated:
		report.Escalated++
	case outcomeCompleted:
		report.Completed++
	case outcomeConflict:
		report.Conflicts++
	case outcomeLeaseLost:
		report.LeaseLost++
	default:
		report.Failed++
	}
}

// Start launches the background tick loop. An initial tick runs immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(loopCtx)
	r.logger.Info("playbook runner started", "interval", r.cfg.Interval, "lock", r.cfg.LockName)
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("runner tick failed", "error", err)
	}
}

// Stop stops starting new ticks and waits for the current one to finish.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
	r.logger.Info("playbook runner stopped")
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
