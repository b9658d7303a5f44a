// Package outbox is the durable delivery queue between the playbook runner and
// the messaging providers. Entries are keyed by an idempotency key, retried
// with exponential backoff and dead-lettered once their budget is spent.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// Store is the persistence the outbox needs. *store.LibSQLStore satisfies it.
type Store interface {
	EnqueueOutbox(ctx context.Context, entry *store.OutboxEntry) (bool, error)
	ClaimDueOutbox(ctx context.Context, now time.Time, limit int, claimer string) ([]*store.OutboxEntry, error)
	CompleteOutbox(ctx context.Context, id string, at time.Time) error
	RescheduleOutbox(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string, at time.Time) error
	DeadLetterOutbox(ctx context.Context, id string, attempts int, reason string, at time.Time) (*store.DeadLetter, error)
	RequeueStaleOutbox(ctx context.Context, claimedBefore time.Time, at time.Time) (int, error)
	GetDeadLetter(ctx context.Context, id string) (*store.DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter store.DeadLetterFilter) ([]*store.DeadLetter, error)
	MarkDeadLetterReplayed(ctx context.Context, id string, at time.Time) error
}

// Config tunes retries.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
	}
}

// FailResult is the outcome of Fail.
type FailResult struct {
	Retried       bool              `json:"retried"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at,omitempty"`
	DeadLetter    *store.DeadLetter `json:"dead_letter,omitempty"`
}

// Service implements the outbox state machine:
// PENDING -> PROCESSING -> COMPLETED, or back to PENDING on a retryable
// failure, or FAILED plus a dead letter once retries are exhausted.
type Service struct {
	store   Store
	cfg     Config
	claimer string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates an outbox service claiming entries as claimer.
func NewService(st Store, claimer string, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	s := &Service{
		store:   st,
		cfg:     cfg,
		claimer: claimer,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// Enqueue inserts entry as PENDING. An existing idempotency key is a no-op
// and created is false.
func (s *Service) Enqueue(ctx context.Context, entry *store.OutboxEntry) (bool, error) {
	if entry.IdempotencyKey == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "outbox entry needs an idempotency key")
	}
	if entry.Type == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "outbox entry needs a type")
	}
	if entry.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = s.now()
	}
	created, err := s.store.EnqueueOutbox(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", entry.IdempotencyKey, err)
	}
	if created {
		metrics.OutboxEnqueued.Inc()
	} else {
		s.logger.DebugContext(ctx, "outbox entry already exists", "idempotency_key", entry.IdempotencyKey)
	}
	return created, nil
}

// ClaimDue moves up to limit due PENDING entries to PROCESSING.
func (s *Service) ClaimDue(ctx context.Context, limit int) ([]*store.OutboxEntry, error) {
	return s.store.ClaimDueOutbox(ctx, s.now(), limit, s.claimer)
}

// Complete marks entry delivered.
func (s *Service) Complete(ctx context.Context, entry *store.OutboxEntry) error {
	return s.store.CompleteOutbox(ctx, entry.ID, s.now())
}

// Fail records a failed delivery attempt. A retryable cause under the attempt
// budget reschedules the entry; anything else dead-letters it.
func (s *Service) Fail(ctx context.Context, entry *store.OutboxEntry, cause error) (*FailResult, error) {
	now := s.now()
	attempts := entry.Attempts + 1
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	log := s.logger.With("outbox_id", entry.ID, "idempotency_key", entry.IdempotencyKey, "attempts", attempts)

	if IsRetryable(cause) && attempts < s.cfg.MaxAttempts {
		next := now.Add(Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, attempts))
		if err := s.store.RescheduleOutbox(ctx, entry.ID, attempts, next, reason, now); err != nil {
			return nil, err
		}
		log.WarnContext(ctx, "outbox delivery failed; retry scheduled", "next_attempt_at", next, "error", reason)
		return &FailResult{Retried: true, Attempts: attempts, NextAttemptAt: next}, nil
	}

	if attempts >= s.cfg.MaxAttempts {
		reason = schema.NewErrorf(schema.ErrCodeRetryExhausted, "%d attempts: %s", attempts, reason).Error()
	}
	dl, err := s.store.DeadLetterOutbox(ctx, entry.ID, attempts, reason, now)
	if err != nil {
		return nil, err
	}
	log.ErrorContext(ctx, "outbox entry dead-lettered", "dead_letter_id", dl.ID, "reason", reason)
	return &FailResult{Attempts: attempts, DeadLetter: dl}, nil
}

// Defer puts a claimed entry back to PENDING until the given time without
// spending an attempt. Used when delivery never started.
func (s *Service) Defer(ctx context.Context, entry *store.OutboxEntry, until time.Time, reason string) error {
	return s.store.RescheduleOutbox(ctx, entry.ID, entry.Attempts, until, reason, s.now())
}

// RequeueStale returns entries stuck in PROCESSING for longer than olderThan
// to PENDING. Their claimer is presumed dead.
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	n, err := s.store.RequeueStaleOutbox(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "requeued stale outbox entries", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// ListDeadLetters lists dead letters, newest first.
func (s *Service) ListDeadLetters(ctx context.Context, filter store.DeadLetterFilter) ([]*store.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, filter)
}

// Replay marks a dead letter as replayed and returns it. Resubmission itself
// is left to the operator; a second replay is a CONFLICT.
func (s *Service) Replay(ctx context.Context, id string) (*store.DeadLetter, error) {
	if err := s.store.MarkDeadLetterReplayed(ctx, id, s.now()); err != nil {
		return nil, err
	}
	dl, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "dead letter replayed", "dead_letter_id", id, "idempotency_key", dl.IdempotencyKey)
	return dl, nil
}
