package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/attendflow/pkg/schema"
)

// Instance is one student's progression through a rule set's stage ladder.
type Instance struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenant_id"`
	SchoolID         string        `json:"school_id"`
	StudentID        string        `json:"student_id"`
	RuleSetID        string        `json:"rule_set_id"`
	CurrentStageID   string        `json:"current_stage_id"`
	Status           schema.Status `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
	ClosedReason     string        `json:"closed_reason,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Event is an immutable entry in the event log.
type Event struct {
	ID         int64           `json:"id"`
	Type       string          `json:"event_type"`
	InstanceID string          `json:"instance_id,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StageEnteredPayload is the payload of STAGE_ENTERED events.
type StageEnteredPayload struct {
	InstanceID string           `json:"instance_id"`
	TenantID   string           `json:"tenant_id"`
	SchoolID   string           `json:"school_id"`
	StudentID  string           `json:"student_id"`
	RuleSetID  string           `json:"rule_set_id"`
	StageID    string           `json:"stage_id"`
	StageType  schema.StageType `json:"stage_type"`
	StageOrder int              `json:"stage_order"`
	EnteredAt  time.Time        `json:"entered_at"`
}

// Run is one execution of a playbook for an (instance, student, guardian) tuple.
type Run struct {
	ID               string            `json:"id"`
	PlaybookID       string            `json:"playbook_id"`
	InstanceID       string            `json:"instance_id"`
	StudentID        string            `json:"student_id"`
	GuardianID       string            `json:"guardian_id"`
	TenantID         string            `json:"tenant_id"`
	TriggerEventID   int64             `json:"trigger_event_id"`
	Status           schema.Status     `json:"status"`
	TriggeredAt      time.Time         `json:"triggered_at"`
	CurrentStepOrder int               `json:"current_step_order"`
	NextStepDueAt    *time.Time        `json:"next_step_due_at,omitempty"`
	StopReason       schema.StopReason `json:"stop_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ExecutionLog is the append-only record of one (run, step) attempt.
type ExecutionLog struct {
	ID             int64            `json:"id"`
	RunID          string           `json:"run_id"`
	StepID         string           `json:"step_id"`
	StepOrder      int              `json:"step_order"`
	Channel        schema.Channel   `json:"channel,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	Status         schema.LogStatus `json:"status"`
	SkipReason     string           `json:"skip_reason,omitempty"`
	ScheduledFor   *time.Time       `json:"scheduled_for,omitempty"`
	ExecutedAt     *time.Time       `json:"executed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// OutboxEntry is a durable unit of external work awaiting delivery.
type OutboxEntry struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	Payload        json.RawMessage     `json:"payload"`
	IdempotencyKey string              `json:"idempotency_key"`
	Status         schema.OutboxStatus `json:"status"`
	Attempts       int                 `json:"attempts"`
	NextAttemptAt  time.Time           `json:"next_attempt_at"`
	LastError      string              `json:"last_error,omitempty"`
	ClaimedBy      string              `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time          `json:"claimed_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// DeadLetter is the terminal record of an outbox entry that exhausted its retries.
type DeadLetter struct {
	ID             string          `json:"id"`
	OutboxID       string          `json:"outbox_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reason         string          `json:"reason"`
	Attempts       int             `json:"attempts"`
	FailedAt       time.Time       `json:"failed_at"`
	ReplayedAt     *time.Time      `json:"replayed_at,omitempty"`
}

// LockRow is the persisted state of one named distributed lock.
type LockRow struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	Fence      int64     `json:"fence"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// EvaluationJob is a cron-triggered intake run for one school.
type EvaluationJob struct {
	ID             string     `json:"id"`
	SchoolID       string     `json:"school_id"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// GuardianReply is an inbound reply recorded against a guardian.
type GuardianReply struct {
	ID         int64          `json:"id"`
	GuardianID string         `json:"guardian_id"`
	Channel    schema.Channel `json:"channel,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// --- Commands ---

// InstanceTransition is a compare-and-swap update of an instance plus the event
// describing it, applied atomically.
type InstanceTransition struct {
	InstanceID  string
	FromStatus  schema.Status
	FromStageID string
	ToStatus    schema.Status
	ToStageID   string
	Reason      string
	At          time.Time
	Event       *Event
}

// RunCommit is the bookkeeping for one runner step on one run: the run update,
// plus an optional execution log row and outbox entry, applied atomically.
// The update only applies while the run is still ACTIVE at ExpectedStepOrder.
type RunCommit struct {
	RunID             string
	ExpectedStepOrder int
	Status            schema.Status
	StepOrder         int
	NextStepDueAt     *time.Time
	StopReason        schema.StopReason
	Log               *ExecutionLog
	Outbox            *OutboxEntry
	At                time.Time
}

// --- Filters ---

// RuleSetFilter specifies criteria for listing rule sets.
type RuleSetFilter struct {
	TenantID   string `json:"tenant_id,omitempty"`
	SchoolID   string `json:"school_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}

// PlaybookFilter specifies criteria for listing playbook definitions.
type PlaybookFilter struct {
	TenantID         string           `json:"tenant_id,omitempty"`
	TriggerStageType schema.StageType `json:"trigger_stage_type,omitempty"`
	ActiveOnly       bool             `json:"active_only,omitempty"`
}

// InstanceFilter specifies criteria for listing intervention instances.
type InstanceFilter struct {
	SchoolID  string         `json:"school_id,omitempty"`
	StudentID string         `json:"student_id,omitempty"`
	RuleSetID string         `json:"rule_set_id,omitempty"`
	Status    *schema.Status `json:"status,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

// EventFilter specifies criteria for reading the event log.
type EventFilter struct {
	AfterID int64    `json:"after_id,omitempty"`
	Types   []string `json:"types,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing playbook runs.
type RunFilter struct {
	InstanceID string         `json:"instance_id,omitempty"`
	PlaybookID string         `json:"playbook_id,omitempty"`
	StudentID  string         `json:"student_id,omitempty"`
	Status     *schema.Status `json:"status,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// OutboxFilter specifies criteria for listing outbox entries.
type OutboxFilter struct {
	Status *schema.OutboxStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
}

// DeadLetterFilter specifies criteria for listing dead letters.
type DeadLetterFilter struct {
	Replayed *bool `json:"replayed,omitempty"`
	Limit    int   `json:"limit,omitempty"`
}

// EvaluationJobUpdate specifies mutable fields of an evaluation job.
type EvaluationJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// EvaluationJobFilter specifies criteria for listing evaluation jobs.
type EvaluationJobFilter struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	SchoolID string `json:"school_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
