package store

import (
	"context"
	"time"

	"github.com/rendis/attendflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Rule sets and stages
	UpsertRuleSet(ctx context.Context, rs *schema.RuleSet) error
	GetRuleSet(ctx context.Context, id string) (*schema.RuleSet, error)
	ListRuleSets(ctx context.Context, filter RuleSetFilter) ([]*schema.RuleSet, error)

	// Playbook definitions
	UpsertPlaybook(ctx context.Context, pb *schema.PlaybookDefinition) error
	GetPlaybook(ctx context.Context, id string) (*schema.PlaybookDefinition, error)
	ListPlaybooks(ctx context.Context, filter PlaybookFilter) ([]*schema.PlaybookDefinition, error)

	// Intervention instances
	CreateInstanceIfAbsent(ctx context.Context, inst *Instance, entered *Event) (*Instance, bool, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	TransitionInstance(ctx context.Context, tr InstanceTransition) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	GetCursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, eventID int64) error

	// Playbook runs
	CreateRunIfAbsent(ctx context.Context, run *Run) (*Run, bool, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*Run, error)
	CommitRunStep(ctx context.Context, c RunCommit) error

	// Execution logs
	AppendExecutionLog(ctx context.Context, log *ExecutionLog) error
	LatestExecutionLog(ctx context.Context, idempotencyKey string) (*ExecutionLog, error)
	ListExecutionLogs(ctx context.Context, runID string) ([]*ExecutionLog, error)

	// Outbox and dead letters
	EnqueueOutbox(ctx context.Context, entry *OutboxEntry) (bool, error)
	GetOutbox(ctx context.Context, id string) (*OutboxEntry, error)
	GetOutboxByKey(ctx context.Context, idempotencyKey string) (*OutboxEntry, error)
	ListOutbox(ctx context.Context, filter OutboxFilter) ([]*OutboxEntry, error)
	ClaimDueOutbox(ctx context.Context, now time.Time, limit int, claimer string) ([]*OutboxEntry, error)
	CompleteOutbox(ctx context.Context, id string, at time.Time) error
	RescheduleOutbox(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string, at time.Time) error
	DeadLetterOutbox(ctx context.Context, id string, attempts int, reason string, at time.Time) (*DeadLetter, error)
	RequeueStaleOutbox(ctx context.Context, claimedBefore time.Time, at time.Time) (int, error)
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error)
	MarkDeadLetterReplayed(ctx context.Context, id string, at time.Time) error

	// Distributed locks
	AcquireLock(ctx context.Context, name, holder string, now, expiresAt time.Time) (*LockRow, bool, error)
	ReleaseLock(ctx context.Context, name, holder string, fence int64, at time.Time) (bool, error)
	GetLock(ctx context.Context, name string) (*LockRow, error)

	// Collaborator data: attendance, guardians, replies, escalations
	UpsertDailySummary(ctx context.Context, s *schema.AttendanceSummary) error
	GetDailySummary(ctx context.Context, studentID string, asOf time.Time) (*schema.AttendanceSummary, error)
	ListDailySummaries(ctx context.Context, schoolID string, asOf time.Time) ([]*schema.AttendanceSummary, error)
	UpsertGuardian(ctx context.Context, g *schema.Guardian, primary bool) error
	ResolvePrimaryGuardian(ctx context.Context, studentID string) (*schema.Guardian, error)
	RecordGuardianReply(ctx context.Context, reply *GuardianReply) error
	HasGuardianRepliedSince(ctx context.Context, guardianID string, since time.Time) (bool, error)
	IsCaseClosed(ctx context.Context, caseID string) (bool, error)
	Escalate(ctx context.Context, e schema.Escalation) error
	ListEscalations(ctx context.Context, limit int) ([]*schema.Escalation, error)

	// Evaluation jobs
	CreateEvaluationJob(ctx context.Context, job *EvaluationJob) error
	GetEvaluationJob(ctx context.Context, id string) (*EvaluationJob, error)
	UpdateEvaluationJob(ctx context.Context, id string, update EvaluationJobUpdate) error
	ListEvaluationJobs(ctx context.Context, filter EvaluationJobFilter) ([]*EvaluationJob, error)
	DeleteEvaluationJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
