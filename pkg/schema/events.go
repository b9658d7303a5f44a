package schema

// Event type constants for the append-only event log.
const (
	EventInstanceCreated    = "INSTANCE_CREATED"
	EventStageEntered       = "STAGE_ENTERED"
	EventInstanceCompleted  = "INSTANCE_COMPLETED"
	EventInstanceStopped    = "INSTANCE_STOPPED"
	EventInstanceEscalated  = "INSTANCE_ESCALATED"
	EventRunCreated         = "RUN_CREATED"
	EventOutboxDeadLettered = "OUTBOX_DEAD_LETTERED"
)

// Status is the lifecycle state shared by intervention instances and playbook runs.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusStopped   Status = "STOPPED"
	StatusCompleted Status = "COMPLETED"
	StatusEscalated Status = "ESCALATED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusEscalated
}

// LogStatus is the state of one playbook execution log row.
type LogStatus string

const (
	LogStatusScheduled LogStatus = "SCHEDULED"
	LogStatusSent      LogStatus = "SENT"
	LogStatusSkipped   LogStatus = "SKIPPED"
	LogStatusFailed    LogStatus = "FAILED"
)

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxCompleted  OutboxStatus = "COMPLETED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// StopReason explains why a playbook run was stopped.
type StopReason string

const (
	StopCaseClosed         StopReason = "CASE_CLOSED"
	StopGuardianReplied    StopReason = "GUARDIAN_REPLIED"
	StopAttendanceImproved StopReason = "ATTENDANCE_IMPROVED"
)

// Skip reasons recorded on SKIPPED execution log rows.
const (
	SkipPreviousStepReplied = "PREVIOUS_STEP_REPLIED"
	SkipNoChannelAvailable  = "NO_CHANNEL_AVAILABLE"
	SkipRunStopped          = "RUN_STOPPED"
	SkipMalformedStep       = "MALFORMED_STEP"
)

// EscalationReasonWindowElapsed is the reason carried by runner escalations.
const EscalationReasonWindowElapsed = "ESCALATION_WINDOW_ELAPSED"
