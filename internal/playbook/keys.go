package playbook

import (
	"encoding/json"
	"time"

	"github.com/rendis/attendflow/pkg/schema"
)

// OutboxTypeMessage tags outbox entries carrying a playbook step message.
const OutboxTypeMessage = "playbook.message"

// CursorName is the event cursor owned by the runner's discovery phase.
const CursorName = "playbook-runner"

// IdempotencyKey derives the key shared by a step's outbox entry and its
// execution log rows. It is a pure function of (runID, stepID).
func IdempotencyKey(runID, stepID string) string {
	return "playbook-run:" + runID + ":step:" + stepID
}

// MessagePayload is the outbox payload handed to the dispatcher.
type MessagePayload struct {
	RunID        string         `json:"run_id"`
	PlaybookID   string         `json:"playbook_id"`
	InstanceID   string         `json:"instance_id"`
	StudentID    string         `json:"student_id"`
	GuardianID   string         `json:"guardian_id"`
	StepID       string         `json:"step_id"`
	StepOrder    int            `json:"step_order"`
	Channel      schema.Channel `json:"channel"`
	Recipient    string         `json:"recipient"`
	TemplateRef  string         `json:"template_ref"`
	ScheduledFor time.Time      `json:"scheduled_for"`
}

// DecodeMessage parses an outbox payload produced by the runner.
func DecodeMessage(raw []byte) (*MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, schema.NewError(schema.ErrCodeMalformedConfig, "decode message payload").WithCause(err)
	}
	return &p, nil
}
