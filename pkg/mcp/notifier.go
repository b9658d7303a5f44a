package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/attendflow/internal/playbook"
	"github.com/rendis/attendflow/pkg/schema"
)

// OperatorNotifier pushes notifications to connected operators.
type OperatorNotifier interface {
	Notify(ctx context.Context, operatorID string, payload map[string]any) error
}

// NotifierFunc adapts a function to OperatorNotifier.
type NotifierFunc func(ctx context.Context, operatorID string, payload map[string]any) error

func (f NotifierFunc) Notify(ctx context.Context, operatorID string, payload map[string]any) error {
	return f(ctx, operatorID, payload)
}

// MCPNotifier implements OperatorNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to an MCP server's sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the operator's session.
// Best-effort: returns nil if the operator is not connected.
func (n *MCPNotifier) Notify(_ context.Context, operatorID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(operatorID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// EscalationBroadcaster is a playbook.EscalationSink that records the
// escalation with the wrapped sink and then tells every connected operator.
type EscalationBroadcaster struct {
	next     playbook.EscalationSink
	notifier OperatorNotifier
	sessions *SessionRegistry
	logger   *slog.Logger
}

var _ playbook.EscalationSink = (*EscalationBroadcaster)(nil)

// NewEscalationBroadcaster wraps next. A nil logger uses slog.Default().
func NewEscalationBroadcaster(next playbook.EscalationSink, notifier OperatorNotifier, sessions *SessionRegistry, logger *slog.Logger) *EscalationBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscalationBroadcaster{next: next, notifier: notifier, sessions: sessions, logger: logger}
}

// Escalate records e and fans it out. Notification failures are logged only;
// the run still escalates.
func (b *EscalationBroadcaster) Escalate(ctx context.Context, e schema.Escalation) error {
	if err := b.next.Escalate(ctx, e); err != nil {
		return err
	}
	payload := map[string]any{
		"type":        "escalation",
		"run_id":      e.RunID,
		"playbook_id": e.PlaybookID,
		"instance_id": e.InstanceID,
		"student_id":  e.StudentID,
		"reason":      e.Reason,
		"raised_at":   e.RaisedAt,
	}
	for _, op := range b.sessions.Operators() {
		if err := b.notifier.Notify(ctx, op, payload); err != nil {
			b.logger.WarnContext(ctx, "escalation notification failed",
				"operator_id", op, "run_id", e.RunID, "error", err)
		}
	}
	return nil
}
