// Package mcp exposes attendflow's operator tools over the Model Context
// Protocol: simulate a rule set, query runs and dead letters, replay a dead
// letter, intervene on an instance and force a runner tick.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/attendflow/internal/ladder"
	"github.com/rendis/attendflow/internal/outbox"
	"github.com/rendis/attendflow/internal/playbook"
	"github.com/rendis/attendflow/internal/rules"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// QueryStore is the read side the tools need. *store.LibSQLStore satisfies it.
type QueryStore interface {
	GetRuleSet(ctx context.Context, id string) (*schema.RuleSet, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error)
	ListOutbox(ctx context.Context, filter store.OutboxFilter) ([]*store.OutboxEntry, error)
	ListExecutionLogs(ctx context.Context, runID string) ([]*store.ExecutionLog, error)
	ListEscalations(ctx context.Context, limit int) ([]*schema.Escalation, error)
}

// Simulator previews a rule set against one student.
type Simulator interface {
	Simulate(ctx context.Context, studentID string, ruleSet *schema.RuleSet, asOf time.Time) (rules.Decision, error)
}

// Intervener closes instances on an operator's behalf.
type Intervener interface {
	Stop(ctx context.Context, instanceID, reason string) (*store.Instance, error)
	Escalate(ctx context.Context, instanceID, reason string) (*store.Instance, error)
}

// TickRunner forces a playbook runner tick.
type TickRunner interface {
	RunOnce(ctx context.Context) (*playbook.TickReport, error)
}

// DeadLetters lists and replays dead letters.
type DeadLetters interface {
	ListDeadLetters(ctx context.Context, filter store.DeadLetterFilter) ([]*store.DeadLetter, error)
	Replay(ctx context.Context, id string) (*store.DeadLetter, error)
}

var (
	_ Simulator   = (*rules.Engine)(nil)
	_ Intervener  = (*ladder.Ladder)(nil)
	_ TickRunner  = (*playbook.Runner)(nil)
	_ DeadLetters = (*outbox.Service)(nil)
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Store      QueryStore
	Simulator  Simulator
	Intervener Intervener
	Runner     TickRunner
	Outbox     DeadLetters
	Sessions   *SessionRegistry
	Logger     *slog.Logger
}

// Server wraps an MCP server with attendflow tool handlers.
type Server struct {
	store      QueryStore
	simulator  Simulator
	intervener Intervener
	runner     TickRunner
	outbox     DeadLetters
	sessions   *SessionRegistry
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with all five tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		store:      deps.Store,
		simulator:  deps.Simulator,
		intervener: deps.Intervener,
		runner:     deps.Runner,
		outbox:     deps.Outbox,
		sessions:   sessions,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"attendflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("attendflow automates attendance interventions. Use attendflow.simulate to preview a rule set for a student, attendflow.query to inspect runs, instances, outbox entries, dead letters and escalations, attendflow.replay to mark a dead letter replayed, attendflow.intervene to stop or escalate an instance, and attendflow.run_once to force a playbook runner tick."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the operator session registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: simulateTool(), Handler: s.handleSimulate},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: replayTool(), Handler: s.handleReplay},
		{Tool: interveneTool(), Handler: s.handleIntervene},
		{Tool: runOnceTool(), Handler: s.handleRunOnce},
	}
}

// --- Tool definitions ---

func simulateTool() mcp.Tool {
	return mcp.NewTool("attendflow.simulate",
		mcp.WithDescription("Preview whether a student is eligible under a rule set"),
		mcp.WithString("student_id", mcp.Required(), mcp.Description("Student to evaluate")),
		mcp.WithString("rule_set_id", mcp.Required(), mcp.Description("Rule set to evaluate, active or not")),
		mcp.WithString("as_of", mcp.Description("Evaluation date YYYY-MM-DD (default: today)")),
		mcp.WithString("operator_id", mcp.Description("ID of the calling operator, for escalation notifications")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("attendflow.query",
		mcp.WithDescription("Query runs, instances, outbox entries, dead letters, escalations or execution logs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "instances", "outbox", "dead_letters", "escalations", "execution_logs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, student_id, instance_id, playbook_id, school_id, run_id, replayed, limit)")),
		mcp.WithString("operator_id", mcp.Description("ID of the calling operator, for escalation notifications")),
	)
}

func replayTool() mcp.Tool {
	return mcp.NewTool("attendflow.replay",
		mcp.WithDescription("Mark a dead letter as replayed"),
		mcp.WithString("dead_letter_id", mcp.Required(), mcp.Description("ID of the dead letter")),
		mcp.WithString("operator_id", mcp.Description("ID of the calling operator, for escalation notifications")),
	)
}

func interveneTool() mcp.Tool {
	return mcp.NewTool("attendflow.intervene",
		mcp.WithDescription("Stop or escalate an intervention instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the intervention instance")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("stop", "escalate"),
			mcp.Description("Terminal transition to apply"),
		),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Reason recorded on the instance")),
		mcp.WithString("operator_id", mcp.Description("ID of the calling operator, for escalation notifications")),
	)
}

func runOnceTool() mcp.Tool {
	return mcp.NewTool("attendflow.run_once",
		mcp.WithDescription("Run one playbook runner tick now"),
		mcp.WithString("operator_id", mcp.Description("ID of the calling operator, for escalation notifications")),
	)
}
