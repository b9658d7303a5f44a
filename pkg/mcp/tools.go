package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// handleSimulate previews a rule set for one student.
func (s *Server) handleSimulate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studentID, err := req.RequireString("student_id")
	if err != nil {
		return mcp.NewToolResultError("student_id is required"), nil
	}
	ruleSetID, err := req.RequireString("rule_set_id")
	if err != nil {
		return mcp.NewToolResultError("rule_set_id is required"), nil
	}
	asOf := time.Now().UTC()
	if v := req.GetString("as_of", ""); v != "" {
		asOf, err = time.Parse(schema.DateLayout, v)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("as_of must be YYYY-MM-DD: %v", err)), nil
		}
	}
	s.captureSession(ctx, req)

	rs, err := s.store.GetRuleSet(ctx, ruleSetID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rule set lookup failed: %v", err)), nil
	}
	decision, err := s.simulator.Simulate(ctx, studentID, rs, asOf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("simulation failed: %v", err)), nil
	}
	return marshalResult(decision)
}

// handleQuery lists one resource type with optional filters.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	s.captureSession(ctx, req)

	filter := mcp.ParseStringMap(req, "filter", nil)
	limit := extractInt(filter, "limit", 50)

	switch resource {
	case "runs":
		rf := store.RunFilter{
			InstanceID: extractString(filter, "instance_id"),
			PlaybookID: extractString(filter, "playbook_id"),
			StudentID:  extractString(filter, "student_id"),
			Limit:      limit,
		}
		if v := extractString(filter, "status"); v != "" {
			st := schema.Status(v)
			rf.Status = &st
		}
		runs, err := s.store.ListRuns(ctx, rf)
		return listResult("runs", runs, err)

	case "instances":
		inf := store.InstanceFilter{
			SchoolID:  extractString(filter, "school_id"),
			StudentID: extractString(filter, "student_id"),
			RuleSetID: extractString(filter, "rule_set_id"),
			Limit:     limit,
		}
		if v := extractString(filter, "status"); v != "" {
			st := schema.Status(v)
			inf.Status = &st
		}
		instances, err := s.store.ListInstances(ctx, inf)
		return listResult("instances", instances, err)

	case "outbox":
		of := store.OutboxFilter{Limit: limit}
		if v := extractString(filter, "status"); v != "" {
			st := schema.OutboxStatus(v)
			of.Status = &st
		}
		entries, err := s.store.ListOutbox(ctx, of)
		return listResult("outbox", entries, err)

	case "dead_letters":
		df := store.DeadLetterFilter{Limit: limit}
		if v, ok := filter["replayed"].(bool); ok {
			df.Replayed = &v
		}
		dls, err := s.outbox.ListDeadLetters(ctx, df)
		return listResult("dead_letters", dls, err)

	case "escalations":
		escalations, err := s.store.ListEscalations(ctx, limit)
		return listResult("escalations", escalations, err)

	case "execution_logs":
		runID := extractString(filter, "run_id")
		if runID == "" {
			return mcp.NewToolResultError("execution_logs query requires 'run_id' in filter"), nil
		}
		logs, err := s.store.ListExecutionLogs(ctx, runID)
		return listResult("execution_logs", logs, err)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleReplay marks a dead letter replayed.
func (s *Server) handleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("dead_letter_id")
	if err != nil {
		return mcp.NewToolResultError("dead_letter_id is required"), nil
	}
	s.captureSession(ctx, req)

	dl, err := s.outbox.Replay(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
	}
	return marshalResult(dl)
}

// handleIntervene stops or escalates an instance.
func (s *Server) handleIntervene(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	reason, err := req.RequireString("reason")
	if err != nil || reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	s.captureSession(ctx, req)

	var inst *store.Instance
	switch action {
	case "stop":
		inst, err = s.intervener.Stop(ctx, instanceID, reason)
	case "escalate":
		inst, err = s.intervener.Escalate(ctx, instanceID, reason)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}
	s.logger.InfoContext(ctx, "operator intervention",
		"instance_id", instanceID,
		"action", action,
		"operator_id", req.GetString("operator_id", ""),
	)
	return marshalResult(inst)
}

// handleRunOnce forces one runner tick.
func (s *Server) handleRunOnce(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.captureSession(ctx, req)
	report, err := s.runner.RunOnce(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("runner tick failed: %v", err)), nil
	}
	return marshalResult(report)
}

// --- Internal helpers ---

func listResult[T any](key string, items []T, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if items == nil {
		items = []T{}
	}
	return marshalResult(map[string]any{key: items})
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	v, _ := filter[key].(string)
	return v
}

// captureSession maps the operator ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, req mcp.CallToolRequest) {
	operatorID := req.GetString("operator_id", "")
	if operatorID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(operatorID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
