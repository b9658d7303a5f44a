package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"attendflow.simulate",
		"attendflow.query",
		"attendflow.replay",
		"attendflow.intervene",
		"attendflow.run_once",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"simulate", "attendflow.simulate", "Preview whether a student is eligible under a rule set"},
		{"query", "attendflow.query", "Query runs, instances, outbox entries, dead letters, escalations or execution logs"},
		{"replay", "attendflow.replay", "Mark a dead letter as replayed"},
		{"intervene", "attendflow.intervene", "Stop or escalate an intervention instance"},
		{"run_once", "attendflow.run_once", "Run one playbook runner tick now"},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestSessionsShared(t *testing.T) {
	reg := NewSessionRegistry()
	s := NewServer(ServerDeps{Sessions: reg})
	assert.Same(t, reg, s.Sessions())
}
