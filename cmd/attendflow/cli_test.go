package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/internal/rules"
)

const testBundle = `{
  "rule_sets": [{
    "id": "rs-1", "tenant_id": "tenant-1", "school_id": "school-1", "name": "Persistent absence", "active": true,
    "conditions": [{"type": "AttendancePercentThreshold", "thresholdPercentage": 90}],
    "stages": [
      {"id": "rs-1-s1", "order": 1, "type": "FIRST_LETTER", "days_before_next": 7},
      {"id": "rs-1-s2", "order": 2, "type": "MEETING"}
    ]
  }],
  "playbooks": [{
    "id": "pb-1", "tenant_id": "tenant-1", "name": "Outreach", "trigger_stage_type": "FIRST_LETTER", "active": true,
    "steps": [{"id": "sms-1", "order": 1, "offset_days": 0, "channel": "SMS", "template_ref": "absence-sms"}]
  }],
  "guardians": [{"id": "g-1", "student_id": "stu-1", "phone": "+15550100", "channels": ["SMS"], "primary": true}],
  "summaries": [{"student_id": "stu-1", "school_id": "school-1", "date": "2025-03-03T00:00:00Z",
    "attendance_percent": 82, "consecutive_absence_days": 1, "total_absence_days_ytd": 7}],
  "evaluation_jobs": [{"id": "job-1", "school_id": "school-1", "cron_expression": "0 6 * * 1-5", "enabled": true}]
}`

// runCLI executes the root command against a fresh database in dir.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(dir, "settings.json"),
		"--db", filepath.Join(dir, "attendflow.db"),
		"--log-level", "error",
	}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_LoadThenSimulate(t *testing.T) {
	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "bundle.json")
	require.NoError(t, os.WriteFile(bundlePath, []byte(testBundle), 0o644))

	out, err := runCLI(t, dir, "load", "-o", "json", bundlePath)
	require.NoError(t, err, out)
	var report loadReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, loadReport{RuleSets: 1, Playbooks: 1, Guardians: 1, Summaries: 1, Jobs: 1}, report)

	out, err = runCLI(t, dir, "load", "-o", "json", bundlePath)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.JobsSkipped, "existing jobs are kept")

	out, err = runCLI(t, dir, "simulate", "-o", "json", "--student", "stu-1", "--rule-set", "rs-1", "--as-of", "2025-03-03")
	require.NoError(t, err, out)
	var d rules.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.True(t, d.Eligible)
	assert.Equal(t, "2025-03-03", d.SummaryDate)
}

func TestCLI_LoadRejectsInvalidBundle(t *testing.T) {
	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bundlePath, []byte(`{
	  "playbooks": [{"id": "pb-1", "tenant_id": "t", "trigger_stage_type": "FIRST_LETTER",
	    "steps": [{"id": "s", "order": 1, "channel": "FAX", "template_ref": "x"}]}],
	  "evaluation_jobs": [{"id": "job-1", "school_id": "school-1", "cron_expression": "whenever"}]
	}`), 0o644))

	out, err := runCLI(t, dir, "load", bundlePath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 invalid definitions")
	assert.Contains(t, out, `playbook "pb-1"`)
	assert.Contains(t, out, "evaluation job job-1")
}

func TestCLI_InvalidOutput(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "-o", "yaml", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output")
}

func TestCLI_DeadLettersEmpty(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, dir, "deadletters", "list", "-o", "json")
	require.NoError(t, err, out)
	assert.JSONEq(t, `[]`, out)
}
