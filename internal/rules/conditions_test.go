package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/pkg/schema"
)

func TestConditions_Boundaries(t *testing.T) {
	sum := &schema.AttendanceSummary{AttendancePercent: 90, ConsecutiveAbsenceDays: 3, TotalAbsenceDaysYTD: 10}
	ctx := context.Background()

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"percent at threshold", &AttendancePercentThreshold{ThresholdPercentage: 90}, true},
		{"percent above threshold", &AttendancePercentThreshold{ThresholdPercentage: 89.99}, false},
		{"consecutive at threshold", &ConsecutiveAbsenceDays{ConsecutiveDays: 3}, true},
		{"consecutive below threshold", &ConsecutiveAbsenceDays{ConsecutiveDays: 4}, false},
		{"total at threshold", &TotalAbsenceDays{TotalDays: 10}, true},
		{"total below threshold", &TotalAbsenceDays{TotalDays: 11}, false},
		{"above at threshold", &AttendancePercentAbove{ThresholdPercentage: 90}, true},
		{"above under threshold", &AttendancePercentAbove{ThresholdPercentage: 90.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Matches(ctx, sum)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompiler_SkipReasons(t *testing.T) {
	c := newCompiler(t)
	raws := []json.RawMessage{
		json.RawMessage(`{"type":"AttendancePercentThreshold","thresholdPercentage":90}`),
		json.RawMessage(`{"type":"Unheard"}`),
		json.RawMessage(`[1,2]`),
		json.RawMessage(`{"type":"TotalAbsenceDays"}`),
		json.RawMessage(`{"type":"Expression","language":"cel","expression":"summary.attendance_percent >"}`),
	}

	conds, skipped := c.CompileConditions(context.Background(), raws)
	require.Len(t, conds, 2, "expression compile errors surface at evaluation, not at parse")
	require.Len(t, skipped, 3)
	assert.Equal(t, SkipUnknownType, skipped[0].Reason)
	assert.Equal(t, 1, skipped[0].Index)
	assert.Equal(t, SkipMalformed, skipped[1].Reason)
	assert.Equal(t, SkipMalformed, skipped[2].Reason)
	assert.Equal(t, schema.ConditionTotalAbsenceDays, skipped[2].Kind)

	names := c.MatchAny(context.Background(), conds, &schema.AttendanceSummary{AttendancePercent: 50})
	assert.Equal(t, []string{"ATTENDANCEPERCENTTHRESHOLD"}, names, "runtime failure counts as not matched")
}

func TestCompiler_ExpressionDisabledWithoutEvaluator(t *testing.T) {
	c := NewCompiler(nil, nil, nil)
	conds, skipped := c.CompileConditions(context.Background(), []json.RawMessage{
		json.RawMessage(`{"type":"Expression","language":"cel","expression":"true"}`),
	})
	assert.Empty(t, conds)
	require.Len(t, skipped, 1)
	assert.Equal(t, SkipMalformed, skipped[0].Reason)
}

func TestCompiler_WithoutValidatorStillDecodes(t *testing.T) {
	c := NewCompiler(nil, nil, nil)
	conds, skipped := c.CompileConditions(context.Background(), []json.RawMessage{
		json.RawMessage(`{"type":"consecutive-absence-days","consecutiveDays":2}`),
		json.RawMessage(`{"type":"ConsecutiveAbsenceDays","consecutiveDays":"x"}`),
	})
	require.Len(t, conds, 1)
	require.Len(t, skipped, 1, "type mismatch is caught by json decoding")
	assert.Equal(t, schema.ConditionConsecutiveAbsenceDays, conds[0].Kind())
}
