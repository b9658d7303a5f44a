package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestRuleSet_StageNavigation(t *testing.T) {
	rs := &RuleSet{Stages: []Stage{
		{ID: "meeting", Order: 3, Type: StageMeeting},
		{ID: "first", Order: 1, Type: StageFirstLetter, DaysBeforeNext: intPtr(7)},
		{ID: "second", Order: 2, Type: StageSecondLetter, DaysBeforeNext: intPtr(7)},
	}}

	first := rs.FirstStage()
	require.NotNil(t, first)
	assert.Equal(t, "first", first.ID)

	next := rs.NextStage(first)
	require.NotNil(t, next)
	assert.Equal(t, "second", next.ID)

	last := rs.StageByID("meeting")
	require.NotNil(t, last)
	assert.Nil(t, rs.NextStage(last))
	assert.Nil(t, rs.StageByID("missing"))

	assert.Equal(t, "meeting", rs.Stages[0].ID, "ordering does not mutate the definition")
}

func TestRuleSet_EmptyLadder(t *testing.T) {
	assert.Nil(t, (&RuleSet{}).FirstStage())
}

func TestPlaybook_StepPointers(t *testing.T) {
	pb := &PlaybookDefinition{Steps: []PlaybookStep{
		{ID: "email-2", Order: 2},
		{ID: "sms-1", Order: 1},
		{ID: "sms-3", Order: 5},
	}}

	tests := []struct {
		order      int
		wantAfter  string
		wantBefore string
	}{
		{0, "sms-1", ""},
		{1, "email-2", ""},
		{2, "sms-3", "sms-1"},
		{5, "", "email-2"},
		{9, "", "sms-3"},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("order_%d", tc.order), func(t *testing.T) {
			after := pb.StepAfter(tc.order)
			if tc.wantAfter == "" {
				assert.Nil(t, after)
			} else {
				require.NotNil(t, after)
				assert.Equal(t, tc.wantAfter, after.ID)
			}
			before := pb.StepBefore(tc.order)
			if tc.wantBefore == "" {
				assert.Nil(t, before)
			} else {
				require.NotNil(t, before)
				assert.Equal(t, tc.wantBefore, before.ID)
			}
		})
	}
}

func TestNormalizeConditionKind(t *testing.T) {
	for _, tag := range []string{
		"AttendancePercentThreshold",
		"attendance_percent_threshold",
		"ATTENDANCE-PERCENT-THRESHOLD",
		" attendancePercentThreshold ",
	} {
		assert.Equal(t, ConditionAttendancePercentThreshold, NormalizeConditionKind(tag), tag)
	}
	assert.True(t, NormalizeConditionKind("Expression").Known())
	assert.False(t, NormalizeConditionKind("GradeBelow").Known())
}

func TestConditionKindOf(t *testing.T) {
	kind, err := ConditionKindOf(json.RawMessage(`{"type":"TotalAbsenceDays","totalDays":5}`))
	require.NoError(t, err)
	assert.Equal(t, ConditionTotalAbsenceDays, kind)

	_, err = ConditionKindOf(json.RawMessage(`[1,2]`))
	assert.True(t, HasCode(err, ErrCodeMalformedConfig))

	_, err = ConditionKindOf(json.RawMessage(`{"totalDays":5}`))
	assert.True(t, HasCode(err, ErrCodeMalformedConfig))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusActive.IsTerminal())
	for _, s := range []Status{StatusStopped, StatusCompleted, StatusEscalated} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestGuardian_Channels(t *testing.T) {
	g := &Guardian{Phone: "+15550100", Email: "parent@example.org", Channels: []Channel{ChannelSMS}}
	assert.True(t, g.Supports(ChannelSMS))
	assert.False(t, g.Supports(ChannelEmail))
	assert.Equal(t, "+15550100", g.Address(ChannelSMS))
	assert.Equal(t, "parent@example.org", g.Address(ChannelEmail))
	assert.Empty(t, g.Address(Channel("FAX")))
}

func TestTruncateDay(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	in := time.Date(2025, 3, 3, 22, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), TruncateDay(in))
}

func TestError_CodesAndRetry(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("commit: %w", NewError(ErrCodeStore, "write failed").WithCause(cause).WithRun("run-1"))

	assert.True(t, HasCode(err, ErrCodeStore))
	assert.False(t, IsNotFound(err))
	assert.ErrorIs(t, err, cause)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.True(t, e.IsRetryable())
	assert.Equal(t, "[STORE_ERROR] run run-1: write failed", e.Error())

	assert.False(t, NewError(ErrCodeDeliveryRejected, "unsubscribed").IsRetryable())
	assert.False(t, NewError(ErrCodeMalformedConfig, "bad").IsRetryable())
	assert.True(t, NewError(ErrCodeDeliveryFailed, "timeout").IsRetryable())
	assert.Equal(t, "[NOT_FOUND] run x", NewErrorf(ErrCodeNotFound, "run %s", "x").Error())
}
