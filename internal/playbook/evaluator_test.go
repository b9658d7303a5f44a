package playbook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/internal/store/storetest"
	"github.com/rendis/attendflow/pkg/schema"
)

type stubCases struct {
	closed  bool
	replied bool
	err     error
}

func (s stubCases) IsCaseClosed(context.Context, string) (bool, error) { return s.closed, s.err }

func (s stubCases) HasGuardianRepliedSince(context.Context, string, time.Time) (bool, error) {
	return s.replied, nil
}

type stubAttendance struct {
	sum *schema.AttendanceSummary
}

func (s stubAttendance) GetDailySummary(_ context.Context, studentID string, _ time.Time) (*schema.AttendanceSummary, error) {
	if s.sum == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no summary for "+studentID)
	}
	return s.sum, nil
}

func TestEvaluateStop(t *testing.T) {
	run := &store.Run{ID: "run-1", InstanceID: "inst-1", StudentID: "stu-1", GuardianID: "g-1", TriggeredAt: t0}
	def := &schema.PlaybookDefinition{AttendanceImprovementThreshold: storetest.Percent(90)}
	improved := &schema.AttendanceSummary{StudentID: "stu-1", Date: schema.TruncateDay(day(2)), AttendancePercent: 95}

	tests := []struct {
		name       string
		cases      stubCases
		attendance stubAttendance
		run        *store.Run
		want       StopDecision
	}{
		{"nothing", stubCases{}, stubAttendance{}, run, StopDecision{}},
		{"case closed wins", stubCases{closed: true, replied: true}, stubAttendance{sum: improved}, run,
			StopDecision{Stop: true, Reason: schema.StopCaseClosed}},
		{"reply beats attendance", stubCases{replied: true}, stubAttendance{sum: improved}, run,
			StopDecision{Stop: true, Reason: schema.StopGuardianReplied}},
		{"reply ignored without guardian", stubCases{replied: true}, stubAttendance{}, &store.Run{TriggeredAt: t0},
			StopDecision{}},
		{"attendance improved", stubCases{}, stubAttendance{sum: improved}, run,
			StopDecision{Stop: true, Reason: schema.StopAttendanceImproved}},
		{"below threshold", stubCases{}, stubAttendance{sum: &schema.AttendanceSummary{
			Date: schema.TruncateDay(day(2)), AttendancePercent: 89.9}}, run, StopDecision{}},
		{"same day as trigger", stubCases{}, stubAttendance{sum: &schema.AttendanceSummary{
			Date: schema.TruncateDay(t0), AttendancePercent: 99}}, run, StopDecision{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(tt.cases, tt.attendance)
			got, err := e.EvaluateStop(context.Background(), tt.run, def, day(3))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateStop_PropagatesErrors(t *testing.T) {
	e := NewEvaluator(stubCases{err: errors.New("db down")}, stubAttendance{})
	_, err := e.EvaluateStop(context.Background(), &store.Run{TriggeredAt: t0}, &schema.PlaybookDefinition{}, t0)
	assert.ErrorContains(t, err, "CASE_CLOSED")
}

func TestEvaluateEscalation(t *testing.T) {
	e := NewEvaluator(stubCases{}, nil)
	run := &store.Run{TriggeredAt: t0}
	def := &schema.PlaybookDefinition{EscalationAfterDays: storetest.Days(5)}

	assert.False(t, e.EvaluateEscalation(run, def, day(5).Add(-time.Second)))
	assert.True(t, e.EvaluateEscalation(run, def, day(5)))
	assert.False(t, e.EvaluateEscalation(run, &schema.PlaybookDefinition{}, day(100)))
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "playbook-run:r1:step:s1", IdempotencyKey("r1", "s1"))
	assert.Equal(t, IdempotencyKey("r1", "s1"), IdempotencyKey("r1", "s1"))
	assert.NotEqual(t, IdempotencyKey("r1", "s1"), IdempotencyKey("r1", "s2"))
}
