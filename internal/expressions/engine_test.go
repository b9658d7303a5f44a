package expressions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/pkg/schema"
)

func sampleData() map[string]any {
	return SummaryData(&schema.AttendanceSummary{
		StudentID:              "student-1",
		SchoolID:               "school-1",
		Date:                   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		AttendancePercent:      82.5,
		ConsecutiveAbsenceDays: 4,
		TotalAbsenceDaysYTD:    11,
	})
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	require.NoError(t, err)
	return r
}

func TestSummaryData(t *testing.T) {
	data := sampleData()
	assert.Equal(t, "student-1", data["student_id"])
	assert.Equal(t, "2025-03-03", data["date"])
	assert.Equal(t, 82.5, data["attendance_percent"])
	assert.Equal(t, 4.0, data["consecutive_absence_days"])
	assert.Equal(t, 11.0, data["total_absence_days_ytd"])
	assert.Empty(t, SummaryData(nil))
}

func TestRegistry_EvaluateBool(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		language   string
		expression string
		want       bool
	}{
		{"cel match", "cel", `summary.attendance_percent < 85.0 && summary.consecutive_absence_days >= 3.0`, true},
		{"cel cross type", "cel", `summary.total_absence_days_ytd > 10`, true},
		{"cel no match", "cel", `summary.attendance_percent < 80.0`, false},
		{"cel string field", "cel", `summary.school_id == "school-1"`, true},
		{"expr match", "expr", `attendance_percent < 85 && consecutive_absence_days >= 3`, true},
		{"expr no match", "expr", `total_absence_days_ytd > 20`, false},
		{"jq match", "jq", `.attendance_percent < 85 and .consecutive_absence_days >= 3`, true},
		{"jq no match", "jq", `.total_absence_days_ytd > 20`, false},
		{"language case insensitive", "CEL", `summary.attendance_percent < 90.0`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.EvaluateBool(ctx, tt.language, tt.expression, sampleData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_UnsupportedLanguage(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Get("lua")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeMalformedConfig))

	_, err = r.EvaluateBool(context.Background(), "lua", "true", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeMalformedConfig))
}

func TestRegistry_NonBoolResult(t *testing.T) {
	r := newRegistry(t)
	for lang, expression := range map[string]string{
		"cel":  `summary.attendance_percent`,
		"expr": `attendance_percent * 2`,
		"jq":   `.student_id`,
	} {
		_, err := r.EvaluateBool(context.Background(), lang, expression, sampleData())
		require.Error(t, err, lang)
		assert.True(t, schema.HasCode(err, schema.ErrCodeEvaluation), lang)
	}
}

func TestRegistry_Compile(t *testing.T) {
	r := newRegistry(t)

	assert.NoError(t, r.Compile("cel", `summary.attendance_percent < 90.0`))
	assert.NoError(t, r.Compile("expr", `attendance_percent < 90`))
	assert.NoError(t, r.Compile("jq", `.attendance_percent < 90`))

	for lang, bad := range map[string]string{
		"cel":  `summary.attendance_percent <`,
		"expr": `attendance_percent <`,
		"jq":   `.attendance_percent <`,
	} {
		err := r.Compile(lang, bad)
		require.Error(t, err, lang)
		assert.True(t, schema.HasCode(err, schema.ErrCodeMalformedConfig), lang)
	}

	for _, lang := range r.Languages() {
		err := r.Compile(lang, "")
		assert.True(t, schema.HasCode(err, schema.ErrCodeMalformedConfig), lang)
	}
}

func TestCEL_RuntimeErrorIsEvaluationError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `summary.missing_field > 1.0`, sampleData())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeEvaluation))
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.attendance_percent, .student_id`, sampleData())
	require.NoError(t, err)
	assert.Equal(t, []any{82.5, "student-1"}, out)

	out, err = e.Evaluate(context.Background(), `empty`, sampleData())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_EnvIsSandboxed(t *testing.T) {
	t.Setenv("ATTENDFLOW_SECRET", "leak")
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV.ATTENDFLOW_SECRET`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEngines_ConcurrentCachedEvaluation(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.EvaluateBool(ctx, "cel", `summary.attendance_percent < 85.0`, sampleData())
			assert.NoError(t, err)
			assert.True(t, ok)
			ok, err = r.EvaluateBool(ctx, "expr", `attendance_percent < 85`, sampleData())
			assert.NoError(t, err)
			assert.True(t, ok)
			ok, err = r.EvaluateBool(ctx, "jq", `.attendance_percent < 85`, sampleData())
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}
