package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(ConditionMatches.WithLabelValues("TOTALABSENCEDAYS"))
	ConditionMatches.WithLabelValues("TOTALABSENCEDAYS").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ConditionMatches.WithLabelValues("TOTALABSENCEDAYS")))

	BreakerState.WithLabelValues("SMS").Set(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(BreakerState.WithLabelValues("SMS")))
}
