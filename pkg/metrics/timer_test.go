package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_step_duration_seconds",
			Help:    "Test histogram",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	NewTimer().ObserveDurationVec(vec, "lock-hosts")
	NewTimer().ObserveDurationVec(vec, "lock-hosts")

	assert.Equal(t, 1, testutil.CollectAndCount(vec))
}

func TestStepResultsCounter(t *testing.T) {
	before := testutil.ToFloat64(StepResults.WithLabelValues("query-alarms", "success"))
	StepResults.WithLabelValues("query-alarms", "success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(StepResults.WithLabelValues("query-alarms", "success")))
}
