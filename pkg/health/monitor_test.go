package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChecker struct {
	mu      sync.Mutex
	results []bool
}

func (c *scriptedChecker) Check(context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	healthy := true
	if len(c.results) > 0 {
		healthy = c.results[0]
		c.results = c.results[1:]
	}
	msg := "ok"
	if !healthy {
		msg = "connection refused"
	}
	return Result{Healthy: healthy, Message: msg, CheckedAt: time.Now()}
}

func (c *scriptedChecker) Type() CheckType { return CheckTypeTCP }

type report struct {
	name    string
	healthy bool
	message string
}

type recorder struct {
	mu      sync.Mutex
	reports []report
}

func (r *recorder) report(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{name, healthy, message})
}

func (r *recorder) all() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report(nil), r.reports...)
}

func TestStatusUpdate(t *testing.T) {
	config := Config{Retries: 2}
	s := NewStatus()

	assert.False(t, s.Update(Result{Healthy: false}, config))
	assert.True(t, s.Healthy)
	assert.True(t, s.Update(Result{Healthy: false}, config))
	assert.False(t, s.Healthy)
	assert.Equal(t, 2, s.ConsecutiveFailures)

	assert.True(t, s.Update(Result{Healthy: true}, config))
	assert.True(t, s.Healthy)
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Equal(t, 1, s.ConsecutiveSuccesses)
}

func TestMonitorReportsTransitions(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(Config{Interval: time.Hour, Timeout: time.Second, Retries: 2}).WithReporter(rec.report)
	m.Add("sysinv", &scriptedChecker{results: []bool{true, false, false, false, true}})
	m.Add("fm", &scriptedChecker{})
	require.Equal(t, 2, m.Len())

	for i := 0; i < 5; i++ {
		m.CheckNow(context.Background())
	}

	assert.Equal(t, []report{
		{"fm", true, ""},
		{"sysinv", true, ""},
		{"sysinv", false, "connection refused"},
		{"sysinv", true, ""},
	}, rec.all())

	status, ok := m.Status("sysinv")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	_, ok = m.Status("usm")
	assert.False(t, ok)
}

func TestMonitorLifecycle(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(Config{Interval: 10 * time.Millisecond}).WithReporter(rec.report)
	m.Add("keystone", &scriptedChecker{})

	m.Start()
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	NewMonitor(Config{}).Stop()
}
