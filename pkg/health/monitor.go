package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
)

// ComponentPrefix namespaces probe targets in the component registry
const ComponentPrefix = "endpoint:"

// Reporter receives a target's reachability. The default writes to the
// metrics component registry.
type Reporter func(name string, healthy bool, message string)

type target struct {
	name    string
	checker Checker
	status  *Status
}

// Monitor periodically probes the platform services the engine depends
// on. Results are advisory: an unreachable endpoint shows on /health but
// never blocks readiness, since steps report their own NFVI failures.
type Monitor struct {
	config   Config
	report   Reporter
	mu       sync.Mutex
	targets  []*target
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor reporting to the metrics registry
func NewMonitor(config Config) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries <= 0 {
		config.Retries = def.Retries
	}
	return &Monitor{
		config: config,
		report: func(name string, healthy bool, message string) {
			metrics.UpdateComponent(ComponentPrefix+name, healthy, message)
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// WithReporter replaces the reporter
func (m *Monitor) WithReporter(r Reporter) *Monitor {
	m.report = r
	return m
}

// Add registers a target; call before Start
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, &target{name: name, checker: checker, status: NewStatus()})
	sort.Slice(m.targets, func(i, j int) bool { return m.targets[i].name < m.targets[j].name })
}

// Len returns the number of targets
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}

// Start probes every target at once and then on each interval
func (m *Monitor) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	go m.run()
}

// Stop ends the probe loop and waits for it
func (m *Monitor) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stopCh) })
	if started {
		<-m.doneCh
	}
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.CheckNow(ctx)
	for {
		select {
		case <-ticker.C:
			m.CheckNow(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// CheckNow probes every target once. The first result of a target is
// always reported; afterwards only transitions are.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.Lock()
	targets := append([]*target(nil), m.targets...)
	m.mu.Unlock()

	logger := log.WithComponent("health")
	for _, t := range targets {
		checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		result := t.checker.Check(checkCtx)
		cancel()

		m.mu.Lock()
		first := t.status.LastCheck.IsZero()
		changed := t.status.Update(result, m.config)
		healthy := t.status.Healthy
		m.mu.Unlock()

		if !first && !changed {
			continue
		}
		message := ""
		if !healthy {
			message = result.Message
		}
		if changed {
			if healthy {
				logger.Info().Str("target", t.name).Msg("Endpoint reachable again")
			} else {
				logger.Warn().Str("target", t.name).Str("reason", result.Message).Msg("Endpoint unreachable")
			}
		}
		m.report(t.name, healthy, message)
	}
}

// Status returns a copy of the target's status
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.name == name {
			return *t.status, true
		}
	}
	return Status{}, false
}
