package metrics

import (
	"time"

	"github.com/cuemby/vim/pkg/types"
)

// FleetSource is the read side of the fleet table
type FleetSource interface {
	ListHosts() []*types.Host
	InstanceCount() int
}

// Collector periodically exports fleet gauges
type Collector struct {
	source   FleetSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source FleetSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect exports one round of gauges
func (c *Collector) Collect() {
	c.collectHostMetrics()
	InstancesTotal.Set(float64(c.source.InstanceCount()))
}

func (c *Collector) collectHostMetrics() {
	counts := make(map[string]map[string]int)
	for _, h := range c.source.ListHosts() {
		for _, p := range h.Personalities {
			personality := string(p)
			if counts[personality] == nil {
				counts[personality] = make(map[string]int)
			}
			counts[personality][string(h.AdminState)]++
		}
	}

	// Reset so that personalities that disappeared drop to zero
	HostsTotal.Reset()
	for personality, states := range counts {
		for state, count := range states {
			HostsTotal.WithLabelValues(personality, state).Set(float64(count))
		}
	}
}
