package fleet

import (
	"context"
	"time"

	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
	"github.com/rs/zerolog"
)

// Publisher queues events onto the bus
type Publisher interface {
	Publish(event *events.Event)
}

// Auditor polls the platform on the audit tick and feeds the results back
// as host-audit and instance-audit events. All of its state is touched
// only from the bus loop.
type Auditor struct {
	client     *nfvi.Client
	table      *Table
	publisher  Publisher
	dispatcher nfvi.Dispatcher
	interval   time.Duration
	last       time.Time
	inflight   int
	failures   int
	logger     zerolog.Logger
}

// NewAuditor creates an auditor that refreshes the fleet every interval
func NewAuditor(client *nfvi.Client, table *Table, publisher Publisher, dispatcher nfvi.Dispatcher, interval time.Duration) *Auditor {
	return &Auditor{
		client:     client,
		table:      table,
		publisher:  publisher,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     log.WithComponent("fleet-audit"),
	}
}

// OnTick starts an audit once the interval has elapsed and the previous
// audit has finished. Register it with Bus.OnTick.
func (a *Auditor) OnTick(now time.Time) {
	if a.inflight > 0 {
		return
	}
	if !a.last.IsZero() && now.Sub(a.last) < a.interval {
		return
	}
	a.last = now
	a.Audit()
}

// Audit issues every fleet query. Results are applied as they arrive.
func (a *Auditor) Audit() {
	timer := metrics.NewTimer()
	a.failures = 0

	queries := []struct {
		name  string
		call  func(ctx context.Context) nfvi.Response
		apply func(resp nfvi.Response)
	}{
		{"system", a.client.Infrastructure.GetSystemInfo, a.applySystem},
		{"hosts", a.client.Infrastructure.GetHosts, a.applyHosts},
		{"instances", a.client.Compute.GetInstances, a.applyInstances},
		{"instance-groups", a.client.Compute.GetInstanceGroups, a.applyGroups},
		{"aggregates", a.client.Compute.GetHostAggregates, a.applyAggregates},
		{"alarms", a.client.Fault.GetAlarms, a.applyAlarms},
	}

	a.inflight = len(queries)
	for _, q := range queries {
		q := q
		a.dispatcher.Dispatch(q.call, func(resp nfvi.Response) {
			a.inflight--
			if !resp.Completed {
				a.failures++
				a.logger.Warn().
					Str("query", q.name).
					Str("error_code", string(resp.ErrorCode)).
					Str("reason", resp.Reason).
					Msg("Fleet audit query failed")
			} else {
				q.apply(resp)
			}
			if a.inflight == 0 {
				a.finish(timer)
			}
		})
	}
}

func (a *Auditor) finish(timer *metrics.Timer) {
	if a.failures > 0 {
		metrics.UpdateComponent("fleet", false, "audit incomplete")
	} else {
		metrics.UpdateComponent("fleet", true, "")
	}
	a.logger.Debug().
		Dur("duration", timer.Duration()).
		Int("failures", a.failures).
		Msg("Fleet audit finished")
}

func (a *Auditor) applySystem(resp nfvi.Response) {
	if system, ok := nfvi.As[types.SystemInfo](resp); ok {
		a.table.SetSystem(system)
	}
}

func (a *Auditor) applyHosts(resp nfvi.Response) {
	hosts, ok := nfvi.As[[]*types.Host](resp)
	if !ok {
		return
	}
	a.publisher.Publish(&events.Event{Type: events.EventHostAudit, Hosts: hosts})
}

func (a *Auditor) applyInstances(resp nfvi.Response) {
	instances, ok := nfvi.As[[]*types.Instance](resp)
	if !ok {
		return
	}
	a.publisher.Publish(&events.Event{Type: events.EventInstanceAudit, Instances: instances})
}

func (a *Auditor) applyGroups(resp nfvi.Response) {
	if groups, ok := nfvi.As[[]*types.InstanceGroup](resp); ok {
		a.table.SetInstanceGroups(groups)
	}
}

func (a *Auditor) applyAggregates(resp nfvi.Response) {
	if aggs, ok := nfvi.As[[]*types.HostAggregate](resp); ok {
		a.table.SetAggregates(aggs)
	}
}

func (a *Auditor) applyAlarms(resp nfvi.Response) {
	if alarms, ok := nfvi.As[[]types.Alarm](resp); ok {
		a.table.SetAlarms(alarms)
	}
}
