package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/vim/pkg/director"
	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/nfvi/fake"
	"github.com/cuemby/vim/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newHost(name string, personalities ...types.Personality) *types.Host {
	return &types.Host{
		UUID:             name + "-uuid",
		Name:             name,
		Personalities:    personalities,
		OpenStackCompute: true,
		AdminState:       types.AdminStateUnlocked,
		OperState:        types.OperStateEnabled,
		AvailStatus:      types.AvailStatusAvailable,
	}
}

func controllerHost(name string, active bool) *types.Host {
	h := newHost(name, types.PersonalityController)
	h.OpenStackCompute = false
	h.ActiveController = active
	return h
}

func aioHost(name string, active bool) *types.Host {
	h := newHost(name, types.PersonalityController, types.PersonalityWorker)
	h.ActiveController = active
	return h
}

func storageHost(name, peerGroup string) *types.Host {
	h := newHost(name, types.PersonalityStorage)
	h.OpenStackCompute = false
	h.PeerGroup = peerGroup
	return h
}

func workerHost(name string) *types.Host {
	return newHost(name, types.PersonalityWorker)
}

func workerHosts(n int) []*types.Host {
	hosts := make([]*types.Host, 0, n)
	for i := 0; i < n; i++ {
		hosts = append(hosts, workerHost(fmt.Sprintf("compute-%d", i)))
	}
	return hosts
}

func newInstance(uuid, name, host string) *types.Instance {
	return &types.Instance{
		UUID:                 uuid,
		Name:                 name,
		HostName:             host,
		AdminState:           types.AdminStateUnlocked,
		OperState:            types.OperStateEnabled,
		LiveMigrationSupport: true,
	}
}

var (
	duplexSystem = types.SystemInfo{
		UUID:       "system-uuid",
		SystemType: types.SystemTypeStandard,
		SystemMode: types.SystemModeDuplex,
	}
	simplexSystem = types.SystemInfo{
		UUID:       "system-uuid",
		SystemType: types.SystemTypeAIO,
		SystemMode: types.SystemModeSimplex,
	}
)

// fleetSpec collects the parts of a test fleet
type fleetSpec struct {
	system     types.SystemInfo
	hosts      []*types.Host
	instances  []*types.Instance
	groups     []*types.InstanceGroup
	aggregates []*types.HostAggregate
}

func (f fleetSpec) snapshot() *fleet.Snapshot {
	system := f.system
	if system.UUID == "" {
		system = duplexSystem
	}
	return fleet.NewSnapshot(system, f.hosts, f.instances, f.groups, f.aggregates)
}

func (f fleetSpec) refs() *References {
	return &References{Fleet: f.snapshot()}
}

// storageSystem is two controllers, a storage pair and the given workers
func storageSystem(workers ...*types.Host) fleetSpec {
	hosts := []*types.Host{
		controllerHost("controller-0", true),
		controllerHost("controller-1", false),
		storageHost("storage-0", "group-0"),
		storageHost("storage-1", "group-0"),
	}
	return fleetSpec{hosts: append(hosts, workers...)}
}

func stageKinds(s *Stage) []StepKind {
	kinds := make([]StepKind, 0, len(s.Steps))
	for _, step := range s.Steps {
		kinds = append(kinds, step.Base().Name)
	}
	return kinds
}

func stageNames(p *Phase) []string {
	names := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		names = append(names, s.Name)
	}
	return names
}

// stepIndex returns the position of the first step of kind that targets
// host, or -1
func stepIndex(s *Stage, kind StepKind, host string) int {
	for i, step := range s.Steps {
		if step.Base().Name == kind && step.Base().hasHost(host) {
			return i
		}
	}
	return -1
}

func stageOf(p *Phase, host string) int {
	for i, s := range p.Stages {
		for _, h := range s.Hosts() {
			if h == host {
				return i
			}
		}
	}
	return -1
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// stepHarness runs steps against the fake platform. Callbacks are posted
// on a bus that is never started; Flush delivers them.
type stepHarness struct {
	world    *fake.World
	table    *fleet.Table
	bus      *events.Bus
	clock    *fakeClock
	env      *Env
	results  map[Step]Result
	reasons  map[Step]string
	running  map[Step]bool
	changes  int
	director *director.Director
}

func newStepHarness(t *testing.T, world *fake.World) *stepHarness {
	t.Helper()
	bus := events.NewBus(0)
	table := fleet.NewTable()
	bus.Subscribe(table.HandleEvent)
	dispatcher := fake.Dispatcher{Poster: bus}
	fleet.NewAuditor(world.Client(), table, bus, dispatcher, 0).Audit()
	bus.Flush()

	h := &stepHarness{
		world:   world,
		table:   table,
		bus:     bus,
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		results: map[Step]Result{},
		reasons: map[Step]string{},
		running: map[Step]bool{},
	}
	h.director = director.New(world.Client(), table, dispatcher, bus)
	strategy, err := New(KindSwPatch, Intent{}, h.clock.now)
	require.NoError(t, err)
	h.env = &Env{
		Director: h.director,
		Fleet:    table,
		Clock:    h.clock,
		Strategy: strategy,
		Logger:   zerolog.Nop(),
		OnComplete: func(s Step, result Result, reason, detail string) {
			s.Base().Finish(result, reason, detail, h.clock.now)
			delete(h.running, s)
			h.results[s] = result
			h.reasons[s] = reason
		},
		OnChange: func() { h.changes++ },
	}
	bus.Subscribe(func(e *events.Event) {
		for s := range h.running {
			s.HandleEvent(h.env, e)
		}
	})
	return h
}

// apply starts s and delivers everything the platform posts back
func (h *stepHarness) apply(s Step) Result {
	result, reason := s.Apply(h.env)
	if r, ok := h.results[s]; ok {
		return r
	}
	if result.IsFinal() {
		h.env.OnComplete(s, result, reason, "")
		return result
	}
	h.running[s] = true
	h.bus.Flush()
	return h.result(s)
}

// poll advances the clock and runs one audit poll of s
func (h *stepHarness) poll(s Step, d time.Duration) Result {
	h.clock.Advance(d)
	if h.running[s] {
		s.Poll(h.env, h.clock.now)
		h.bus.Flush()
	}
	return h.result(s)
}

func (h *stepHarness) result(s Step) Result {
	if r, ok := h.results[s]; ok {
		return r
	}
	return ResultWait
}
