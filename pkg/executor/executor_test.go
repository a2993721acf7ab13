package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/vim/pkg/director"
	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/nfvi/fake"
	"github.com/cuemby/vim/pkg/storage"
	"github.com/cuemby/vim/pkg/strategy"
	"github.com/cuemby/vim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func host(name string, personalities ...types.Personality) *types.Host {
	return &types.Host{
		UUID:          name + "-uuid",
		Name:          name,
		Personalities: personalities,
		AdminState:    types.AdminStateUnlocked,
		OperState:     types.OperStateEnabled,
		AvailStatus:   types.AvailStatusAvailable,
	}
}

// fwWorld is a duplex system whose two workers have a firmware update
// pending
func fwWorld() *fake.World {
	w := fake.NewWorld()
	c0 := host("controller-0", types.PersonalityController)
	c0.ActiveController = true
	w.AddHost(c0)
	w.AddHost(host("controller-1", types.PersonalityController))
	for _, name := range []string{"compute-0", "compute-1"} {
		h := host(name, types.PersonalityWorker)
		h.OpenStackCompute = true
		h.DeviceImageUpdate = types.DeviceImageUpdatePending
		w.AddHost(h)
	}
	return w
}

type harness struct {
	t      *testing.T
	world  *fake.World
	store  *storage.BoltStore
	bus    *events.Bus
	clock  *fakeClock
	exec   *Executor
	closed bool
}

// newHarness wires an executor over the world with a store in dir. The
// bus is not started; tests drive it with Flush and Tick.
func newHarness(t *testing.T, world *fake.World, dir string, clock *fakeClock) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	bus := events.NewBus(0)
	table := fleet.NewTable()
	bus.Subscribe(table.HandleEvent)
	dispatcher := fake.Dispatcher{Poster: bus}
	fleet.NewAuditor(world.Client(), table, bus, dispatcher, 0).Audit()
	bus.Flush()

	h := &harness{
		t:     t,
		world: world,
		store: store,
		bus:   bus,
		clock: clock,
		exec:  New(store, bus, director.New(world.Client(), table, dispatcher, bus), table, clock),
	}
	t.Cleanup(h.close)
	require.NoError(t, h.exec.Start())
	bus.Flush()
	return h
}

func (h *harness) close() {
	if !h.closed {
		h.closed = true
		h.store.Close()
	}
}

func (h *harness) current() *strategy.Strategy {
	h.t.Helper()
	s, err := h.exec.Current()
	require.NoError(h.t, err)
	return s
}

// drive delivers callbacks and advances time until the strategy stops
// running
func (h *harness) drive() *strategy.Strategy {
	h.t.Helper()
	for i := 0; i < 200; i++ {
		h.bus.Flush()
		s := h.current()
		if !s.State.IsInProgress() {
			return s
		}
		h.clock.Advance(30 * time.Second)
		h.bus.Tick()
	}
	h.t.Fatal("strategy did not settle")
	return nil
}

// built creates a strategy and runs its build phase
func (h *harness) built(kind strategy.Kind, intent strategy.Intent) *strategy.Strategy {
	h.t.Helper()
	_, err := h.exec.Create(kind, intent)
	require.NoError(h.t, err)
	return h.drive()
}

func stepNames(stage *strategy.Stage) []strategy.StepKind {
	var out []strategy.StepKind
	for _, s := range stage.Steps {
		out = append(out, s.Base().Name)
	}
	return out
}

func TestBuildCompilesApplyPhase(t *testing.T) {
	h := newHarness(t, fwWorld(), t.TempDir(), newClock())

	s := h.built(strategy.KindFwUpdate, strategy.Intent{})
	require.Equal(t, strategy.StateReadyToApply, s.State)
	assert.Equal(t, strategy.ResultSuccess, s.BuildPhase.Result)
	assert.Equal(t, 100, s.BuildPhase.CompletionPercentage)
	require.Len(t, s.ApplyPhase.Stages, 2)
	assert.Equal(t, []string{"compute-0"}, s.ApplyPhase.Stages[0].Hosts())
	assert.Equal(t, []string{"compute-1"}, s.ApplyPhase.Stages[1].Hosts())
	assert.NotNil(t, s.References.Fleet.Host("compute-1"))

	rec, err := h.store.GetStrategy(s.UUID)
	require.NoError(t, err)
	assert.Equal(t, string(strategy.StateReadyToApply), rec.State)
	assert.Equal(t, string(strategy.KindFwUpdate), rec.Kind)
}

func TestBuildFailures(t *testing.T) {
	tests := []struct {
		name   string
		world  func() *fake.World
		reason string
	}{
		{
			name: "nothing to update",
			world: func() *fake.World {
				w := fwWorld()
				for _, name := range []string{"compute-0", "compute-1"} {
					w.UpdateHost(name, func(h *types.Host) { h.DeviceImageUpdate = types.DeviceImageUpdateNone })
				}
				return w
			},
			reason: "no hosts require fw-update",
		},
		{
			name: "blocking alarm",
			world: func() *fake.World {
				w := fwWorld()
				w.SetAlarms([]types.Alarm{{UUID: "a1", AlarmID: "100.101", Severity: types.AlarmSeverityMajor}})
				return w
			},
			reason: "active alarms present [ 100.101 ]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.world(), t.TempDir(), newClock())
			s := h.built(strategy.KindFwUpdate, strategy.Intent{})
			assert.Equal(t, strategy.StateBuildFailed, s.State)
			assert.Equal(t, strategy.ResultFailed, s.BuildPhase.Result)
			assert.Equal(t, tt.reason, s.BuildPhase.Reason)
			assert.True(t, s.ApplyPhase.IsEmpty())

			_, err := h.exec.Apply(strategy.KindFwUpdate, nil)
			assert.ErrorIs(t, err, ErrInvalidAction)
		})
	}
}

func TestCreateRejectsInvalidIntent(t *testing.T) {
	h := newHarness(t, fwWorld(), t.TempDir(), newClock())
	_, err := h.exec.Create(strategy.KindSwDeploy, strategy.Intent{})
	assert.ErrorIs(t, err, strategy.ErrInvalidIntent)

	_, err = h.exec.Current()
	assert.ErrorIs(t, err, ErrNoStrategy)
}

func TestApplyRunsToCompletion(t *testing.T) {
	h := newHarness(t, fwWorld(), t.TempDir(), newClock())
	h.built(strategy.KindFwUpdate, strategy.Intent{})

	s, err := h.exec.Apply(strategy.KindFwUpdate, nil)
	require.NoError(t, err)
	assert.Equal(t, strategy.StateApplying, s.State)

	s = h.drive()
	require.Equal(t, strategy.StateApplied, s.State)
	assert.Equal(t, strategy.ResultSuccess, s.ApplyPhase.Result)
	assert.Equal(t, 100, s.ApplyPhase.CompletionPercentage)
	assert.True(t, s.AbortPhase.IsEmpty())
	for _, stage := range s.ApplyPhase.Stages {
		assert.Equal(t, strategy.ResultSuccess, stage.Result)
	}
	for _, name := range []string{"compute-0", "compute-1"} {
		w := h.world.Host(name)
		assert.Equal(t, types.DeviceImageUpdateCompleted, w.DeviceImageUpdate, name)
		assert.True(t, w.IsUnlocked(), name)
	}
	assert.Equal(t, 2, h.world.CallCount("lock_host"))

	rec, err := h.store.GetStrategy(s.UUID)
	require.NoError(t, err)
	assert.Equal(t, string(strategy.StateApplied), rec.State)

	_, err = h.exec.Abort(strategy.KindFwUpdate)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestApplyFailureRunsAbortPhase(t *testing.T) {
	world := fwWorld()
	world.Fail("lock_host", nfvi.Failure(nfvi.ErrorCodeRejected, "lock rejected"))
	h := newHarness(t, world, t.TempDir(), newClock())
	h.built(strategy.KindFwUpdate, strategy.Intent{})

	_, err := h.exec.Apply(strategy.KindFwUpdate, nil)
	require.NoError(t, err)
	s := h.drive()

	require.Equal(t, strategy.StateAborted, s.State)
	assert.Equal(t, strategy.ResultFailed, s.ApplyPhase.Result)
	assert.Equal(t, "lock rejected", s.ApplyPhase.Reason)
	assert.Equal(t, strategy.ResultFailed, s.ApplyPhase.Stages[0].Result)
	assert.Equal(t, strategy.ResultInitial, s.ApplyPhase.Stages[1].Result)

	require.Len(t, s.AbortPhase.Stages, 1)
	abort := s.AbortPhase.Stages[0]
	assert.Equal(t, "abort-fw-update-worker-hosts", abort.Name)
	assert.Equal(t, []strategy.StepKind{strategy.StepUnlockHosts, strategy.StepFwUpdateAbortHosts}, stepNames(abort))
	assert.Equal(t, strategy.ResultSuccess, s.AbortPhase.Result)

	assert.Equal(t, types.DeviceImageUpdatePending, h.world.Host("compute-1").DeviceImageUpdate)
	assert.Equal(t, 1, h.world.CallCount("fw_update_abort_host"))
}

func TestAbortInterruptsWaitingStep(t *testing.T) {
	h := newHarness(t, fwWorld(), t.TempDir(), newClock())
	h.built(strategy.KindFwUpdate, strategy.Intent{})

	_, err := h.exec.Apply(strategy.KindFwUpdate, nil)
	require.NoError(t, err)
	h.bus.Flush()

	sum := h.current().Summarize()
	require.Equal(t, string(strategy.StepSystemStabilize), sum.Step)
	require.True(t, h.world.Host("compute-0").IsLocked())

	s, err := h.exec.Abort(strategy.KindFwUpdate)
	require.NoError(t, err)
	assert.Equal(t, strategy.StateAborting, s.State)

	s = h.drive()
	require.Equal(t, strategy.StateAborted, s.State)
	assert.Equal(t, strategy.ResultAborted, s.ApplyPhase.Result)
	assert.Equal(t, "aborted by user", s.ApplyPhase.Reason)
	stabilize := s.ApplyPhase.Stages[0].Steps[3].Base()
	assert.Equal(t, strategy.ResultAborted, stabilize.Result)

	assert.True(t, h.world.Host("compute-0").IsUnlocked())
	assert.Equal(t, types.DeviceImageUpdatePending, h.world.Host("compute-1").DeviceImageUpdate)
	assert.Equal(t, 1, h.world.CallCount("lock_host"))
}

func TestAbortWaitsForStepThatCannotBeInterrupted(t *testing.T) {
	world := fwWorld()
	world.Fail("lock_host", nfvi.Failure(nfvi.ErrorCodeRetryAfter, "busy"))
	h := newHarness(t, world, t.TempDir(), newClock())
	h.built(strategy.KindFwUpdate, strategy.Intent{})

	_, err := h.exec.Apply(strategy.KindFwUpdate, nil)
	require.NoError(t, err)
	h.bus.Flush()
	require.Equal(t, string(strategy.StepLockHosts), h.current().Summarize().Step)

	s, err := h.exec.Abort(strategy.KindFwUpdate)
	require.NoError(t, err)
	assert.Equal(t, strategy.StateApplying, s.State)

	// the retried lock completes, then the abort phase takes over
	h.clock.Advance(10 * time.Second)
	h.bus.Tick()
	s = h.drive()

	require.Equal(t, strategy.StateAborted, s.State)
	lock := s.ApplyPhase.Stages[0].Steps[2].Base()
	assert.Equal(t, strategy.StepLockHosts, lock.Name)
	assert.Equal(t, strategy.ResultSuccess, lock.Result)
	assert.Equal(t, "aborted by user", s.ApplyPhase.Reason)
	assert.Equal(t, 2, h.world.CallCount("lock_host"))
	assert.True(t, h.world.Host("compute-0").IsUnlocked())
}

func TestApplySingleStage(t *testing.T) {
	h := newHarness(t, fwWorld(), t.TempDir(), newClock())
	h.built(strategy.KindFwUpdate, strategy.Intent{})

	bad := 5
	_, err := h.exec.Apply(strategy.KindFwUpdate, &bad)
	assert.ErrorIs(t, err, ErrInvalidAction)

	first := 0
	_, err = h.exec.Apply(strategy.KindFwUpdate, &first)
	require.NoError(t, err)
	s := h.drive()

	require.Equal(t, strategy.StateReadyToApply, s.State)
	assert.Equal(t, 1, s.ApplyPhase.CurrentStage)
	assert.Equal(t, strategy.ResultSuccess, s.ApplyPhase.Stages[0].Result)
	assert.Equal(t, 50, s.ApplyPhase.CompletionPercentage)
	assert.Equal(t, types.DeviceImageUpdateCompleted, h.world.Host("compute-0").DeviceImageUpdate)
	assert.Equal(t, types.DeviceImageUpdatePending, h.world.Host("compute-1").DeviceImageUpdate)

	_, err = h.exec.Apply(strategy.KindFwUpdate, &first)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = h.exec.Apply(strategy.KindFwUpdate, nil)
	require.NoError(t, err)
	s = h.drive()
	assert.Equal(t, strategy.StateApplied, s.State)
	assert.Equal(t, types.DeviceImageUpdateCompleted, h.world.Host("compute-1").DeviceImageUpdate)
}

func TestAbortAfterPausedStage(t *testing.T) {
	h := newHarness(t, fwWorld(), t.TempDir(), newClock())
	s := h.built(strategy.KindFwUpdate, strategy.Intent{})

	_, err := h.exec.Abort(strategy.KindFwUpdate)
	assert.ErrorIs(t, err, ErrInvalidAction, "nothing has run yet")

	first := 0
	_, err = h.exec.Apply(strategy.KindFwUpdate, &first)
	require.NoError(t, err)
	h.drive()

	_, err = h.exec.Abort(strategy.KindFwUpdate)
	require.NoError(t, err)
	s = h.drive()

	require.Equal(t, strategy.StateAborted, s.State)
	require.Len(t, s.AbortPhase.Stages, 1)
	assert.Equal(t, []string{"compute-0"}, s.AbortPhase.Stages[0].Hosts())
	assert.Equal(t, strategy.ResultSuccess, s.AbortPhase.Result)
}

func TestResumeAfterRestart(t *testing.T) {
	world := fwWorld()
	dir := t.TempDir()
	clock := newClock()

	h := newHarness(t, world, dir, clock)
	h.built(strategy.KindFwUpdate, strategy.Intent{})
	_, err := h.exec.Apply(strategy.KindFwUpdate, nil)
	require.NoError(t, err)
	h.bus.Flush()

	before := h.current()
	step := before.ApplyPhase.CurrentStep().Base()
	require.Equal(t, strategy.StepSystemStabilize, step.Name)
	require.Equal(t, strategy.ResultWait, step.Result)
	deadline := step.Deadline
	h.close()

	clock.Advance(5 * time.Second)
	restarted := newHarness(t, world, dir, clock)
	after := restarted.current()
	assert.Equal(t, before.UUID, after.UUID)
	assert.Equal(t, strategy.StateApplying, after.State)
	resumed := after.ApplyPhase.CurrentStep().Base()
	assert.Equal(t, strategy.StepSystemStabilize, resumed.Name)
	assert.Equal(t, strategy.ResultWait, resumed.Result)
	assert.Equal(t, deadline, resumed.Deadline)

	s := restarted.drive()
	require.Equal(t, strategy.StateApplied, s.State)
	assert.Equal(t, 2, world.CallCount("fw_update_host"))
	assert.Equal(t, 2, world.CallCount("lock_host"))
}

func TestSingleStrategyRule(t *testing.T) {
	h := newHarness(t, fwWorld(), t.TempDir(), newClock())
	first := h.built(strategy.KindFwUpdate, strategy.Intent{})

	_, err := h.exec.Create(strategy.KindSwPatch, strategy.Intent{})
	assert.ErrorIs(t, err, ErrStrategyExists)
	_, err = h.exec.Get(strategy.KindSwPatch)
	assert.ErrorIs(t, err, ErrNoStrategy)

	got, err := h.exec.Get(strategy.KindFwUpdate)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, got.UUID)

	require.NoError(t, h.exec.Delete(strategy.KindFwUpdate, false))
	_, err = h.exec.Current()
	assert.ErrorIs(t, err, ErrNoStrategy)

	active, err := h.store.ListStrategies()
	require.NoError(t, err)
	assert.Empty(t, active)
	history, err := h.exec.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, first.UUID, history[0].UUID)
	assert.Equal(t, strategy.StateReadyToApply, history[0].State)

	second := h.built(strategy.KindFwUpdate, strategy.Intent{})
	assert.NotEqual(t, first.UUID, second.UUID)
}

func TestDeleteRunningStrategy(t *testing.T) {
	h := newHarness(t, fwWorld(), t.TempDir(), newClock())
	h.built(strategy.KindFwUpdate, strategy.Intent{})
	_, err := h.exec.Apply(strategy.KindFwUpdate, nil)
	require.NoError(t, err)

	err = h.exec.Delete(strategy.KindFwUpdate, false)
	assert.ErrorIs(t, err, ErrInvalidAction)

	require.NoError(t, h.exec.Delete(strategy.KindFwUpdate, true))
	// callbacks of the deleted strategy are dropped
	h.bus.Flush()
	_, err = h.exec.Current()
	assert.ErrorIs(t, err, ErrNoStrategy)
	assert.Equal(t, 0, h.world.CallCount("lock_host"))
}

func TestExecutorOnRunningBus(t *testing.T) {
	world := fwWorld()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	bus := events.NewBus(0)
	table := fleet.NewTable()
	bus.Subscribe(table.HandleEvent)
	dispatcher := fake.Dispatcher{Poster: bus}
	fleet.NewAuditor(world.Client(), table, bus, dispatcher, 0).Audit()
	bus.Flush()
	bus.Start()

	exec := New(store, bus, director.New(world.Client(), table, dispatcher, bus), table, newClock())
	require.NoError(t, exec.Start())

	_, err = exec.Create(strategy.KindFwUpdate, strategy.Intent{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := exec.Current()
		return err == nil && s.State == strategy.StateReadyToApply
	}, 2*time.Second, 10*time.Millisecond)

	bus.Stop()
	_, err = exec.Current()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestHostInUse(t *testing.T) {
	h := newHarness(t, fwWorld(), t.TempDir(), newClock())
	h.built(strategy.KindFwUpdate, strategy.Intent{})

	used, err := h.exec.HostInUse("compute-0")
	require.NoError(t, err)
	assert.False(t, used, "a strategy waiting to be applied holds no hosts")

	_, err = h.exec.Apply(strategy.KindFwUpdate, nil)
	require.NoError(t, err)
	for name, want := range map[string]bool{"compute-0": true, "compute-1": true, "controller-0": false} {
		used, err := h.exec.HostInUse(name)
		require.NoError(t, err)
		assert.Equal(t, want, used, name)
	}

	h.drive()
	used, err = h.exec.HostInUse("compute-0")
	require.NoError(t, err)
	assert.False(t, used)
}
