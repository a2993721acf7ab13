package strategy

import (
	"fmt"
	"time"

	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/types"
)

// Stabilize and wait durations used by the host stage templates
const (
	stabilizeLocked     = 15 * time.Second
	stabilizeNoReboot   = 30 * time.Second
	stabilizeFwUnlock   = 60 * time.Second
	waitAlarmsTimeout   = 30 * time.Minute
	waitDataSyncTimeout = 2 * time.Hour
)

// CompileError is returned when the intent cannot be applied to the fleet.
// Reason is reported as the build phase reason.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string { return e.Reason }

func rejectf(format string, args ...any) error {
	return &CompileError{Reason: fmt.Sprintf(format, args...)}
}

// compiler carries the inputs of one apply phase compilation. It only
// reads the references.
type compiler struct {
	kind   Kind
	intent Intent
	refs   *References
	snap   *fleet.Snapshot
	filter AlarmFilter
	phase  *Phase
}

// CompileApply builds the apply phase of a strategy from the build phase
// references. The result only depends on its arguments.
func CompileApply(kind Kind, intent Intent, refs *References) (*Phase, error) {
	if refs == nil || refs.Fleet == nil {
		return nil, rejectf("fleet has not been queried")
	}
	c := &compiler{
		kind:   kind,
		intent: intent.WithDefaults(kind),
		refs:   refs,
		snap:   refs.Fleet,
		phase:  NewPhase(PhaseApply),
	}
	c.filter = alarmFilter(kind, c.intent)

	var err error
	switch kind {
	case KindFwUpdate:
		err = c.fwUpdate()
	case KindSwPatch:
		err = c.swPatch()
	case KindSwDeploy:
		err = c.swDeploy()
	case KindKubeUpgrade:
		err = c.kubeUpgrade()
	case KindKubeRootcaUpdate:
		err = c.kubeRootca()
	default:
		err = rejectf("unknown strategy kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	if c.phase.IsEmpty() {
		return nil, rejectf("no hosts require %s", kind)
	}
	return c.phase, nil
}

func alarmFilter(kind Kind, intent Intent) AlarmFilter {
	return AlarmFilter{
		Ignore:      IgnoreList(kind, intent.IgnoreAlarms),
		Restriction: intent.AlarmRestrictions,
	}
}

// waitFilter is the filter of the closing wait-alarms-clear steps
func (c *compiler) waitFilter() AlarmFilter {
	f := c.filter
	f.Conditional = conditionalIgnore[c.kind]
	return f
}

func (c *compiler) addStage(name string, steps ...Step) {
	c.phase.AddStage(NewStage(name, steps...))
}

// singleController reports whether the swact rule is skipped
func (c *compiler) singleController() bool {
	return c.intent.SingleController || c.snap.SingleController()
}

func (c *compiler) migrate() bool {
	return c.intent.DefaultInstanceAction == InstanceActionMigrate
}

// checkReboot applies the rejection rules to hosts that will be taken out
// of service
func (c *compiler) checkReboot(hosts []*types.Host) error {
	unlocked, loaded := false, false
	for _, h := range hosts {
		if h.IsLocked() {
			continue
		}
		unlocked = true
		if !c.snap.IsEmptyHost(h.Name) {
			loaded = true
		}
		for _, i := range c.snap.InstancesOnHost(h.Name) {
			if !i.IsLocked() {
				continue
			}
			for _, g := range c.snap.GroupsOf(i.UUID) {
				if g.IsAntiAffinity() {
					return rejectf("instance %s of anti-affinity group %s is locked and cannot be restarted",
						i.Name, g.Name)
				}
			}
		}
	}
	if !c.migrate() || !unlocked {
		return nil
	}
	if c.snap.System.IsSimplex() {
		return rejectf("cannot apply a reboot-required update with instance action migrate on a simplex system")
	}
	if loaded && c.snap.WorkerCount() < 2 {
		return rejectf("cannot migrate instances in a single worker host system")
	}
	return nil
}

// hostUpdate describes the update step a host stage performs
type hostUpdate struct {
	prefix string
	step   func(hosts []*types.Host) Step
	reboot func(h *types.Host) bool
}

func (u hostUpdate) split(hosts []*types.Host) (reboot, noReboot []*types.Host) {
	for _, h := range hosts {
		if u.reboot(h) {
			reboot = append(reboot, h)
		} else {
			noReboot = append(noReboot, h)
		}
	}
	return reboot, noReboot
}

// instanceSteps returns the steps that clear a host of running instances
// before it is locked and the steps that restore them after unlock
func (c *compiler) instanceSteps(hosts []*types.Host) (before, after []Step) {
	instances := stageInstances(c.snap, hosts)
	if len(instances) == 0 {
		return nil, nil
	}
	if c.migrate() {
		return []Step{
			NewDisableHostServicesStep(hosts, types.HostServiceCompute),
			NewMigrateInstancesStep(hosts, instances),
		}, nil
	}
	return []Step{NewStopInstancesStep(instances)}, []Step{NewStartInstancesStep(instances)}
}

// rebootStage takes hosts out of service around the update: instances are
// cleared, the hosts locked and updated, then unlocked
func (c *compiler) rebootStage(name string, u hostUpdate, hosts []*types.Host, swact bool, end Step) {
	stage := NewStage(name, NewQueryAlarmsStep(c.filter, true))
	if swact {
		stage.Add(NewSwactHostsStep(hosts))
	}
	before, after := c.instanceSteps(hosts)
	stage.Add(before...)
	stage.Add(
		NewLockHostsStep(hosts),
		u.step(hosts),
		NewSystemStabilizeStep(stabilizeLocked, hosts),
		NewUnlockHostsStep(hosts),
	)
	stage.Add(after...)
	stage.Add(end)
	c.phase.AddStage(stage)
}

// noRebootStage updates hosts in service
func (c *compiler) noRebootStage(name string, u hostUpdate, hosts []*types.Host) {
	c.addStage(name,
		NewQueryAlarmsStep(c.filter, true),
		u.step(hosts),
		NewSystemStabilizeStep(stabilizeNoReboot, hosts),
	)
}

// lockedStage updates hosts that are already locked and reboots them
func (c *compiler) lockedStage(name string, u hostUpdate, hosts []*types.Host) {
	c.addStage(name,
		NewQueryAlarmsStep(c.filter, true),
		u.step(hosts),
		NewSystemStabilizeStep(stabilizeLocked, hosts),
		NewRebootHostsStep(hosts),
		NewWaitAlarmsClearStep(waitAlarmsTimeout, c.waitFilter()),
	)
}

// hostStages walks controllers, storage then worker hosts, emitting the
// stages of an update applied host by host
func (c *compiler) hostStages(u hostUpdate, hosts []*types.Host) error {
	controllers, storage, workers := hostClasses(hosts)
	if c.intent.ControllerApplyType == ApplyIgnore {
		controllers = nil
	}
	if c.intent.StorageApplyType == ApplyIgnore {
		storage = nil
	}
	if c.intent.WorkerApplyType == ApplyIgnore {
		workers = nil
	}
	for _, class := range [][]*types.Host{controllers, storage, workers} {
		reboot, _ := u.split(class)
		if err := c.checkReboot(reboot); err != nil {
			return err
		}
	}

	c.controllerStages(u, controllers)
	c.storageStages(u, storage)
	c.workerStages(u, workers)
	return nil
}

func lockedHosts(hosts []*types.Host) (locked, unlocked []*types.Host) {
	for _, h := range hosts {
		if h.IsLocked() {
			locked = append(locked, h)
		} else {
			unlocked = append(unlocked, h)
		}
	}
	return locked, unlocked
}

func (c *compiler) controllerStages(u hostUpdate, hosts []*types.Host) {
	name := u.prefix + "-controllers"
	reboot, noReboot := u.split(orderControllers(hosts))
	for _, b := range batchPlain(c.snap, noReboot, stageLimit(c.intent.ControllerApplyType, len(noReboot))) {
		c.noRebootStage(name, u, b)
	}
	locked, unlocked := lockedHosts(reboot)
	for _, b := range batchPlain(c.snap, locked, 1) {
		c.lockedStage(name, u, b)
	}
	// Both controllers can never be locked at once
	for _, h := range unlocked {
		hosts := []*types.Host{h}
		swact := h.ActiveController && !c.singleController()
		c.rebootStage(name, u, hosts, swact, NewWaitAlarmsClearStep(waitAlarmsTimeout, c.waitFilter()))
	}
}

func (c *compiler) storageStages(u hostUpdate, hosts []*types.Host) {
	name := u.prefix + "-storage-hosts"
	reboot, noReboot := u.split(hosts)
	for _, b := range batchPlain(c.snap, noReboot, stageLimit(c.intent.StorageApplyType, len(noReboot))) {
		c.noRebootStage(name, u, b)
	}
	locked, unlocked := lockedHosts(reboot)
	for _, b := range batchStorage(c.snap, locked, c.intent.StorageApplyType) {
		c.lockedStage(name, u, b)
	}
	for _, b := range batchStorage(c.snap, unlocked, c.intent.StorageApplyType) {
		c.rebootStage(name, u, b, false, NewWaitDataSyncStep(waitDataSyncTimeout, c.waitFilter()))
	}
}

func (c *compiler) workerStages(u hostUpdate, hosts []*types.Host) {
	name := u.prefix + "-worker-hosts"
	limit := stageLimit(c.intent.WorkerApplyType, c.intent.MaxParallelWorkerHosts)
	reboot, noReboot := u.split(hosts)
	for _, b := range batchPlain(c.snap, noReboot, limit) {
		c.noRebootStage(name, u, b)
	}
	locked, unlocked := lockedHosts(reboot)
	for _, b := range batchPlain(c.snap, locked, limit) {
		c.lockedStage(name, u, b)
	}
	for _, b := range batchWorkers(c.snap, unlocked, limit) {
		c.rebootStage(name, u, b, false, NewWaitAlarmsClearStep(waitAlarmsTimeout, c.waitFilter()))
	}
}
