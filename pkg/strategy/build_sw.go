package strategy

import (
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

// Stage names of the software and firmware strategies
const (
	stageFwUpdateWorkers     = "fw-update-worker-hosts"
	stageFwUpdateControllers = "fw-update-controllers"
	stageSwDeployStart       = "sw-deploy-start"
	stageSwDeployAct         = "sw-deploy-activate"
	stageSwDeployDone        = "sw-deploy-complete"
)

// fwUpdate updates the device images of worker hosts with a pending
// firmware update. Firmware is written while the host is in service and
// takes effect on the lock/unlock cycle that follows. All-in-one
// controllers go one at a time, the active one last behind a swact.
func (c *compiler) fwUpdate() error {
	if c.intent.WorkerApplyType == ApplyIgnore {
		return nil
	}
	var hosts []*types.Host
	for _, h := range c.snap.Hosts {
		if !h.IsWorker() || h.DeviceImageUpdate != types.DeviceImageUpdatePending {
			continue
		}
		hosts = append(hosts, h)
	}
	if err := c.checkReboot(hosts); err != nil {
		return err
	}
	controllers, _, workers := hostClasses(hosts)

	u := hostUpdate{
		prefix: "fw-update",
		step:   func(hosts []*types.Host) Step { return NewFwUpdateHostsStep(hosts) },
	}
	locked, unlocked := lockedHosts(orderControllers(controllers))
	for _, b := range batchPlain(c.snap, locked, 1) {
		c.lockedStage(stageFwUpdateControllers, u, b)
	}
	for _, h := range unlocked {
		swact := h.ActiveController && !c.singleController()
		c.fwStage(stageFwUpdateControllers, []*types.Host{h}, swact)
	}

	limit := stageLimit(c.intent.WorkerApplyType, c.intent.MaxParallelWorkerHosts)
	locked, unlocked = lockedHosts(workers)
	for _, b := range batchPlain(c.snap, locked, limit) {
		c.lockedStage(stageFwUpdateWorkers, u, b)
	}
	for _, b := range batchWorkers(c.snap, unlocked, limit) {
		c.fwStage(stageFwUpdateWorkers, b, false)
	}
	return nil
}

func (c *compiler) fwStage(name string, hosts []*types.Host, swact bool) {
	stage := NewStage(name, NewQueryAlarmsStep(c.filter, true))
	if swact {
		stage.Add(NewSwactHostsStep(hosts))
	}
	stage.Add(NewFwUpdateHostsStep(hosts))
	before, after := c.instanceSteps(hosts)
	stage.Add(before...)
	stage.Add(
		NewLockHostsStep(hosts),
		NewSystemStabilizeStep(stabilizeLocked, hosts),
		NewUnlockHostsStep(hosts),
	)
	stage.Add(after...)
	stage.Add(NewSystemStabilizeStep(stabilizeFwUnlock, hosts))
	c.phase.AddStage(stage)
}

// swPatch applies patches to every host that is not patch current. The
// patch state query decides per host whether a reboot is needed.
func (c *compiler) swPatch() error {
	patches := make(map[string]nfvi.PatchHost, len(c.refs.PatchHosts))
	for _, ph := range c.refs.PatchHosts {
		patches[ph.HostName] = ph
	}

	var hosts []*types.Host
	reboot := map[string]bool{}
	for _, h := range c.snap.Hosts {
		current, failed, needsReboot := h.PatchCurrent, h.PatchFailed, h.PatchRebootNeeded
		if ph, ok := patches[h.Name]; ok {
			current, failed, needsReboot = ph.PatchCurrent, ph.PatchFailed, ph.RequiresReboot
		}
		if failed {
			return rejectf("host %s has a failed patch", h.Name)
		}
		if current {
			continue
		}
		hosts = append(hosts, h)
		reboot[h.Name] = needsReboot
	}

	return c.hostStages(hostUpdate{
		prefix: "sw-patch",
		step:   func(hosts []*types.Host) Step { return NewSwPatchHostsStep(hosts) },
		reboot: func(h *types.Host) bool { return reboot[h.Name] },
	}, hosts)
}

// swDeployProgress orders deployment states; the chain resumes after the
// last finished step
var swDeployProgress = map[types.SwDeployState]int{
	types.SwDeployStateNone:                 0,
	types.SwDeployStateStarting:             1,
	types.SwDeployStateStartFailed:          1,
	types.SwDeployStateStartDone:            2,
	types.SwDeployStateDeployingHosts:       3,
	types.SwDeployStateDeployingHostsFailed: 3,
	types.SwDeployStateDeployingHostsDone:   4,
	types.SwDeployStateActivating:           5,
	types.SwDeployStateActivateFailed:       5,
	types.SwDeployStateActivateDone:         6,
	types.SwDeployStateCompleting:           7,
	types.SwDeployStateCompleted:            8,
}

func (c *compiler) release(id string) (types.Release, bool) {
	for _, r := range c.refs.Releases {
		if r.ReleaseID == id {
			return r, true
		}
	}
	return types.Release{}, false
}

// swDeploy starts the deployment of a release, deploys it host by host,
// then activates and completes it. A deployment already in progress for
// the release is picked up where it stands.
func (c *compiler) swDeploy() error {
	id := c.intent.Release
	deploy := c.refs.SwDeploy
	rel, known := c.release(id)

	progress := 0
	rebootRequired := rel.RebootRequired
	if deploy != nil {
		if deploy.ReleaseID != id {
			return rejectf("software deployment of release %s is already in progress", deploy.ReleaseID)
		}
		p, ok := swDeployProgress[deploy.State]
		if !ok {
			return rejectf("software deployment of release %s is %s", id, deploy.State)
		}
		progress = p
		rebootRequired = deploy.RebootRequired
	} else {
		if !known {
			return rejectf("release %s is not available", id)
		}
		if rel.State == types.ReleaseStateDeployed || rel.State == types.ReleaseStateCommitted {
			return rejectf("release %s is already deployed", id)
		}
	}

	if progress < swDeployProgress[types.SwDeployStateStartDone] {
		c.addStage(stageSwDeployStart, NewSwDeployStartStep(id, c.intent.Force))
	}
	if progress < swDeployProgress[types.SwDeployStateDeployingHostsDone] {
		var hosts []*types.Host
		for _, h := range c.snap.Hosts {
			if h.IsLocked() {
				continue
			}
			if deploy != nil {
				if dh, ok := deploy.Host(h.Name); ok && dh.State == types.DeployHostStateDeployed {
					continue
				}
			}
			hosts = append(hosts, h)
		}
		err := c.hostStages(hostUpdate{
			prefix: "sw-deploy",
			step:   func(hosts []*types.Host) Step { return NewUpgradeHostsStep(hosts) },
			reboot: func(*types.Host) bool { return rebootRequired },
		}, hosts)
		if err != nil {
			return err
		}
	}
	if progress < swDeployProgress[types.SwDeployStateActivateDone] {
		c.addStage(stageSwDeployAct, NewSwDeployActivateStep(c.intent.ActivateRetries, c.intent.ActivateRetryDelay))
	}
	if progress < swDeployProgress[types.SwDeployStateCompleted] {
		c.addStage(stageSwDeployDone, NewSwDeployStateStep(StepSwDeployComplete))
	}
	return nil
}
