package strategy

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fwWorkers(n int) []*types.Host {
	hosts := workerHosts(n)
	for _, h := range hosts {
		h.DeviceImageUpdate = types.DeviceImageUpdatePending
	}
	return hosts
}

var fwEmptyShape = []StepKind{
	StepQueryAlarms, StepFwUpdateHosts, StepLockHosts, StepSystemStabilize, StepUnlockHosts, StepSystemStabilize,
}

func TestCompileFwUpdateSerial(t *testing.T) {
	refs := storageSystem(fwWorkers(4)...).refs()
	intent := Intent{WorkerApplyType: ApplySerial, MaxParallelWorkerHosts: 2}

	phase, err := CompileApply(KindFwUpdate, intent, refs)
	require.NoError(t, err)
	require.Len(t, phase.Stages, 4)
	for k, stage := range phase.Stages {
		assert.Equal(t, "fw-update-worker-hosts", stage.Name)
		assert.Equal(t, fwEmptyShape, stageKinds(stage))
		assert.Equal(t, []string{fmt.Sprintf("compute-%d", k)}, stage.Hosts())
		assert.Equal(t, 15, stage.Steps[3].Base().Timeout)
		assert.Equal(t, 60, stage.Steps[5].Base().Timeout)
	}
}

func TestCompileFwUpdateParallel(t *testing.T) {
	refs := storageSystem(fwWorkers(4)...).refs()
	intent := Intent{WorkerApplyType: ApplyParallel, MaxParallelWorkerHosts: 3}

	phase, err := CompileApply(KindFwUpdate, intent, refs)
	require.NoError(t, err)
	require.Len(t, phase.Stages, 2)
	assert.Equal(t, []string{"compute-0", "compute-1", "compute-2"}, phase.Stages[0].Steps[1].Base().EntityNames)
	assert.Equal(t, []string{"compute-3"}, phase.Stages[1].Steps[1].Base().EntityNames)
	for _, stage := range phase.Stages {
		assert.Equal(t, fwEmptyShape, stageKinds(stage))
	}
}

func TestCompileFwUpdateAggregatesMigrate(t *testing.T) {
	spec := fleetSpec{
		hosts: append([]*types.Host{
			controllerHost("controller-0", true),
			controllerHost("controller-1", false),
		}, fwWorkers(6)...),
		aggregates: []*types.HostAggregate{
			{Name: "agg-a", HostNames: []string{"compute-0", "compute-1", "compute-2"}},
			{Name: "agg-b", HostNames: []string{"compute-3", "compute-4", "compute-5"}},
		},
	}
	for i := 0; i < 5; i++ {
		spec.instances = append(spec.instances,
			newInstance(fmt.Sprintf("i-%d", i), fmt.Sprintf("vm-%d", i), fmt.Sprintf("compute-%d", i)))
	}
	intent := Intent{
		WorkerApplyType:        ApplyParallel,
		MaxParallelWorkerHosts: 4,
		DefaultInstanceAction:  InstanceActionMigrate,
	}

	phase, err := CompileApply(KindFwUpdate, intent, spec.refs())
	require.NoError(t, err)

	// An aggregate of three may only lose one member at a time, so the five
	// loaded hosts need three stages after the empty host
	require.Len(t, phase.Stages, 4)
	assert.Equal(t, []string{"compute-5"}, phase.Stages[0].Hosts())
	assert.Equal(t, fwEmptyShape, stageKinds(phase.Stages[0]))

	loadedShape := []StepKind{
		StepQueryAlarms, StepFwUpdateHosts, StepDisableHostServices, StepMigrateInstances,
		StepLockHosts, StepSystemStabilize, StepUnlockHosts, StepSystemStabilize,
	}
	assert.Equal(t, []string{"compute-0", "compute-3"}, phase.Stages[1].Hosts())
	assert.Equal(t, []string{"compute-1", "compute-4"}, phase.Stages[2].Hosts())
	assert.Equal(t, []string{"compute-2"}, phase.Stages[3].Hosts())
	for _, stage := range phase.Stages[1:] {
		assert.Equal(t, loadedShape, stageKinds(stage))
	}
	checkGrouping(t, phase, spec.snapshot())
}

func TestCompileFwUpdateEmptyHostsShareAggregate(t *testing.T) {
	spec := storageSystem(fwWorkers(4)...)
	spec.aggregates = []*types.HostAggregate{
		{Name: "agg-a", HostNames: []string{"compute-0", "compute-1", "compute-2", "compute-3"}},
	}
	intent := Intent{WorkerApplyType: ApplyParallel, MaxParallelWorkerHosts: 4}

	phase, err := CompileApply(KindFwUpdate, intent, spec.refs())
	require.NoError(t, err)

	// Empty hosts still take capacity out of their aggregate
	require.Len(t, phase.Stages, 2)
	assert.Equal(t, []string{"compute-0", "compute-1"}, phase.Stages[0].Hosts())
	assert.Equal(t, []string{"compute-2", "compute-3"}, phase.Stages[1].Hosts())
	for _, stage := range phase.Stages {
		assert.Equal(t, fwEmptyShape, stageKinds(stage))
	}
	checkGrouping(t, phase, spec.snapshot())
}

func TestCompileFwUpdateAIODuplex(t *testing.T) {
	spec := fleetSpec{
		system: types.SystemInfo{
			UUID:       "system-uuid",
			SystemType: types.SystemTypeAIO,
			SystemMode: types.SystemModeDuplex,
		},
		hosts: []*types.Host{
			aioHost("controller-0", true),
			aioHost("controller-1", false),
		},
		instances: []*types.Instance{
			newInstance("i-0", "vm-0", "controller-0"),
			newInstance("i-1", "vm-1", "controller-1"),
		},
	}
	spec.hosts = append(spec.hosts, fwWorkers(1)...)
	for _, h := range spec.hosts {
		h.DeviceImageUpdate = types.DeviceImageUpdatePending
	}
	intent := Intent{WorkerApplyType: ApplySerial, DefaultInstanceAction: InstanceActionMigrate}

	phase, err := CompileApply(KindFwUpdate, intent, spec.refs())
	require.NoError(t, err)
	require.Len(t, phase.Stages, 3)

	assert.Equal(t, []string{"fw-update-controllers", "fw-update-controllers", "fw-update-worker-hosts"},
		stageNames(phase))
	assert.Equal(t, []string{"controller-1"}, phase.Stages[0].Hosts())
	assert.Equal(t, []StepKind{
		StepQueryAlarms, StepFwUpdateHosts, StepDisableHostServices, StepMigrateInstances,
		StepLockHosts, StepSystemStabilize, StepUnlockHosts, StepSystemStabilize,
	}, stageKinds(phase.Stages[0]))

	// The active controller goes last, behind a swact
	assert.Equal(t, []string{"controller-0"}, phase.Stages[1].Hosts())
	assert.Equal(t, []StepKind{
		StepQueryAlarms, StepSwactHosts, StepFwUpdateHosts, StepDisableHostServices, StepMigrateInstances,
		StepLockHosts, StepSystemStabilize, StepUnlockHosts, StepSystemStabilize,
	}, stageKinds(phase.Stages[1]))

	assert.Equal(t, []string{"compute-0"}, phase.Stages[2].Hosts())
	assert.Equal(t, fwEmptyShape, stageKinds(phase.Stages[2]))
}

func TestCompileFwUpdateLockedHost(t *testing.T) {
	workers := fwWorkers(2)
	workers[1].AdminState = types.AdminStateLocked
	workers[1].OperState = types.OperStateDisabled

	phase, err := CompileApply(KindFwUpdate, Intent{}, storageSystem(workers...).refs())
	require.NoError(t, err)
	require.Len(t, phase.Stages, 2)
	assert.Equal(t, []string{"compute-1"}, phase.Stages[0].Hosts())
	assert.Equal(t, []StepKind{
		StepQueryAlarms, StepFwUpdateHosts, StepSystemStabilize, StepRebootHosts, StepWaitAlarmsClear,
	}, stageKinds(phase.Stages[0]))
}

func TestCompileFwUpdateNothingPending(t *testing.T) {
	_, err := CompileApply(KindFwUpdate, Intent{}, storageSystem(workerHosts(2)...).refs())
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "no hosts require fw-update", cerr.Reason)
}

// patchFleet is a storage system with eight workers, an anti-affinity
// group, two aggregates, a single-host aggregate and a locked worker
func patchFleet() fleetSpec {
	spec := storageSystem(workerHosts(8)...)
	spec.hosts = append(spec.hosts,
		storageHost("storage-2", "group-1"),
		storageHost("storage-3", "group-1"),
	)
	locked := workerHost("compute-8")
	locked.AdminState = types.AdminStateLocked
	locked.OperState = types.OperStateDisabled
	spec.hosts = append(spec.hosts, locked)

	for _, n := range []int{0, 1, 2, 3, 4, 5, 7} {
		spec.instances = append(spec.instances,
			newInstance(fmt.Sprintf("i-%d", n), fmt.Sprintf("vm-%d", n), fmt.Sprintf("compute-%d", n)))
	}
	spec.groups = []*types.InstanceGroup{{
		UUID:        "ag-uuid",
		Name:        "ag",
		Policies:    []string{types.PolicyAntiAffinity},
		MemberUUIDs: []string{"i-0", "i-1", "i-2"},
	}}
	spec.aggregates = []*types.HostAggregate{
		{Name: "agg-a", HostNames: []string{"compute-0", "compute-1", "compute-2", "compute-3"}},
		{Name: "agg-b", HostNames: []string{"compute-4", "compute-5"}},
		{Name: "agg-solo", HostNames: []string{"compute-7"}},
	}
	return spec
}

func patchRefs(spec fleetSpec, reboot bool) *References {
	refs := spec.refs()
	for _, h := range spec.hosts {
		refs.PatchHosts = append(refs.PatchHosts, nfvi.PatchHost{HostName: h.Name, RequiresReboot: reboot})
	}
	return refs
}

// checkGrouping asserts the per-stage grouping rules
func checkGrouping(t *testing.T, phase *Phase, snap *fleet.Snapshot) {
	t.Helper()
	for _, stage := range phase.Stages {
		hosts := stage.Hosts()

		members := map[string]int{}
		peers := map[string]int{}
		aggs := map[string]int{}
		for _, h := range hosts {
			for _, i := range snap.UnlockedInstancesOnHost(h) {
				for _, g := range snap.GroupsOf(i.UUID) {
					if g.IsAntiAffinity() {
						members[g.Name]++
					}
				}
			}
			for _, g := range snap.HostGroupsOf(h) {
				peers[g.Name]++
			}
			for _, a := range snap.AggregatesOf(h) {
				aggs[a.Name]++
			}
		}
		for g, n := range members {
			assert.LessOrEqual(t, n, 1, "anti-affinity group %s in stage %v", g, hosts)
		}
		for g, n := range peers {
			assert.LessOrEqual(t, n, 1, "storage group %s in stage %v", g, hosts)
		}
		for _, a := range snap.Aggregates {
			if len(a.HostNames) < 2 {
				continue
			}
			assert.LessOrEqual(t, aggs[a.Name], len(a.HostNames)/2, "aggregate %s in stage %v", a.Name, hosts)
		}
	}
}

// checkRebootSteps asserts that every rebooted host is locked around its
// update, or rebooted when it was locked to begin with
func checkRebootSteps(t *testing.T, phase *Phase, snap *fleet.Snapshot, update StepKind) {
	t.Helper()
	for _, stage := range phase.Stages {
		for _, h := range stage.Hosts() {
			idx := stepIndex(stage, update, h)
			if idx < 0 {
				continue
			}
			if snap.Host(h).IsLocked() {
				assert.Equal(t, -1, stepIndex(stage, StepLockHosts, h), h)
				assert.Equal(t, -1, stepIndex(stage, StepUnlockHosts, h), h)
				assert.Greater(t, stepIndex(stage, StepRebootHosts, h), idx, h)
				continue
			}
			lock := stepIndex(stage, StepLockHosts, h)
			unlock := stepIndex(stage, StepUnlockHosts, h)
			assert.GreaterOrEqual(t, lock, 0, h)
			assert.Less(t, lock, idx, h)
			assert.Greater(t, unlock, idx, h)
		}
	}
}

func TestCompileSwPatchInvariants(t *testing.T) {
	spec := patchFleet()
	intent := Intent{
		ControllerApplyType:    ApplySerial,
		StorageApplyType:       ApplyParallel,
		WorkerApplyType:        ApplyParallel,
		MaxParallelWorkerHosts: 4,
		DefaultInstanceAction:  InstanceActionStopStart,
	}

	phase, err := CompileApply(KindSwPatch, intent, patchRefs(spec, true))
	require.NoError(t, err)
	snap := spec.snapshot()

	checkGrouping(t, phase, snap)
	checkRebootSteps(t, phase, snap, StepSwPatchHosts)

	mate, active := stageOf(phase, "controller-1"), stageOf(phase, "controller-0")
	require.GreaterOrEqual(t, mate, 0)
	assert.Less(t, mate, active)
	activeStage := phase.Stages[active]
	swact := stepIndex(activeStage, StepSwactHosts, "controller-0")
	require.GreaterOrEqual(t, swact, 0)
	assert.Less(t, swact, stepIndex(activeStage, StepLockHosts, "controller-0"))
	assert.Equal(t, -1, stepIndex(phase.Stages[mate], StepSwactHosts, "controller-1"))

	// Single-host aggregate members are kept apart from the others
	solo := phase.Stages[stageOf(phase, "compute-7")]
	assert.Equal(t, []string{"compute-7"}, solo.Hosts())
	assert.Equal(t, stageOf(phase, "compute-7"), len(phase.Stages)-1)

	// Stop-start puts instances back after the unlock
	stage := phase.Stages[stageOf(phase, "compute-0")]
	assert.Equal(t, []string{"compute-0", "compute-3", "compute-4"}, stage.Steps[2].Base().EntityNames)
	assert.Equal(t, StepStopInstances, stage.Steps[1].Base().Name)
	assert.Equal(t, StepStartInstances, stage.Steps[len(stage.Steps)-2].Base().Name)
	assert.Equal(t, StepWaitAlarmsClear, stage.Steps[len(stage.Steps)-1].Base().Name)

	storage := phase.Stages[stageOf(phase, "storage-0")]
	assert.Equal(t, "sw-patch-storage-hosts", storage.Name)
	assert.Equal(t, StepWaitDataSync, storage.Steps[len(storage.Steps)-1].Base().Name)
}

func TestCompileSwPatchWorkerOrder(t *testing.T) {
	spec := patchFleet()
	intent := Intent{WorkerApplyType: ApplyParallel, MaxParallelWorkerHosts: 4}

	phase, err := CompileApply(KindSwPatch, intent, patchRefs(spec, true))
	require.NoError(t, err)

	var workers [][]string
	for _, stage := range phase.Stages {
		if stage.Name == "sw-patch-worker-hosts" {
			workers = append(workers, stage.Hosts())
		}
	}
	assert.Equal(t, [][]string{
		{"compute-8"},
		{"compute-6"},
		{"compute-0", "compute-3", "compute-4"},
		{"compute-1", "compute-5"},
		{"compute-2"},
		{"compute-7"},
	}, workers)
}

func TestCompileSwPatchNoReboot(t *testing.T) {
	spec := patchFleet()
	intent := Intent{WorkerApplyType: ApplyParallel, MaxParallelWorkerHosts: 5}

	phase, err := CompileApply(KindSwPatch, intent, patchRefs(spec, false))
	require.NoError(t, err)
	for _, stage := range phase.Stages {
		assert.Equal(t, []StepKind{StepQueryAlarms, StepSwPatchHosts, StepSystemStabilize}, stageKinds(stage))
	}
	// Grouping rules do not hold back in-service updates
	assert.Equal(t, "sw-patch-worker-hosts", phase.Stages[len(phase.Stages)-2].Name)
	assert.Len(t, phase.Stages[len(phase.Stages)-2].Hosts(), 5)
}

func TestCompileSwPatchSkipsCurrentHosts(t *testing.T) {
	spec := storageSystem(workerHosts(2)...)
	refs := patchRefs(spec, true)
	for i := range refs.PatchHosts {
		refs.PatchHosts[i].PatchCurrent = refs.PatchHosts[i].HostName != "compute-1"
	}

	phase, err := CompileApply(KindSwPatch, Intent{}, refs)
	require.NoError(t, err)
	require.Len(t, phase.Stages, 1)
	assert.Equal(t, []string{"compute-1"}, phase.Stages[0].Hosts())
}

func TestCompileDeterministic(t *testing.T) {
	intent := Intent{
		StorageApplyType:       ApplyParallel,
		WorkerApplyType:        ApplyParallel,
		MaxParallelWorkerHosts: 3,
	}
	first, err := CompileApply(KindSwPatch, intent, patchRefs(patchFleet(), true))
	require.NoError(t, err)
	second, err := CompileApply(KindSwPatch, intent, patchRefs(patchFleet(), true))
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCompileRejections(t *testing.T) {
	tests := []struct {
		name   string
		spec   func() fleetSpec
		intent Intent
		reason string
	}{
		{
			name: "migrate off the only worker",
			spec: func() fleetSpec {
				spec := fleetSpec{hosts: []*types.Host{
					controllerHost("controller-0", true),
					controllerHost("controller-1", false),
					workerHost("compute-0"),
				}}
				spec.instances = []*types.Instance{newInstance("i-0", "vm-0", "compute-0")}
				return spec
			},
			intent: Intent{DefaultInstanceAction: InstanceActionMigrate},
			reason: "cannot migrate instances in a single worker host system",
		},
		{
			name: "locked anti-affinity member",
			spec: func() fleetSpec {
				spec := storageSystem(workerHosts(2)...)
				locked := newInstance("i-0", "vm-0", "compute-0")
				locked.AdminState = types.AdminStateLocked
				spec.instances = []*types.Instance{locked, newInstance("i-1", "vm-1", "compute-1")}
				spec.groups = []*types.InstanceGroup{{
					UUID:        "ag-uuid",
					Name:        "ag",
					Policies:    []string{types.PolicyAntiAffinity},
					MemberUUIDs: []string{"i-0", "i-1"},
				}}
				return spec
			},
			reason: "instance vm-0 of anti-affinity group ag is locked and cannot be restarted",
		},
		{
			name: "migrate on simplex",
			spec: func() fleetSpec {
				return fleetSpec{system: simplexSystem, hosts: []*types.Host{aioHost("controller-0", true)}}
			},
			intent: Intent{DefaultInstanceAction: InstanceActionMigrate},
			reason: "cannot apply a reboot-required update with instance action migrate on a simplex system",
		},
		{
			name: "failed patch",
			spec: func() fleetSpec {
				spec := storageSystem(workerHosts(1)...)
				spec.hosts[4].PatchFailed = true
				return spec
			},
			reason: "host compute-0 has a failed patch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec()
			for _, h := range spec.hosts {
				if !h.PatchFailed {
					h.PatchRebootNeeded = true
				}
			}

			phase, err := CompileApply(KindSwPatch, tt.intent, spec.refs())
			assert.Nil(t, phase)
			var cerr *CompileError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.reason, cerr.Reason)
		})
	}
}

func TestCompileSimplexStopStart(t *testing.T) {
	spec := fleetSpec{system: simplexSystem, hosts: []*types.Host{aioHost("controller-0", true)}}
	spec.instances = []*types.Instance{newInstance("i-0", "vm-0", "controller-0")}

	phase, err := CompileApply(KindSwPatch, Intent{}, patchRefs(spec, true))
	require.NoError(t, err)
	require.Len(t, phase.Stages, 1)
	assert.Equal(t, "sw-patch-controllers", phase.Stages[0].Name)
	assert.Equal(t, []StepKind{
		StepQueryAlarms, StepStopInstances, StepLockHosts, StepSwPatchHosts, StepSystemStabilize,
		StepUnlockHosts, StepStartInstances, StepWaitAlarmsClear,
	}, stageKinds(phase.Stages[0]))
}

const testRelease = "starlingx-10.0.1"

func deployFleet() fleetSpec {
	return fleetSpec{hosts: []*types.Host{
		controllerHost("controller-0", true),
		controllerHost("controller-1", false),
		workerHost("compute-0"),
		workerHost("compute-1"),
	}}
}

func TestCompileSwDeploy(t *testing.T) {
	spec := deployFleet()
	refs := spec.refs()
	refs.Releases = []types.Release{{ReleaseID: testRelease, State: types.ReleaseStateAvailable, RebootRequired: true}}

	phase, err := CompileApply(KindSwDeploy, Intent{Release: testRelease}, refs)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sw-deploy-start",
		"sw-deploy-controllers",
		"sw-deploy-controllers",
		"sw-deploy-worker-hosts",
		"sw-deploy-worker-hosts",
		"sw-deploy-activate",
		"sw-deploy-complete",
	}, stageNames(phase))
	assert.Equal(t, []string{"controller-1"}, phase.Stages[1].Hosts())
	checkRebootSteps(t, phase, spec.snapshot(), StepUpgradeHosts)

	activate := phase.Stages[5].Steps[0].(*SwDeployActivateStep)
	assert.Equal(t, 120, activate.RetryDelay)
}

func TestCompileSwDeployResume(t *testing.T) {
	refs := deployFleet().refs()
	refs.SwDeploy = &types.SwDeploy{
		ReleaseID:      testRelease,
		State:          types.SwDeployStateDeployingHosts,
		RebootRequired: false,
		Hosts: []types.DeployHost{
			{HostName: "controller-0", State: types.DeployHostStatePending},
			{HostName: "controller-1", State: types.DeployHostStateDeployed},
			{HostName: "compute-0", State: types.DeployHostStateDeployed},
			{HostName: "compute-1", State: types.DeployHostStatePending},
		},
	}

	phase, err := CompileApply(KindSwDeploy, Intent{Release: testRelease}, refs)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sw-deploy-controllers",
		"sw-deploy-worker-hosts",
		"sw-deploy-activate",
		"sw-deploy-complete",
	}, stageNames(phase))
	assert.Equal(t, []string{"controller-0"}, phase.Stages[0].Hosts())
	assert.Equal(t, []StepKind{StepQueryAlarms, StepUpgradeHosts, StepSystemStabilize}, stageKinds(phase.Stages[0]))
	assert.Equal(t, []string{"compute-1"}, phase.Stages[1].Hosts())
}

func TestCompileSwDeployRejections(t *testing.T) {
	refs := deployFleet().refs()
	refs.SwDeploy = &types.SwDeploy{ReleaseID: "starlingx-9.0.2", State: types.SwDeployStateStartDone}
	_, err := CompileApply(KindSwDeploy, Intent{Release: testRelease}, refs)
	assert.EqualError(t, err, "software deployment of release starlingx-9.0.2 is already in progress")

	refs = deployFleet().refs()
	_, err = CompileApply(KindSwDeploy, Intent{Release: testRelease}, refs)
	assert.EqualError(t, err, "release starlingx-10.0.1 is not available")

	refs.Releases = []types.Release{{ReleaseID: testRelease, State: types.ReleaseStateDeployed}}
	_, err = CompileApply(KindSwDeploy, Intent{Release: testRelease}, refs)
	assert.EqualError(t, err, "release starlingx-10.0.1 is already deployed")
}

func kubeVersions() []types.KubeVersion {
	return []types.KubeVersion{
		{Version: "v1.28.4", State: types.KubeVersionStateActive},
		{Version: "v1.29.2", State: types.KubeVersionStateAvailable},
		{Version: "v1.30.6", State: types.KubeVersionStateAvailable},
		{Version: "v1.31.5", State: types.KubeVersionStateUnavailable},
	}
}

func TestCompileKubeUpgradeHops(t *testing.T) {
	refs := deployFleet().refs()
	refs.KubeVersions = kubeVersions()

	phase, err := CompileApply(KindKubeUpgrade, Intent{ToVersion: "v1.30.6"}, refs)
	require.NoError(t, err)

	hop := []string{
		"kube-upgrade-control-plane",
		"kube-upgrade-control-plane",
		"kube-upgrade-kubelets-controllers",
		"kube-upgrade-kubelets-controllers",
		"kube-upgrade-kubelets-workers",
		"kube-upgrade-kubelets-workers",
	}
	expected := []string{
		"kube-upgrade-start",
		"kube-upgrade-download-images",
		"kube-pre-application-update",
		"kube-upgrade-networking",
		"kube-upgrade-storage",
	}
	expected = append(expected, hop...)
	expected = append(expected, hop...)
	expected = append(expected, "kube-post-application-update", "kube-upgrade-complete", "kube-upgrade-cleanup")
	assert.Equal(t, expected, stageNames(phase))

	first := phase.Stages[5]
	assert.Equal(t, []string{"controller-1"}, first.Hosts())
	assert.Equal(t, []StepKind{StepKubeHostCordon, StepKubeHostUpgradeControlPlane, StepKubeHostUncordon}, stageKinds(first))
	assert.Equal(t, "v1.29.2", first.Steps[1].(*KubeHostStep).ToVersion)
	assert.Equal(t, "v1.30.6", phase.Stages[11].Steps[1].(*KubeHostStep).ToVersion)

	activeKubelet := phase.Stages[8]
	assert.Equal(t, []string{"controller-0"}, activeKubelet.Hosts())
	assert.Equal(t, []StepKind{StepQueryAlarms, StepSwactHosts, StepKubeHostUpgradeKubelet, StepSystemStabilize},
		stageKinds(activeKubelet))
}

func TestCompileKubeUpgradeResume(t *testing.T) {
	refs := deployFleet().refs()
	refs.KubeVersions = kubeVersions()
	refs.KubeUpgrade = &types.KubeUpgrade{
		State:       types.KubeUpgradeStateNetworkingUpgraded,
		FromVersion: "v1.28.4",
		ToVersion:   "v1.29.2",
	}
	refs.KubeHostUpgrades = []types.KubeHostUpgrade{
		{HostName: "controller-0", ControlPlaneVersion: "v1.28.4", KubeletVersion: "v1.28.4"},
		{HostName: "controller-1", ControlPlaneVersion: "v1.29.2", KubeletVersion: "v1.28.4"},
		{HostName: "compute-0", KubeletVersion: "v1.29.2"},
		{HostName: "compute-1", KubeletVersion: "v1.28.4"},
	}

	phase, err := CompileApply(KindKubeUpgrade, Intent{ToVersion: "v1.29.2"}, refs)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"kube-upgrade-storage",
		"kube-upgrade-control-plane",
		"kube-upgrade-kubelets-controllers",
		"kube-upgrade-kubelets-controllers",
		"kube-upgrade-kubelets-workers",
		"kube-post-application-update",
		"kube-upgrade-complete",
		"kube-upgrade-cleanup",
	}, stageNames(phase))
	assert.Equal(t, []string{"controller-0"}, phase.Stages[1].Hosts())
	assert.Equal(t, []string{"compute-1"}, phase.Stages[4].Hosts())
}

func TestCompileKubeUpgradeRejections(t *testing.T) {
	tests := []struct {
		name     string
		to       string
		existing *types.KubeUpgrade
		reason   string
	}{
		{name: "unknown version", to: "v1.31.5", reason: "kubernetes version v1.31.5 is not available"},
		{name: "already there", to: "v1.28.4", reason: "kubernetes is already at version v1.28.4"},
		{
			name:     "other upgrade",
			to:       "v1.30.6",
			existing: &types.KubeUpgrade{State: types.KubeUpgradeStateStarted, FromVersion: "v1.28.4", ToVersion: "v1.29.2"},
			reason:   "kubernetes upgrade to v1.29.2 is already in progress",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := deployFleet().refs()
			refs.KubeVersions = kubeVersions()
			refs.KubeUpgrade = tt.existing
			_, err := CompileApply(KindKubeUpgrade, Intent{ToVersion: tt.to}, refs)
			assert.EqualError(t, err, tt.reason)
		})
	}
}

func TestKubeHops(t *testing.T) {
	assert.Equal(t, []string{"v1.29.2", "v1.30.6"}, kubeHops(kubeVersions(), "v1.28.4", "v1.30.6"))
	assert.Equal(t, []string{"v1.29.2"}, kubeHops(kubeVersions(), "v1.28.4", "v1.29.2"))
	assert.Equal(t, []string{"v1.28.9"}, kubeHops(kubeVersions(), "v1.28.4", "v1.28.9"))
}

var rootcaChain = []string{
	"kube-rootca-update-start",
	"kube-rootca-update-cert",
	"kube-rootca-update-host-trustbothcas",
	"kube-rootca-update-pods-trustbothcas",
	"kube-rootca-update-host-updatecerts",
	"kube-rootca-update-host-trustnewca",
	"kube-rootca-update-pods-trustnewca",
	"kube-rootca-update-complete",
}

func TestCompileKubeRootcaSimplex(t *testing.T) {
	spec := fleetSpec{system: simplexSystem, hosts: []*types.Host{aioHost("controller-0", true)}}

	phase, err := CompileApply(KindKubeRootcaUpdate, Intent{}, spec.refs())
	require.NoError(t, err)
	assert.Equal(t, rootcaChain, stageNames(phase))
	assert.Equal(t, StepKubeRootcaGenerateCert, phase.Stages[1].Steps[0].Base().Name)
	for _, i := range []int{2, 4, 5} {
		assert.Equal(t, []string{"controller-0"}, phase.Stages[i].Hosts())
	}
}

func TestCompileKubeRootcaResume(t *testing.T) {
	tests := []struct {
		state types.KubeRootcaUpdateState
		first string
	}{
		{types.KubeRootcaUpdateStateStarted, "kube-rootca-update-cert"},
		{types.KubeRootcaUpdateStateCertUploaded, "kube-rootca-update-host-trustbothcas"},
		{types.KubeRootcaUpdateStateUpdatingHostUpdateCerts, "kube-rootca-update-host-updatecerts"},
		{types.KubeRootcaUpdateStateUpdatedPodsTrustNewCA, "kube-rootca-update-complete"},
		{types.KubeRootcaUpdateStateAborted, "kube-rootca-update-start"},
		{types.KubeRootcaUpdateStateComplete, "kube-rootca-update-start"},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			spec := fleetSpec{system: simplexSystem, hosts: []*types.Host{aioHost("controller-0", true)}}
			refs := spec.refs()
			refs.KubeRootca = &types.KubeRootcaUpdate{State: tt.state}

			phase, err := CompileApply(KindKubeRootcaUpdate, Intent{}, refs)
			require.NoError(t, err)
			assert.Equal(t, tt.first, phase.Stages[0].Name)
		})
	}
}

func TestCompileKubeRootcaUploadAndHostOrder(t *testing.T) {
	spec := deployFleet()
	phase, err := CompileApply(KindKubeRootcaUpdate, Intent{Cert: "-----BEGIN CERTIFICATE-----"}, spec.refs())
	require.NoError(t, err)

	cert := phase.Stages[1].Steps[0].(*KubeRootcaStep)
	assert.Equal(t, StepKubeRootcaUploadCert, cert.Name)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----", cert.Cert)

	var order []string
	for _, stage := range phase.Stages {
		if stage.Name == "kube-rootca-update-host-trustbothcas" {
			order = append(order, stage.Hosts()...)
		}
	}
	assert.Equal(t, []string{"controller-1", "controller-0", "compute-0", "compute-1"}, order)
}
