package strategy

import (
	"slices"
	"strings"

	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

// kubeHosts returns the unlocked kubernetes nodes: controllers, mate
// first, then workers
func (c *compiler) kubeHosts() (controllers, workers []*types.Host) {
	var unlocked []*types.Host
	for _, h := range c.snap.Hosts {
		if h.IsUnlocked() {
			unlocked = append(unlocked, h)
		}
	}
	controllers, _, workers = hostClasses(unlocked)
	return orderControllers(controllers), workers
}

// minorVersion returns the major.minor part of a kubernetes version
func minorVersion(v string) string {
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(parts) < 2 {
		return strings.Join(parts, ".")
	}
	return parts[0] + "." + parts[1]
}

// kubeHops lists the versions an upgrade from..to walks through, in order,
// ending with to
func kubeHops(versions []types.KubeVersion, from, to string) []string {
	var hops []string
	for _, v := range versions {
		if v.State == types.KubeVersionStateUnavailable {
			continue
		}
		if nfvi.CompareKubeVersions(v.Version, from) > 0 && nfvi.CompareKubeVersions(v.Version, to) <= 0 {
			hops = append(hops, v.Version)
		}
	}
	slices.SortFunc(hops, nfvi.CompareKubeVersions)
	hops = slices.Compact(hops)
	if len(hops) == 0 || hops[len(hops)-1] != to {
		hops = append(hops, to)
	}
	return hops
}

// kubeHostAt reports whether a host already runs version for the kind of
// upgrade
func (c *compiler) kubeHostAt(name, version string, kind StepKind) bool {
	for _, hu := range c.refs.KubeHostUpgrades {
		if hu.HostName != name {
			continue
		}
		current := hu.KubeletVersion
		if kind == StepKubeHostUpgradeControlPlane {
			current = hu.ControlPlaneVersion
		}
		return current != "" && nfvi.CompareKubeVersions(current, version) >= 0
	}
	return false
}

func (c *compiler) pendingKubeHosts(hosts []*types.Host, version string, kind StepKind) []*types.Host {
	var out []*types.Host
	for _, h := range hosts {
		if !c.kubeHostAt(h.Name, version, kind) {
			out = append(out, h)
		}
	}
	return out
}

// kubeUpgrade compiles the cluster-wide upgrade chain. Stages whose state
// the upgrade has already reached are left out, so a strategy created
// against a partially applied upgrade resumes it.
func (c *compiler) kubeUpgrade() error {
	to := c.intent.ToVersion
	up := c.refs.KubeUpgrade
	rank := 0
	from := ""
	if up != nil {
		if up.ToVersion != to {
			return rejectf("kubernetes upgrade to %s is already in progress", up.ToVersion)
		}
		rank = up.State.Rank()
		if rank < 0 {
			return rejectf("kubernetes upgrade to %s is %s", to, up.State)
		}
		from = up.FromVersion
	}

	known := false
	for _, v := range c.refs.KubeVersions {
		if v.Version == to && v.State != types.KubeVersionStateUnavailable {
			known = true
		}
		if from == "" && v.State == types.KubeVersionStateActive {
			from = v.Version
		}
	}
	if !known {
		return rejectf("kubernetes version %s is not available", to)
	}
	if from == "" {
		return rejectf("no active kubernetes version")
	}
	if up == nil && nfvi.CompareKubeVersions(to, from) <= 0 {
		return rejectf("kubernetes is already at version %s", from)
	}
	apps := minorVersion(from) != minorVersion(to)

	if rank < 1 {
		c.addStage(string(StepKubeUpgradeStart), NewKubeUpgradeStartStep(to, c.intent.Force, c.filter.Ignore))
	}
	for _, st := range []struct {
		kind StepKind
		rank int
		skip bool
	}{
		{StepKubeUpgradeDownloadImages, types.KubeUpgradeStateDownloadedImages.Rank(), false},
		{StepKubePreApplicationUpdate, types.KubeUpgradeStatePreUpdatedApps.Rank(), !apps},
		{StepKubeUpgradeNetworking, types.KubeUpgradeStateNetworkingUpgraded.Rank(), false},
		{StepKubeUpgradeStorage, types.KubeUpgradeStateStorageUpgraded.Rank(), false},
	} {
		if rank < st.rank && !st.skip {
			c.addStage(string(st.kind), NewKubeUpgradeStateStep(st.kind))
		}
	}

	controllers, workers := c.kubeHosts()
	if c.intent.WorkerApplyType == ApplyIgnore {
		workers = nil
	}
	limit := stageLimit(c.intent.WorkerApplyType, c.intent.MaxParallelWorkerHosts)
	for _, hop := range kubeHops(c.refs.KubeVersions, from, to) {
		for _, h := range c.pendingKubeHosts(controllers, hop, StepKubeHostUpgradeControlPlane) {
			hosts := []*types.Host{h}
			c.addStage("kube-upgrade-control-plane",
				NewKubeHostStep(StepKubeHostCordon, hosts, hop, c.intent.Force),
				NewKubeHostStep(StepKubeHostUpgradeControlPlane, hosts, hop, c.intent.Force),
				NewKubeHostStep(StepKubeHostUncordon, hosts, hop, c.intent.Force),
			)
		}
		for _, h := range c.pendingKubeHosts(controllers, hop, StepKubeHostUpgradeKubelet) {
			hosts := []*types.Host{h}
			stage := NewStage("kube-upgrade-kubelets-controllers", NewQueryAlarmsStep(c.filter, true))
			if h.ActiveController && !c.singleController() {
				stage.Add(NewSwactHostsStep(hosts))
			}
			stage.Add(
				NewKubeHostStep(StepKubeHostUpgradeKubelet, hosts, hop, c.intent.Force),
				NewSystemStabilizeStep(stabilizeNoReboot, hosts),
			)
			c.phase.AddStage(stage)
		}
		pending := c.pendingKubeHosts(workers, hop, StepKubeHostUpgradeKubelet)
		for _, b := range batchPlain(c.snap, pending, limit) {
			c.addStage("kube-upgrade-kubelets-workers",
				NewQueryAlarmsStep(c.filter, true),
				NewKubeHostStep(StepKubeHostUpgradeKubelet, b, hop, c.intent.Force),
				NewSystemStabilizeStep(stabilizeNoReboot, b),
			)
		}
	}

	if apps && rank < types.KubeUpgradeStatePostUpdatedApps.Rank() {
		c.addStage(string(StepKubePostApplicationUpdate), NewKubeUpgradeStateStep(StepKubePostApplicationUpdate))
	}
	if rank < types.KubeUpgradeStateComplete.Rank() {
		c.addStage(string(StepKubeUpgradeComplete), NewKubeUpgradeStateStep(StepKubeUpgradeComplete))
	}
	c.addStage(string(StepKubeUpgradeCleanup), NewKubeUpgradeCleanupStep())
	return nil
}

// Stage names of the rootca update chain
const (
	stageRootcaStart           = "kube-rootca-update-start"
	stageRootcaCert            = "kube-rootca-update-cert"
	stageRootcaHostTrustBoth   = "kube-rootca-update-host-trustbothcas"
	stageRootcaPodsTrustBoth   = "kube-rootca-update-pods-trustbothcas"
	stageRootcaHostUpdateCerts = "kube-rootca-update-host-updatecerts"
	stageRootcaHostTrustNew    = "kube-rootca-update-host-trustnewca"
	stageRootcaPodsTrustNew    = "kube-rootca-update-pods-trustnewca"
	stageRootcaComplete        = "kube-rootca-update-complete"
)

// kubeRootca compiles the root CA rotation. Each phase is a stage; hosts
// go through the per-host phases one stage each. Phases the update has
// finished are left out; a completed update starts over.
func (c *compiler) kubeRootca() error {
	current, done := rootcaProgress(c.refs.KubeRootca)
	if current == types.KubeRootcaPhaseComplete {
		current = types.KubeRootcaPhaseNone
	}
	emit := func(p types.KubeRootcaPhase) bool {
		return p > current || (p == current && !done)
	}

	if emit(types.KubeRootcaPhaseStarted) {
		start := NewKubeRootcaStep(StepKubeRootcaUpdateStart)
		start.Force = c.intent.Force
		start.AlarmIgnore = c.filter.Ignore
		c.addStage(stageRootcaStart, start)
	}
	if emit(types.KubeRootcaPhaseCertReady) {
		var cert *KubeRootcaStep
		if c.intent.Cert != "" {
			cert = NewKubeRootcaStep(StepKubeRootcaUploadCert)
			cert.Cert = c.intent.Cert
		} else {
			cert = NewKubeRootcaStep(StepKubeRootcaGenerateCert)
			cert.Expiry = c.intent.Expiry
			cert.Subject = c.intent.Subject
		}
		c.addStage(stageRootcaCert, cert)
	}

	controllers, workers := c.kubeHosts()
	hosts := slices.Concat(controllers, workers)
	hostPhase := func(p types.KubeRootcaPhase, stage string, kind StepKind) {
		if !emit(p) {
			return
		}
		for _, h := range hosts {
			c.addStage(stage, NewKubeRootcaHostsStep(kind, []*types.Host{h}))
		}
	}
	podsPhase := func(p types.KubeRootcaPhase, stage string, kind StepKind) {
		if emit(p) {
			c.addStage(stage, NewKubeRootcaStep(kind))
		}
	}

	hostPhase(types.KubeRootcaPhaseHostTrustBothCAs, stageRootcaHostTrustBoth, StepKubeRootcaHostTrustBothCAs)
	podsPhase(types.KubeRootcaPhasePodsTrustBothCAs, stageRootcaPodsTrustBoth, StepKubeRootcaPodsTrustBothCAs)
	hostPhase(types.KubeRootcaPhaseHostUpdateCerts, stageRootcaHostUpdateCerts, StepKubeRootcaHostUpdateCerts)
	hostPhase(types.KubeRootcaPhaseHostTrustNewCA, stageRootcaHostTrustNew, StepKubeRootcaHostTrustNewCA)
	podsPhase(types.KubeRootcaPhasePodsTrustNewCA, stageRootcaPodsTrustNew, StepKubeRootcaPodsTrustNewCA)
	podsPhase(types.KubeRootcaPhaseComplete, stageRootcaComplete, StepKubeRootcaUpdateComplete)
	return nil
}
