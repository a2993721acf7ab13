package fake

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
	corev1 "k8s.io/api/core/v1"
)

func (w *World) QueryHost(ctx context.Context, uuid string) nfvi.Response {
	if resp, ok := w.begin("query_host", uuid); ok {
		return resp
	}
	defer w.mu.Unlock()
	if h := w.hostByUUID(uuid); h != nil {
		return nfvi.Success(h.Clone())
	}
	return notFound("host", uuid)
}

func (w *World) NotifyHostSeverity(ctx context.Context, uuid, hostName string, severity nfvi.HostSeverity) nfvi.Response {
	if resp, ok := w.begin("notify_host_severity", hostName); ok {
		return resp
	}
	defer w.mu.Unlock()
	w.severity[hostName] = severity
	return nfvi.Success(nil)
}

func (w *World) GetAlarms(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_alarms", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success(append([]types.Alarm{}, w.alarms...))
}

func (w *World) GetLogs(ctx context.Context, start, end time.Time) nfvi.Response {
	if resp, ok := w.begin("get_logs", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success([]nfvi.EventLog{})
}

func (w *World) GetAlarmHistory(ctx context.Context, start, end time.Time) nfvi.Response {
	if resp, ok := w.begin("get_alarm_history", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success([]nfvi.EventLog{})
}

func (w *World) GetReleases(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_releases", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success(append([]types.Release{}, w.releases...))
}

func (w *World) GetDeploy(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_deploy", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.deploy == nil {
		return nfvi.Success((*types.SwDeploy)(nil))
	}
	return nfvi.Success(w.deploy.Clone())
}

func (w *World) GetDeployHosts(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_deploy_hosts", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.deploy == nil {
		return nfvi.Success([]types.DeployHost{})
	}
	return nfvi.Success(append([]types.DeployHost{}, w.deploy.Hosts...))
}

func (w *World) DeployPrecheck(ctx context.Context, release string, force bool) nfvi.Response {
	if resp, ok := w.begin("sw_deploy_precheck", release); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.release(release) == nil {
		return notFound("release", release)
	}
	return nfvi.Success(w.precheck)
}

func (w *World) release(id string) *types.Release {
	for i := range w.releases {
		if w.releases[i].ReleaseID == id {
			return &w.releases[i]
		}
	}
	return nil
}

func (w *World) DeployStart(ctx context.Context, release string, force bool) nfvi.Response {
	if resp, ok := w.begin("sw_deploy_start", release); ok {
		return resp
	}
	defer w.mu.Unlock()
	rel := w.release(release)
	if rel == nil {
		return notFound("release", release)
	}
	if w.deploy != nil {
		return rejected("Deployment of %s already in progress", w.deploy.ReleaseID)
	}

	from := ""
	for _, r := range w.releases {
		if r.State == types.ReleaseStateDeployed {
			from = r.ReleaseID
		}
	}
	deploy := &types.SwDeploy{
		ReleaseID:      release,
		FromRelease:    from,
		ToRelease:      release,
		State:          types.SwDeployStateStartDone,
		RebootRequired: rel.RebootRequired,
	}
	for _, h := range w.sortedHosts() {
		deploy.Hosts = append(deploy.Hosts, types.DeployHost{HostName: h.Name, State: types.DeployHostStatePending})
	}
	rel.State = types.ReleaseStateDeploying
	w.deploy = deploy
	return nfvi.Success("Deploy start completed")
}

func (w *World) DeployHost(ctx context.Context, hostName string) nfvi.Response {
	if resp, ok := w.begin("sw_deploy_host", hostName); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.deploy == nil {
		return rejected("No deployment in progress")
	}
	done := true
	found := false
	for i := range w.deploy.Hosts {
		dh := &w.deploy.Hosts[i]
		if dh.HostName == hostName {
			dh.State = types.DeployHostStateDeployed
			found = true
		}
		if dh.State != types.DeployHostStateDeployed {
			done = false
		}
	}
	if !found {
		return notFound("deploy host", hostName)
	}
	w.deploy.State = types.SwDeployStateDeployingHosts
	if done {
		w.deploy.State = types.SwDeployStateDeployingHostsDone
	}
	return nfvi.Success("Host deployment started")
}

func (w *World) DeployActivate(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("sw_deploy_activate", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.deploy == nil {
		return rejected("No deployment in progress")
	}
	state := types.SwDeployStateActivateDone
	if len(w.activate) > 0 {
		state = w.activate[0]
		w.activate = w.activate[1:]
	}
	w.deploy.State = state
	return nfvi.Success("Deploy activate started")
}

func (w *World) DeployComplete(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("sw_deploy_complete", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.deploy == nil {
		return rejected("No deployment in progress")
	}
	w.deploy.State = types.SwDeployStateCompleted
	if rel := w.release(w.deploy.ReleaseID); rel != nil {
		rel.State = types.ReleaseStateDeployed
	}
	return nfvi.Success("Deploy completed")
}

func (w *World) DeployAbort(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("sw_deploy_abort", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.deploy == nil {
		return rejected("No deployment in progress")
	}
	w.deploy.State = types.SwDeployStateAborted
	return nfvi.Success("Deploy aborted")
}

func (w *World) DeployActivateRollback(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("sw_deploy_activate_rollback", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.deploy == nil {
		return rejected("No deployment in progress")
	}
	w.deploy.State = types.SwDeployStateDeployingHostsDone
	return nfvi.Success("Activate rollback completed")
}

func (w *World) QueryPatchHosts(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("query_patch_hosts", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	hosts := make([]nfvi.PatchHost, 0, len(w.patchHosts))
	for _, ph := range w.patchHosts {
		hosts = append(hosts, *ph)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].HostName < hosts[j].HostName })
	return nfvi.Success(hosts)
}

func (w *World) PatchHostInstall(ctx context.Context, hostName string) nfvi.Response {
	if resp, ok := w.begin("patch_host_install", hostName); ok {
		return resp
	}
	defer w.mu.Unlock()
	ph, ok := w.patchHosts[hostName]
	if !ok {
		return notFound("host", hostName)
	}
	ph.PatchCurrent = true
	ph.PatchFailed = false
	if h, ok := w.hosts[hostName]; ok {
		h.PatchCurrent = true
		h.PatchFailed = false
	}
	return nfvi.Success("Patch installation request sent")
}

func (w *World) GetInstances(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_instances", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	instances := make([]*types.Instance, 0, len(w.instances))
	for _, i := range w.instances {
		instances = append(instances, i.Clone())
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return nfvi.Success(instances)
}

func (w *World) GetInstance(ctx context.Context, uuid string) nfvi.Response {
	if resp, ok := w.begin("get_instance", uuid); ok {
		return resp
	}
	defer w.mu.Unlock()
	if i, ok := w.instances[uuid]; ok {
		return nfvi.Success(i.Clone())
	}
	return notFound("instance", uuid)
}

func (w *World) GetInstanceGroups(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_instance_groups", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	groups := make([]*types.InstanceGroup, 0, len(w.groups))
	for _, g := range w.groups {
		groups = append(groups, g.Clone())
	}
	return nfvi.Success(groups)
}

func (w *World) GetHostAggregates(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_host_aggregates", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	aggs := make([]*types.HostAggregate, 0, len(w.aggregates))
	for _, a := range w.aggregates {
		aggs = append(aggs, a.Clone())
	}
	return nfvi.Success(aggs)
}

func (w *World) instanceAction(name, uuid string, fn func(i *types.Instance) nfvi.Response) nfvi.Response {
	if resp, ok := w.begin(name, uuid); ok {
		return resp
	}
	defer w.mu.Unlock()
	i, ok := w.instances[uuid]
	if !ok {
		return notFound("instance", uuid)
	}
	return fn(i)
}

func (w *World) StartInstance(ctx context.Context, uuid string) nfvi.Response {
	return w.instanceAction("start_instance", uuid, func(i *types.Instance) nfvi.Response {
		i.AdminState = types.AdminStateUnlocked
		i.OperState = types.OperStateEnabled
		return nfvi.Success(uuid)
	})
}

func (w *World) StopInstance(ctx context.Context, uuid string) nfvi.Response {
	return w.instanceAction("stop_instance", uuid, func(i *types.Instance) nfvi.Response {
		i.AdminState = types.AdminStateLocked
		i.OperState = types.OperStateDisabled
		return nfvi.Success(uuid)
	})
}

// migrate moves the instance to the first other worker, by name, that
// can take instances
func (w *World) migrate(i *types.Instance) nfvi.Response {
	for _, h := range w.sortedHosts() {
		if h.Name == i.HostName || !h.IsWorker() || !h.IsUnlocked() || !h.IsEnabled() || !w.computeOn[h.Name] {
			continue
		}
		i.HostName = h.Name
		return nfvi.Success(i.UUID)
	}
	return rejected("No valid host was found for %s", i.Name)
}

func (w *World) LiveMigrateInstance(ctx context.Context, uuid string) nfvi.Response {
	return w.instanceAction("live_migrate_instance", uuid, w.migrate)
}

func (w *World) ColdMigrateInstance(ctx context.Context, uuid string) nfvi.Response {
	return w.instanceAction("cold_migrate_instance", uuid, w.migrate)
}

func (w *World) setComputeService(name, hostName string, enabled bool) nfvi.Response {
	if resp, ok := w.begin(name, hostName); ok {
		return resp
	}
	defer w.mu.Unlock()
	h, ok := w.hosts[hostName]
	if !ok {
		return notFound("compute service", hostName)
	}
	w.computeOn[hostName] = enabled
	if h.Services == nil {
		h.Services = map[types.HostService]types.ServiceState{}
	}
	h.Services[types.HostServiceCompute] = types.ServiceStateDisabled
	if enabled {
		h.Services[types.HostServiceCompute] = types.ServiceStateEnabled
	}
	return nfvi.Success(hostName)
}

func (w *World) EnableComputeService(ctx context.Context, hostName string) nfvi.Response {
	return w.setComputeService("enable_compute_service", hostName, true)
}

func (w *World) DisableComputeService(ctx context.Context, hostName, reason string) nfvi.Response {
	return w.setComputeService("disable_compute_service", hostName, false)
}

func (w *World) DeleteNode(ctx context.Context, nodeName string) nfvi.Response {
	if resp, ok := w.begin("delete_node", nodeName); ok {
		return resp
	}
	defer w.mu.Unlock()
	delete(w.taints, nodeName)
	return nfvi.Success(nodeName)
}

func (w *World) TaintNode(ctx context.Context, nodeName string, taint corev1.Taint) nfvi.Response {
	if resp, ok := w.begin("taint_node", nodeName); ok {
		return resp
	}
	defer w.mu.Unlock()
	for _, k := range w.taints[nodeName] {
		if k == taint.Key {
			return nfvi.Success(nodeName)
		}
	}
	w.taints[nodeName] = append(w.taints[nodeName], taint.Key)
	w.setKubeService(nodeName, types.ServiceStateDisabled)
	return nfvi.Success(nodeName)
}

func (w *World) UntaintNode(ctx context.Context, nodeName string, key string, effect corev1.TaintEffect) nfvi.Response {
	if resp, ok := w.begin("untaint_node", nodeName); ok {
		return resp
	}
	defer w.mu.Unlock()
	keys := w.taints[nodeName][:0]
	for _, k := range w.taints[nodeName] {
		if k != key {
			keys = append(keys, k)
		}
	}
	w.taints[nodeName] = keys
	w.setKubeService(nodeName, types.ServiceStateEnabled)
	return nfvi.Success(nodeName)
}

func (w *World) setKubeService(nodeName string, state types.ServiceState) {
	h, ok := w.hosts[nodeName]
	if !ok {
		return
	}
	if h.Services == nil {
		h.Services = map[types.HostService]types.ServiceState{}
	}
	h.Services[types.HostServiceKubernetes] = state
}

func (w *World) MarkAllPodsNotReady(ctx context.Context, nodeName, reason string) nfvi.Response {
	if resp, ok := w.begin("mark_all_pods_not_ready", nodeName); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success([]string{})
}

func (w *World) GetTerminatingPods(ctx context.Context, nodeName string) nfvi.Response {
	if resp, ok := w.begin("get_terminating_pods", nodeName); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success([]string{})
}

func (w *World) ListHostCRDs(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("list_host_crds", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	crds := make([]nfvi.HostCRD, 0, len(w.hostCRDs))
	for _, c := range w.hostCRDs {
		crds = append(crds, c)
	}
	sort.Slice(crds, func(i, j int) bool { return crds[i].Name < crds[j].Name })
	return nfvi.Success(crds)
}

func (w *World) GetHostCRD(ctx context.Context, name string) nfvi.Response {
	if resp, ok := w.begin("get_host_crd", name); ok {
		return resp
	}
	defer w.mu.Unlock()
	if c, ok := w.hostCRDs[name]; ok {
		return nfvi.Success(c)
	}
	return notFound("host resource", name)
}
