package director

import (
	"context"

	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
	corev1 "k8s.io/api/core/v1"
)

// ServicesTaint is put on a node whose container services are disabled
var ServicesTaint = corev1.Taint{
	Key:    "services",
	Value:  "disabled",
	Effect: corev1.TaintEffectNoExecute,
}

// Done is called on the bus loop once every request of an operation has
// been answered
type Done func(op *Operation)

func (d *Director) hostVerb(verb string, names []string, fn func(h *types.Host) entityCall, done Done) *Operation {
	return d.run(verb, names, d.hostCalls(names, fn), func(name string, _ nfvi.Response) {
		d.refreshHost(name)
	}, done)
}

// refreshHost re-reads a host after a successful request so the fleet
// table sees the backend's view without waiting for the next audit
func (d *Director) refreshHost(name string) {
	h := d.table.Host(name)
	if h == nil {
		return
	}
	d.dispatcher.Dispatch(func(ctx context.Context) nfvi.Response {
		return d.client.Infrastructure.GetHost(ctx, h.UUID)
	}, func(resp nfvi.Response) {
		if fresh, ok := nfvi.As[*types.Host](resp); ok && fresh != nil {
			d.publishHost(fresh)
		}
	})
}

// LockHosts locks each host; force locks even an active controller
func (d *Director) LockHosts(names []string, force bool, done Done) *Operation {
	return d.hostVerb("lock-hosts", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.LockHost(ctx, h.UUID, force)
		}
	}, done)
}

// UnlockHosts unlocks each host
func (d *Director) UnlockHosts(names []string, done Done) *Operation {
	return d.hostVerb("unlock-hosts", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.UnlockHost(ctx, h.UUID)
		}
	}, done)
}

// RebootHosts reboots each (locked) host
func (d *Director) RebootHosts(names []string, done Done) *Operation {
	return d.hostVerb("reboot-hosts", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.RebootHost(ctx, h.UUID)
		}
	}, done)
}

// SwactHosts moves the active services away from each controller
func (d *Director) SwactHosts(names []string, force bool, done Done) *Operation {
	return d.hostVerb("swact-hosts", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.SwactHost(ctx, h.UUID, force)
		}
	}, done)
}

// FwUpdateHosts starts the device image update on each host
func (d *Director) FwUpdateHosts(names []string, done Done) *Operation {
	return d.hostVerb("fw-update-hosts", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.FwUpdateHost(ctx, h.UUID)
		}
	}, done)
}

// FwUpdateAbortHosts aborts the device image update on each host
func (d *Director) FwUpdateAbortHosts(names []string, done Done) *Operation {
	return d.hostVerb("fw-update-abort-hosts", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.FwUpdateAbortHost(ctx, h.UUID)
		}
	}, done)
}

// PatchHosts installs the applied patches on each host
func (d *Director) PatchHosts(names []string, done Done) *Operation {
	return d.hostVerb("sw-patch-hosts", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Software.PatchHostInstall(ctx, h.Name)
		}
	}, done)
}

// DeployHosts deploys the release being rolled out on each host
func (d *Director) DeployHosts(names []string, done Done) *Operation {
	return d.hostVerb("upgrade-hosts", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Software.DeployHost(ctx, h.Name)
		}
	}, done)
}

// KubeHostCordon cordons each host ahead of its control plane upgrade
func (d *Director) KubeHostCordon(names []string, force bool, done Done) *Operation {
	return d.hostVerb("kube-host-cordon", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.KubeHostCordon(ctx, h.UUID, force)
		}
	}, done)
}

// KubeHostUncordon uncordons each host
func (d *Director) KubeHostUncordon(names []string, force bool, done Done) *Operation {
	return d.hostVerb("kube-host-uncordon", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.KubeHostUncordon(ctx, h.UUID, force)
		}
	}, done)
}

// KubeHostUpgradeControlPlane upgrades the control plane on each host
func (d *Director) KubeHostUpgradeControlPlane(names []string, force bool, done Done) *Operation {
	return d.hostVerb("kube-host-upgrade-control-plane", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.KubeHostUpgradeControlPlane(ctx, h.UUID, force)
		}
	}, done)
}

// KubeHostUpgradeKubelet upgrades the kubelet on each host
func (d *Director) KubeHostUpgradeKubelet(names []string, force bool, done Done) *Operation {
	return d.hostVerb("kube-host-upgrade-kubelet", names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.KubeHostUpgradeKubelet(ctx, h.UUID, force)
		}
	}, done)
}

// KubeRootcaUpdateHosts moves each host through one rootca phase
func (d *Director) KubeRootcaUpdateHosts(names []string, phase string, done Done) *Operation {
	return d.hostVerb("kube-rootca-update-host-"+phase, names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Infrastructure.KubeRootcaHostUpdate(ctx, h.UUID, phase)
		}
	}, done)
}

// DisableHostServices disables a service on each host: the nova-compute
// service for compute, a NoExecute taint for kubernetes and container
func (d *Director) DisableHostServices(names []string, service types.HostService, done Done) *Operation {
	return d.serviceVerb("disable-host-services", names, service, false, done)
}

// EnableHostServices reverses DisableHostServices
func (d *Director) EnableHostServices(names []string, service types.HostService, done Done) *Operation {
	return d.serviceVerb("enable-host-services", names, service, true, done)
}

func (d *Director) serviceVerb(verb string, names []string, service types.HostService, enable bool, done Done) *Operation {
	calls := d.hostCalls(names, func(h *types.Host) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.serviceCall(ctx, h, service, enable)
		}
	})

	state := types.ServiceStateEnabled
	if !enable {
		state = types.ServiceStateDisabled
	}

	return d.run(verb, names, calls, func(name string, _ nfvi.Response) {
		h := d.table.Host(name)
		if h == nil {
			return
		}
		if h.Services == nil {
			h.Services = make(map[types.HostService]types.ServiceState)
		}
		h.Services[service] = state
		d.table.UpsertHost(h)
		d.publishHost(h)
	}, func(op *Operation) {
		for _, name := range op.FailedEntities() {
			d.notifySeverity(name, nfvi.HostSeverityDegraded)
		}
		if enable && op.IsCompleted() {
			for _, name := range names {
				d.notifySeverity(name, nfvi.HostSeverityClear)
			}
		}
		if done != nil {
			done(op)
		}
	})
}

func (d *Director) serviceCall(ctx context.Context, h *types.Host, service types.HostService, enable bool) nfvi.Response {
	switch service {
	case types.HostServiceCompute:
		if !h.OpenStackCompute {
			return nfvi.Success(nil)
		}
		if enable {
			return d.client.Compute.EnableComputeService(ctx, h.Name)
		}
		return d.client.Compute.DisableComputeService(ctx, h.Name, "disabled by vim")
	case types.HostServiceKubernetes, types.HostServiceContainer:
		if enable {
			return d.client.Kube.UntaintNode(ctx, h.Name, ServicesTaint.Key, ServicesTaint.Effect)
		}
		return d.client.Kube.TaintNode(ctx, h.Name, ServicesTaint)
	}
	return nfvi.Failuref(nfvi.ErrorCodeRejected, "service %s cannot be changed on %s", service, h.Name)
}

// notifySeverity tells maintenance how the host's services fared; the
// outcome only matters to maintenance, so it is logged and dropped
func (d *Director) notifySeverity(name string, severity nfvi.HostSeverity) {
	h := d.table.Host(name)
	if h == nil {
		return
	}
	d.dispatcher.Dispatch(func(ctx context.Context) nfvi.Response {
		return d.client.Maintenance.NotifyHostSeverity(ctx, h.UUID, h.Name, severity)
	}, func(resp nfvi.Response) {
		if !resp.Completed {
			d.logger.Debug().Str("host", h.Name).Str("reason", resp.Reason).Msg("Host severity notification failed")
		}
	})
}
