package fake

import (
	"context"
	"strings"

	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

func (w *World) GetSystemInfo(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_system_info", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success(w.system)
}

func (w *World) GetHosts(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_hosts", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success(w.sortedHosts())
}

func (w *World) GetHost(ctx context.Context, uuid string) nfvi.Response {
	if resp, ok := w.begin("get_host", uuid); ok {
		return resp
	}
	defer w.mu.Unlock()
	if h := w.hostByUUID(uuid); h != nil {
		return nfvi.Success(h.Clone())
	}
	return notFound("host", uuid)
}

func (w *World) GetHostLabels(ctx context.Context, uuid string) nfvi.Response {
	if resp, ok := w.begin("get_host_labels", uuid); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success(map[string]string{})
}

func (w *World) GetHostDevices(ctx context.Context, uuid string) nfvi.Response {
	if resp, ok := w.begin("get_host_devices", uuid); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success([]nfvi.HostDevice{})
}

func (w *World) GetDataNetworks(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_datanetworks", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success([]nfvi.DataNetwork{})
}

// hostAction applies fn to the host under the lock
func (w *World) hostAction(name, uuid string, fn func(h *types.Host) nfvi.Response) nfvi.Response {
	if resp, ok := w.begin(name, w.hostName(uuid)); ok {
		return resp
	}
	defer w.mu.Unlock()
	h := w.hostByUUID(uuid)
	if h == nil {
		return notFound("host", uuid)
	}
	if resp := fn(h); !resp.Completed {
		return resp
	}
	return nfvi.Success(h.Clone())
}

func (w *World) LockHost(ctx context.Context, uuid string, force bool) nfvi.Response {
	return w.hostAction("lock_host", uuid, func(h *types.Host) nfvi.Response {
		if h.ActiveController && !force {
			return rejected("Can not lock an active controller")
		}
		h.AdminState = types.AdminStateLocked
		h.OperState = types.OperStateDisabled
		h.AvailStatus = types.AvailStatusOnline
		return nfvi.Success(nil)
	})
}

func (w *World) UnlockHost(ctx context.Context, uuid string) nfvi.Response {
	return w.hostAction("unlock_host", uuid, func(h *types.Host) nfvi.Response {
		h.AdminState = types.AdminStateUnlocked
		h.OperState = types.OperStateEnabled
		h.AvailStatus = types.AvailStatusAvailable
		h.Uptime = 0
		if h.PatchRebootNeeded {
			h.PatchRebootNeeded = false
		}
		return nfvi.Success(nil)
	})
}

func (w *World) RebootHost(ctx context.Context, uuid string) nfvi.Response {
	return w.hostAction("reboot_host", uuid, func(h *types.Host) nfvi.Response {
		if h.IsUnlocked() {
			return rejected("Can not reboot an unlocked host")
		}
		h.Uptime = 0
		h.PatchRebootNeeded = false
		return nfvi.Success(nil)
	})
}

func (w *World) SwactHost(ctx context.Context, uuid string, force bool) nfvi.Response {
	return w.hostAction("swact_host", uuid, func(h *types.Host) nfvi.Response {
		if !h.IsController() {
			return rejected("Swact action not allowed for non controller host")
		}
		if !h.ActiveController {
			return nfvi.Success(nil)
		}
		for _, mate := range w.hosts {
			if mate.Name != h.Name && mate.IsController() && mate.IsUnlocked() && mate.IsEnabled() {
				mate.ActiveController = true
				h.ActiveController = false
				return nfvi.Success(nil)
			}
		}
		return rejected("Swact rejected: no standby controller available")
	})
}

func (w *World) FwUpdateHost(ctx context.Context, uuid string) nfvi.Response {
	return w.hostAction("fw_update_host", uuid, func(h *types.Host) nfvi.Response {
		if h.DeviceImageUpdate != types.DeviceImageUpdatePending && h.DeviceImageUpdate != types.DeviceImageUpdateFailed {
			return rejected("No device image update pending for %s", h.Name)
		}
		h.DeviceImageUpdate = types.DeviceImageUpdateCompleted
		return nfvi.Success(nil)
	})
}

func (w *World) FwUpdateAbortHost(ctx context.Context, uuid string) nfvi.Response {
	return w.hostAction("fw_update_abort_host", uuid, func(h *types.Host) nfvi.Response {
		if h.DeviceImageUpdate == types.DeviceImageUpdateInProgress {
			h.DeviceImageUpdate = types.DeviceImageUpdateInProgressAborted
		} else if h.DeviceImageUpdate != types.DeviceImageUpdateCompleted {
			h.DeviceImageUpdate = types.DeviceImageUpdateNone
		}
		return nfvi.Success(nil)
	})
}

func (w *World) GetKubeVersions(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_kube_versions", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	return nfvi.Success(append([]types.KubeVersion(nil), w.kubeVersions...))
}

func (w *World) GetKubeUpgrade(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_kube_upgrade", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.kubeUpgrade == nil {
		return nfvi.Success((*types.KubeUpgrade)(nil))
	}
	return nfvi.Success(w.kubeUpgrade.Clone())
}

func (w *World) GetKubeHostUpgrades(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_kube_host_upgrades", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.kubeUpgrade == nil {
		return nfvi.Success([]types.KubeHostUpgrade{})
	}
	return nfvi.Success(append([]types.KubeHostUpgrade(nil), w.kubeUpgrade.Hosts...))
}

func (w *World) KubeUpgradeStart(ctx context.Context, toVersion string, force bool, alarmIgnore []string) nfvi.Response {
	if resp, ok := w.begin("kube_upgrade_start", toVersion); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.kubeUpgrade != nil {
		return rejected("A kubernetes upgrade is already in progress")
	}
	from := ""
	for _, v := range w.kubeVersions {
		if v.State == types.KubeVersionStateActive {
			from = v.Version
		}
	}
	upgrade := &types.KubeUpgrade{
		UUID:        "kube-upgrade-uuid",
		State:       types.KubeUpgradeStateStarted,
		FromVersion: from,
		ToVersion:   toVersion,
	}
	for _, h := range w.sortedHosts() {
		if h.IsController() || h.IsWorker() {
			upgrade.Hosts = append(upgrade.Hosts, types.KubeHostUpgrade{
				HostName:            h.Name,
				ControlPlaneVersion: from,
				KubeletVersion:      from,
			})
		}
	}
	w.kubeUpgrade = upgrade
	return nfvi.Success(upgrade.Clone())
}

// kubeCompleted maps a requested transitional state to the state the
// platform reaches when it finishes
var kubeCompleted = map[types.KubeUpgradeState]types.KubeUpgradeState{
	types.KubeUpgradeStateDownloadingImages:   types.KubeUpgradeStateDownloadedImages,
	types.KubeUpgradeStatePreUpdatingApps:     types.KubeUpgradeStatePreUpdatedApps,
	types.KubeUpgradeStateNetworkingUpgrading: types.KubeUpgradeStateNetworkingUpgraded,
	types.KubeUpgradeStateStorageUpgrading:    types.KubeUpgradeStateStorageUpgraded,
	types.KubeUpgradeStatePostUpdatingApps:    types.KubeUpgradeStatePostUpdatedApps,
	types.KubeUpgradeStateUpgradingKubelets:   types.KubeUpgradeStateUpgradingKubelets,
	types.KubeUpgradeStateComplete:            types.KubeUpgradeStateComplete,
	types.KubeUpgradeStateAborting:            types.KubeUpgradeStateAborted,
}

func (w *World) KubeUpgradeSetState(ctx context.Context, state types.KubeUpgradeState) nfvi.Response {
	if resp, ok := w.begin("kube_upgrade_set_state", string(state)); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.kubeUpgrade == nil {
		return rejected("No kubernetes upgrade in progress")
	}
	result, ok := w.kubeResults[state]
	if !ok {
		result, ok = kubeCompleted[state]
	}
	if !ok {
		return rejected("Invalid kubernetes upgrade state %s", state)
	}
	w.kubeUpgrade.State = result
	return nfvi.Success(w.kubeUpgrade.Clone())
}

func (w *World) KubeUpgradeCleanup(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("kube_upgrade_cleanup", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	w.kubeUpgrade = nil
	return nfvi.Success(nil)
}

// kubeHostAction applies fn to the per-host upgrade record
func (w *World) kubeHostAction(name, uuid string, fn func(u *types.KubeUpgrade, hu *types.KubeHostUpgrade) nfvi.Response) nfvi.Response {
	if resp, ok := w.begin(name, w.hostName(uuid)); ok {
		return resp
	}
	defer w.mu.Unlock()
	h := w.hostByUUID(uuid)
	if h == nil {
		return notFound("host", uuid)
	}
	if w.kubeUpgrade == nil {
		return rejected("No kubernetes upgrade in progress")
	}
	for i := range w.kubeUpgrade.Hosts {
		if w.kubeUpgrade.Hosts[i].HostName == h.Name {
			hu := &w.kubeUpgrade.Hosts[i]
			if resp := fn(w.kubeUpgrade, hu); !resp.Completed {
				return resp
			}
			return nfvi.Success(*hu)
		}
	}
	return notFound("kube host upgrade", h.Name)
}

func (w *World) KubeHostCordon(ctx context.Context, uuid string, force bool) nfvi.Response {
	return w.kubeHostAction("kube_host_cordon", uuid, func(u *types.KubeUpgrade, hu *types.KubeHostUpgrade) nfvi.Response {
		u.State = types.KubeUpgradeStateCordonComplete
		return nfvi.Success(nil)
	})
}

func (w *World) KubeHostUncordon(ctx context.Context, uuid string, force bool) nfvi.Response {
	return w.kubeHostAction("kube_host_uncordon", uuid, func(u *types.KubeUpgrade, hu *types.KubeHostUpgrade) nfvi.Response {
		u.State = types.KubeUpgradeStateUncordonComplete
		return nfvi.Success(nil)
	})
}

func (w *World) KubeHostUpgradeControlPlane(ctx context.Context, uuid string, force bool) nfvi.Response {
	return w.kubeHostAction("kube_host_upgrade_control_plane", uuid, func(u *types.KubeUpgrade, hu *types.KubeHostUpgrade) nfvi.Response {
		target := hu.TargetVersion
		if target == "" {
			target = u.ToVersion
		}
		hu.ControlPlaneVersion = target
		hu.Status = types.KubeHostUpgradeStatusNone
		if u.State.Rank() < types.KubeUpgradeStateUpgradedFirstMaster.Rank() {
			u.State = types.KubeUpgradeStateUpgradedFirstMaster
		} else {
			u.State = types.KubeUpgradeStateUpgradedSecondMaster
		}
		return nfvi.Success(nil)
	})
}

func (w *World) KubeHostUpgradeKubelet(ctx context.Context, uuid string, force bool) nfvi.Response {
	return w.kubeHostAction("kube_host_upgrade_kubelet", uuid, func(u *types.KubeUpgrade, hu *types.KubeHostUpgrade) nfvi.Response {
		target := hu.TargetVersion
		if target == "" {
			target = u.ToVersion
		}
		hu.KubeletVersion = target
		hu.Status = types.KubeHostUpgradeStatusNone
		return nfvi.Success(nil)
	})
}

func (w *World) GetKubeRootcaUpdate(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_kube_rootca_update", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.rootca == nil {
		return nfvi.Success((*types.KubeRootcaUpdate)(nil))
	}
	return nfvi.Success(w.rootca.Clone())
}

func (w *World) GetKubeRootcaHostUpdates(ctx context.Context) nfvi.Response {
	if resp, ok := w.begin("get_kube_rootca_host_updates", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.rootca == nil {
		return nfvi.Success([]types.KubeRootcaHostUpdate{})
	}
	return nfvi.Success(append([]types.KubeRootcaHostUpdate(nil), w.rootca.Hosts...))
}

func (w *World) rootcaAction(name, arg string, fn func(u *types.KubeRootcaUpdate) nfvi.Response) nfvi.Response {
	if resp, ok := w.begin(name, arg); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.rootca == nil {
		return rejected("No kube rootca update in progress")
	}
	if resp := fn(w.rootca); !resp.Completed {
		return resp
	}
	return nfvi.Success(w.rootca.Clone())
}

func (w *World) KubeRootcaUpdateStart(ctx context.Context, force bool, alarmIgnore []string) nfvi.Response {
	if resp, ok := w.begin("kube_rootca_update_start", ""); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.rootca != nil && w.rootca.State != types.KubeRootcaUpdateStateComplete && w.rootca.State != types.KubeRootcaUpdateStateAborted {
		return rejected("A kube rootca update is already in progress")
	}
	update := &types.KubeRootcaUpdate{
		UUID:           "kube-rootca-uuid",
		State:          types.KubeRootcaUpdateStateStarted,
		FromRootcaCert: "old-cert",
	}
	for _, h := range w.sortedHosts() {
		if h.IsController() || h.IsWorker() {
			personality := types.PersonalityWorker
			if h.IsController() {
				personality = types.PersonalityController
			}
			update.Hosts = append(update.Hosts, types.KubeRootcaHostUpdate{
				HostName:            h.Name,
				Personality:         personality,
				EffectiveRootcaCert: "old-cert",
			})
		}
	}
	w.rootca = update
	return nfvi.Success(update.Clone())
}

func (w *World) KubeRootcaUploadCert(ctx context.Context, pem string) nfvi.Response {
	return w.rootcaAction("kube_rootca_upload_cert", "", func(u *types.KubeRootcaUpdate) nfvi.Response {
		u.State = types.KubeRootcaUpdateStateCertUploaded
		u.ToRootcaCert = "uploaded-cert"
		return nfvi.Success(nil)
	})
}

func (w *World) KubeRootcaGenerateCert(ctx context.Context, expiryDate, subject string) nfvi.Response {
	return w.rootcaAction("kube_rootca_generate_cert", subject, func(u *types.KubeRootcaUpdate) nfvi.Response {
		u.State = types.KubeRootcaUpdateStateCertGenerated
		u.ToRootcaCert = "generated-cert"
		return nfvi.Success(nil)
	})
}

func (w *World) KubeRootcaHostUpdate(ctx context.Context, uuid string, phase string) nfvi.Response {
	name := w.hostName(uuid)
	if resp, ok := w.begin("kube_rootca_host_update", name+" "+phase); ok {
		return resp
	}
	defer w.mu.Unlock()
	if w.rootca == nil {
		return rejected("No kube rootca update in progress")
	}
	updated := true
	var result types.KubeRootcaHostUpdate
	found := false
	for i := range w.rootca.Hosts {
		hu := &w.rootca.Hosts[i]
		if hu.HostName == name {
			hu.State = types.KubeRootcaHostState("updated-host-" + phase)
			if phase == nfvi.RootcaPhaseTrustNewCA {
				hu.EffectiveRootcaCert = w.rootca.ToRootcaCert
			}
			result = *hu
			found = true
		}
		if !strings.HasPrefix(string(hu.State), "updated-host-"+phase) {
			updated = false
		}
	}
	if !found {
		return notFound("kube rootca host update", name)
	}
	if updated {
		w.rootca.State = types.KubeRootcaUpdateState("updated-host-" + phase)
	} else {
		w.rootca.State = types.KubeRootcaUpdateState("updating-host-" + phase)
	}
	return nfvi.Success(result)
}

func (w *World) KubeRootcaPodsUpdate(ctx context.Context, phase string) nfvi.Response {
	return w.rootcaAction("kube_rootca_pods_update", phase, func(u *types.KubeRootcaUpdate) nfvi.Response {
		u.State = types.KubeRootcaUpdateState("updated-pods-" + phase)
		return nfvi.Success(nil)
	})
}

func (w *World) KubeRootcaUpdateComplete(ctx context.Context) nfvi.Response {
	return w.rootcaAction("kube_rootca_update_complete", "", func(u *types.KubeRootcaUpdate) nfvi.Response {
		u.State = types.KubeRootcaUpdateStateComplete
		return nfvi.Success(nil)
	})
}

func (w *World) KubeRootcaUpdateAbort(ctx context.Context) nfvi.Response {
	return w.rootcaAction("kube_rootca_update_abort", "", func(u *types.KubeRootcaUpdate) nfvi.Response {
		u.State = types.KubeRootcaUpdateStateAborted
		return nfvi.Success(nil)
	})
}
