package nfvi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cuemby/vim/pkg/types"
)

// InfrastructureAPI is the system inventory surface the engine uses
type InfrastructureAPI interface {
	GetSystemInfo(ctx context.Context) Response
	GetHosts(ctx context.Context) Response
	GetHost(ctx context.Context, uuid string) Response
	GetHostLabels(ctx context.Context, uuid string) Response
	GetHostDevices(ctx context.Context, uuid string) Response
	GetDataNetworks(ctx context.Context) Response

	LockHost(ctx context.Context, uuid string, force bool) Response
	UnlockHost(ctx context.Context, uuid string) Response
	RebootHost(ctx context.Context, uuid string) Response
	SwactHost(ctx context.Context, uuid string, force bool) Response
	FwUpdateHost(ctx context.Context, uuid string) Response
	FwUpdateAbortHost(ctx context.Context, uuid string) Response

	GetKubeVersions(ctx context.Context) Response
	GetKubeUpgrade(ctx context.Context) Response
	GetKubeHostUpgrades(ctx context.Context) Response
	KubeUpgradeStart(ctx context.Context, toVersion string, force bool, alarmIgnore []string) Response
	KubeUpgradeSetState(ctx context.Context, state types.KubeUpgradeState) Response
	KubeUpgradeCleanup(ctx context.Context) Response
	KubeHostCordon(ctx context.Context, uuid string, force bool) Response
	KubeHostUncordon(ctx context.Context, uuid string, force bool) Response
	KubeHostUpgradeControlPlane(ctx context.Context, uuid string, force bool) Response
	KubeHostUpgradeKubelet(ctx context.Context, uuid string, force bool) Response

	GetKubeRootcaUpdate(ctx context.Context) Response
	GetKubeRootcaHostUpdates(ctx context.Context) Response
	KubeRootcaUpdateStart(ctx context.Context, force bool, alarmIgnore []string) Response
	KubeRootcaUploadCert(ctx context.Context, pem string) Response
	KubeRootcaGenerateCert(ctx context.Context, expiryDate, subject string) Response
	KubeRootcaHostUpdate(ctx context.Context, uuid string, phase string) Response
	KubeRootcaPodsUpdate(ctx context.Context, phase string) Response
	KubeRootcaUpdateComplete(ctx context.Context) Response
	KubeRootcaUpdateAbort(ctx context.Context) Response
}

// Kube rootca update phases passed to host and pods updates
const (
	RootcaPhaseTrustBothCAs = "trust-both-cas"
	RootcaPhaseUpdateCerts  = "update-certs"
	RootcaPhaseTrustNewCA   = "trust-new-ca"
)

// HostDevice is a PCI device reported by inventory
type HostDevice struct {
	UUID                string `json:"uuid"`
	Name                string `json:"name"`
	PCIAddr             string `json:"pciaddr"`
	PClassID            string `json:"pclass_id"`
	Enabled             bool   `json:"enabled"`
	NeedsFirmwareUpdate bool   `json:"needs_firmware_update"`
}

// DataNetwork is a provider network reported by inventory
type DataNetwork struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	NetworkType string `json:"network_type"`
	MTU         int    `json:"mtu"`
}

type sysinvClient struct {
	rest *restClient
}

// sysinvHost is the wire shape of an ihost record
type sysinvHost struct {
	UUID              string `json:"uuid"`
	Hostname          string `json:"hostname"`
	Personality       string `json:"personality"`
	Subfunctions      string `json:"subfunctions"`
	Administrative    string `json:"administrative"`
	Operational       string `json:"operational"`
	Availability      string `json:"availability"`
	SubfunctionOper   string `json:"subfunction_oper"`
	SubfunctionAvail  string `json:"subfunction_avail"`
	Action            string `json:"action"`
	SoftwareLoad      string `json:"software_load"`
	TargetLoad        string `json:"target_load"`
	DeviceImageUpdate string `json:"device_image_update"`
	Uptime            int64  `json:"uptime"`
	Capabilities      struct {
		Personality string `json:"Personality"`
	} `json:"capabilities"`
	Peers *struct {
		Name string `json:"name"`
	} `json:"peers"`
}

func (h sysinvHost) toHost() *types.Host {
	host := &types.Host{
		UUID:              h.UUID,
		Name:              h.Hostname,
		AdminState:        types.AdminState(h.Administrative),
		OperState:         types.OperState(h.Operational),
		AvailStatus:       types.AvailStatus(h.Availability),
		SubfunctionOper:   types.OperState(h.SubfunctionOper),
		SubfunctionAvail:  types.AvailStatus(h.SubfunctionAvail),
		Action:            h.Action,
		SoftwareLoad:      h.SoftwareLoad,
		TargetLoad:        h.TargetLoad,
		DeviceImageUpdate: types.DeviceImageUpdate(h.DeviceImageUpdate),
		Uptime:            h.Uptime,
		ActiveController:  h.Capabilities.Personality == "Controller-Active",
	}
	if h.Action == "none" {
		host.Action = ""
	}
	if h.Peers != nil {
		host.PeerGroup = h.Peers.Name
	}

	seen := map[types.Personality]bool{}
	add := func(p types.Personality) {
		if !seen[p] {
			seen[p] = true
			host.Personalities = append(host.Personalities, p)
		}
	}
	add(types.Personality(h.Personality))
	for _, sub := range strings.Split(h.Subfunctions, ",") {
		sub = strings.TrimSpace(sub)
		if sub == "" {
			continue
		}
		host.Subfunctions = append(host.Subfunctions, sub)
		switch types.Personality(sub) {
		case types.PersonalityController, types.PersonalityWorker, types.PersonalityStorage:
			add(types.Personality(sub))
		}
	}
	// openstack compute runs on every worker subfunction
	host.OpenStackCompute = seen[types.PersonalityWorker]
	host.OpenStackControl = seen[types.PersonalityController]
	return host
}

type jsonPatch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value string `json:"value"`
}

func replace(path, value string) []jsonPatch {
	return []jsonPatch{{Op: "replace", Path: path, Value: value}}
}

func (c *sysinvClient) GetSystemInfo(ctx context.Context) Response {
	var body struct {
		Systems []types.SystemInfo `json:"isystems"`
	}
	resp := c.rest.call(ctx, "get_system_info", http.MethodGet, "/v1/isystems", nil, &body)
	if !resp.Completed {
		return resp
	}
	if len(body.Systems) == 0 {
		return Failure(ErrorCodeMalformed, "sysinv returned no system")
	}
	return Success(body.Systems[0])
}

func (c *sysinvClient) GetHosts(ctx context.Context) Response {
	var body struct {
		Hosts []sysinvHost `json:"ihosts"`
	}
	resp := c.rest.call(ctx, "get_hosts", http.MethodGet, "/v1/ihosts", nil, &body)
	if !resp.Completed {
		return resp
	}
	hosts := make([]*types.Host, 0, len(body.Hosts))
	for _, h := range body.Hosts {
		hosts = append(hosts, h.toHost())
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return Success(hosts)
}

func (c *sysinvClient) GetHost(ctx context.Context, uuid string) Response {
	var body sysinvHost
	resp := c.rest.call(ctx, "get_host", http.MethodGet, "/v1/ihosts/"+url.PathEscape(uuid), nil, &body)
	if !resp.Completed {
		return resp
	}
	return Success(body.toHost())
}

func (c *sysinvClient) GetHostLabels(ctx context.Context, uuid string) Response {
	var body struct {
		Labels []struct {
			Key   string `json:"label_key"`
			Value string `json:"label_value"`
		} `json:"labels"`
	}
	resp := c.rest.call(ctx, "get_host_labels", http.MethodGet, "/v1/ihosts/"+url.PathEscape(uuid)+"/labels", nil, &body)
	if !resp.Completed {
		return resp
	}
	labels := make(map[string]string, len(body.Labels))
	for _, l := range body.Labels {
		labels[l.Key] = l.Value
	}
	return Success(labels)
}

func (c *sysinvClient) GetHostDevices(ctx context.Context, uuid string) Response {
	var body struct {
		Devices []HostDevice `json:"pci_devices"`
	}
	resp := c.rest.call(ctx, "get_host_devices", http.MethodGet, "/v1/ihosts/"+url.PathEscape(uuid)+"/pci_devices", nil, &body)
	if !resp.Completed {
		return resp
	}
	return Success(body.Devices)
}

func (c *sysinvClient) GetDataNetworks(ctx context.Context) Response {
	var body struct {
		Networks []DataNetwork `json:"datanetworks"`
	}
	resp := c.rest.call(ctx, "get_datanetworks", http.MethodGet, "/v1/datanetworks", nil, &body)
	if !resp.Completed {
		return resp
	}
	return Success(body.Networks)
}

func (c *sysinvClient) hostAction(ctx context.Context, name, uuid, action string) Response {
	var body sysinvHost
	resp := c.rest.call(ctx, name, http.MethodPatch, "/v1/ihosts/"+url.PathEscape(uuid), replace("/action", action), &body)
	if !resp.Completed {
		return resp
	}
	return Success(body.toHost())
}

func (c *sysinvClient) LockHost(ctx context.Context, uuid string, force bool) Response {
	if force {
		return c.hostAction(ctx, "lock_host", uuid, "force-lock")
	}
	return c.hostAction(ctx, "lock_host", uuid, "lock")
}

func (c *sysinvClient) UnlockHost(ctx context.Context, uuid string) Response {
	return c.hostAction(ctx, "unlock_host", uuid, "unlock")
}

func (c *sysinvClient) RebootHost(ctx context.Context, uuid string) Response {
	return c.hostAction(ctx, "reboot_host", uuid, "reboot")
}

func (c *sysinvClient) SwactHost(ctx context.Context, uuid string, force bool) Response {
	if force {
		return c.hostAction(ctx, "swact_host", uuid, "force-swact")
	}
	return c.hostAction(ctx, "swact_host", uuid, "swact")
}

func (c *sysinvClient) FwUpdateHost(ctx context.Context, uuid string) Response {
	var body sysinvHost
	resp := c.rest.call(ctx, "fw_update_host", http.MethodPost, "/v1/ihosts/"+url.PathEscape(uuid)+"/device_image_update", nil, &body)
	if !resp.Completed {
		return resp
	}
	return Success(body.toHost())
}

func (c *sysinvClient) FwUpdateAbortHost(ctx context.Context, uuid string) Response {
	var body sysinvHost
	resp := c.rest.call(ctx, "fw_update_abort_host", http.MethodPost, "/v1/ihosts/"+url.PathEscape(uuid)+"/device_image_update_abort", nil, &body)
	if !resp.Completed {
		return resp
	}
	return Success(body.toHost())
}

func (c *sysinvClient) GetKubeVersions(ctx context.Context) Response {
	var body struct {
		Versions []types.KubeVersion `json:"kube_versions"`
	}
	resp := c.rest.call(ctx, "get_kube_versions", http.MethodGet, "/v1/kube_versions", nil, &body)
	if !resp.Completed {
		return resp
	}
	sort.Slice(body.Versions, func(i, j int) bool {
		return CompareKubeVersions(body.Versions[i].Version, body.Versions[j].Version) < 0
	})
	return Success(body.Versions)
}

// GetKubeUpgrade returns a nil *types.KubeUpgrade when none is in progress
func (c *sysinvClient) GetKubeUpgrade(ctx context.Context) Response {
	var body struct {
		Upgrades []types.KubeUpgrade `json:"kube_upgrades"`
	}
	resp := c.rest.call(ctx, "get_kube_upgrade", http.MethodGet, "/v1/kube_upgrade", nil, &body)
	if !resp.Completed {
		return resp
	}
	if len(body.Upgrades) == 0 {
		return Success((*types.KubeUpgrade)(nil))
	}
	upgrade := body.Upgrades[0]
	return Success(&upgrade)
}

func (c *sysinvClient) GetKubeHostUpgrades(ctx context.Context) Response {
	var body struct {
		Hosts []types.KubeHostUpgrade `json:"kube_host_upgrades"`
	}
	resp := c.rest.call(ctx, "get_kube_host_upgrades", http.MethodGet, "/v1/kube_host_upgrades", nil, &body)
	if !resp.Completed {
		return resp
	}
	sort.Slice(body.Hosts, func(i, j int) bool { return body.Hosts[i].HostName < body.Hosts[j].HostName })
	return Success(body.Hosts)
}

func (c *sysinvClient) kubeUpgradeResult(ctx context.Context, name, method string, body any) Response {
	var upgrade types.KubeUpgrade
	resp := c.rest.call(ctx, name, method, "/v1/kube_upgrade", body, &upgrade)
	if !resp.Completed {
		return resp
	}
	return Success(&upgrade)
}

func (c *sysinvClient) KubeUpgradeStart(ctx context.Context, toVersion string, force bool, alarmIgnore []string) Response {
	req := map[string]any{
		"to_version":        toVersion,
		"force":             force,
		"alarm_ignore_list": alarmIgnore,
	}
	return c.kubeUpgradeResult(ctx, "kube_upgrade_start", http.MethodPost, req)
}

func (c *sysinvClient) KubeUpgradeSetState(ctx context.Context, state types.KubeUpgradeState) Response {
	return c.kubeUpgradeResult(ctx, "kube_upgrade_"+strings.ReplaceAll(string(state), "-", "_"), http.MethodPatch, replace("/state", string(state)))
}

func (c *sysinvClient) KubeUpgradeCleanup(ctx context.Context) Response {
	return c.rest.call(ctx, "kube_upgrade_cleanup", http.MethodDelete, "/v1/kube_upgrade", nil, nil)
}

func (c *sysinvClient) kubeHostAction(ctx context.Context, name, uuid, action string, force bool) Response {
	var host types.KubeHostUpgrade
	path := fmt.Sprintf("/v1/ihosts/%s/%s", url.PathEscape(uuid), action)
	resp := c.rest.call(ctx, name, http.MethodPost, path, map[string]bool{"force": force}, &host)
	if !resp.Completed {
		return resp
	}
	return Success(host)
}

func (c *sysinvClient) KubeHostCordon(ctx context.Context, uuid string, force bool) Response {
	return c.kubeHostAction(ctx, "kube_host_cordon", uuid, "kube_host_cordon", force)
}

func (c *sysinvClient) KubeHostUncordon(ctx context.Context, uuid string, force bool) Response {
	return c.kubeHostAction(ctx, "kube_host_uncordon", uuid, "kube_host_uncordon", force)
}

func (c *sysinvClient) KubeHostUpgradeControlPlane(ctx context.Context, uuid string, force bool) Response {
	return c.kubeHostAction(ctx, "kube_host_upgrade_control_plane", uuid, "kube_upgrade_control_plane", force)
}

func (c *sysinvClient) KubeHostUpgradeKubelet(ctx context.Context, uuid string, force bool) Response {
	return c.kubeHostAction(ctx, "kube_host_upgrade_kubelet", uuid, "kube_upgrade_kubelet", force)
}

// GetKubeRootcaUpdate returns a nil *types.KubeRootcaUpdate when none exists
func (c *sysinvClient) GetKubeRootcaUpdate(ctx context.Context) Response {
	var body struct {
		Updates []types.KubeRootcaUpdate `json:"kube_rootca_updates"`
	}
	resp := c.rest.call(ctx, "get_kube_rootca_update", http.MethodGet, "/v1/kube_rootca_update", nil, &body)
	if !resp.Completed {
		return resp
	}
	if len(body.Updates) == 0 {
		return Success((*types.KubeRootcaUpdate)(nil))
	}
	update := body.Updates[0]
	return Success(&update)
}

func (c *sysinvClient) GetKubeRootcaHostUpdates(ctx context.Context) Response {
	var body struct {
		Hosts []types.KubeRootcaHostUpdate `json:"kube_host_updates"`
	}
	resp := c.rest.call(ctx, "get_kube_rootca_host_updates", http.MethodGet, "/v1/kube_rootca_update/hosts", nil, &body)
	if !resp.Completed {
		return resp
	}
	sort.Slice(body.Hosts, func(i, j int) bool { return body.Hosts[i].HostName < body.Hosts[j].HostName })
	return Success(body.Hosts)
}

func (c *sysinvClient) rootcaResult(ctx context.Context, name, method, path string, body any) Response {
	var update types.KubeRootcaUpdate
	resp := c.rest.call(ctx, name, method, path, body, &update)
	if !resp.Completed {
		return resp
	}
	return Success(&update)
}

func (c *sysinvClient) KubeRootcaUpdateStart(ctx context.Context, force bool, alarmIgnore []string) Response {
	req := map[string]any{"force": force, "alarm_ignore_list": alarmIgnore}
	return c.rootcaResult(ctx, "kube_rootca_update_start", http.MethodPost, "/v1/kube_rootca_update", req)
}

func (c *sysinvClient) KubeRootcaUploadCert(ctx context.Context, pem string) Response {
	return c.rootcaResult(ctx, "kube_rootca_upload_cert", http.MethodPost, "/v1/kube_rootca_update/upload_cert", map[string]string{"pem": pem})
}

func (c *sysinvClient) KubeRootcaGenerateCert(ctx context.Context, expiryDate, subject string) Response {
	req := map[string]string{"expiry_date": expiryDate, "subject": subject}
	return c.rootcaResult(ctx, "kube_rootca_generate_cert", http.MethodPost, "/v1/kube_rootca_update/generate_cert", req)
}

func (c *sysinvClient) KubeRootcaHostUpdate(ctx context.Context, uuid string, phase string) Response {
	var host types.KubeRootcaHostUpdate
	path := "/v1/ihosts/" + url.PathEscape(uuid) + "/update_rootca"
	resp := c.rest.call(ctx, "kube_rootca_host_update", http.MethodPost, path, map[string]string{"phase": phase}, &host)
	if !resp.Completed {
		return resp
	}
	return Success(host)
}

func (c *sysinvClient) KubeRootcaPodsUpdate(ctx context.Context, phase string) Response {
	return c.rootcaResult(ctx, "kube_rootca_pods_update", http.MethodPost, "/v1/kube_rootca_update/pods", map[string]string{"phase": phase})
}

func (c *sysinvClient) KubeRootcaUpdateComplete(ctx context.Context) Response {
	return c.rootcaResult(ctx, "kube_rootca_update_complete", http.MethodPatch, "/v1/kube_rootca_update",
		replace("/state", string(types.KubeRootcaUpdateStateComplete)))
}

func (c *sysinvClient) KubeRootcaUpdateAbort(ctx context.Context) Response {
	return c.rootcaResult(ctx, "kube_rootca_update_abort", http.MethodPatch, "/v1/kube_rootca_update",
		replace("/state", string(types.KubeRootcaUpdateStateAborted)))
}

// CompareKubeVersions orders "v1.24.4" style versions numerically
func CompareKubeVersions(a, b string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			fmt.Sscanf(pa[i], "%d", &x)
		}
		if i < len(pb) {
			fmt.Sscanf(pb[i], "%d", &y)
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
