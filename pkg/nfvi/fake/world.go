// Package fake provides an in-memory platform that implements every nfvi
// plugin interface. Actions take effect immediately; tests observe them
// through queries, the same way the engine does.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

// Call is one recorded plugin call
type Call struct {
	Name string
	Arg  string
}

// World is the in-memory platform
type World struct {
	mu sync.Mutex

	system     types.SystemInfo
	hosts      map[string]*types.Host
	instances  map[string]*types.Instance
	groups     []*types.InstanceGroup
	aggregates []*types.HostAggregate
	alarms     []types.Alarm

	releases   []types.Release
	deploy     *types.SwDeploy
	precheck   nfvi.PrecheckResult
	activate   []types.SwDeployState
	patchHosts map[string]*nfvi.PatchHost

	kubeVersions []types.KubeVersion
	kubeUpgrade  *types.KubeUpgrade
	kubeResults  map[types.KubeUpgradeState]types.KubeUpgradeState
	rootca       *types.KubeRootcaUpdate

	taints    map[string][]string
	hostCRDs  map[string]nfvi.HostCRD
	severity  map[string]nfvi.HostSeverity
	computeOn map[string]bool

	calls    []Call
	failures map[string][]nfvi.Response
}

// NewWorld returns an empty duplex standard system
func NewWorld() *World {
	return &World{
		system: types.SystemInfo{
			UUID:       "system-uuid",
			Name:       "vim-test",
			SystemType: types.SystemTypeStandard,
			SystemMode: types.SystemModeDuplex,
		},
		hosts:       map[string]*types.Host{},
		instances:   map[string]*types.Instance{},
		patchHosts:  map[string]*nfvi.PatchHost{},
		kubeResults: map[types.KubeUpgradeState]types.KubeUpgradeState{},
		taints:      map[string][]string{},
		hostCRDs:    map[string]nfvi.HostCRD{},
		severity:    map[string]nfvi.HostSeverity{},
		computeOn:   map[string]bool{},
		failures:    map[string][]nfvi.Response{},
		precheck:    nfvi.PrecheckResult{SystemHealthy: true},
	}
}

// Client exposes the world through the nfvi client bundle
func (w *World) Client() *nfvi.Client {
	return &nfvi.Client{
		Infrastructure: w,
		Maintenance:    w,
		Fault:          w,
		Software:       w,
		Compute:        w,
		Kube:           w,
	}
}

// SetSystem replaces the system info
func (w *World) SetSystem(system types.SystemInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.system = system
}

// AddHost adds or replaces a host
func (w *World) AddHost(h *types.Host) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hosts[h.Name] = h.Clone()
	w.computeOn[h.Name] = true
	if _, ok := w.patchHosts[h.Name]; !ok {
		w.patchHosts[h.Name] = &nfvi.PatchHost{HostName: h.Name, PatchCurrent: h.PatchCurrent}
	}
}

// RemoveHost deletes a host
func (w *World) RemoveHost(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.hosts, name)
}

// UpdateHost applies fn to the named host
func (w *World) UpdateHost(name string, fn func(*types.Host)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.hosts[name]; ok {
		fn(h)
	}
}

// Host returns a copy of the named host
func (w *World) Host(name string) *types.Host {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.hosts[name]; ok {
		return h.Clone()
	}
	return nil
}

// AddInstance adds or replaces an instance
func (w *World) AddInstance(i *types.Instance) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instances[i.UUID] = i.Clone()
}

// UpdateInstance applies fn to the instance
func (w *World) UpdateInstance(uuid string, fn func(*types.Instance)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i, ok := w.instances[uuid]; ok {
		fn(i)
	}
}

// Instance returns a copy of the instance
func (w *World) Instance(uuid string) *types.Instance {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i, ok := w.instances[uuid]; ok {
		return i.Clone()
	}
	return nil
}

// AddInstanceGroup adds a server group
func (w *World) AddInstanceGroup(g *types.InstanceGroup) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.groups = append(w.groups, g.Clone())
}

// AddAggregate adds a host aggregate
func (w *World) AddAggregate(a *types.HostAggregate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aggregates = append(w.aggregates, a.Clone())
}

// SetAlarms replaces the active alarm list
func (w *World) SetAlarms(alarms []types.Alarm) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alarms = append([]types.Alarm(nil), alarms...)
}

// SetReleases replaces the release list
func (w *World) SetReleases(releases []types.Release) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releases = append([]types.Release(nil), releases...)
}

// SetDeploy replaces the software deployment
func (w *World) SetDeploy(d *types.SwDeploy) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deploy = nil
	if d != nil {
		w.deploy = d.Clone()
	}
}

// Deploy returns a copy of the software deployment
func (w *World) Deploy() *types.SwDeploy {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.deploy == nil {
		return nil
	}
	return w.deploy.Clone()
}

// SetPrecheck sets the precheck outcome
func (w *World) SetPrecheck(result nfvi.PrecheckResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.precheck = result
}

// ScriptActivate queues the states successive activations end in. Once
// the queue is empty activation ends in activate-done.
func (w *World) ScriptActivate(states ...types.SwDeployState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activate = append(w.activate, states...)
}

// SetKubeVersions replaces the kube version list
func (w *World) SetKubeVersions(versions []types.KubeVersion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kubeVersions = append([]types.KubeVersion(nil), versions...)
}

// SetKubeUpgrade replaces the kube upgrade
func (w *World) SetKubeUpgrade(u *types.KubeUpgrade) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kubeUpgrade = nil
	if u != nil {
		w.kubeUpgrade = u.Clone()
	}
}

// KubeUpgrade returns a copy of the kube upgrade
func (w *World) KubeUpgrade() *types.KubeUpgrade {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.kubeUpgrade == nil {
		return nil
	}
	return w.kubeUpgrade.Clone()
}

// ScriptKubeUpgrade makes a requested transitional state end in result
// instead of its completed counterpart
func (w *World) ScriptKubeUpgrade(requested, result types.KubeUpgradeState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kubeResults[requested] = result
}

// SetKubeRootcaUpdate replaces the rootca update
func (w *World) SetKubeRootcaUpdate(u *types.KubeRootcaUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rootca = nil
	if u != nil {
		w.rootca = u.Clone()
	}
}

// KubeRootcaUpdate returns a copy of the rootca update
func (w *World) KubeRootcaUpdate() *types.KubeRootcaUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rootca == nil {
		return nil
	}
	return w.rootca.Clone()
}

// SetHostCRD adds a deployment host resource
func (w *World) SetHostCRD(crd nfvi.HostCRD) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hostCRDs[crd.Name] = crd
}

// Fail queues responses returned by the named call before its normal
// behavior resumes
func (w *World) Fail(call string, responses ...nfvi.Response) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[call] = append(w.failures[call], responses...)
}

// Calls returns the recorded calls
func (w *World) Calls() []Call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Call(nil), w.calls...)
}

// CallCount counts recorded calls by name
func (w *World) CallCount(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// ComputeServiceEnabled reports the nova-compute service state of a host
func (w *World) ComputeServiceEnabled(host string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.computeOn[host]
}

// Taints returns the taint keys on a node
func (w *World) Taints(node string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.taints[node]...)
}

// begin records the call and pops a scripted failure. Callers hold no
// lock; begin returns with w.mu held when ok is false.
func (w *World) begin(name, arg string) (nfvi.Response, bool) {
	w.mu.Lock()
	w.calls = append(w.calls, Call{Name: name, Arg: arg})
	if queued := w.failures[name]; len(queued) > 0 {
		w.failures[name] = queued[1:]
		w.mu.Unlock()
		return queued[0], true
	}
	return nfvi.Response{}, false
}

func (w *World) hostByUUID(uuid string) *types.Host {
	for _, h := range w.hosts {
		if h.UUID == uuid {
			return h
		}
	}
	return nil
}

func (w *World) hostName(uuid string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h := w.hostByUUID(uuid); h != nil {
		return h.Name
	}
	return uuid
}

func (w *World) sortedHosts() []*types.Host {
	hosts := make([]*types.Host, 0, len(w.hosts))
	for _, h := range w.hosts {
		hosts = append(hosts, h.Clone())
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts
}

func notFound(kind, id string) nfvi.Response {
	return nfvi.Failure(nfvi.ErrorCodeNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

func rejected(format string, args ...any) nfvi.Response {
	return nfvi.Failuref(nfvi.ErrorCodeRejected, format, args...)
}

var _ nfvi.InfrastructureAPI = (*World)(nil)
var _ nfvi.MaintenanceAPI = (*World)(nil)
var _ nfvi.FaultAPI = (*World)(nil)
var _ nfvi.SoftwareAPI = (*World)(nil)
var _ nfvi.ComputeAPI = (*World)(nil)
var _ nfvi.KubeAPI = (*World)(nil)

// Dispatcher runs calls inline and posts callbacks, which keeps tests
// that drive the bus with Flush deterministic
type Dispatcher struct {
	Poster nfvi.Poster
}

// Dispatch implements nfvi.Dispatcher
func (d Dispatcher) Dispatch(call func(ctx context.Context) nfvi.Response, cb nfvi.Callback) {
	resp := call(context.Background())
	if cb != nil {
		d.Poster.Post(func() { cb(resp) })
	}
}
