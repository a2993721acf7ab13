package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/types"
	"github.com/rs/zerolog"
)

// Table is the live fleet model. It is written only from the bus loop
// (HandleEvent and the auditor's callbacks); readers on other goroutines
// take the read lock and always receive copies.
type Table struct {
	mu         sync.RWMutex
	system     types.SystemInfo
	hosts      map[string]*types.Host
	instances  map[string]*types.Instance
	groups     map[string]*types.InstanceGroup
	aggregates map[string]*types.HostAggregate
	alarms     []types.Alarm
	audited    time.Time
	logger     zerolog.Logger
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{
		hosts:      make(map[string]*types.Host),
		instances:  make(map[string]*types.Instance),
		groups:     make(map[string]*types.InstanceGroup),
		aggregates: make(map[string]*types.HostAggregate),
		logger:     log.WithComponent("fleet"),
	}
}

// HandleEvent applies host and instance payloads. It must be subscribed
// to the bus before any consumer that reads the table.
func (t *Table) HandleEvent(e *events.Event) {
	switch e.Type {
	case events.EventHostAdded, events.EventHostStateChanged:
		if e.Host != nil {
			t.UpsertHost(e.Host)
		}
	case events.EventHostDeleted:
		t.DeleteHost(e.HostName)
	case events.EventHostAudit:
		if e.Hosts != nil {
			t.ReplaceHosts(e.Hosts)
		} else if e.Host != nil {
			t.UpsertHost(e.Host)
		}
	case events.EventInstanceStateChanged:
		if e.Instance != nil {
			t.UpsertInstance(e.Instance)
		}
	case events.EventInstanceAudit:
		if e.Instances != nil {
			t.ReplaceInstances(e.Instances)
		} else if e.Instance != nil {
			t.UpsertInstance(e.Instance)
		}
	}
}

// SetSystem records the system info
func (t *Table) SetSystem(system types.SystemInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.system = system
}

// System returns the system info
func (t *Table) System() types.SystemInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.system
}

// UpsertHost adds or replaces a host by name
func (t *Table) UpsertHost(h *types.Host) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hosts[h.Name]; !ok {
		t.logger.Info().Str("host", h.Name).Msg("Host added to fleet")
	}
	t.hosts[h.Name] = h.Clone()
}

// DeleteHost removes a host
func (t *Table) DeleteHost(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hosts[name]; !ok {
		return
	}
	delete(t.hosts, name)
	t.logger.Info().Str("host", name).Msg("Host removed from fleet")
}

// ReplaceHosts replaces the whole host set with an audit result
func (t *Table) ReplaceHosts(hosts []*types.Host) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]*types.Host, len(hosts))
	for _, h := range hosts {
		next[h.Name] = h.Clone()
	}
	for name := range t.hosts {
		if _, ok := next[name]; !ok {
			t.logger.Info().Str("host", name).Msg("Host no longer reported, removing")
		}
	}
	t.hosts = next
	t.audited = time.Now()
}

// UpsertInstance adds or replaces an instance by uuid
func (t *Table) UpsertInstance(i *types.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[i.UUID] = i.Clone()
}

// DeleteInstance removes an instance
func (t *Table) DeleteInstance(uuid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instances, uuid)
}

// ReplaceInstances replaces the whole instance set with an audit result
func (t *Table) ReplaceInstances(instances []*types.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]*types.Instance, len(instances))
	for _, i := range instances {
		next[i.UUID] = i.Clone()
	}
	t.instances = next
}

// SetInstanceGroups replaces the server groups
func (t *Table) SetInstanceGroups(groups []*types.InstanceGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups = make(map[string]*types.InstanceGroup, len(groups))
	for _, g := range groups {
		t.groups[g.UUID] = g.Clone()
	}
}

// SetAggregates replaces the host aggregates
func (t *Table) SetAggregates(aggs []*types.HostAggregate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aggregates = make(map[string]*types.HostAggregate, len(aggs))
	for _, a := range aggs {
		t.aggregates[a.Name] = a.Clone()
	}
}

// SetAlarms replaces the active alarm list
func (t *Table) SetAlarms(alarms []types.Alarm) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alarms = append([]types.Alarm(nil), alarms...)
}

// Alarms returns the alarms seen by the last audit
func (t *Table) Alarms() []types.Alarm {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]types.Alarm(nil), t.alarms...)
}

// LastAudit returns when the host set was last replaced by an audit
func (t *Table) LastAudit() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.audited
}

// Host returns a copy of the named host or nil
func (t *Table) Host(name string) *types.Host {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.hosts[name]; ok {
		return h.Clone()
	}
	return nil
}

// HostByUUID returns a copy of the host with the given uuid or nil
func (t *Table) HostByUUID(uuid string) *types.Host {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, h := range t.hosts {
		if h.UUID == uuid {
			return h.Clone()
		}
	}
	return nil
}

// ListHosts returns copies of every host, sorted by name
func (t *Table) ListHosts() []*types.Host {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedHosts(t.hosts)
}

// Instance returns a copy of the instance or nil
func (t *Table) Instance(uuid string) *types.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.instances[uuid]; ok {
		return i.Clone()
	}
	return nil
}

// InstancesOnHost returns copies of the instances placed on a host,
// sorted by name
func (t *Table) InstancesOnHost(hostName string) []*types.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*types.Instance
	for _, i := range t.instances {
		if i.HostName == hostName {
			out = append(out, i.Clone())
		}
	}
	sortInstances(out)
	return out
}

// InstanceCount returns the number of known instances
func (t *Table) InstanceCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.instances)
}

// Snapshot returns a deep, read-only copy of the fleet for compilation
func (t *Table) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := &Snapshot{
		System: t.system,
		Hosts:  sortedHosts(t.hosts),
	}
	for _, i := range t.instances {
		s.Instances = append(s.Instances, i.Clone())
	}
	sortInstances(s.Instances)

	for _, g := range t.groups {
		s.InstanceGroups = append(s.InstanceGroups, g.Clone())
	}
	sort.Slice(s.InstanceGroups, func(i, j int) bool {
		return s.InstanceGroups[i].Name < s.InstanceGroups[j].Name
	})

	for _, a := range t.aggregates {
		s.Aggregates = append(s.Aggregates, a.Clone())
	}
	sort.Slice(s.Aggregates, func(i, j int) bool { return s.Aggregates[i].Name < s.Aggregates[j].Name })

	s.HostGroups = peerGroups(s.Hosts)
	s.index()
	return s
}

// peerGroups derives storage-replication host groups from the storage
// peer group each host reports
func peerGroups(hosts []*types.Host) []*types.HostGroup {
	byName := make(map[string]*types.HostGroup)
	for _, h := range hosts {
		if h.PeerGroup == "" || !h.IsStorage() {
			continue
		}
		g, ok := byName[h.PeerGroup]
		if !ok {
			g = &types.HostGroup{
				Name:        h.PeerGroup,
				Personality: types.PersonalityStorage,
				Policies:    []string{types.PolicyStorageReplication},
			}
			byName[h.PeerGroup] = g
		}
		g.MemberNames = append(g.MemberNames, h.Name)
	}

	groups := make([]*types.HostGroup, 0, len(byName))
	for _, g := range byName {
		sort.Strings(g.MemberNames)
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

func sortedHosts(hosts map[string]*types.Host) []*types.Host {
	out := make([]*types.Host, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortInstances(instances []*types.Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Name != instances[j].Name {
			return instances[i].Name < instances[j].Name
		}
		return instances[i].UUID < instances[j].UUID
	})
}
