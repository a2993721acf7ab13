package fleet

import (
	"github.com/cuemby/vim/pkg/types"
)

// Snapshot is a point-in-time copy of the fleet. Every slice is sorted by
// name so that anything computed from a snapshot is deterministic.
// Nothing holding a snapshot may modify it.
type Snapshot struct {
	System         types.SystemInfo       `json:"system"`
	Hosts          []*types.Host          `json:"hosts"`
	Instances      []*types.Instance      `json:"instances"`
	InstanceGroups []*types.InstanceGroup `json:"instance_groups"`
	HostGroups     []*types.HostGroup     `json:"host_groups"`
	Aggregates     []*types.HostAggregate `json:"aggregates"`

	hostsByName map[string]*types.Host
	byHost      map[string][]*types.Instance
	groupOf     map[string][]*types.InstanceGroup
}

// NewSnapshot builds a snapshot from explicit parts, copying and sorting
// them the same way Table.Snapshot does
func NewSnapshot(system types.SystemInfo, hosts []*types.Host, instances []*types.Instance,
	groups []*types.InstanceGroup, aggs []*types.HostAggregate) *Snapshot {
	t := NewTable()
	t.SetSystem(system)
	t.ReplaceHosts(hosts)
	t.ReplaceInstances(instances)
	t.SetInstanceGroups(groups)
	t.SetAggregates(aggs)
	return t.Snapshot()
}

func (s *Snapshot) index() {
	s.hostsByName = make(map[string]*types.Host, len(s.Hosts))
	for _, h := range s.Hosts {
		s.hostsByName[h.Name] = h
	}
	s.byHost = make(map[string][]*types.Instance)
	for _, i := range s.Instances {
		s.byHost[i.HostName] = append(s.byHost[i.HostName], i)
	}
	s.groupOf = make(map[string][]*types.InstanceGroup)
	for _, g := range s.InstanceGroups {
		for _, uuid := range g.MemberUUIDs {
			s.groupOf[uuid] = append(s.groupOf[uuid], g)
		}
	}
}

func (s *Snapshot) ensureIndex() {
	if s.hostsByName == nil {
		s.index()
	}
}

// Host returns the named host or nil
func (s *Snapshot) Host(name string) *types.Host {
	s.ensureIndex()
	return s.hostsByName[name]
}

// InstancesOnHost returns the instances placed on a host, sorted by name
func (s *Snapshot) InstancesOnHost(name string) []*types.Instance {
	s.ensureIndex()
	return s.byHost[name]
}

// UnlockedInstancesOnHost returns the instances on a host that are not
// administratively locked
func (s *Snapshot) UnlockedInstancesOnHost(name string) []*types.Instance {
	var out []*types.Instance
	for _, i := range s.InstancesOnHost(name) {
		if !i.IsLocked() {
			out = append(out, i)
		}
	}
	return out
}

// IsEmptyHost reports whether a host carries no instances, or only
// locked ones
func (s *Snapshot) IsEmptyHost(name string) bool {
	return len(s.UnlockedInstancesOnHost(name)) == 0
}

// GroupsOf returns the instance groups an instance belongs to
func (s *Snapshot) GroupsOf(uuid string) []*types.InstanceGroup {
	s.ensureIndex()
	return s.groupOf[uuid]
}

// Controllers returns the controller hosts sorted by name
func (s *Snapshot) Controllers() []*types.Host {
	var out []*types.Host
	for _, h := range s.Hosts {
		if h.IsController() {
			out = append(out, h)
		}
	}
	return out
}

// ActiveController returns the controller running the active services
func (s *Snapshot) ActiveController() *types.Host {
	for _, h := range s.Hosts {
		if h.IsController() && h.ActiveController {
			return h
		}
	}
	return nil
}

// SingleController reports a system that cannot swact
func (s *Snapshot) SingleController() bool {
	return s.System.IsSimplex() || len(s.Controllers()) < 2
}

// WorkerCount returns the number of hosts with the worker personality
func (s *Snapshot) WorkerCount() int {
	n := 0
	for _, h := range s.Hosts {
		if h.IsWorker() {
			n++
		}
	}
	return n
}

// AggregatesOf returns the aggregates a host is a member of
func (s *Snapshot) AggregatesOf(name string) []*types.HostAggregate {
	var out []*types.HostAggregate
	for _, a := range s.Aggregates {
		for _, member := range a.HostNames {
			if member == name {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// HostGroupsOf returns the storage-replication groups a host belongs to
func (s *Snapshot) HostGroupsOf(name string) []*types.HostGroup {
	var out []*types.HostGroup
	for _, g := range s.HostGroups {
		if !g.IsStorageReplication() {
			continue
		}
		for _, member := range g.MemberNames {
			if member == name {
				out = append(out, g)
				break
			}
		}
	}
	return out
}
