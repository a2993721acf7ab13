package strategy

import (
	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/types"
)

// batch is a set of hosts that go through one stage together
type batch struct {
	hosts  []*types.Host
	aggs   map[string]int
	groups map[string]bool
	peers  map[string]bool
}

func newBatch() *batch {
	return &batch{
		aggs:   map[string]int{},
		groups: map[string]bool{},
		peers:  map[string]bool{},
	}
}

// packer places hosts into batches first-fit, in the order the hosts are
// offered. Each placement rule is a switch on the packer.
type packer struct {
	snap  *fleet.Snapshot
	limit int
	// aggregates caps the members of each multi-host aggregate per batch
	aggregates bool
	// antiAffinity allows one member of each anti-affinity group per batch
	antiAffinity bool
	// peers allows one member of each storage replication group per batch
	peers bool

	batches []*batch
}

// aggregateLimit is the number of members of an aggregate that may be
// down at once; half the aggregate, at least one
func aggregateLimit(a *types.HostAggregate) int {
	limit := len(a.HostNames) / 2
	if limit < 1 {
		limit = 1
	}
	return limit
}

// fits reports whether h may join b
func (p *packer) fits(b *batch, h *types.Host) bool {
	if len(b.hosts) == 0 {
		return true
	}
	if len(b.hosts) >= p.limit {
		return false
	}
	if p.aggregates {
		for _, a := range p.snap.AggregatesOf(h.Name) {
			if len(a.HostNames) < 2 {
				continue
			}
			if b.aggs[a.Name]+1 > aggregateLimit(a) {
				return false
			}
		}
	}
	if p.antiAffinity {
		for _, g := range p.antiAffinityGroups(h) {
			if b.groups[g] {
				return false
			}
		}
	}
	if p.peers {
		for _, g := range p.snap.HostGroupsOf(h.Name) {
			if b.peers[g.Name] {
				return false
			}
		}
	}
	return true
}

func (p *packer) place(b *batch, h *types.Host) {
	b.hosts = append(b.hosts, h)
	for _, a := range p.snap.AggregatesOf(h.Name) {
		b.aggs[a.Name]++
	}
	for _, g := range p.antiAffinityGroups(h) {
		b.groups[g] = true
	}
	for _, g := range p.snap.HostGroupsOf(h.Name) {
		b.peers[g.Name] = true
	}
}

// antiAffinityGroups names the anti-affinity groups with a running member
// on h
func (p *packer) antiAffinityGroups(h *types.Host) []string {
	var out []string
	for _, i := range p.snap.UnlockedInstancesOnHost(h.Name) {
		for _, g := range p.snap.GroupsOf(i.UUID) {
			if g.IsAntiAffinity() {
				out = append(out, g.UUID)
			}
		}
	}
	return out
}

// add offers a host to the first batch that can take it
func (p *packer) add(h *types.Host) {
	for _, b := range p.batches {
		if p.fits(b, h) {
			p.place(b, h)
			return
		}
	}
	b := newBatch()
	p.place(b, h)
	p.batches = append(p.batches, b)
}

// pack places hosts and returns the host lists of the batches
func (p *packer) pack(hosts []*types.Host) [][]*types.Host {
	if p.limit < 1 {
		p.limit = 1
	}
	p.batches = nil
	for _, h := range hosts {
		p.add(h)
	}
	out := make([][]*types.Host, 0, len(p.batches))
	for _, b := range p.batches {
		out = append(out, b.hosts)
	}
	return out
}

// stageLimit is the most hosts of a personality class that may share a
// stage under the apply type
func stageLimit(apply ApplyType, maxParallel int) int {
	if apply == ApplyParallel {
		return maxParallel
	}
	return 1
}

// hostBuckets splits worker hosts by how they are disrupted. Locked hosts
// are rebooted without instance handling, empty hosts carry no running
// instances, solo hosts only belong to single-host aggregates.
type hostBuckets struct {
	locked []*types.Host
	empty  []*types.Host
	loaded []*types.Host
	solo   []*types.Host
}

func bucketHosts(snap *fleet.Snapshot, hosts []*types.Host) hostBuckets {
	var b hostBuckets
	for _, h := range hosts {
		switch {
		case h.IsLocked():
			b.locked = append(b.locked, h)
		case snap.IsEmptyHost(h.Name):
			b.empty = append(b.empty, h)
		case soloAggregateHost(snap, h):
			b.solo = append(b.solo, h)
		default:
			b.loaded = append(b.loaded, h)
		}
	}
	return b
}

// soloAggregateHost reports a host whose every aggregate has a single
// member
func soloAggregateHost(snap *fleet.Snapshot, h *types.Host) bool {
	aggs := snap.AggregatesOf(h.Name)
	if len(aggs) == 0 {
		return false
	}
	for _, a := range aggs {
		if len(a.HostNames) > 1 {
			return false
		}
	}
	return true
}

// batchWorkers orders and groups worker hosts for disruptive stages:
// empty hosts first, then loaded hosts under the grouping rules, then the
// hosts of single-host aggregates
func batchWorkers(snap *fleet.Snapshot, hosts []*types.Host, limit int) [][]*types.Host {
	b := bucketHosts(snap, hosts)
	var out [][]*types.Host
	empty := &packer{snap: snap, limit: limit, aggregates: true}
	out = append(out, empty.pack(b.empty)...)
	loaded := &packer{snap: snap, limit: limit, aggregates: true, antiAffinity: true}
	out = append(out, loaded.pack(b.loaded)...)
	solo := &packer{snap: snap, limit: limit, antiAffinity: true}
	out = append(out, solo.pack(b.solo)...)
	return out
}

// batchStorage groups storage hosts so that replication peers never share a
// stage
func batchStorage(snap *fleet.Snapshot, hosts []*types.Host, apply ApplyType) [][]*types.Host {
	limit := len(hosts)
	if apply != ApplyParallel {
		limit = 1
	}
	return (&packer{snap: snap, limit: limit, peers: true}).pack(hosts)
}

// batchPlain groups hosts under the count limit alone, for updates that
// take no host out of service
func batchPlain(snap *fleet.Snapshot, hosts []*types.Host, limit int) [][]*types.Host {
	return (&packer{snap: snap, limit: limit}).pack(hosts)
}

// orderControllers puts the mate controller ahead of the active one
func orderControllers(hosts []*types.Host) []*types.Host {
	var active *types.Host
	out := make([]*types.Host, 0, len(hosts))
	for _, h := range hosts {
		if h.ActiveController {
			active = h
			continue
		}
		out = append(out, h)
	}
	if active != nil {
		out = append(out, active)
	}
	return out
}

// hostClasses splits hosts into controllers, storage and workers. A
// controller with the worker personality counts as a controller.
func hostClasses(hosts []*types.Host) (controllers, storage, workers []*types.Host) {
	for _, h := range hosts {
		switch {
		case h.IsController():
			controllers = append(controllers, h)
		case h.IsStorage():
			storage = append(storage, h)
		case h.IsWorker():
			workers = append(workers, h)
		}
	}
	return controllers, storage, workers
}

// stageInstances returns the running instances on the hosts of a stage
func stageInstances(snap *fleet.Snapshot, hosts []*types.Host) []*types.Instance {
	var out []*types.Instance
	for _, h := range hosts {
		out = append(out, snap.UnlockedInstancesOnHost(h.Name)...)
	}
	return out
}
