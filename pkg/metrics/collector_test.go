package metrics

import (
	"testing"

	"github.com/cuemby/vim/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticFleet struct {
	hosts     []*types.Host
	instances int
}

func (f staticFleet) ListHosts() []*types.Host { return f.hosts }
func (f staticFleet) InstanceCount() int       { return f.instances }

func TestCollectorHostCounts(t *testing.T) {
	source := staticFleet{
		hosts: []*types.Host{
			{Name: "controller-0", Personalities: []types.Personality{types.PersonalityController, types.PersonalityWorker}, AdminState: types.AdminStateUnlocked},
			{Name: "compute-0", Personalities: []types.Personality{types.PersonalityWorker}, AdminState: types.AdminStateUnlocked},
			{Name: "compute-1", Personalities: []types.Personality{types.PersonalityWorker}, AdminState: types.AdminStateLocked},
		},
		instances: 7,
	}

	NewCollector(source, 0).Collect()

	assert.Equal(t, 2.0, testutil.ToFloat64(HostsTotal.WithLabelValues("worker", "unlocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(HostsTotal.WithLabelValues("worker", "locked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(HostsTotal.WithLabelValues("controller", "unlocked")))
	assert.Equal(t, 7.0, testutil.ToFloat64(InstancesTotal))
}
