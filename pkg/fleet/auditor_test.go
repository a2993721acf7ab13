package fleet

import (
	"testing"
	"time"

	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/nfvi/fake"
	"github.com/cuemby/vim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuditedFleet(t *testing.T) (*fake.World, *Table, *events.Bus, *Auditor) {
	t.Helper()
	world := fake.NewWorld()
	world.AddHost(host("compute-0", types.PersonalityWorker))
	world.AddHost(host("compute-1", types.PersonalityWorker))
	world.AddInstance(&types.Instance{UUID: "i-1", Name: "vm-1", HostName: "compute-0"})
	world.AddAggregate(&types.HostAggregate{Name: "agg", HostNames: []string{"compute-0", "compute-1"}})
	world.SetAlarms([]types.Alarm{{AlarmID: "100.101", EntityInstanceID: "host=compute-0"}})

	bus := events.NewBus(0)
	table := NewTable()
	bus.Subscribe(table.HandleEvent)
	auditor := NewAuditor(world.Client(), table, bus, fake.Dispatcher{Poster: bus}, time.Minute)
	bus.OnTick(auditor.OnTick)
	return world, table, bus, auditor
}

func TestAuditorPopulatesTable(t *testing.T) {
	_, table, bus, _ := newAuditedFleet(t)

	bus.Tick()
	bus.Flush()

	assert.Len(t, table.ListHosts(), 2)
	require.NotNil(t, table.Instance("i-1"))
	assert.Len(t, table.Alarms(), 1)
	assert.Equal(t, types.SystemModeDuplex, table.System().SystemMode)
	assert.Len(t, table.Snapshot().Aggregates, 1)
}

func TestAuditorRespectsInterval(t *testing.T) {
	world, _, bus, auditor := newAuditedFleet(t)
	now := time.Now()

	auditor.OnTick(now)
	bus.Flush()
	auditor.OnTick(now.Add(30 * time.Second))
	bus.Flush()
	assert.Equal(t, 1, world.CallCount("get_hosts"))

	auditor.OnTick(now.Add(61 * time.Second))
	bus.Flush()
	assert.Equal(t, 2, world.CallCount("get_hosts"))
}

func TestAuditorKeepsTableOnFailure(t *testing.T) {
	world, table, bus, auditor := newAuditedFleet(t)
	auditor.Audit()
	bus.Flush()
	require.Len(t, table.ListHosts(), 2)

	world.RemoveHost("compute-1")
	world.Fail("get_hosts", nfvi.Failure(nfvi.ErrorCodeTransport, "connection refused"))
	auditor.Audit()
	bus.Flush()
	assert.Len(t, table.ListHosts(), 2)

	auditor.Audit()
	bus.Flush()
	assert.Len(t, table.ListHosts(), 1)
}
