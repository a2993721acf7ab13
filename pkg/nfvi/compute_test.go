package nfvi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cuemby/vim/pkg/config"
	"github.com/cuemby/vim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type novaRecorder struct {
	mu      sync.Mutex
	actions map[string][]string
	updates []map[string]any
}

func (n *novaRecorder) action(id, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actions[id] = append(n.actions[id], body)
}

func newNova(t *testing.T) (*computeClient, *novaRecorder) {
	t.Helper()
	rec := &novaRecorder{actions: map[string][]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/servers/detail", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2.53", r.Header.Get("X-OpenStack-Nova-API-Version"))
		writeJSON(w, http.StatusOK, `{"servers": [
			{"id": "i-2", "name": "vm-b", "tenant_id": "t1", "status": "SHUTOFF",
			 "OS-EXT-SRV-ATTR:host": "compute-1", "flavor": {"id": "f1"}, "image": ""},
			{"id": "i-1", "name": "vm-a", "tenant_id": "t1", "status": "ACTIVE",
			 "OS-EXT-SRV-ATTR:host": "compute-0", "OS-EXT-STS:task_state": "migrating",
			 "flavor": {"id": "f1"}, "image": {"id": "img-1"}}
		]}`)
	})
	mux.HandleFunc("/os-server-groups", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("all_projects"))
		writeJSON(w, http.StatusOK, `{"server_groups": [
			{"id": "g1", "name": "web", "policies": ["anti-affinity"], "members": ["i-2", "i-1"], "metadata": {}}
		]}`)
	})
	mux.HandleFunc("/os-aggregates", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"aggregates": [
			{"id": 2, "name": "agg-b", "hosts": ["compute-3"], "metadata": {}},
			{"id": 1, "name": "agg-a", "hosts": ["compute-1", "compute-0"], "metadata": {}}
		]}`)
	})
	mux.HandleFunc("/servers/i-1/action", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, decodeBody(r, &body))
		for k := range body {
			rec.action("i-1", k)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/servers/i-404/action", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"itemNotFound": {"message": "Instance could not be found", "code": 404}}`)
	})
	mux.HandleFunc("/os-services", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("host") != "compute-0" {
			writeJSON(w, http.StatusOK, `{"services": []}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"services": [{"id": "svc-1", "binary": "nova-compute", "host": "compute-0",
			"status": "enabled", "state": "up", "zone": "nova", "updated_at": "2024-01-01T00:00:00.000000"}]}`)
	})
	mux.HandleFunc("/os-services/svc-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		require.NoError(t, decodeBody(r, &body))
		rec.mu.Lock()
		rec.updates = append(rec.updates, body)
		rec.mu.Unlock()
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"service": {"id": "svc-1", "binary": "nova-compute", "host": "compute-0",
			"status": %q, "state": "up", "zone": "nova", "updated_at": "2024-01-01T00:00:00.000000"}}`, body["status"]))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tokens := NewTokenCache(config.OpenStackConfig{
		Endpoints: map[string]string{ServiceTypeCompute: srv.URL},
	}, srv.Client())
	rest := newRESTClient("nova", ServiceTypeCompute, tokens, srv.Client(), testTimeouts(), config.RateCfg{})
	return &computeClient{rest: rest}, rec
}

func TestComputeGetInstances(t *testing.T) {
	client, _ := newNova(t)

	resp := client.GetInstances(context.Background())
	require.True(t, resp.Completed, resp.Reason)
	instances, ok := As[[]*types.Instance](resp)
	require.True(t, ok)
	require.Len(t, instances, 2)

	a, b := instances[0], instances[1]
	assert.Equal(t, "vm-a", a.Name)
	assert.Equal(t, "compute-0", a.HostName)
	assert.True(t, a.IsUnlocked())
	assert.True(t, a.IsEnabled())
	assert.Equal(t, "img-1", a.ImageRef)
	assert.Equal(t, "migrating", a.Action)

	assert.Equal(t, "vm-b", b.Name)
	assert.True(t, b.IsLocked())
	assert.True(t, b.IsDisabled())
	assert.Empty(t, b.ImageRef)
	assert.Equal(t, "f1", b.FlavorRef)
}

func TestComputeGetInstanceGroups(t *testing.T) {
	client, _ := newNova(t)

	resp := client.GetInstanceGroups(context.Background())
	require.True(t, resp.Completed, resp.Reason)
	groups, _ := As[[]*types.InstanceGroup](resp)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].IsAntiAffinity())
	assert.Equal(t, []string{"i-1", "i-2"}, groups[0].MemberUUIDs)
}

func TestComputeGetHostAggregates(t *testing.T) {
	client, _ := newNova(t)

	resp := client.GetHostAggregates(context.Background())
	require.True(t, resp.Completed, resp.Reason)
	aggs, _ := As[[]*types.HostAggregate](resp)
	require.Len(t, aggs, 2)
	assert.Equal(t, "agg-a", aggs[0].Name)
	assert.Equal(t, []string{"compute-0", "compute-1"}, aggs[0].HostNames)
	assert.Equal(t, "agg-b", aggs[1].Name)
}

func TestComputeInstanceActions(t *testing.T) {
	client, rec := newNova(t)
	ctx := context.Background()

	require.True(t, client.StopInstance(ctx, "i-1").Completed)
	require.True(t, client.StartInstance(ctx, "i-1").Completed)
	require.True(t, client.LiveMigrateInstance(ctx, "i-1").Completed)
	require.True(t, client.ColdMigrateInstance(ctx, "i-1").Completed)

	assert.Equal(t, []string{"os-stop", "os-start", "os-migrateLive", "migrate"}, rec.actions["i-1"])
}

func TestComputeActionNotFound(t *testing.T) {
	client, _ := newNova(t)

	resp := client.StopInstance(context.Background(), "i-404")
	assert.False(t, resp.Completed)
	assert.Equal(t, ErrorCodeNotFound, resp.ErrorCode)
}

func TestComputeServiceToggle(t *testing.T) {
	client, rec := newNova(t)
	ctx := context.Background()

	resp := client.DisableComputeService(ctx, "compute-0", "host locked")
	require.True(t, resp.Completed, resp.Reason)
	resp = client.EnableComputeService(ctx, "compute-0")
	require.True(t, resp.Completed, resp.Reason)

	require.Len(t, rec.updates, 2)
	assert.Equal(t, "disabled", rec.updates[0]["status"])
	assert.Equal(t, "host locked", rec.updates[0]["disabled_reason"])
	assert.Equal(t, "enabled", rec.updates[1]["status"])

	missing := client.DisableComputeService(ctx, "compute-9", "")
	assert.False(t, missing.Completed)
	assert.Equal(t, ErrorCodeNotFound, missing.ErrorCode)
}
