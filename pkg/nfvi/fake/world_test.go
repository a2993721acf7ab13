package fake

import (
	"context"
	"testing"

	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func worker(name string) *types.Host {
	return &types.Host{
		UUID:          name + "-uuid",
		Name:          name,
		Personalities: []types.Personality{types.PersonalityWorker},
		AdminState:    types.AdminStateUnlocked,
		OperState:     types.OperStateEnabled,
		AvailStatus:   types.AvailStatusAvailable,
	}
}

func TestLockUnlock(t *testing.T) {
	w := NewWorld()
	w.AddHost(worker("compute-0"))
	ctx := context.Background()

	resp := w.LockHost(ctx, "compute-0-uuid", false)
	require.True(t, resp.Completed)
	assert.True(t, w.Host("compute-0").IsLocked())

	resp = w.UnlockHost(ctx, "compute-0-uuid")
	require.True(t, resp.Completed)
	assert.True(t, w.Host("compute-0").IsUnlocked())
	assert.Equal(t, 2, len(w.Calls()))
}

func TestScriptedFailure(t *testing.T) {
	w := NewWorld()
	w.AddHost(worker("compute-0"))
	w.Fail("lock_host", nfvi.Failure(nfvi.ErrorCodeRejected, "busy"))
	ctx := context.Background()

	resp := w.LockHost(ctx, "compute-0-uuid", false)
	assert.False(t, resp.Completed)
	assert.Equal(t, "busy", resp.Reason)
	assert.True(t, w.Host("compute-0").IsUnlocked())

	resp = w.LockHost(ctx, "compute-0-uuid", false)
	assert.True(t, resp.Completed)
	assert.Equal(t, 2, w.CallCount("lock_host"))
}

func TestMigrateMovesToFirstWorker(t *testing.T) {
	w := NewWorld()
	for _, name := range []string{"compute-0", "compute-1", "compute-2"} {
		w.AddHost(worker(name))
	}
	w.AddInstance(&types.Instance{UUID: "i-1", Name: "vm", HostName: "compute-0"})
	ctx := context.Background()

	require.True(t, w.DisableComputeService(ctx, "compute-1", "").Completed)
	require.True(t, w.LiveMigrateInstance(ctx, "i-1").Completed)
	assert.Equal(t, "compute-2", w.Instance("i-1").HostName)

	require.True(t, w.DisableComputeService(ctx, "compute-0", "").Completed)
	resp := w.ColdMigrateInstance(ctx, "i-1")
	assert.False(t, resp.Completed)
	assert.Equal(t, nfvi.ErrorCodeRejected, resp.ErrorCode)
}

func TestDeployLifecycle(t *testing.T) {
	w := NewWorld()
	w.AddHost(worker("compute-0"))
	w.AddHost(worker("compute-1"))
	w.SetReleases([]types.Release{
		{ReleaseID: "r1", State: types.ReleaseStateDeployed},
		{ReleaseID: "r2", State: types.ReleaseStateAvailable},
	})
	ctx := context.Background()

	require.True(t, w.DeployStart(ctx, "r2", false).Completed)
	d := w.Deploy()
	assert.Equal(t, "r1", d.FromRelease)
	assert.Equal(t, types.SwDeployStateStartDone, d.State)

	require.True(t, w.DeployHost(ctx, "compute-0").Completed)
	assert.Equal(t, types.SwDeployStateDeployingHosts, w.Deploy().State)
	require.True(t, w.DeployHost(ctx, "compute-1").Completed)
	assert.Equal(t, types.SwDeployStateDeployingHostsDone, w.Deploy().State)

	w.ScriptActivate(types.SwDeployStateActivateFailed)
	require.True(t, w.DeployActivate(ctx).Completed)
	assert.Equal(t, types.SwDeployStateActivateFailed, w.Deploy().State)
	require.True(t, w.DeployActivate(ctx).Completed)
	assert.Equal(t, types.SwDeployStateActivateDone, w.Deploy().State)

	require.True(t, w.DeployComplete(ctx).Completed)
	assert.Equal(t, types.SwDeployStateCompleted, w.Deploy().State)
}

func TestTaints(t *testing.T) {
	w := NewWorld()
	ctx := context.Background()
	taint := corev1.Taint{Key: "services", Effect: corev1.TaintEffectNoExecute}

	w.TaintNode(ctx, "compute-0", taint)
	w.TaintNode(ctx, "compute-0", taint)
	assert.Equal(t, []string{"services"}, w.Taints("compute-0"))

	w.UntaintNode(ctx, "compute-0", "services", taint.Effect)
	assert.Empty(t, w.Taints("compute-0"))
}

func TestDispatcherPostsCallback(t *testing.T) {
	var posted []func()
	d := Dispatcher{Poster: posterFunc(func(fn func()) { posted = append(posted, fn) })}

	var got nfvi.Response
	d.Dispatch(func(ctx context.Context) nfvi.Response { return nfvi.Success("ok") }, func(r nfvi.Response) { got = r })
	require.Len(t, posted, 1)
	assert.False(t, got.Completed)

	posted[0]()
	assert.True(t, got.Completed)
	assert.Equal(t, "ok", got.ResultData)
}

type posterFunc func(fn func())

func (p posterFunc) Post(fn func()) { p(fn) }
