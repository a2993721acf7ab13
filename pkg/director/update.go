package director

import (
	"context"

	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

// The verbs below address the singleton update objects. Each operation
// has a single entity named after its verb; Operation.Result returns the
// backend response under that name.

func (d *Director) DeployPrecheck(release string, force bool, done Done) *Operation {
	return d.single("sw-deploy-precheck", func(ctx context.Context) nfvi.Response {
		return d.client.Software.DeployPrecheck(ctx, release, force)
	}, done)
}

func (d *Director) DeployStart(release string, force bool, done Done) *Operation {
	return d.single("sw-deploy-start", func(ctx context.Context) nfvi.Response {
		return d.client.Software.DeployStart(ctx, release, force)
	}, done)
}

func (d *Director) DeployActivate(done Done) *Operation {
	return d.single("sw-deploy-activate", d.client.Software.DeployActivate, done)
}

func (d *Director) DeployComplete(done Done) *Operation {
	return d.single("sw-deploy-complete", d.client.Software.DeployComplete, done)
}

func (d *Director) DeployAbort(done Done) *Operation {
	return d.single("sw-deploy-abort", d.client.Software.DeployAbort, done)
}

func (d *Director) DeployActivateRollback(done Done) *Operation {
	return d.single("sw-deploy-activate-rollback", d.client.Software.DeployActivateRollback, done)
}

func (d *Director) KubeUpgradeStart(toVersion string, force bool, alarmIgnore []string, done Done) *Operation {
	return d.single("kube-upgrade-start", func(ctx context.Context) nfvi.Response {
		return d.client.Infrastructure.KubeUpgradeStart(ctx, toVersion, force, alarmIgnore)
	}, done)
}

// KubeUpgradeSetState requests a cluster-wide kube upgrade transition
// such as downloading-images or upgrading-networking
func (d *Director) KubeUpgradeSetState(state types.KubeUpgradeState, done Done) *Operation {
	return d.single("kube-upgrade-"+string(state), func(ctx context.Context) nfvi.Response {
		return d.client.Infrastructure.KubeUpgradeSetState(ctx, state)
	}, done)
}

func (d *Director) KubeUpgradeCleanup(done Done) *Operation {
	return d.single("kube-upgrade-cleanup", d.client.Infrastructure.KubeUpgradeCleanup, done)
}

func (d *Director) KubeRootcaUpdateStart(force bool, alarmIgnore []string, done Done) *Operation {
	return d.single("kube-rootca-update-start", func(ctx context.Context) nfvi.Response {
		return d.client.Infrastructure.KubeRootcaUpdateStart(ctx, force, alarmIgnore)
	}, done)
}

func (d *Director) KubeRootcaUploadCert(pem string, done Done) *Operation {
	return d.single("kube-rootca-update-upload-cert", func(ctx context.Context) nfvi.Response {
		return d.client.Infrastructure.KubeRootcaUploadCert(ctx, pem)
	}, done)
}

func (d *Director) KubeRootcaGenerateCert(expiryDate, subject string, done Done) *Operation {
	return d.single("kube-rootca-update-generate-cert", func(ctx context.Context) nfvi.Response {
		return d.client.Infrastructure.KubeRootcaGenerateCert(ctx, expiryDate, subject)
	}, done)
}

func (d *Director) KubeRootcaPodsUpdate(phase string, done Done) *Operation {
	return d.single("kube-rootca-update-pods-"+phase, func(ctx context.Context) nfvi.Response {
		return d.client.Infrastructure.KubeRootcaPodsUpdate(ctx, phase)
	}, done)
}

func (d *Director) KubeRootcaUpdateComplete(done Done) *Operation {
	return d.single("kube-rootca-update-complete", d.client.Infrastructure.KubeRootcaUpdateComplete, done)
}

func (d *Director) KubeRootcaUpdateAbort(done Done) *Operation {
	return d.single("kube-rootca-update-abort", d.client.Infrastructure.KubeRootcaUpdateAbort, done)
}
