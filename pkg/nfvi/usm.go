package nfvi

import (
	"context"
	"net/http"
	"net/url"
	"sort"

	"github.com/cuemby/vim/pkg/types"
)

// SoftwareAPI is the software (patch and deploy) manager surface
type SoftwareAPI interface {
	GetReleases(ctx context.Context) Response
	GetDeploy(ctx context.Context) Response
	GetDeployHosts(ctx context.Context) Response
	DeployPrecheck(ctx context.Context, release string, force bool) Response
	DeployStart(ctx context.Context, release string, force bool) Response
	DeployHost(ctx context.Context, hostName string) Response
	DeployActivate(ctx context.Context) Response
	DeployComplete(ctx context.Context) Response
	DeployAbort(ctx context.Context) Response
	DeployActivateRollback(ctx context.Context) Response

	QueryPatchHosts(ctx context.Context) Response
	PatchHostInstall(ctx context.Context, hostName string) Response
}

// PrecheckResult is the outcome of a deploy precheck
type PrecheckResult struct {
	SystemHealthy bool   `json:"system_healthy"`
	Info          string `json:"info"`
	Warning       string `json:"warning"`
	Error         string `json:"error"`
}

// PatchHost is the legacy patching state of one host
type PatchHost struct {
	HostName       string `json:"hostname"`
	PatchCurrent   bool   `json:"patch_current"`
	PatchFailed    bool   `json:"patch_failed"`
	RequiresReboot bool   `json:"requires_reboot"`
	State          string `json:"state"`
}

type usmClient struct {
	rest *restClient
}

func (c *usmClient) GetReleases(ctx context.Context) Response {
	var releases []types.Release
	resp := c.rest.call(ctx, "get_releases", http.MethodGet, "/v1/release", nil, &releases)
	if !resp.Completed {
		return resp
	}
	sort.Slice(releases, func(i, j int) bool { return releases[i].ReleaseID < releases[j].ReleaseID })
	return Success(releases)
}

// GetDeploy returns the in-progress deployment merged with its host
// records, or a nil *types.SwDeploy when none exists
func (c *usmClient) GetDeploy(ctx context.Context) Response {
	var deploys []types.SwDeploy
	resp := c.rest.call(ctx, "get_deploy", http.MethodGet, "/v1/deploy", nil, &deploys)
	if !resp.Completed {
		return resp
	}
	if len(deploys) == 0 {
		return Success((*types.SwDeploy)(nil))
	}
	deploy := deploys[0]
	if deploy.ReleaseID == "" {
		deploy.ReleaseID = deploy.ToRelease
	}

	hosts := c.GetDeployHosts(ctx)
	if !hosts.Completed {
		return hosts
	}
	deploy.Hosts, _ = As[[]types.DeployHost](hosts)
	return Success(&deploy)
}

func (c *usmClient) GetDeployHosts(ctx context.Context) Response {
	var hosts []types.DeployHost
	resp := c.rest.call(ctx, "get_deploy_hosts", http.MethodGet, "/v1/deploy_host", nil, &hosts)
	if !resp.Completed {
		return resp
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].HostName < hosts[j].HostName })
	return Success(hosts)
}

func (c *usmClient) DeployPrecheck(ctx context.Context, release string, force bool) Response {
	var result PrecheckResult
	path := "/v1/deploy/" + url.PathEscape(release) + "/precheck"
	if force {
		path += "/force"
	}
	resp := c.rest.call(ctx, "sw_deploy_precheck", http.MethodPost, path, nil, &result)
	if !resp.Completed {
		return resp
	}
	return Success(result)
}

func (c *usmClient) deployAction(ctx context.Context, name, path string) Response {
	var result struct {
		Info  string `json:"info"`
		Error string `json:"error"`
	}
	resp := c.rest.call(ctx, name, http.MethodPost, path, nil, &result)
	if !resp.Completed {
		return resp
	}
	if result.Error != "" {
		return Failure(ErrorCodeRejected, result.Error)
	}
	return Success(result.Info)
}

func (c *usmClient) DeployStart(ctx context.Context, release string, force bool) Response {
	path := "/v1/deploy/" + url.PathEscape(release) + "/start"
	if force {
		path += "/force"
	}
	return c.deployAction(ctx, "sw_deploy_start", path)
}

func (c *usmClient) DeployHost(ctx context.Context, hostName string) Response {
	return c.deployAction(ctx, "sw_deploy_host", "/v1/deploy_host/"+url.PathEscape(hostName))
}

func (c *usmClient) DeployActivate(ctx context.Context) Response {
	return c.deployAction(ctx, "sw_deploy_activate", "/v1/deploy/activate")
}

func (c *usmClient) DeployComplete(ctx context.Context) Response {
	return c.deployAction(ctx, "sw_deploy_complete", "/v1/deploy/complete")
}

func (c *usmClient) DeployAbort(ctx context.Context) Response {
	return c.deployAction(ctx, "sw_deploy_abort", "/v1/deploy/abort")
}

func (c *usmClient) DeployActivateRollback(ctx context.Context) Response {
	return c.deployAction(ctx, "sw_deploy_activate_rollback", "/v1/deploy/activate_rollback")
}

func (c *usmClient) QueryPatchHosts(ctx context.Context) Response {
	var body struct {
		Hosts []PatchHost `json:"data"`
	}
	resp := c.rest.call(ctx, "query_patch_hosts", http.MethodGet, "/v1/query_hosts", nil, &body)
	if !resp.Completed {
		return resp
	}
	sort.Slice(body.Hosts, func(i, j int) bool { return body.Hosts[i].HostName < body.Hosts[j].HostName })
	return Success(body.Hosts)
}

func (c *usmClient) PatchHostInstall(ctx context.Context, hostName string) Response {
	return c.deployAction(ctx, "patch_host_install", "/v1/host_install_async/"+url.PathEscape(hostName))
}
