package nfvi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cuemby/vim/pkg/types"
)

// HostSeverity is the severity maintenance is told about for a host
type HostSeverity string

const (
	HostSeverityClear    HostSeverity = "clear"
	HostSeverityDegraded HostSeverity = "degraded"
	HostSeverityFailed   HostSeverity = "failed"
)

// MaintenanceAPI is the host maintenance surface
type MaintenanceAPI interface {
	QueryHost(ctx context.Context, uuid string) Response
	NotifyHostSeverity(ctx context.Context, uuid, hostName string, severity HostSeverity) Response
}

type mtceClient struct {
	rest *restClient
}

type mtceHost struct {
	UUID           string `json:"uuid"`
	Hostname       string `json:"hostname"`
	Administrative string `json:"administrative"`
	Operational    string `json:"operational"`
	Availability   string `json:"availability"`
	Uptime         int64  `json:"uptime"`
}

func (c *mtceClient) QueryHost(ctx context.Context, uuid string) Response {
	var body mtceHost
	resp := c.rest.call(ctx, "query_host", http.MethodGet, "/v1/hosts/"+url.PathEscape(uuid), nil, &body)
	if !resp.Completed {
		return resp
	}
	return Success(&types.Host{
		UUID:        body.UUID,
		Name:        body.Hostname,
		AdminState:  types.AdminState(body.Administrative),
		OperState:   types.OperState(body.Operational),
		AvailStatus: types.AvailStatus(body.Availability),
		Uptime:      body.Uptime,
	})
}

func (c *mtceClient) NotifyHostSeverity(ctx context.Context, uuid, hostName string, severity HostSeverity) Response {
	req := map[string]string{
		"uuid":     uuid,
		"hostname": hostName,
		"severity": string(severity),
	}
	return c.rest.call(ctx, "notify_host_severity", http.MethodPost, "/v1/hosts/"+url.PathEscape(uuid)+"/severity", req, nil)
}
