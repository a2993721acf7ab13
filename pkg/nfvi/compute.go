package nfvi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/cuemby/vim/pkg/types"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/aggregates"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servergroups"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/services"
)

// computeMicroversion returns service ids as uuids
const computeMicroversion = "2.53"

// ComputeAPI is the compute (instance) surface
type ComputeAPI interface {
	GetInstances(ctx context.Context) Response
	GetInstance(ctx context.Context, uuid string) Response
	GetInstanceGroups(ctx context.Context) Response
	GetHostAggregates(ctx context.Context) Response
	StartInstance(ctx context.Context, uuid string) Response
	StopInstance(ctx context.Context, uuid string) Response
	LiveMigrateInstance(ctx context.Context, uuid string) Response
	ColdMigrateInstance(ctx context.Context, uuid string) Response
	EnableComputeService(ctx context.Context, hostName string) Response
	DisableComputeService(ctx context.Context, hostName, reason string) Response
}

type computeClient struct {
	rest *restClient
}

type computeServer struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	TenantID  string          `json:"tenant_id"`
	Status    string          `json:"status"`
	Host      string          `json:"OS-EXT-SRV-ATTR:host"`
	TaskState string          `json:"OS-EXT-STS:task_state"`
	Flavor    json.RawMessage `json:"flavor"`
	Image     json.RawMessage `json:"image"`
}

// refID reads the id of a {"id": ...} reference; volume backed servers
// carry an empty string instead of an image object
func refID(raw json.RawMessage) string {
	var ref struct {
		ID           string `json:"id"`
		OriginalName string `json:"original_name"`
	}
	if json.Unmarshal(raw, &ref) != nil {
		return ""
	}
	if ref.ID != "" {
		return ref.ID
	}
	return ref.OriginalName
}

func (s computeServer) toInstance() *types.Instance {
	inst := &types.Instance{
		UUID:                 s.ID,
		Name:                 s.Name,
		TenantID:             s.TenantID,
		HostName:             s.Host,
		FlavorRef:            refID(s.Flavor),
		ImageRef:             refID(s.Image),
		Action:               s.TaskState,
		LiveMigrationSupport: true,
	}
	switch strings.ToUpper(s.Status) {
	case "ACTIVE", "MIGRATING", "RESIZE", "VERIFY_RESIZE", "REBUILD":
		inst.AdminState = types.AdminStateUnlocked
		inst.OperState = types.OperStateEnabled
	case "SHUTOFF", "STOPPED", "SHELVED", "SHELVED_OFFLOADED":
		inst.AdminState = types.AdminStateLocked
		inst.OperState = types.OperStateDisabled
	default:
		inst.AdminState = types.AdminStateUnlocked
		inst.OperState = types.OperStateDisabled
	}
	return inst
}

func (c *computeClient) serviceClient(token *Token, endpoint string) *gophercloud.ServiceClient {
	provider := &gophercloud.ProviderClient{HTTPClient: *c.rest.http}
	provider.SetToken(token.ID)
	return &gophercloud.ServiceClient{
		ProviderClient: provider,
		Endpoint:       endpoint + "/",
		Type:           "compute",
		Microversion:   computeMicroversion,
	}
}

// do runs a gophercloud call behind the common middleware
func (c *computeClient) do(ctx context.Context, name string, fn func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error)) Response {
	return c.rest.invoke(ctx, name, func(ctx context.Context, token *Token, endpoint string) Response {
		result, err := fn(ctx, c.serviceClient(token, endpoint))
		if err != nil {
			return c.failure(name, err)
		}
		return Success(result)
	})
}

func (c *computeClient) failure(name string, err error) Response {
	var unexpected gophercloud.ErrUnexpectedResponseCode
	if errors.As(err, &unexpected) {
		if resp, failed := c.rest.statusFailure(name, unexpected.Actual, unexpected.ResponseHeader.Get("Retry-After"), unexpected.Body); failed {
			return resp
		}
	}
	return Failuref(ErrorCodeTransport, "%s %s: %v", c.rest.service, name, err)
}

func (c *computeClient) GetInstances(ctx context.Context) Response {
	return c.do(ctx, "get_instances", func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error) {
		pages, err := servers.List(sc, servers.ListOpts{AllTenants: true}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		data := &struct {
			Servers []computeServer `json:"servers"`
		}{}
		if err := pages.(servers.ServerPage).ExtractInto(data); err != nil {
			return nil, err
		}
		instances := make([]*types.Instance, 0, len(data.Servers))
		for _, s := range data.Servers {
			instances = append(instances, s.toInstance())
		}
		sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
		return instances, nil
	})
}

func (c *computeClient) GetInstance(ctx context.Context, uuid string) Response {
	return c.do(ctx, "get_instance", func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error) {
		var body struct {
			Server computeServer `json:"server"`
		}
		if err := servers.Get(ctx, sc, uuid).ExtractInto(&body); err != nil {
			return nil, err
		}
		return body.Server.toInstance(), nil
	})
}

func (c *computeClient) GetInstanceGroups(ctx context.Context) Response {
	return c.do(ctx, "get_instance_groups", func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error) {
		pages, err := servergroups.List(sc, servergroups.ListOpts{AllProjects: true}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		all, err := servergroups.ExtractServerGroups(pages)
		if err != nil {
			return nil, err
		}
		groups := make([]*types.InstanceGroup, 0, len(all))
		for _, g := range all {
			policies := g.Policies
			if len(policies) == 0 && g.Policy != nil {
				policies = []string{*g.Policy}
			}
			members := append([]string(nil), g.Members...)
			sort.Strings(members)
			groups = append(groups, &types.InstanceGroup{
				UUID:        g.ID,
				Name:        g.Name,
				Policies:    policies,
				MemberUUIDs: members,
			})
		}
		sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
		return groups, nil
	})
}

func (c *computeClient) GetHostAggregates(ctx context.Context) Response {
	return c.do(ctx, "get_host_aggregates", func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error) {
		pages, err := aggregates.List(sc).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		all, err := aggregates.ExtractAggregates(pages)
		if err != nil {
			return nil, err
		}
		result := make([]*types.HostAggregate, 0, len(all))
		for _, a := range all {
			hosts := append([]string(nil), a.Hosts...)
			sort.Strings(hosts)
			result = append(result, &types.HostAggregate{Name: a.Name, HostNames: hosts})
		}
		sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
		return result, nil
	})
}

func (c *computeClient) StartInstance(ctx context.Context, uuid string) Response {
	return c.do(ctx, "start_instance", func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error) {
		return uuid, servers.Start(ctx, sc, uuid).ExtractErr()
	})
}

func (c *computeClient) StopInstance(ctx context.Context, uuid string) Response {
	return c.do(ctx, "stop_instance", func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error) {
		return uuid, servers.Stop(ctx, sc, uuid).ExtractErr()
	})
}

func (c *computeClient) LiveMigrateInstance(ctx context.Context, uuid string) Response {
	return c.do(ctx, "live_migrate_instance", func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error) {
		blockMigration := false
		opts := servers.LiveMigrateOpts{BlockMigration: &blockMigration}
		return uuid, servers.LiveMigrate(ctx, sc, uuid, opts).ExtractErr()
	})
}

func (c *computeClient) ColdMigrateInstance(ctx context.Context, uuid string) Response {
	return c.do(ctx, "cold_migrate_instance", func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error) {
		return uuid, servers.Migrate(ctx, sc, uuid).ExtractErr()
	})
}

func (c *computeClient) setComputeService(ctx context.Context, name, hostName string, opts services.UpdateOpts) Response {
	return c.do(ctx, name, func(ctx context.Context, sc *gophercloud.ServiceClient) (any, error) {
		pages, err := services.List(sc, services.ListOpts{Binary: "nova-compute", Host: hostName}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		all, err := services.ExtractServices(pages)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusNotFound}
		}
		for _, svc := range all {
			if _, err := services.Update(ctx, sc, svc.ID, opts).Extract(); err != nil {
				return nil, err
			}
		}
		return hostName, nil
	})
}

func (c *computeClient) EnableComputeService(ctx context.Context, hostName string) Response {
	return c.setComputeService(ctx, "enable_compute_service", hostName, services.UpdateOpts{Status: services.ServiceEnabled})
}

func (c *computeClient) DisableComputeService(ctx context.Context, hostName, reason string) Response {
	opts := services.UpdateOpts{Status: services.ServiceDisabled, DisabledReason: reason}
	return c.setComputeService(ctx, "disable_compute_service", hostName, opts)
}
