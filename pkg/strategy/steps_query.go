package strategy

import (
	"context"
	"time"

	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

// fleetParts collects the pieces of a fleet snapshot while query-hosts
// walks its queries
type fleetParts struct {
	system     types.SystemInfo
	hosts      []*types.Host
	instances  []*types.Instance
	groups     []*types.InstanceGroup
	aggregates []*types.HostAggregate
}

type queryCall struct {
	name  string
	call  func(c *nfvi.Client) func(ctx context.Context) nfvi.Response
	apply func(s *QueryStep, refs *References, resp nfvi.Response)
}

// queryPlans lists the reads behind every build-phase query kind, in the
// order they are issued
var queryPlans = map[StepKind][]queryCall{
	StepQueryHosts: {
		{"system", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Infrastructure.GetSystemInfo },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				s.parts.system, _ = nfvi.As[types.SystemInfo](resp)
			}},
		{"hosts", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Infrastructure.GetHosts },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				s.parts.hosts, _ = nfvi.As[[]*types.Host](resp)
			}},
		{"instances", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Compute.GetInstances },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				s.parts.instances, _ = nfvi.As[[]*types.Instance](resp)
			}},
		{"instance-groups", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Compute.GetInstanceGroups },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				s.parts.groups, _ = nfvi.As[[]*types.InstanceGroup](resp)
			}},
		{"aggregates", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Compute.GetHostAggregates },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				s.parts.aggregates, _ = nfvi.As[[]*types.HostAggregate](resp)
				p := s.parts
				refs.Fleet = fleet.NewSnapshot(p.system, p.hosts, p.instances, p.groups, p.aggregates)
			}},
	},
	StepQuerySwPatchHosts: {
		{"patch-hosts", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Software.QueryPatchHosts },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				refs.PatchHosts, _ = nfvi.As[[]nfvi.PatchHost](resp)
			}},
	},
	StepQuerySwDeploy: {
		{"releases", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Software.GetReleases },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				refs.Releases, _ = nfvi.As[[]types.Release](resp)
			}},
		{"deploy", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Software.GetDeploy },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				refs.SwDeploy, _ = nfvi.As[*types.SwDeploy](resp)
			}},
	},
	StepQueryKubeVersions: {
		{"kube-versions", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Infrastructure.GetKubeVersions },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				refs.KubeVersions, _ = nfvi.As[[]types.KubeVersion](resp)
			}},
	},
	StepQueryKubeUpgrade: {
		{"kube-upgrade", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Infrastructure.GetKubeUpgrade },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				refs.KubeUpgrade, _ = nfvi.As[*types.KubeUpgrade](resp)
			}},
	},
	StepQueryKubeHostUpgrade: {
		{"kube-host-upgrades", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Infrastructure.GetKubeHostUpgrades },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				refs.KubeHostUpgrades, _ = nfvi.As[[]types.KubeHostUpgrade](resp)
			}},
	},
	StepQueryKubeRootca: {
		{"kube-rootca-update", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Infrastructure.GetKubeRootcaUpdate },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				refs.KubeRootca, _ = nfvi.As[*types.KubeRootcaUpdate](resp)
			}},
		{"kube-rootca-hosts", func(c *nfvi.Client) func(context.Context) nfvi.Response { return c.Infrastructure.GetKubeRootcaHostUpdates },
			func(s *QueryStep, refs *References, resp nfvi.Response) {
				refs.KubeRootcaHosts, _ = nfvi.As[[]types.KubeRootcaHostUpdate](resp)
			}},
	},
}

// QueryStep is a build-phase read. It runs the queries of its kind in
// order and stores each result in the strategy references.
type QueryStep struct {
	StepBase
	parts fleetParts
}

// NewQueryStep creates a build-phase query step
func NewQueryStep(kind StepKind) *QueryStep {
	return &QueryStep{StepBase: newBase(kind, time.Minute, EntityNone, nil, nil)}
}

func (s *QueryStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.run(env, queryPlans[s.Name])
	return ResultWait, ""
}

func (s *QueryStep) run(env *Env, plan []queryCall) {
	if len(plan) == 0 {
		env.Changed()
		env.Succeed(s, "")
		return
	}
	q := plan[0]
	s.query(env, s, q.call(env.Director.Client()), func(resp nfvi.Response) {
		env.Logger.Debug().Str("query", q.name).Msg("Query complete")
		q.apply(s, &env.Strategy.References, resp)
		s.run(env, plan[1:])
	})
}

// Poll restarts the queries after a retryable failure dropped one
func (s *QueryStep) Poll(env *Env, now time.Time) bool {
	if !s.querying {
		s.parts = fleetParts{}
		s.run(env, queryPlans[s.Name])
	}
	return false
}

func (s *QueryStep) Interruptible() bool { return true }
