package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/vim/pkg/director"
	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

// rootcaProgress places an update in the phase order; no update reads
// as none
func rootcaProgress(u *types.KubeRootcaUpdate) (types.KubeRootcaPhase, bool) {
	if u == nil {
		return types.KubeRootcaPhaseNone, true
	}
	return u.State.Phase()
}

func (b *StepBase) queryRootca(env *Env, s Step, cb func(u *types.KubeRootcaUpdate)) {
	b.query(env, s, func(ctx context.Context) nfvi.Response {
		return env.Director.Client().Infrastructure.GetKubeRootcaUpdate(ctx)
	}, func(resp nfvi.Response) {
		u, _ := nfvi.As[*types.KubeRootcaUpdate](resp)
		env.Strategy.References.KubeRootca = nil
		if u != nil {
			env.Strategy.References.KubeRootca = u.Clone()
		}
		cb(u)
	})
}

var rootcaVerbs = map[StepKind]struct {
	timeout time.Duration
	phase   types.KubeRootcaPhase
	failure types.KubeRootcaUpdateState
	call    func(d *director.Director, s *KubeRootcaStep, done director.Done) *director.Operation
}{
	StepKubeRootcaUpdateStart: {
		timeout: 5 * time.Minute,
		phase:   types.KubeRootcaPhaseStarted,
		call: func(d *director.Director, s *KubeRootcaStep, done director.Done) *director.Operation {
			return d.KubeRootcaUpdateStart(s.Force, s.AlarmIgnore, done)
		},
	},
	StepKubeRootcaUploadCert: {
		timeout: 5 * time.Minute,
		phase:   types.KubeRootcaPhaseCertReady,
		call: func(d *director.Director, s *KubeRootcaStep, done director.Done) *director.Operation {
			return d.KubeRootcaUploadCert(s.Cert, done)
		},
	},
	StepKubeRootcaGenerateCert: {
		timeout: 5 * time.Minute,
		phase:   types.KubeRootcaPhaseCertReady,
		call: func(d *director.Director, s *KubeRootcaStep, done director.Done) *director.Operation {
			return d.KubeRootcaGenerateCert(s.Expiry, s.Subject, done)
		},
	},
	StepKubeRootcaPodsTrustBothCAs: {
		timeout: 30 * time.Minute,
		phase:   types.KubeRootcaPhasePodsTrustBothCAs,
		failure: types.KubeRootcaUpdateStateUpdatingPodsTrustBothCAsErr,
		call: func(d *director.Director, s *KubeRootcaStep, done director.Done) *director.Operation {
			return d.KubeRootcaPodsUpdate(nfvi.RootcaPhaseTrustBothCAs, done)
		},
	},
	StepKubeRootcaPodsTrustNewCA: {
		timeout: 30 * time.Minute,
		phase:   types.KubeRootcaPhasePodsTrustNewCA,
		failure: types.KubeRootcaUpdateStateUpdatingPodsTrustNewCAErr,
		call: func(d *director.Director, s *KubeRootcaStep, done director.Done) *director.Operation {
			return d.KubeRootcaPodsUpdate(nfvi.RootcaPhaseTrustNewCA, done)
		},
	},
	StepKubeRootcaUpdateComplete: {
		timeout: 5 * time.Minute,
		phase:   types.KubeRootcaPhaseComplete,
		call: func(d *director.Director, s *KubeRootcaStep, done director.Done) *director.Operation {
			return d.KubeRootcaUpdateComplete(done)
		},
	},
	StepKubeRootcaUpdateAbort: {
		timeout: 15 * time.Minute,
		call: func(d *director.Director, s *KubeRootcaStep, done director.Done) *director.Operation {
			return d.KubeRootcaUpdateAbort(done)
		},
	},
}

// KubeRootcaStep drives one cluster-wide phase of a root CA rotation and
// waits until the update has moved past it
type KubeRootcaStep struct {
	StepBase
	Force       bool     `json:"force,omitempty"`
	AlarmIgnore []string `json:"alarm_ignore_list,omitempty"`
	Cert        string   `json:"cert_file,omitempty"`
	Expiry      string   `json:"expiry_date,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Issued      bool     `json:"issued"`
}

// NewKubeRootcaStep creates a cluster-wide rootca step. Only the fields
// the kind uses need to be set on the result.
func NewKubeRootcaStep(kind StepKind) *KubeRootcaStep {
	return &KubeRootcaStep{StepBase: newBase(kind, rootcaVerbs[kind].timeout, EntityNone, nil, nil)}
}

func (s *KubeRootcaStep) evaluate(env *Env, u *types.KubeRootcaUpdate) bool {
	verb := rootcaVerbs[s.Name]
	switch s.Name {
	case StepKubeRootcaUpdateAbort:
		switch {
		case u == nil:
			env.Succeed(s, "no update")
		case u.State == types.KubeRootcaUpdateStateAborted:
			env.Succeed(s, "")
		default:
			return false
		}
		return true
	case StepKubeRootcaUpdateStart:
		if u == nil || u.State == types.KubeRootcaUpdateStateComplete || u.State == types.KubeRootcaUpdateStateAborted {
			return false
		}
		if s.Issued {
			env.Succeed(s, "")
		} else {
			env.Succeed(s, "kube rootca update already started")
		}
		return true
	}

	if u == nil {
		env.Fail(s, "no kube rootca update in progress", "")
		return true
	}
	if verb.failure != "" && u.State == verb.failure && s.Issued {
		env.Fail(s, fmt.Sprintf("kube rootca update reached %s", u.State), "")
		return true
	}
	phase, done := rootcaProgress(u)
	if phase > verb.phase || (phase == verb.phase && done) {
		env.Succeed(s, "")
		return true
	}
	return false
}

func (s *KubeRootcaStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.start(env)
	return ResultWait, ""
}

func (s *KubeRootcaStep) start(env *Env) {
	s.queryRootca(env, s, func(u *types.KubeRootcaUpdate) {
		if s.evaluate(env, u) {
			return
		}
		s.issue(env)
	})
}

func (s *KubeRootcaStep) issue(env *Env) {
	s.Issued = true
	env.Changed()
	rootcaVerbs[s.Name].call(env.Director, s, s.tracked(env, s, func(*director.Operation) {
		s.poll(env)
	}))
}

func (s *KubeRootcaStep) poll(env *Env) {
	s.queryRootca(env, s, func(u *types.KubeRootcaUpdate) {
		s.evaluate(env, u)
	})
}

func (s *KubeRootcaStep) HandleEvent(env *Env, e *events.Event) bool {
	if !s.Issued {
		return false
	}
	switch e.Type {
	case events.EventKubeRootcaFailed:
		if e.HostName == "" {
			env.Fail(s, "kube rootca update failed", e.Reason)
			return true
		}
	case events.EventKubeRootcaChanged:
		if !s.inflight {
			s.poll(env)
			return true
		}
	}
	return false
}

func (s *KubeRootcaStep) Poll(env *Env, now time.Time) bool {
	switch {
	case s.inflight:
	case s.takeRetry():
		s.issue(env)
	case s.Issued:
		s.poll(env)
	default:
		s.start(env)
	}
	return false
}

func (s *KubeRootcaStep) AbortSteps() []Step {
	if s.Name == StepKubeRootcaUpdateAbort || s.Name == StepKubeRootcaUpdateComplete {
		return nil
	}
	return []Step{NewKubeRootcaStep(StepKubeRootcaUpdateAbort)}
}

// rootcaHostPhases maps the per-host step kinds to the phase they request
// and its position in the rotation
var rootcaHostPhases = map[StepKind]struct {
	phase string
	rank  int
}{
	StepKubeRootcaHostTrustBothCAs: {nfvi.RootcaPhaseTrustBothCAs, 1},
	StepKubeRootcaHostUpdateCerts:  {nfvi.RootcaPhaseUpdateCerts, 2},
	StepKubeRootcaHostTrustNewCA:   {nfvi.RootcaPhaseTrustNewCA, 3},
}

var rootcaHostProgress = map[types.KubeRootcaHostState]struct {
	rank   int
	done   bool
	failed bool
}{
	types.KubeRootcaHostStateUpdatingTrustBothCAs: {rank: 1},
	types.KubeRootcaHostStateUpdatedTrustBothCAs:  {rank: 1, done: true},
	types.KubeRootcaHostStateTrustBothCAsFailed:   {rank: 1, failed: true},
	types.KubeRootcaHostStateUpdatingUpdateCerts:  {rank: 2},
	types.KubeRootcaHostStateUpdatedUpdateCerts:   {rank: 2, done: true},
	types.KubeRootcaHostStateUpdateCertsFailed:    {rank: 2, failed: true},
	types.KubeRootcaHostStateUpdatingTrustNewCA:   {rank: 3},
	types.KubeRootcaHostStateUpdatedTrustNewCA:    {rank: 3, done: true},
	types.KubeRootcaHostStateTrustNewCAFailed:     {rank: 3, failed: true},
}

// KubeRootcaHostsStep moves its hosts through one per-host rootca phase.
// Hosts already past the phase are skipped.
type KubeRootcaHostsStep struct {
	StepBase
	Phase  string `json:"phase"`
	Issued bool   `json:"issued"`
}

// NewKubeRootcaHostsStep creates a per-host rootca step
func NewKubeRootcaHostsStep(kind StepKind, hosts []*types.Host) *KubeRootcaHostsStep {
	names, uuids := hostRefs(hosts)
	return &KubeRootcaHostsStep{
		StepBase: newBase(kind, 30*time.Minute, EntityHosts, names, uuids),
		Phase:    rootcaHostPhases[kind].phase,
	}
}

func (s *KubeRootcaHostsStep) queryHosts(env *Env, cb func(hosts []types.KubeRootcaHostUpdate)) {
	s.query(env, s, func(ctx context.Context) nfvi.Response {
		return env.Director.Client().Infrastructure.GetKubeRootcaHostUpdates(ctx)
	}, func(resp nfvi.Response) {
		hosts, _ := nfvi.As[[]types.KubeRootcaHostUpdate](resp)
		cb(hosts)
	})
}

// pending returns the target hosts that have not finished the phase, or
// a reason when one failed or is missing
func (s *KubeRootcaHostsStep) pending(hosts []types.KubeRootcaHostUpdate) ([]string, string) {
	rank := rootcaHostPhases[s.Name].rank
	byName := make(map[string]types.KubeRootcaHostUpdate, len(hosts))
	for _, hu := range hosts {
		byName[hu.HostName] = hu
	}
	var pending []string
	for _, name := range s.EntityNames {
		hu, ok := byName[name]
		if !ok {
			return nil, fmt.Sprintf("host %s has no kube rootca update record", name)
		}
		p := rootcaHostProgress[hu.State]
		switch {
		case p.rank > rank, p.rank == rank && p.done:
		case p.rank == rank && p.failed && s.Issued:
			return nil, fmt.Sprintf("host %s reached %s", name, hu.State)
		default:
			pending = append(pending, name)
		}
	}
	return pending, ""
}

func (s *KubeRootcaHostsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.start(env)
	return ResultWait, ""
}

func (s *KubeRootcaHostsStep) start(env *Env) {
	s.queryHosts(env, func(hosts []types.KubeRootcaHostUpdate) {
		pending, reason := s.pending(hosts)
		switch {
		case reason != "":
			env.Fail(s, reason, "")
		case len(pending) == 0:
			env.Succeed(s, "hosts already updated")
		default:
			s.issue(env, pending)
		}
	})
}

func (s *KubeRootcaHostsStep) issue(env *Env, names []string) {
	s.Issued = true
	env.Changed()
	env.Director.KubeRootcaUpdateHosts(names, s.Phase, s.tracked(env, s, func(*director.Operation) {
		s.poll(env)
	}))
}

func (s *KubeRootcaHostsStep) poll(env *Env) {
	s.queryHosts(env, func(hosts []types.KubeRootcaHostUpdate) {
		pending, reason := s.pending(hosts)
		switch {
		case reason != "":
			env.Fail(s, reason, "")
		case len(pending) == 0:
			env.Succeed(s, "")
		}
	})
}

func (s *KubeRootcaHostsStep) HandleEvent(env *Env, e *events.Event) bool {
	if !s.Issued {
		return false
	}
	switch e.Type {
	case events.EventKubeRootcaFailed:
		if s.hasHost(e.HostName) {
			env.Fail(s, fmt.Sprintf("kube rootca update of host %s failed", e.HostName), e.Reason)
			return true
		}
	case events.EventKubeRootcaChanged:
		if !s.inflight {
			s.poll(env)
			return true
		}
	}
	return false
}

func (s *KubeRootcaHostsStep) Poll(env *Env, now time.Time) bool {
	switch {
	case s.inflight:
	case s.takeRetry():
		s.issue(env, s.EntityNames)
	case s.Issued:
		s.poll(env)
	default:
		s.start(env)
	}
	return false
}

func (s *KubeRootcaHostsStep) AbortSteps() []Step {
	return []Step{NewKubeRootcaStep(StepKubeRootcaUpdateAbort)}
}
