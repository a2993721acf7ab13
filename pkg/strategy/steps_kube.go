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

// queryKubeUpgrade reads the kube upgrade for the current attempt and
// keeps the reference current
func (b *StepBase) queryKubeUpgrade(env *Env, s Step, cb func(u *types.KubeUpgrade)) {
	b.query(env, s, func(ctx context.Context) nfvi.Response {
		return env.Director.Client().Infrastructure.GetKubeUpgrade(ctx)
	}, func(resp nfvi.Response) {
		u, _ := nfvi.As[*types.KubeUpgrade](resp)
		env.Strategy.References.KubeUpgrade = nil
		if u != nil {
			env.Strategy.References.KubeUpgrade = u.Clone()
		}
		cb(u)
	})
}

// KubeUpgradeStartStep starts the kubernetes upgrade to ToVersion
type KubeUpgradeStartStep struct {
	StepBase
	ToVersion   string   `json:"to_version"`
	Force       bool     `json:"force"`
	AlarmIgnore []string `json:"alarm_ignore_list,omitempty"`
	Issued      bool     `json:"issued"`
}

// NewKubeUpgradeStartStep creates a kube-upgrade-start step
func NewKubeUpgradeStartStep(toVersion string, force bool, alarmIgnore []string) *KubeUpgradeStartStep {
	return &KubeUpgradeStartStep{
		StepBase:    newBase(StepKubeUpgradeStart, 10*time.Minute, EntityNone, nil, nil),
		ToVersion:   toVersion,
		Force:       force,
		AlarmIgnore: alarmIgnore,
	}
}

func (s *KubeUpgradeStartStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.start(env)
	return ResultWait, ""
}

func (s *KubeUpgradeStartStep) start(env *Env) {
	s.queryKubeUpgrade(env, s, func(u *types.KubeUpgrade) {
		if s.evaluate(env, u) {
			return
		}
		s.issue(env)
	})
}

func (s *KubeUpgradeStartStep) evaluate(env *Env, u *types.KubeUpgrade) bool {
	switch {
	case u == nil:
		return false
	case u.ToVersion != s.ToVersion:
		env.Fail(s, fmt.Sprintf("kubernetes upgrade to %s already in progress", u.ToVersion), "")
	case s.Issued:
		env.Succeed(s, "")
	default:
		env.Succeed(s, "kubernetes upgrade already started")
	}
	return true
}

func (s *KubeUpgradeStartStep) issue(env *Env) {
	s.Issued = true
	env.Changed()
	env.Director.KubeUpgradeStart(s.ToVersion, s.Force, s.AlarmIgnore, s.tracked(env, s, func(*director.Operation) {
		s.poll(env)
	}))
}

func (s *KubeUpgradeStartStep) poll(env *Env) {
	s.queryKubeUpgrade(env, s, func(u *types.KubeUpgrade) {
		s.evaluate(env, u)
	})
}

func (s *KubeUpgradeStartStep) Poll(env *Env, now time.Time) bool {
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

func (s *KubeUpgradeStartStep) AbortSteps() []Step {
	return []Step{NewKubeUpgradeStateStep(StepKubeUpgradeAbort), NewKubeUpgradeCleanupStep()}
}

// kubeUpgradeVerbs maps each cluster-wide kube step to the state it
// requests and the states that end it
var kubeUpgradeVerbs = map[StepKind]struct {
	timeout time.Duration
	request types.KubeUpgradeState
	success types.KubeUpgradeState
	failure types.KubeUpgradeState
}{
	StepKubeUpgradeDownloadImages: {
		timeout: 30 * time.Minute,
		request: types.KubeUpgradeStateDownloadingImages,
		success: types.KubeUpgradeStateDownloadedImages,
		failure: types.KubeUpgradeStateDownloadingImagesFailed,
	},
	StepKubePreApplicationUpdate: {
		timeout: 30 * time.Minute,
		request: types.KubeUpgradeStatePreUpdatingApps,
		success: types.KubeUpgradeStatePreUpdatedApps,
		failure: types.KubeUpgradeStatePreUpdatingAppsFailed,
	},
	StepKubeUpgradeNetworking: {
		timeout: 15 * time.Minute,
		request: types.KubeUpgradeStateNetworkingUpgrading,
		success: types.KubeUpgradeStateNetworkingUpgraded,
		failure: types.KubeUpgradeStateNetworkingUpgradeFailed,
	},
	StepKubeUpgradeStorage: {
		timeout: 30 * time.Minute,
		request: types.KubeUpgradeStateStorageUpgrading,
		success: types.KubeUpgradeStateStorageUpgraded,
		failure: types.KubeUpgradeStateStorageUpgradeFailed,
	},
	StepKubePostApplicationUpdate: {
		timeout: 30 * time.Minute,
		request: types.KubeUpgradeStatePostUpdatingApps,
		success: types.KubeUpgradeStatePostUpdatedApps,
		failure: types.KubeUpgradeStatePostUpdatingAppsFailed,
	},
	StepKubeUpgradeComplete: {
		timeout: 10 * time.Minute,
		request: types.KubeUpgradeStateComplete,
		success: types.KubeUpgradeStateComplete,
	},
	StepKubeUpgradeAbort: {
		timeout: 30 * time.Minute,
		request: types.KubeUpgradeStateAborting,
		success: types.KubeUpgradeStateAborted,
		failure: types.KubeUpgradeStateAbortingFailed,
	},
}

// KubeUpgradeStateStep requests a cluster-wide kube upgrade transition
// and waits for the upgrade to reach its success state
type KubeUpgradeStateStep struct {
	StepBase
	Issued bool `json:"issued"`
}

// NewKubeUpgradeStateStep creates one of the cluster-wide kube upgrade steps
func NewKubeUpgradeStateStep(kind StepKind) *KubeUpgradeStateStep {
	return &KubeUpgradeStateStep{StepBase: newBase(kind, kubeUpgradeVerbs[kind].timeout, EntityNone, nil, nil)}
}

// evaluate finishes the step when u says so. A failure state seen before
// the request is issued is a previous attempt and is retried.
func (s *KubeUpgradeStateStep) evaluate(env *Env, u *types.KubeUpgrade) bool {
	verb := kubeUpgradeVerbs[s.Name]
	if s.Name == StepKubeUpgradeAbort {
		switch {
		case u == nil:
			env.Succeed(s, "no update")
		case u.State == verb.success:
			env.Succeed(s, "")
		case u.State == verb.failure && s.Issued:
			env.Fail(s, fmt.Sprintf("kubernetes upgrade reached %s", u.State), "")
		default:
			return false
		}
		return true
	}

	switch {
	case u == nil:
		env.Fail(s, "no kubernetes upgrade in progress", "")
	case verb.failure != "" && u.State == verb.failure && s.Issued:
		env.Fail(s, fmt.Sprintf("kubernetes upgrade reached %s", u.State), "")
	case u.State.Rank() >= verb.success.Rank() && u.State != verb.failure:
		env.Succeed(s, "")
	default:
		return false
	}
	return true
}

func (s *KubeUpgradeStateStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.start(env)
	return ResultWait, ""
}

func (s *KubeUpgradeStateStep) start(env *Env) {
	s.queryKubeUpgrade(env, s, func(u *types.KubeUpgrade) {
		if s.evaluate(env, u) {
			return
		}
		s.issue(env)
	})
}

func (s *KubeUpgradeStateStep) issue(env *Env) {
	s.Issued = true
	env.Changed()
	env.Director.KubeUpgradeSetState(kubeUpgradeVerbs[s.Name].request, s.tracked(env, s, func(*director.Operation) {
		s.poll(env)
	}))
}

func (s *KubeUpgradeStateStep) poll(env *Env) {
	s.queryKubeUpgrade(env, s, func(u *types.KubeUpgrade) {
		s.evaluate(env, u)
	})
}

func (s *KubeUpgradeStateStep) HandleEvent(env *Env, e *events.Event) bool {
	switch e.Type {
	case events.EventKubeUpgradeFailed:
		if s.Issued {
			env.Fail(s, "kubernetes upgrade failed", e.Reason)
			return true
		}
	case events.EventKubeUpgradeChanged:
		if s.Issued && !s.inflight {
			s.poll(env)
			return true
		}
	}
	return false
}

func (s *KubeUpgradeStateStep) Poll(env *Env, now time.Time) bool {
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

func (s *KubeUpgradeStateStep) AbortSteps() []Step {
	if s.Name == StepKubeUpgradeAbort || s.Name == StepKubeUpgradeComplete {
		return nil
	}
	return []Step{NewKubeUpgradeStateStep(StepKubeUpgradeAbort)}
}

// KubeUpgradeCleanupStep removes a finished or aborted kube upgrade
type KubeUpgradeCleanupStep struct {
	StepBase
	Issued bool `json:"issued"`
}

// NewKubeUpgradeCleanupStep creates a kube-upgrade-cleanup step
func NewKubeUpgradeCleanupStep() *KubeUpgradeCleanupStep {
	return &KubeUpgradeCleanupStep{StepBase: newBase(StepKubeUpgradeCleanup, 10*time.Minute, EntityNone, nil, nil)}
}

func (s *KubeUpgradeCleanupStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.start(env)
	return ResultWait, ""
}

func (s *KubeUpgradeCleanupStep) start(env *Env) {
	s.queryKubeUpgrade(env, s, func(u *types.KubeUpgrade) {
		if u == nil {
			env.Succeed(s, "no update")
			return
		}
		s.issue(env)
	})
}

func (s *KubeUpgradeCleanupStep) issue(env *Env) {
	s.Issued = true
	env.Director.KubeUpgradeCleanup(s.tracked(env, s, func(*director.Operation) {
		s.poll(env)
	}))
}

func (s *KubeUpgradeCleanupStep) poll(env *Env) {
	s.queryKubeUpgrade(env, s, func(u *types.KubeUpgrade) {
		if u == nil {
			env.Succeed(s, "")
		}
	})
}

func (s *KubeUpgradeCleanupStep) Poll(env *Env, now time.Time) bool {
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

// kubeHostVerbs describes the per-host kube steps
var kubeHostVerbs = map[StepKind]struct {
	timeout time.Duration
	call    func(d *director.Director, names []string, force bool, done director.Done) *director.Operation
	failed  types.KubeHostUpgradeStatus
}{
	StepKubeHostCordon: {
		timeout: 10 * time.Minute,
		call:    (*director.Director).KubeHostCordon,
	},
	StepKubeHostUncordon: {
		timeout: 10 * time.Minute,
		call:    (*director.Director).KubeHostUncordon,
	},
	StepKubeHostUpgradeControlPlane: {
		timeout: 30 * time.Minute,
		call:    (*director.Director).KubeHostUpgradeControlPlane,
		failed:  types.KubeHostUpgradeStatusUpgradingControlPlaneErr,
	},
	StepKubeHostUpgradeKubelet: {
		timeout: 30 * time.Minute,
		call:    (*director.Director).KubeHostUpgradeKubelet,
		failed:  types.KubeHostUpgradeStatusUpgradingKubeletErr,
	},
}

// KubeHostStep runs a kube verb on its hosts. Cordon and uncordon finish
// once the platform accepts them; control plane and kubelet upgrades
// finish once every host reports ToVersion.
type KubeHostStep struct {
	StepBase
	ToVersion string `json:"to_version,omitempty"`
	Force     bool   `json:"force"`
	Issued    bool   `json:"issued"`
}

// NewKubeHostStep creates a per-host kube step
func NewKubeHostStep(kind StepKind, hosts []*types.Host, toVersion string, force bool) *KubeHostStep {
	names, uuids := hostRefs(hosts)
	return &KubeHostStep{
		StepBase:  newBase(kind, kubeHostVerbs[kind].timeout, EntityHosts, names, uuids),
		ToVersion: toVersion,
		Force:     force,
	}
}

func (s *KubeHostStep) upgrades() bool {
	return s.Name == StepKubeHostUpgradeControlPlane || s.Name == StepKubeHostUpgradeKubelet
}

func (s *KubeHostStep) version(hu types.KubeHostUpgrade) string {
	if s.Name == StepKubeHostUpgradeControlPlane {
		return hu.ControlPlaneVersion
	}
	return hu.KubeletVersion
}

func (s *KubeHostStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	if !s.upgrades() {
		s.issue(env, s.EntityNames)
		return ResultWait, ""
	}
	s.start(env)
	return ResultWait, ""
}

func (s *KubeHostStep) start(env *Env) {
	s.queryHosts(env, func(hosts []types.KubeHostUpgrade) {
		pending, reason := s.pending(hosts)
		switch {
		case reason != "":
			env.Fail(s, reason, "")
		case len(pending) == 0:
			env.Succeed(s, fmt.Sprintf("hosts already at %s", s.ToVersion))
		default:
			s.issue(env, pending)
		}
	})
}

func (s *KubeHostStep) queryHosts(env *Env, cb func(hosts []types.KubeHostUpgrade)) {
	s.query(env, s, func(ctx context.Context) nfvi.Response {
		return env.Director.Client().Infrastructure.GetKubeHostUpgrades(ctx)
	}, func(resp nfvi.Response) {
		hosts, _ := nfvi.As[[]types.KubeHostUpgrade](resp)
		env.Strategy.References.KubeHostUpgrades = hosts
		cb(hosts)
	})
}

// pending returns the target hosts below ToVersion, or a reason when a
// host failed or is missing
func (s *KubeHostStep) pending(hosts []types.KubeHostUpgrade) ([]string, string) {
	byName := make(map[string]types.KubeHostUpgrade, len(hosts))
	for _, hu := range hosts {
		byName[hu.HostName] = hu
	}
	var pending []string
	for _, name := range s.EntityNames {
		hu, ok := byName[name]
		if !ok {
			return nil, fmt.Sprintf("host %s has no kubernetes upgrade record", name)
		}
		if s.Issued && hu.Status == kubeHostVerbs[s.Name].failed {
			return nil, fmt.Sprintf("host %s reached %s", name, hu.Status)
		}
		if nfvi.CompareKubeVersions(s.version(hu), s.ToVersion) < 0 {
			pending = append(pending, name)
		}
	}
	return pending, ""
}

func (s *KubeHostStep) issue(env *Env, names []string) {
	s.Issued = true
	env.Changed()
	kubeHostVerbs[s.Name].call(env.Director, names, s.Force, s.tracked(env, s, func(*director.Operation) {
		if !s.upgrades() {
			env.Succeed(s, "")
			return
		}
		s.poll(env)
	}))
}

func (s *KubeHostStep) poll(env *Env) {
	s.queryHosts(env, func(hosts []types.KubeHostUpgrade) {
		pending, reason := s.pending(hosts)
		switch {
		case reason != "":
			env.Fail(s, reason, "")
		case len(pending) == 0:
			env.Succeed(s, "")
		}
	})
}

func (s *KubeHostStep) HandleEvent(env *Env, e *events.Event) bool {
	if !s.upgrades() || !s.Issued {
		return false
	}
	switch e.Type {
	case events.EventKubeHostUpgradeFailed:
		if s.hasHost(e.HostName) {
			env.Fail(s, fmt.Sprintf("kubernetes upgrade of host %s failed", e.HostName), e.Reason)
			return true
		}
	case events.EventKubeHostUpgradeChanged:
		if s.hasHost(e.HostName) && !s.inflight {
			s.poll(env)
			return true
		}
	}
	return false
}

func (s *KubeHostStep) Poll(env *Env, now time.Time) bool {
	switch {
	case s.inflight:
	case s.takeRetry():
		s.issue(env, s.EntityNames)
	case !s.upgrades():
	case s.Issued:
		s.poll(env)
	default:
		s.start(env)
	}
	return false
}

func (s *KubeHostStep) AbortSteps() []Step {
	switch s.Name {
	case StepKubeHostCordon:
		return []Step{&KubeHostStep{
			StepBase: newBase(StepKubeHostUncordon, kubeHostVerbs[StepKubeHostUncordon].timeout, EntityHosts, s.EntityNames, s.EntityUUIDs),
			Force:    true,
		}}
	case StepKubeHostUpgradeControlPlane, StepKubeHostUpgradeKubelet:
		return []Step{NewKubeUpgradeStateStep(StepKubeUpgradeAbort)}
	}
	return nil
}
