package strategy

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cuemby/vim/pkg/director"
	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

// SwPatchHostsStep installs patches on its hosts
type SwPatchHostsStep struct {
	StepBase
}

// NewSwPatchHostsStep creates a sw-patch-hosts step
func NewSwPatchHostsStep(hosts []*types.Host) *SwPatchHostsStep {
	names, uuids := hostRefs(hosts)
	return &SwPatchHostsStep{StepBase: newBase(StepSwPatchHosts, 30*time.Minute, EntityHosts, names, uuids)}
}

func (s *SwPatchHostsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	done, reason := s.state(env)
	if reason != "" {
		return ResultFailed, reason
	}
	if done {
		return ResultSuccess, "hosts already patch current"
	}
	s.issue(env)
	return ResultWait, ""
}

func (s *SwPatchHostsStep) issue(env *Env) {
	env.Director.PatchHosts(s.EntityNames, s.tracked(env, s, func(*director.Operation) {
		s.check(env)
	}))
}

func (s *SwPatchHostsStep) state(env *Env) (bool, string) {
	done := true
	for _, name := range s.EntityNames {
		h := env.Fleet.Host(name)
		if h == nil {
			return false, fmt.Sprintf("host %s no longer exists", name)
		}
		if h.PatchFailed {
			return false, fmt.Sprintf("patching of host %s failed", name)
		}
		if !h.PatchCurrent {
			done = false
		}
	}
	return done, ""
}

func (s *SwPatchHostsStep) check(env *Env) {
	done, reason := s.state(env)
	switch {
	case reason != "":
		env.Fail(s, reason, "")
	case done:
		env.Succeed(s, "")
	}
}

func (s *SwPatchHostsStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventHostPatchFailed && s.hasHost(e.HostName) {
		env.Fail(s, fmt.Sprintf("patching of host %s failed", e.HostName), e.Reason)
		return true
	}
	if s.hostEvent(e) {
		s.check(env)
		return e.Type != events.EventHostAudit
	}
	return false
}

func (s *SwPatchHostsStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env)
		return false
	}
	if !s.inflight {
		s.check(env)
	}
	return false
}

// FwUpdateHostsStep starts the device image update on its hosts and waits
// for every host to finish
type FwUpdateHostsStep struct {
	StepBase
	// Updating records hosts seen in-progress; falling back to pending
	// afterwards is a failure
	Updating []string `json:"updating,omitempty"`
}

// NewFwUpdateHostsStep creates a fw-update-hosts step
func NewFwUpdateHostsStep(hosts []*types.Host) *FwUpdateHostsStep {
	names, uuids := hostRefs(hosts)
	return &FwUpdateHostsStep{StepBase: newBase(StepFwUpdateHosts, time.Hour, EntityHosts, names, uuids)}
}

func (s *FwUpdateHostsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.issue(env)
	return ResultWait, ""
}

func (s *FwUpdateHostsStep) issue(env *Env) {
	env.Director.FwUpdateHosts(s.EntityNames, s.tracked(env, s, func(*director.Operation) {
		s.check(env)
	}))
}

func (s *FwUpdateHostsStep) check(env *Env) {
	done := true
	for _, name := range s.EntityNames {
		h := env.Fleet.Host(name)
		if h == nil {
			env.Fail(s, fmt.Sprintf("host %s no longer exists", name), "")
			return
		}
		switch h.DeviceImageUpdate {
		case types.DeviceImageUpdateCompleted, types.DeviceImageUpdateNone:
		case types.DeviceImageUpdateFailed, types.DeviceImageUpdateInProgressAborted:
			env.Fail(s, fmt.Sprintf("firmware update of host %s %s", name, h.DeviceImageUpdate), "")
			return
		case types.DeviceImageUpdateInProgress:
			done = false
			if !slices.Contains(s.Updating, name) {
				s.Updating = append(s.Updating, name)
				slices.Sort(s.Updating)
				env.Changed()
			}
		case types.DeviceImageUpdatePending:
			if slices.Contains(s.Updating, name) {
				env.Fail(s, fmt.Sprintf("firmware update of host %s returned to pending while updating", name), "")
				return
			}
			done = false
		}
	}
	if done {
		env.Succeed(s, "")
	}
}

func (s *FwUpdateHostsStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventHostFwUpdateFailed && s.hasHost(e.HostName) {
		env.Fail(s, fmt.Sprintf("firmware update of host %s failed", e.HostName), e.Reason)
		return true
	}
	if s.hostEvent(e) && !s.inflight {
		s.check(env)
		return e.Type != events.EventHostAudit
	}
	return false
}

func (s *FwUpdateHostsStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env)
		return false
	}
	if !s.inflight {
		s.check(env)
	}
	return false
}

func (s *FwUpdateHostsStep) AbortSteps() []Step {
	return []Step{&FwUpdateAbortHostsStep{
		StepBase: newBase(StepFwUpdateAbortHosts, time.Hour, EntityHosts, s.EntityNames, s.EntityUUIDs),
	}}
}

// FwUpdateAbortHostsStep stops device image updates that have not finished
type FwUpdateAbortHostsStep struct {
	StepBase
}

func (s *FwUpdateAbortHostsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.issue(env)
	return ResultWait, ""
}

func (s *FwUpdateAbortHostsStep) issue(env *Env) {
	env.Director.FwUpdateAbortHosts(s.EntityNames, s.tracked(env, s, func(*director.Operation) {
		s.check(env)
	}))
}

func (s *FwUpdateAbortHostsStep) check(env *Env) {
	for _, name := range s.EntityNames {
		if h := env.Fleet.Host(name); h != nil && h.DeviceImageUpdate == types.DeviceImageUpdateInProgress {
			return
		}
	}
	env.Succeed(s, "")
}

func (s *FwUpdateAbortHostsStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventHostFwUpdateAbortFailed && s.hasHost(e.HostName) {
		env.Fail(s, fmt.Sprintf("firmware update abort of host %s failed", e.HostName), e.Reason)
		return true
	}
	if s.hostEvent(e) && !s.inflight {
		s.check(env)
		return e.Type != events.EventHostAudit
	}
	return false
}

func (s *FwUpdateAbortHostsStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env)
	}
	return false
}

// queryDeploy reads the software deployment for the current attempt
func (b *StepBase) queryDeploy(env *Env, s Step, cb func(d *types.SwDeploy)) {
	b.query(env, s, func(ctx context.Context) nfvi.Response {
		return env.Director.Client().Software.GetDeploy(ctx)
	}, func(resp nfvi.Response) {
		d, _ := nfvi.As[*types.SwDeploy](resp)
		if d != nil {
			env.Strategy.References.SwDeploy = d.Clone()
		} else {
			env.Strategy.References.SwDeploy = nil
		}
		cb(d)
	})
}

// UpgradeHostsStep deploys the new software on its hosts
type UpgradeHostsStep struct {
	StepBase
	Issued bool `json:"issued"`
}

// NewUpgradeHostsStep creates an upgrade-hosts step
func NewUpgradeHostsStep(hosts []*types.Host) *UpgradeHostsStep {
	names, uuids := hostRefs(hosts)
	return &UpgradeHostsStep{StepBase: newBase(StepUpgradeHosts, time.Hour, EntityHosts, names, uuids)}
}

func (s *UpgradeHostsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.start(env)
	return ResultWait, ""
}

func (s *UpgradeHostsStep) start(env *Env) {
	s.queryDeploy(env, s, func(d *types.SwDeploy) {
		if d == nil {
			env.Fail(s, "no software deployment in progress", "")
			return
		}
		var pending []string
		for _, name := range s.EntityNames {
			if dh, ok := d.Host(name); !ok || dh.State != types.DeployHostStateDeployed {
				pending = append(pending, name)
			}
		}
		if len(pending) == 0 {
			env.Succeed(s, "hosts already deployed")
			return
		}
		s.issue(env, pending)
	})
}

func (s *UpgradeHostsStep) issue(env *Env, names []string) {
	s.Issued = true
	env.Changed()
	env.Director.DeployHosts(names, s.tracked(env, s, func(*director.Operation) {
		s.poll(env)
	}))
}

func (s *UpgradeHostsStep) poll(env *Env) {
	s.queryDeploy(env, s, func(d *types.SwDeploy) {
		if d == nil {
			env.Fail(s, "software deployment disappeared", "")
			return
		}
		done := true
		for _, name := range s.EntityNames {
			dh, ok := d.Host(name)
			switch {
			case !ok:
				env.Fail(s, fmt.Sprintf("host %s is not part of the deployment", name), "")
				return
			case dh.State == types.DeployHostStateFailed:
				env.Fail(s, fmt.Sprintf("deployment of host %s failed", name), "")
				return
			case dh.State == types.DeployHostStatePending && d.State == types.SwDeployStateDeployingHostsFailed:
				env.Fail(s, fmt.Sprintf("deployment of host %s still pending after hosts failed", name), "")
				return
			case dh.State != types.DeployHostStateDeployed:
				done = false
			}
		}
		if done {
			env.Succeed(s, "")
		}
	})
}

func (s *UpgradeHostsStep) HandleEvent(env *Env, e *events.Event) bool {
	switch e.Type {
	case events.EventDeployHostFailed:
		if s.hasHost(e.HostName) {
			env.Fail(s, fmt.Sprintf("deployment of host %s failed", e.HostName), e.Reason)
			return true
		}
	case events.EventDeployHostChanged:
		if s.hasHost(e.HostName) && s.Issued && !s.inflight {
			s.poll(env)
			return true
		}
	}
	return false
}

func (s *UpgradeHostsStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env, s.EntityNames)
		return false
	}
	switch {
	case s.inflight:
	case s.Issued:
		s.poll(env)
	default:
		s.start(env)
	}
	return false
}

// SwDeployPrecheckStep asks the software manager whether the release can
// be deployed. It runs in the build phase and records the result.
type SwDeployPrecheckStep struct {
	StepBase
	Release string `json:"release"`
	Force   bool   `json:"force,omitempty"`
}

// NewSwDeployPrecheckStep creates a sw-deploy-precheck step
func NewSwDeployPrecheckStep(release string, force bool) *SwDeployPrecheckStep {
	return &SwDeployPrecheckStep{
		StepBase: newBase(StepSwDeployPrecheck, 20*time.Minute, EntityNone, nil, nil),
		Release:  release,
		Force:    force,
	}
}

func (s *SwDeployPrecheckStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	if d := env.Strategy.References.SwDeploy; d != nil && d.ReleaseID == s.Release {
		return ResultSuccess, "deployment already in progress"
	}
	s.issue(env)
	return ResultWait, ""
}

func (s *SwDeployPrecheckStep) issue(env *Env) {
	env.Director.DeployPrecheck(s.Release, s.Force, s.tracked(env, s, func(op *director.Operation) {
		resp, _ := op.Result(string(StepSwDeployPrecheck))
		result, _ := nfvi.As[nfvi.PrecheckResult](resp)
		env.Strategy.References.Precheck = &result
		env.Changed()
		if !result.SystemHealthy {
			env.Fail(s, fmt.Sprintf("release %s precheck failed", s.Release), strings.TrimSpace(result.Info+" "+result.Warning))
			return
		}
		env.Succeed(s, "")
	}))
}

func (s *SwDeployPrecheckStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env)
	}
	return false
}

// SwDeployStartStep starts the deployment of a release
type SwDeployStartStep struct {
	StepBase
	Release string `json:"release"`
	Force   bool   `json:"force,omitempty"`
	Issued  bool   `json:"issued"`
}

// NewSwDeployStartStep creates a sw-deploy-start step
func NewSwDeployStartStep(release string, force bool) *SwDeployStartStep {
	return &SwDeployStartStep{
		StepBase: newBase(StepSwDeployStart, time.Hour, EntityNone, nil, nil),
		Release:  release,
		Force:    force,
	}
}

// startResult maps a deployment state to the outcome of starting it
func startResult(d *types.SwDeploy) Result {
	if d == nil {
		return ResultInitial
	}
	switch d.State {
	case types.SwDeployStateStarting:
		return ResultWait
	case types.SwDeployStateStartFailed:
		return ResultFailed
	}
	return ResultSuccess
}

func (s *SwDeployStartStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.start(env)
	return ResultWait, ""
}

func (s *SwDeployStartStep) start(env *Env) {
	s.queryDeploy(env, s, func(d *types.SwDeploy) {
		if d != nil && d.ReleaseID != s.Release {
			env.Fail(s, fmt.Sprintf("deployment of release %s already in progress", d.ReleaseID), "")
			return
		}
		switch startResult(d) {
		case ResultSuccess:
			env.Succeed(s, "deployment already started")
		case ResultWait:
			s.Issued = true
		default:
			s.issue(env)
		}
	})
}

func (s *SwDeployStartStep) issue(env *Env) {
	s.Issued = true
	env.Changed()
	env.Director.DeployStart(s.Release, s.Force, s.tracked(env, s, func(*director.Operation) {
		s.poll(env)
	}))
}

func (s *SwDeployStartStep) poll(env *Env) {
	s.queryDeploy(env, s, func(d *types.SwDeploy) {
		switch startResult(d) {
		case ResultSuccess:
			env.Succeed(s, "")
		case ResultFailed:
			env.Fail(s, "software deployment start failed", string(d.State))
		}
	})
}

func (s *SwDeployStartStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventSwDeployChanged && s.Issued && !s.inflight {
		s.poll(env)
		return true
	}
	return false
}

func (s *SwDeployStartStep) Poll(env *Env, now time.Time) bool {
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

func (s *SwDeployStartStep) AbortSteps() []Step {
	return []Step{NewSwDeployStateStep(StepSwDeployAbort)}
}

// SwDeployActivateStep activates the deployed release, retrying a failed
// activation after a delay a bounded number of times
type SwDeployActivateStep struct {
	StepBase
	RetryLimit int       `json:"retry_limit"`
	RetryDelay int       `json:"retry_delay"`
	Retries    int       `json:"retries"`
	RetryAt    time.Time `json:"retry_at"`
	Issued     bool      `json:"issued"`
}

// NewSwDeployActivateStep creates a sw-deploy-activate step
func NewSwDeployActivateStep(retryLimit, retryDelay int) *SwDeployActivateStep {
	return &SwDeployActivateStep{
		StepBase:   newBase(StepSwDeployActivate, time.Hour, EntityNone, nil, nil),
		RetryLimit: retryLimit,
		RetryDelay: retryDelay,
	}
}

func (s *SwDeployActivateStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	if !s.RetryAt.IsZero() {
		return ResultWait, ""
	}
	s.start(env)
	return ResultWait, ""
}

func (s *SwDeployActivateStep) start(env *Env) {
	s.queryDeploy(env, s, func(d *types.SwDeploy) {
		if d == nil {
			env.Fail(s, "no software deployment in progress", "")
			return
		}
		switch d.State {
		case types.SwDeployStateActivateDone, types.SwDeployStateCompleting, types.SwDeployStateCompleted:
			env.Succeed(s, "release already active")
		case types.SwDeployStateActivating:
			s.Issued = true
		default:
			s.activate(env)
		}
	})
}

func (s *SwDeployActivateStep) activate(env *Env) {
	s.Issued = true
	env.Director.DeployActivate(s.tracked(env, s, func(*director.Operation) {
		s.poll(env)
	}))
}

func (s *SwDeployActivateStep) poll(env *Env) {
	s.queryDeploy(env, s, func(d *types.SwDeploy) {
		if d == nil {
			env.Fail(s, "software deployment disappeared", "")
			return
		}
		switch d.State {
		case types.SwDeployStateActivateDone, types.SwDeployStateCompleting, types.SwDeployStateCompleted:
			env.Succeed(s, fmt.Sprintf("activated after %d retries", s.Retries))
		case types.SwDeployStateActivateFailed:
			if s.Retries >= s.RetryLimit {
				env.Fail(s, fmt.Sprintf("software deployment activate failed after %d retries", s.Retries), string(d.State))
				return
			}
			s.Retries++
			metrics.StepRetries.WithLabelValues(string(StepSwDeployActivate)).Inc()
			delay := time.Duration(s.RetryDelay) * time.Second
			s.RetryAt = env.Now().Add(delay)
			s.Extend(delay, s.Retries)
			env.Logger.Info().Int("retry", s.Retries).Dur("delay", delay).Msg("Activate failed, retrying after delay")
			env.Changed()
		}
	})
}

func (s *SwDeployActivateStep) Poll(env *Env, now time.Time) bool {
	if s.inflight {
		return false
	}
	if s.takeRetry() {
		s.activate(env)
		return false
	}
	if !s.RetryAt.IsZero() {
		if now.Before(s.RetryAt) {
			return false
		}
		s.RetryAt = time.Time{}
		s.activate(env)
		return true
	}
	if !s.Issued {
		s.start(env)
		return false
	}
	s.poll(env)
	return false
}

func (s *SwDeployActivateStep) AbortSteps() []Step {
	return []Step{NewSwDeployStateStep(StepSwDeployActivateRollback)}
}

// swDeployVerbs describes the state-driven deployment steps
var swDeployVerbs = map[StepKind]struct {
	timeout time.Duration
	success []types.SwDeployState
	failure []types.SwDeployState
	call    func(d *director.Director, done director.Done) *director.Operation
}{
	StepSwDeployComplete: {
		timeout: 30 * time.Minute,
		success: []types.SwDeployState{types.SwDeployStateCompleted},
		call:    (*director.Director).DeployComplete,
	},
	StepSwDeployAbort: {
		timeout: 30 * time.Minute,
		success: []types.SwDeployState{types.SwDeployStateAborted},
		failure: []types.SwDeployState{types.SwDeployStateAbortingFailed},
		call:    (*director.Director).DeployAbort,
	},
	StepSwDeployActivateRollback: {
		timeout: 30 * time.Minute,
		success: []types.SwDeployState{types.SwDeployStateDeployingHostsDone, types.SwDeployStateStartDone, types.SwDeployStateAborted},
		call:    (*director.Director).DeployActivateRollback,
	},
}

// SwDeployStateStep issues a deployment verb and waits for the
// deployment to reach the verb's success state. A missing deployment
// counts as success.
type SwDeployStateStep struct {
	StepBase
	Issued bool `json:"issued"`
}

// NewSwDeployStateStep creates a sw-deploy-complete, sw-deploy-abort or
// sw-deploy-activate-rollback step
func NewSwDeployStateStep(kind StepKind) *SwDeployStateStep {
	return &SwDeployStateStep{StepBase: newBase(kind, swDeployVerbs[kind].timeout, EntityNone, nil, nil)}
}

func (s *SwDeployStateStep) evaluate(env *Env, d *types.SwDeploy) bool {
	verb := swDeployVerbs[s.Name]
	switch {
	case d == nil:
		env.Succeed(s, "no update")
	case slices.Contains(verb.success, d.State):
		env.Succeed(s, "")
	case slices.Contains(verb.failure, d.State):
		env.Fail(s, fmt.Sprintf("software deployment reached %s", d.State), "")
	default:
		return false
	}
	return true
}

func (s *SwDeployStateStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.start(env)
	return ResultWait, ""
}

func (s *SwDeployStateStep) start(env *Env) {
	s.queryDeploy(env, s, func(d *types.SwDeploy) {
		if s.evaluate(env, d) {
			return
		}
		s.issue(env)
	})
}

func (s *SwDeployStateStep) issue(env *Env) {
	s.Issued = true
	env.Changed()
	swDeployVerbs[s.Name].call(env.Director, s.tracked(env, s, func(*director.Operation) {
		s.poll(env)
	}))
}

func (s *SwDeployStateStep) poll(env *Env) {
	s.queryDeploy(env, s, func(d *types.SwDeploy) {
		s.evaluate(env, d)
	})
}

func (s *SwDeployStateStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventSwDeployChanged && s.Issued && !s.inflight {
		s.poll(env)
		return true
	}
	return false
}

func (s *SwDeployStateStep) Poll(env *Env, now time.Time) bool {
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
