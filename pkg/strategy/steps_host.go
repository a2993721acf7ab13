package strategy

import (
	"fmt"
	"slices"
	"time"

	"github.com/cuemby/vim/pkg/director"
	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/cuemby/vim/pkg/types"
)

// LockHostsStep locks its hosts and waits for them to report locked
type LockHostsStep struct {
	StepBase
	WaitUntilDisabled bool `json:"wait_until_disabled"`
	Force             bool `json:"force,omitempty"`
}

// NewLockHostsStep creates a lock-hosts step
func NewLockHostsStep(hosts []*types.Host) *LockHostsStep {
	names, uuids := hostRefs(hosts)
	return &LockHostsStep{
		StepBase:          newBase(StepLockHosts, 15*time.Minute, EntityHosts, names, uuids),
		WaitUntilDisabled: true,
	}
}

func (s *LockHostsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	if done, reason := s.locked(env); done {
		if reason != "" {
			return ResultFailed, reason
		}
		return ResultSuccess, "hosts already locked"
	}
	s.issue(env)
	return ResultWait, ""
}

func (s *LockHostsStep) issue(env *Env) {
	env.Director.LockHosts(s.EntityNames, s.Force, s.tracked(env, s, func(*director.Operation) {
		s.check(env)
	}))
}

// locked reports whether every host is locked; a non-empty reason is a
// hard failure
func (s *LockHostsStep) locked(env *Env) (bool, string) {
	for _, name := range s.EntityNames {
		h := env.Fleet.Host(name)
		if h == nil {
			return true, fmt.Sprintf("host %s no longer exists", name)
		}
		if !h.IsLocked() || (s.WaitUntilDisabled && !h.IsDisabled()) {
			return false, ""
		}
		for _, i := range env.Fleet.InstancesOnHost(name) {
			if i.IsUnlocked() && i.IsEnabled() {
				return true, fmt.Sprintf("instance %s remains enabled on host %s", i.Name, name)
			}
		}
	}
	return true, ""
}

func (s *LockHostsStep) check(env *Env) {
	done, reason := s.locked(env)
	switch {
	case !done:
	case reason != "":
		env.Fail(s, reason, "")
	default:
		env.Succeed(s, "")
	}
}

func (s *LockHostsStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventHostLockFailed && s.hasHost(e.HostName) {
		env.Fail(s, fmt.Sprintf("lock of host %s failed", e.HostName), e.Reason)
		return true
	}
	if s.hostEvent(e) {
		s.check(env)
		return e.Type != events.EventHostAudit
	}
	return false
}

func (s *LockHostsStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env)
		return false
	}
	s.check(env)
	return false
}

func (s *LockHostsStep) AbortSteps() []Step {
	return []Step{&UnlockHostsStep{
		StepBase:   newBase(StepUnlockHosts, 30*time.Minute, EntityHosts, s.EntityNames, s.EntityUUIDs),
		RetryCount: defaultUnlockRetries,
		RetryDelay: defaultUnlockRetryDelay,
	}}
}

const (
	defaultUnlockRetries    = 3
	defaultUnlockRetryDelay = 120
)

// UnlockHostsStep unlocks its hosts, retrying each failed host after a
// delay until its retries run out
type UnlockHostsStep struct {
	StepBase
	RetryCount int                  `json:"retry_count"`
	RetryDelay int                  `json:"retry_delay"`
	Retries    map[string]int       `json:"retries,omitempty"`
	RetryAt    map[string]time.Time `json:"retry_at,omitempty"`
}

// NewUnlockHostsStep creates an unlock-hosts step
func NewUnlockHostsStep(hosts []*types.Host) *UnlockHostsStep {
	names, uuids := hostRefs(hosts)
	return &UnlockHostsStep{
		StepBase:   newBase(StepUnlockHosts, 30*time.Minute, EntityHosts, names, uuids),
		RetryCount: defaultUnlockRetries,
		RetryDelay: defaultUnlockRetryDelay,
	}
}

func (s *UnlockHostsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	pending := s.pending(env)
	if len(pending) == 0 {
		return ResultSuccess, "hosts already unlocked"
	}
	// hosts waiting out a retry delay are reissued by Poll
	var now []string
	for _, name := range pending {
		if _, waiting := s.RetryAt[name]; !waiting {
			now = append(now, name)
		}
	}
	s.issue(env, now)
	return ResultWait, ""
}

// pending returns hosts that are not yet unlocked and enabled
func (s *UnlockHostsStep) pending(env *Env) []string {
	var out []string
	for _, name := range s.EntityNames {
		h := env.Fleet.Host(name)
		if h == nil || !(h.IsUnlocked() && h.IsEnabled()) {
			out = append(out, name)
		}
	}
	return out
}

func (s *UnlockHostsStep) issue(env *Env, names []string) {
	if len(names) == 0 {
		return
	}
	epoch := s.epoch
	s.inflight = true
	env.Director.UnlockHosts(names, func(op *director.Operation) {
		if !s.Live(epoch) {
			return
		}
		s.inflight = false
		for _, name := range op.FailedEntities() {
			resp, _ := op.Result(name)
			if resp.ErrorCode.Retryable() {
				s.retry = true
				continue
			}
			if !s.scheduleRetry(env, name, resp.Reason, resp.Detail) {
				return
			}
		}
		s.check(env)
	})
}

// scheduleRetry books another unlock of name, failing the step when the
// host has no retries left
func (s *UnlockHostsStep) scheduleRetry(env *Env, name, reason, detail string) bool {
	if s.Retries == nil {
		s.Retries = map[string]int{}
		s.RetryAt = map[string]time.Time{}
	}
	if s.Retries[name] >= s.RetryCount {
		env.Fail(s, fmt.Sprintf("unlock of host %s failed after %d retries: %s", name, s.Retries[name], reason), detail)
		return false
	}
	s.Retries[name]++
	metrics.StepRetries.WithLabelValues(string(StepUnlockHosts)).Inc()
	s.RetryAt[name] = env.Now().Add(time.Duration(s.RetryDelay) * time.Second)
	env.Logger.Info().Str("host", name).Int("retry", s.Retries[name]).Msg("Unlock failed, retrying after delay")
	env.Changed()
	return true
}

func (s *UnlockHostsStep) check(env *Env) {
	if len(s.pending(env)) == 0 {
		env.Succeed(s, "")
	}
}

func (s *UnlockHostsStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventHostUnlockFailed && s.hasHost(e.HostName) {
		s.scheduleRetry(env, e.HostName, "unlock failed", e.Reason)
		return true
	}
	if s.hostEvent(e) {
		s.check(env)
		return e.Type != events.EventHostAudit
	}
	return false
}

func (s *UnlockHostsStep) Poll(env *Env, now time.Time) bool {
	if s.inflight {
		return false
	}
	var due []string
	for name, at := range s.RetryAt {
		if !now.Before(at) {
			due = append(due, name)
			delete(s.RetryAt, name)
		}
	}
	if s.takeRetry() {
		due = s.pending(env)
	}
	if len(due) > 0 {
		slices.Sort(due)
		s.issue(env, due)
		return true
	}
	s.check(env)
	return false
}

// rebootSettle is how long a reboot is given before the host is trusted
// to be back
const rebootSettle = 60

// RebootHostsStep reboots locked hosts and waits a fixed time afterwards
type RebootHostsStep struct {
	StepBase
	WaitSeconds int       `json:"wait_seconds"`
	IssuedAt    time.Time `json:"issued_at"`
}

// NewRebootHostsStep creates a reboot-hosts step
func NewRebootHostsStep(hosts []*types.Host) *RebootHostsStep {
	names, uuids := hostRefs(hosts)
	return &RebootHostsStep{
		StepBase:    newBase(StepRebootHosts, 15*time.Minute, EntityHosts, names, uuids),
		WaitSeconds: rebootSettle,
	}
}

func (s *RebootHostsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	if s.IssuedAt.IsZero() {
		s.issue(env)
	}
	return ResultWait, ""
}

func (s *RebootHostsStep) issue(env *Env) {
	env.Director.RebootHosts(s.EntityNames, s.tracked(env, s, func(*director.Operation) {
		s.IssuedAt = env.Now()
		env.Changed()
	}))
}

func (s *RebootHostsStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventHostRebootFailed && s.hasHost(e.HostName) {
		env.Fail(s, fmt.Sprintf("reboot of host %s failed", e.HostName), e.Reason)
		return true
	}
	return false
}

func (s *RebootHostsStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env)
		return false
	}
	if !s.IssuedAt.IsZero() && !now.Before(s.IssuedAt.Add(time.Duration(s.WaitSeconds)*time.Second)) {
		env.Succeed(s, "")
	}
	return false
}

// SwactHostsStep moves active services away from a controller
type SwactHostsStep struct {
	StepBase
}

// NewSwactHostsStep creates a swact-hosts step
func NewSwactHostsStep(hosts []*types.Host) *SwactHostsStep {
	names, uuids := hostRefs(hosts)
	return &SwactHostsStep{StepBase: newBase(StepSwactHosts, 15*time.Minute, EntityHosts, names, uuids)}
}

func (s *SwactHostsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	if s.standby(env) {
		return ResultSuccess, "host already standby"
	}
	s.issue(env)
	return ResultWait, ""
}

func (s *SwactHostsStep) issue(env *Env) {
	env.Director.SwactHosts(s.EntityNames, false, s.tracked(env, s, func(*director.Operation) {
		s.check(env)
	}))
}

func (s *SwactHostsStep) standby(env *Env) bool {
	for _, name := range s.EntityNames {
		if h := env.Fleet.Host(name); h != nil && h.ActiveController {
			return false
		}
	}
	return true
}

func (s *SwactHostsStep) check(env *Env) {
	if s.standby(env) {
		env.Succeed(s, "")
	}
}

func (s *SwactHostsStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventHostSwactFailed && s.hasHost(e.HostName) {
		env.Fail(s, fmt.Sprintf("swact of host %s failed", e.HostName), e.Reason)
		return true
	}
	if s.hostEvent(e) {
		s.check(env)
		return e.Type != events.EventHostAudit
	}
	return false
}

func (s *SwactHostsStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env)
	}
	return false
}

// HostServicesStep disables or enables a service class on its hosts
type HostServicesStep struct {
	StepBase
	Service types.HostService `json:"service"`
}

// NewDisableHostServicesStep creates a disable-host-services step
func NewDisableHostServicesStep(hosts []*types.Host, service types.HostService) *HostServicesStep {
	names, uuids := hostRefs(hosts)
	return &HostServicesStep{
		StepBase: newBase(StepDisableHostServices, 5*time.Minute, EntityHosts, names, uuids),
		Service:  service,
	}
}

// NewEnableHostServicesStep creates an enable-host-services step
func NewEnableHostServicesStep(hosts []*types.Host, service types.HostService) *HostServicesStep {
	names, uuids := hostRefs(hosts)
	return &HostServicesStep{
		StepBase: newBase(StepEnableHostServices, 5*time.Minute, EntityHosts, names, uuids),
		Service:  service,
	}
}

func (s *HostServicesStep) enable() bool { return s.Name == StepEnableHostServices }

func (s *HostServicesStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.issue(env)
	return ResultWait, ""
}

func (s *HostServicesStep) issue(env *Env) {
	verb := env.Director.DisableHostServices
	if s.enable() {
		verb = env.Director.EnableHostServices
	}
	verb(s.EntityNames, s.Service, s.tracked(env, s, func(*director.Operation) {
		env.Succeed(s, "")
	}))
}

func (s *HostServicesStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type == events.EventHostServicesFailed && s.hasHost(e.HostName) {
		env.Fail(s, fmt.Sprintf("%s services on host %s failed", s.Service, e.HostName), e.Reason)
		return true
	}
	return false
}

func (s *HostServicesStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env)
	}
	return false
}

func (s *HostServicesStep) AbortSteps() []Step {
	if s.enable() {
		return nil
	}
	return []Step{&HostServicesStep{
		StepBase: newBase(StepEnableHostServices, 5*time.Minute, EntityHosts, s.EntityNames, s.EntityUUIDs),
		Service:  s.Service,
	}}
}

// SystemStabilizeStep waits a fixed duration for the system to settle.
// Reaching the timeout is its success.
type SystemStabilizeStep struct {
	StepBase
}

// NewSystemStabilizeStep creates a system-stabilize step watching hosts
func NewSystemStabilizeStep(d time.Duration, hosts []*types.Host) *SystemStabilizeStep {
	names, uuids := hostRefs(hosts)
	return &SystemStabilizeStep{StepBase: newBase(StepSystemStabilize, d, EntityHosts, names, uuids)}
}

func (s *SystemStabilizeStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	return ResultWait, ""
}

func (s *SystemStabilizeStep) HandleEvent(env *Env, e *events.Event) bool {
	if e.Type != events.EventHostStateChanged || !s.hasHost(e.HostName) || e.Host == nil {
		return false
	}
	if e.Host.IsFailed() {
		env.Fail(s, fmt.Sprintf("host %s failed while stabilizing", e.HostName), string(e.Host.AvailStatus))
	}
	return true
}

func (s *SystemStabilizeStep) OnTimeout(env *Env) (Result, string) {
	return ResultSuccess, "stabilized"
}

func (s *SystemStabilizeStep) Interruptible() bool { return true }
