package strategy

import (
	"fmt"
	"time"

	"github.com/cuemby/vim/pkg/director"
	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/types"
)

// PinnedInstance is an instance together with the host it was on when
// the strategy was compiled
type PinnedInstance struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	HostName string `json:"host_name"`
}

func pin(instances []*types.Instance) ([]PinnedInstance, []string, []string) {
	pins := make([]PinnedInstance, 0, len(instances))
	names := make([]string, 0, len(instances))
	uuids := make([]string, 0, len(instances))
	for _, i := range instances {
		pins = append(pins, PinnedInstance{UUID: i.UUID, Name: i.Name, HostName: i.HostName})
		names = append(names, i.Name)
		uuids = append(uuids, i.UUID)
	}
	return pins, names, uuids
}

// movedReason returns a failure reason when a pinned instance is no
// longer on the host it was compiled against
func movedReason(env *Env, pins []PinnedInstance) string {
	for _, p := range pins {
		i := env.Fleet.Instance(p.UUID)
		if i != nil && i.HostName != p.HostName {
			return fmt.Sprintf("instance %s moved since strategy created", p.Name)
		}
	}
	return ""
}

// InstancesStep stops or starts a set of pinned instances
type InstancesStep struct {
	StepBase
	Instances []PinnedInstance `json:"instances"`
}

// NewStopInstancesStep creates a stop-instances step
func NewStopInstancesStep(instances []*types.Instance) *InstancesStep {
	pins, names, uuids := pin(instances)
	return &InstancesStep{
		StepBase:  newBase(StepStopInstances, 15*time.Minute, EntityInstances, names, uuids),
		Instances: pins,
	}
}

// NewStartInstancesStep creates a start-instances step
func NewStartInstancesStep(instances []*types.Instance) *InstancesStep {
	pins, names, uuids := pin(instances)
	return &InstancesStep{
		StepBase:  newBase(StepStartInstances, 15*time.Minute, EntityInstances, names, uuids),
		Instances: pins,
	}
}

func (s *InstancesStep) start() bool { return s.Name == StepStartInstances }

func (s *InstancesStep) reached(i *types.Instance) bool {
	if s.start() {
		return i.IsUnlocked() && i.IsEnabled()
	}
	return i.IsLocked() && i.IsDisabled()
}

// outstanding returns instances not yet in the target state; deleted
// instances need nothing more
func (s *InstancesStep) outstanding(env *Env) []string {
	var out []string
	for _, p := range s.Instances {
		if i := env.Fleet.Instance(p.UUID); i != nil && !s.reached(i) {
			out = append(out, p.UUID)
		}
	}
	return out
}

func (s *InstancesStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	if reason := movedReason(env, s.Instances); reason != "" {
		return ResultFailed, reason
	}
	uuids := s.outstanding(env)
	if len(uuids) == 0 {
		return ResultSuccess, ""
	}
	s.issue(env, uuids)
	return ResultWait, ""
}

func (s *InstancesStep) issue(env *Env, uuids []string) {
	verb := env.Director.StopInstances
	if s.start() {
		verb = env.Director.StartInstances
	}
	verb(uuids, s.tracked(env, s, func(*director.Operation) {
		s.check(env)
	}))
}

func (s *InstancesStep) check(env *Env) {
	if reason := movedReason(env, s.Instances); reason != "" {
		env.Fail(s, reason, "")
		return
	}
	if len(s.outstanding(env)) == 0 {
		env.Succeed(s, "")
	}
}

func (s *InstancesStep) HandleEvent(env *Env, e *events.Event) bool {
	switch e.Type {
	case events.EventInstanceStateChanged:
		for _, uuid := range s.EntityUUIDs {
			if uuid == e.InstanceUUID {
				s.check(env)
				return true
			}
		}
	case events.EventInstanceAudit:
		s.check(env)
	}
	return false
}

func (s *InstancesStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env, s.outstanding(env))
		return false
	}
	s.check(env)
	return false
}

func (s *InstancesStep) AbortSteps() []Step {
	if s.start() {
		return nil
	}
	return []Step{&InstancesStep{
		StepBase:  newBase(StepStartInstances, 15*time.Minute, EntityInstances, s.EntityNames, s.EntityUUIDs),
		Instances: s.Instances,
	}}
}

// MigrateInstancesStep empties hosts of their unlocked instances
type MigrateInstancesStep struct {
	StepBase
	Instances []PinnedInstance `json:"instances"`
	Issued    bool             `json:"issued"`
}

// NewMigrateInstancesStep creates a migrate-instances-from-host step
func NewMigrateInstancesStep(hosts []*types.Host, instances []*types.Instance) *MigrateInstancesStep {
	names, uuids := hostRefs(hosts)
	pins, _, _ := pin(instances)
	return &MigrateInstancesStep{
		StepBase:  newBase(StepMigrateInstances, 30*time.Minute, EntityHosts, names, uuids),
		Instances: pins,
	}
}

// remaining lists unlocked instances still on the step's hosts
func (s *MigrateInstancesStep) remaining(env *Env) []string {
	var out []string
	for _, name := range s.EntityNames {
		for _, i := range env.Fleet.InstancesOnHost(name) {
			if i.IsUnlocked() {
				out = append(out, i.UUID)
			}
		}
	}
	return out
}

func (s *MigrateInstancesStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	if !s.Issued {
		if reason := movedReason(env, s.Instances); reason != "" {
			return ResultFailed, reason
		}
	}
	uuids := s.remaining(env)
	if len(uuids) == 0 {
		return ResultSuccess, "hosts empty"
	}
	s.issue(env, uuids)
	return ResultWait, ""
}

func (s *MigrateInstancesStep) issue(env *Env, uuids []string) {
	s.Issued = true
	env.Changed()
	env.Director.MigrateInstances(uuids, s.tracked(env, s, func(*director.Operation) {
		s.check(env)
	}))
}

func (s *MigrateInstancesStep) check(env *Env) {
	if len(s.remaining(env)) == 0 {
		env.Succeed(s, "")
	}
}

func (s *MigrateInstancesStep) HandleEvent(env *Env, e *events.Event) bool {
	switch e.Type {
	case events.EventMigrateInstancesFailed:
		if s.hasHost(e.HostName) || s.pinned(e.InstanceUUID) {
			env.Fail(s, "migrate of instances failed", e.Reason)
			return true
		}
	case events.EventInstanceStateChanged:
		if s.pinned(e.InstanceUUID) {
			s.check(env)
			return true
		}
	case events.EventInstanceAudit:
		s.check(env)
	}
	return false
}

func (s *MigrateInstancesStep) pinned(uuid string) bool {
	for _, p := range s.Instances {
		if p.UUID == uuid {
			return true
		}
	}
	return false
}

func (s *MigrateInstancesStep) Poll(env *Env, now time.Time) bool {
	if s.takeRetry() {
		s.issue(env, s.remaining(env))
		return false
	}
	s.check(env)
	return false
}
