package strategy

import (
	"fmt"
	"slices"
	"time"

	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
	"github.com/google/uuid"
)

// State is the lifecycle state of a strategy
type State string

const (
	StateInitial      State = "initial"
	StateBuilding     State = "building"
	StateBuildFailed  State = "build-failed"
	StateBuildTimeout State = "build-timeout"
	StateReadyToApply State = "ready-to-apply"
	StateApplying     State = "applying"
	StateApplyFailed  State = "apply-failed"
	StateApplyTimeout State = "apply-timeout"
	StateApplied      State = "applied"
	StateAborting     State = "aborting"
	StateAbortFailed  State = "abort-failed"
	StateAbortTimeout State = "abort-timeout"
	StateAborted      State = "aborted"
)

// IsInProgress reports a state in which a phase is running
func (s State) IsInProgress() bool {
	return s == StateBuilding || s == StateApplying || s == StateAborting
}

// IsComplete reports a state after which nothing more can run
func (s State) IsComplete() bool {
	switch s {
	case StateBuildFailed, StateBuildTimeout, StateApplied, StateApplyFailed,
		StateApplyTimeout, StateAborted, StateAbortFailed, StateAbortTimeout:
		return true
	}
	return false
}

// References holds what the build phase learned about the system. The
// apply phase is compiled from it and steps keep the update objects
// current while they run.
type References struct {
	Fleet            *fleet.Snapshot              `json:"fleet,omitempty"`
	Alarms           []types.Alarm                `json:"alarms,omitempty"`
	Releases         []types.Release              `json:"releases,omitempty"`
	SwDeploy         *types.SwDeploy              `json:"sw_deploy,omitempty"`
	PatchHosts       []nfvi.PatchHost             `json:"patch_hosts,omitempty"`
	Precheck         *nfvi.PrecheckResult         `json:"precheck,omitempty"`
	KubeVersions     []types.KubeVersion          `json:"kube_versions,omitempty"`
	KubeUpgrade      *types.KubeUpgrade           `json:"kube_upgrade,omitempty"`
	KubeHostUpgrades []types.KubeHostUpgrade      `json:"kube_host_upgrades,omitempty"`
	KubeRootca       *types.KubeRootcaUpdate      `json:"kube_rootca_update,omitempty"`
	KubeRootcaHosts  []types.KubeRootcaHostUpdate `json:"kube_rootca_host_updates,omitempty"`
}

// Strategy is a compiled fleet update and its execution state
type Strategy struct {
	UUID       string     `json:"uuid"`
	Kind       Kind       `json:"kind"`
	Intent     Intent     `json:"intent"`
	State      State      `json:"state"`
	BuildPhase *Phase     `json:"build_phase"`
	ApplyPhase *Phase     `json:"apply_phase"`
	AbortPhase *Phase     `json:"abort_phase"`
	References References `json:"references"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// New validates the intent and creates a strategy with its build phase
func New(kind Kind, intent Intent, now time.Time) (*Strategy, error) {
	intent = intent.WithDefaults(kind)
	if err := intent.Validate(kind); err != nil {
		return nil, err
	}
	s := &Strategy{
		UUID:       uuid.New().String(),
		Kind:       kind,
		Intent:     intent,
		State:      StateInitial,
		ApplyPhase: NewPhase(PhaseApply),
		AbortPhase: NewPhase(PhaseAbort),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.BuildPhase = s.compileBuild()
	return s, nil
}

// AlarmFilter returns the alarm filter steps of this strategy use
func (s *Strategy) AlarmFilter() AlarmFilter {
	return alarmFilter(s.Kind, s.Intent)
}

// compileBuild lays out the queries the build phase runs for the kind
func (s *Strategy) compileBuild() *Phase {
	stage := NewStage(string(s.Kind)+"-query",
		NewQueryAlarmsStep(s.AlarmFilter(), true),
		NewQueryStep(StepQueryHosts),
	)
	switch s.Kind {
	case KindSwPatch:
		stage.Add(NewQueryStep(StepQuerySwPatchHosts))
	case KindSwDeploy:
		stage.Add(NewQueryStep(StepQuerySwDeploy), NewSwDeployPrecheckStep(s.Intent.Release, s.Intent.Force))
	case KindKubeUpgrade:
		stage.Add(
			NewQueryStep(StepQueryKubeVersions),
			NewQueryStep(StepQueryKubeUpgrade),
			NewQueryStep(StepQueryKubeHostUpgrade),
		)
	case KindKubeRootcaUpdate:
		stage.Add(NewQueryStep(StepQueryKubeRootca))
	}
	phase := NewPhase(PhaseBuild)
	phase.AddStage(stage)
	return phase
}

// Compile builds the apply phase from the references once the build
// phase has succeeded
func (s *Strategy) Compile() error {
	phase, err := CompileApply(s.Kind, s.Intent, &s.References)
	if err != nil {
		return err
	}
	s.ApplyPhase = phase
	return nil
}

// Phase returns the named phase
func (s *Strategy) Phase(name PhaseName) *Phase {
	switch name {
	case PhaseBuild:
		return s.BuildPhase
	case PhaseApply:
		return s.ApplyPhase
	case PhaseAbort:
		return s.AbortPhase
	}
	return nil
}

// CurrentPhase returns the phase the state refers to
func (s *Strategy) CurrentPhase() *Phase {
	switch s.State {
	case StateInitial, StateBuilding, StateBuildFailed, StateBuildTimeout:
		return s.BuildPhase
	case StateAborting, StateAborted, StateAbortFailed, StateAbortTimeout:
		return s.AbortPhase
	}
	return s.ApplyPhase
}

// abortKey identifies an abort step so that repeats collapse into one
func abortKey(s Step) string {
	b := s.Base()
	names := slices.Clone(b.EntityNames)
	slices.Sort(names)
	return fmt.Sprintf("%s%v", b.Name, names)
}

// BuildAbortPhase composes the abort phase from the abort steps of every
// step the apply phase executed. Stages are visited last to first and
// steps in reverse, keeping the first occurrence of a repeated step.
func (s *Strategy) BuildAbortPhase() *Phase {
	phase := NewPhase(PhaseAbort)
	seen := map[string]bool{}
	stages := s.ApplyPhase.Stages
	for i := len(stages) - 1; i >= 0; i-- {
		stage := stages[i]
		var steps []Step
		for j := len(stage.Steps) - 1; j >= 0; j-- {
			step := stage.Steps[j]
			if step.Base().Result == ResultInitial {
				continue
			}
			for _, abort := range step.AbortSteps() {
				key := abortKey(abort)
				if seen[key] {
					continue
				}
				seen[key] = true
				steps = append(steps, abort)
			}
		}
		if len(steps) > 0 {
			phase.AddStage(NewStage("abort-"+stage.Name, steps...))
		}
	}
	return phase
}

// Summary is the terse view of a strategy's progress
type Summary struct {
	UUID                 string `json:"uuid"`
	Kind                 Kind   `json:"kind"`
	State                State  `json:"state"`
	Phase                string `json:"current_phase"`
	Stage                string `json:"current_stage,omitempty"`
	Step                 string `json:"current_step,omitempty"`
	CompletionPercentage int    `json:"completion_percentage"`
	Result               Result `json:"result"`
	Reason               string `json:"reason,omitempty"`
}

// Summarize reports the current phase and the first non-success
func (s *Strategy) Summarize() Summary {
	phase := s.CurrentPhase()
	sum := Summary{
		UUID:  s.UUID,
		Kind:  s.Kind,
		State: s.State,
	}
	if phase == nil {
		return sum
	}
	phase.UpdateCompletion()
	sum.Phase = string(phase.Name)
	sum.CompletionPercentage = phase.CompletionPercentage
	sum.Result = phase.Result
	sum.Reason = phase.Reason
	if stage := phase.Current(); stage != nil {
		sum.Stage = stage.Name
		if step := stage.Current(); step != nil {
			sum.Step = string(step.Base().Name)
		}
	}
	return sum
}
