package strategy

import (
	"time"
)

// PhaseName identifies one of the three phases of a strategy
type PhaseName string

const (
	PhaseBuild PhaseName = "build"
	PhaseApply PhaseName = "apply"
	PhaseAbort PhaseName = "abort"
)

// Phase is an ordered sequence of stages
type Phase struct {
	Name         PhaseName `json:"name"`
	Stages       []*Stage  `json:"stages"`
	CurrentStage int       `json:"current_stage"`
	// StopAtStage pauses the phase once the stage at this index finishes;
	// -1 runs to the end
	StopAtStage int    `json:"stop_at_stage"`
	Result      Result `json:"result"`
	Reason      string `json:"reason"`
	// CompleteResponse keeps the backend detail of the failure
	CompleteResponse     string    `json:"result_complete_response,omitempty"`
	CompletionPercentage int       `json:"completion_percentage"`
	StartedAt            time.Time `json:"start_date_time"`
	EndedAt              time.Time `json:"end_date_time"`
}

// NewPhase creates an empty phase
func NewPhase(name PhaseName) *Phase {
	return &Phase{Name: name, Result: ResultInitial, StopAtStage: -1}
}

// AddStage appends a stage and returns it
func (p *Phase) AddStage(s *Stage) *Stage {
	p.Stages = append(p.Stages, s)
	return s
}

// Current returns the stage under the cursor or nil
func (p *Phase) Current() *Stage {
	if p.CurrentStage < 0 || p.CurrentStage >= len(p.Stages) {
		return nil
	}
	return p.Stages[p.CurrentStage]
}

// CurrentStep returns the active step or nil
func (p *Phase) CurrentStep() Step {
	if stage := p.Current(); stage != nil {
		return stage.Current()
	}
	return nil
}

// IsEmpty reports a phase without steps
func (p *Phase) IsEmpty() bool {
	return p.TotalSteps() == 0
}

// TotalSteps counts the steps of every stage
func (p *Phase) TotalSteps() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.Steps)
	}
	return n
}

// UpdateCompletion recomputes the completion percentage from the ratio of
// finished steps
func (p *Phase) UpdateCompletion() {
	total := p.TotalSteps()
	if total == 0 {
		if p.Result == ResultSuccess {
			p.CompletionPercentage = 100
		}
		return
	}
	done := 0
	for _, s := range p.Stages {
		for _, step := range s.Steps {
			if step.Base().Result == ResultSuccess {
				done++
			}
		}
	}
	p.CompletionPercentage = done * 100 / total
}

// ExecutedSteps returns the steps that have been applied, in order
func (p *Phase) ExecutedSteps() []Step {
	var out []Step
	for _, s := range p.Stages {
		for _, step := range s.Steps {
			if step.Base().Result != ResultInitial {
				out = append(out, step)
			}
		}
	}
	return out
}
