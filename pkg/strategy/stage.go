package strategy

import (
	"encoding/json"
	"fmt"
)

// Stage is an ordered sequence of steps sharing a purpose
type Stage struct {
	Name        string
	Steps       []Step
	CurrentStep int
	Result      Result
	Reason      string
}

// NewStage creates an empty stage
func NewStage(name string, steps ...Step) *Stage {
	return &Stage{Name: name, Steps: steps, Result: ResultInitial}
}

// Add appends steps
func (s *Stage) Add(steps ...Step) *Stage {
	s.Steps = append(s.Steps, steps...)
	return s
}

// Current returns the step under the cursor or nil when the stage is done
func (s *Stage) Current() Step {
	if s.CurrentStep < 0 || s.CurrentStep >= len(s.Steps) {
		return nil
	}
	return s.Steps[s.CurrentStep]
}

// Hosts returns the host names touched by the stage in step order
func (s *Stage) Hosts() []string {
	var names []string
	seen := map[string]bool{}
	for _, step := range s.Steps {
		b := step.Base()
		if b.EntityType != EntityHosts {
			continue
		}
		for _, n := range b.EntityNames {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names
}

type stageJSON struct {
	Name        string            `json:"name"`
	Steps       []json.RawMessage `json:"steps"`
	CurrentStep int               `json:"current_step"`
	TotalSteps  int               `json:"total_steps"`
	Result      Result            `json:"result"`
	Reason      string            `json:"reason"`
}

// MarshalJSON encodes the stage with each step's kind-specific fields
func (s *Stage) MarshalJSON() ([]byte, error) {
	steps, err := marshalSteps(s.Steps)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", s.Name, err)
	}
	return json.Marshal(stageJSON{
		Name:        s.Name,
		Steps:       steps,
		CurrentStep: s.CurrentStep,
		TotalSteps:  len(s.Steps),
		Result:      s.Result,
		Reason:      s.Reason,
	})
}

// UnmarshalJSON decodes steps through the step registry
func (s *Stage) UnmarshalJSON(data []byte) error {
	var raw stageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	steps, err := unmarshalSteps(raw.Steps)
	if err != nil {
		return fmt.Errorf("stage %s: %w", raw.Name, err)
	}
	*s = Stage{
		Name:        raw.Name,
		Steps:       steps,
		CurrentStep: raw.CurrentStep,
		Result:      raw.Result,
		Reason:      raw.Reason,
	}
	return nil
}
