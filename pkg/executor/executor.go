package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cuemby/vim/pkg/director"
	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/cuemby/vim/pkg/storage"
	"github.com/cuemby/vim/pkg/strategy"
	"github.com/rs/zerolog"
)

var (
	// ErrStrategyExists is returned by Create while another strategy exists
	ErrStrategyExists = errors.New("strategy already exists")
	// ErrNoStrategy is returned when no strategy of the requested kind exists
	ErrNoStrategy = errors.New("no strategy exists")
	// ErrInvalidAction is returned for an action the strategy state forbids
	ErrInvalidAction = errors.New("action not allowed")
	// ErrStopped is returned once the bus loop has stopped
	ErrStopped = errors.New("executor stopped")
)

// HistoryKeep is how many finished strategies the archive retains
const HistoryKeep = 32

const abortedByUser = "aborted by user"

// Executor creates, runs and retires strategies
type Executor struct {
	store    storage.Store
	bus      *events.Bus
	director *director.Director
	fleet    *fleet.Table
	clock    strategy.Clock
	logger   zerolog.Logger

	// owned by the bus loop
	strategy   *strategy.Strategy
	env        *strategy.Env
	active     strategy.Step
	abort      bool
	processing bool
}

// New creates an executor. Start must be called after the fleet table has
// subscribed to the bus, so that steps see the table already updated.
func New(store storage.Store, bus *events.Bus, dir *director.Director, table *fleet.Table, clock strategy.Clock) *Executor {
	if clock == nil {
		clock = strategy.RealClock()
	}
	return &Executor{
		store:    store,
		bus:      bus,
		director: dir,
		fleet:    table,
		clock:    clock,
		logger:   log.WithComponent("executor"),
	}
}

// Start loads the persisted strategy, resumes it when it was running and
// subscribes to events and audit ticks
func (e *Executor) Start() error {
	records, err := e.store.ListStrategies()
	if err != nil {
		metrics.UpdateComponent("executor", false, "store unreadable")
		return fmt.Errorf("failed to load strategies: %w", err)
	}

	var loaded *strategy.Strategy
	if n := len(records); n > 0 {
		for _, rec := range records[:n-1] {
			e.logger.Warn().Str("strategy_id", rec.UUID).Msg("Archiving surplus strategy")
			if err := e.store.ArchiveStrategy(rec.UUID); err != nil {
				return fmt.Errorf("failed to archive strategy %s: %w", rec.UUID, err)
			}
		}
		loaded, err = decode(records[n-1])
		if err != nil {
			metrics.UpdateComponent("executor", false, "strategy unreadable")
			return err
		}
	}

	e.bus.Subscribe(e.handleEvent)
	e.bus.OnTick(e.onTick)

	err = e.exec(func() {
		if loaded == nil {
			return
		}
		e.adopt(loaded)
		e.logger.Info().
			Str("strategy_id", loaded.UUID).
			Str("kind", string(loaded.Kind)).
			Str("state", string(loaded.State)).
			Msg("Loaded strategy")
		e.process()
	})
	if err != nil {
		return err
	}
	metrics.RegisterComponent("executor", true, "")
	return nil
}

// exec runs fn on the bus loop. On a bus that was never started fn runs
// on the caller and the test drives the loop with Flush.
func (e *Executor) exec(fn func()) error {
	if !e.bus.Running() {
		fn()
		return nil
	}
	if !e.bus.Call(fn) {
		return ErrStopped
	}
	return nil
}

// Create builds a new strategy and starts its build phase
func (e *Executor) Create(kind strategy.Kind, intent strategy.Intent) (*strategy.Strategy, error) {
	var out *strategy.Strategy
	var err error
	xerr := e.exec(func() {
		if s := e.strategy; s != nil {
			err = fmt.Errorf("%w: %s strategy %s is %s", ErrStrategyExists, s.Kind, s.UUID, s.State)
			return
		}
		var s *strategy.Strategy
		s, err = strategy.New(kind, intent, e.clock.Now())
		if err != nil {
			return
		}
		e.adopt(s)
		e.logger.Info().Str("strategy_id", s.UUID).Str("kind", string(kind)).Msg("Strategy created")
		e.startPhase(strategy.StateBuilding)
		e.process()
		out, err = clone(e.strategy)
	})
	if xerr != nil {
		return nil, xerr
	}
	return out, err
}

// Get returns a copy of the strategy of the given kind
func (e *Executor) Get(kind strategy.Kind) (*strategy.Strategy, error) {
	return e.with(kind, func(*strategy.Strategy) error { return nil })
}

// Current returns a copy of the strategy, whatever its kind
func (e *Executor) Current() (*strategy.Strategy, error) {
	var out *strategy.Strategy
	var err error
	xerr := e.exec(func() {
		if e.strategy == nil {
			err = ErrNoStrategy
			return
		}
		out, err = clone(e.strategy)
	})
	if xerr != nil {
		return nil, xerr
	}
	return out, err
}

// Apply runs the apply phase. With a stage index the phase pauses once
// that stage has finished and the strategy is ready to apply again.
func (e *Executor) Apply(kind strategy.Kind, stage *int) (*strategy.Strategy, error) {
	return e.with(kind, func(s *strategy.Strategy) error {
		if s.State != strategy.StateReadyToApply {
			return fmt.Errorf("%w: cannot apply a strategy that is %s", ErrInvalidAction, s.State)
		}
		phase := s.ApplyPhase
		stop := -1
		if stage != nil {
			if *stage < phase.CurrentStage || *stage >= len(phase.Stages) {
				return fmt.Errorf("%w: stage %d is not between %d and %d",
					ErrInvalidAction, *stage, phase.CurrentStage, len(phase.Stages)-1)
			}
			stop = *stage
		}
		phase.StopAtStage = stop
		e.logger.Info().Str("strategy_id", s.UUID).Int("stop_at_stage", stop).Msg("Applying strategy")
		e.startPhase(strategy.StateApplying)
		e.process()
		return nil
	})
}

// Abort stops the apply phase and undoes what it did. An interruptible
// active step is abandoned at once; any other step is allowed to finish
// first.
func (e *Executor) Abort(kind strategy.Kind) (*strategy.Strategy, error) {
	return e.with(kind, func(s *strategy.Strategy) error {
		switch s.State {
		case strategy.StateApplying:
		case strategy.StateReadyToApply:
			if len(s.ApplyPhase.ExecutedSteps()) == 0 {
				return fmt.Errorf("%w: the strategy has not been applied", ErrInvalidAction)
			}
		default:
			return fmt.Errorf("%w: cannot abort a strategy that is %s", ErrInvalidAction, s.State)
		}

		e.abort = true
		e.logger.Info().Str("strategy_id", s.UUID).Msg("Abort requested")
		if step := e.active; step != nil && step.Base().Result == strategy.ResultWait {
			if !step.Interruptible() {
				e.logger.Info().Str("step", string(step.Base().Name)).Msg("Abort waits for the active step")
				return nil
			}
			step.Base().Finish(strategy.ResultAborted, abortedByUser, "", e.clock.Now())
		}
		if s.State == strategy.StateReadyToApply {
			e.abortApply(abortedByUser)
		}
		e.process()
		return nil
	})
}

// Delete archives the strategy. A running strategy is only deleted when
// forced; its outstanding callbacks are then ignored.
func (e *Executor) Delete(kind strategy.Kind, force bool) error {
	_, err := e.with(kind, func(s *strategy.Strategy) error {
		if s.State.IsInProgress() && !force {
			return fmt.Errorf("%w: cannot delete a strategy that is %s", ErrInvalidAction, s.State)
		}
		if err := e.store.ArchiveStrategy(s.UUID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to archive strategy: %w", err)
		}
		if n, err := e.store.PruneHistory(HistoryKeep); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to prune strategy history")
		} else if n > 0 {
			e.logger.Debug().Int("removed", n).Msg("Pruned strategy history")
		}
		e.logger.Info().Str("strategy_id", s.UUID).Str("state", string(s.State)).Msg("Strategy deleted")
		e.strategy = nil
		e.env = nil
		e.active = nil
		e.abort = false
		metrics.StrategyState.Reset()
		metrics.StrategyCompletion.Set(0)
		return nil
	})
	return err
}

// History returns the summaries of archived strategies, oldest first
func (e *Executor) History() ([]strategy.Summary, error) {
	records, err := e.store.ListHistory()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	out := make([]strategy.Summary, 0, len(records))
	for _, rec := range records {
		s, err := decode(rec)
		if err != nil {
			e.logger.Warn().Err(err).Str("strategy_id", rec.UUID).Msg("Skipping unreadable archived strategy")
			continue
		}
		out = append(out, s.Summarize())
	}
	return out, nil
}

// HostInUse reports whether a strategy in progress names the host in its
// apply or abort phase
func (e *Executor) HostInUse(name string) (bool, error) {
	var used bool
	err := e.exec(func() {
		s := e.strategy
		if s == nil || !s.State.IsInProgress() {
			return
		}
		for _, phase := range []*strategy.Phase{s.ApplyPhase, s.AbortPhase} {
			if phase == nil {
				continue
			}
			for _, stage := range phase.Stages {
				if slices.Contains(stage.Hosts(), name) {
					used = true
					return
				}
			}
		}
	})
	return used, err
}

// with runs fn on the loop against the strategy of kind and returns a
// copy of the strategy afterwards
func (e *Executor) with(kind strategy.Kind, fn func(s *strategy.Strategy) error) (*strategy.Strategy, error) {
	var out *strategy.Strategy
	var err error
	xerr := e.exec(func() {
		s := e.strategy
		if s == nil || s.Kind != kind {
			err = fmt.Errorf("%w: %s", ErrNoStrategy, kind)
			return
		}
		if err = fn(s); err != nil {
			return
		}
		if e.strategy != nil {
			out, err = clone(e.strategy)
		}
	})
	if xerr != nil {
		return nil, xerr
	}
	return out, err
}

func (e *Executor) adopt(s *strategy.Strategy) {
	e.strategy = s
	e.active = nil
	e.abort = false
	e.env = &strategy.Env{
		Director:   e.director,
		Fleet:      e.fleet,
		Clock:      e.clock,
		Strategy:   s,
		Logger:     log.WithStrategyID(s.UUID),
		OnComplete: e.onComplete,
		OnChange:   e.save,
	}
	e.publishState()
}

func (e *Executor) setState(state strategy.State) {
	e.strategy.State = state
	e.publishState()
}

func (e *Executor) publishState() {
	metrics.StrategyState.Reset()
	metrics.StrategyState.WithLabelValues(string(e.strategy.Kind), string(e.strategy.State)).Set(1)
}

// startPhase enters state and marks its phase running
func (e *Executor) startPhase(state strategy.State) {
	e.setState(state)
	phase := e.strategy.CurrentPhase()
	phase.Result = strategy.ResultWait
	if phase.StartedAt.IsZero() {
		phase.StartedAt = e.clock.Now()
	}
	e.save()
}

// terminate enters a final state
func (e *Executor) terminate(state strategy.State) {
	s := e.strategy
	e.setState(state)
	e.save()
	metrics.StrategiesCompleted.WithLabelValues(string(s.Kind), string(state)).Inc()
	phase := s.CurrentPhase()
	e.logger.Info().
		Str("strategy_id", s.UUID).
		Str("state", string(state)).
		Str("reason", phase.Reason).
		Msg("Strategy finished")
}

// save writes the strategy to the store
func (e *Executor) save() {
	s := e.strategy
	if s == nil {
		return
	}
	s.UpdatedAt = e.clock.Now()
	data, err := json.Marshal(s)
	if err != nil {
		e.logger.Error().Err(err).Str("strategy_id", s.UUID).Msg("Failed to encode strategy")
		return
	}
	rec := &storage.StrategyRecord{
		UUID:      s.UUID,
		Kind:      string(s.Kind),
		State:     string(s.State),
		Data:      data,
		CreatedAt: s.CreatedAt,
	}
	if err := e.store.SaveStrategy(rec); err != nil {
		e.logger.Error().Err(err).Str("strategy_id", s.UUID).Msg("Failed to persist strategy")
		metrics.UpdateComponent("executor", false, "persist failed")
		return
	}
	if phase := s.CurrentPhase(); phase != nil {
		metrics.StrategyCompletion.Set(float64(phase.CompletionPercentage))
	}
}

// process walks the current phase until a step waits or the phase ends.
// It is re-entered from step callbacks, so a nested call returns at once
// and the outer loop picks up the change.
func (e *Executor) process() {
	if e.processing {
		return
	}
	e.processing = true
	defer func() { e.processing = false }()

	for e.strategy != nil && e.strategy.State.IsInProgress() {
		s := e.strategy
		phase := s.CurrentPhase()

		if step := e.active; step != nil {
			if !step.Base().Result.IsFinal() {
				return
			}
			e.active = nil
			e.stepDone(phase, step)
			continue
		}

		if phase.Name == strategy.PhaseApply && e.abort {
			e.abortApply(abortedByUser)
			continue
		}

		stage := phase.Current()
		if stage == nil {
			e.phaseDone(phase, strategy.ResultSuccess, "", "")
			continue
		}
		step := stage.Current()
		if step == nil {
			stage.Result = strategy.ResultSuccess
			phase.CurrentStage++
			if phase.StopAtStage >= 0 && phase.CurrentStage > phase.StopAtStage && phase.Current() != nil {
				phase.StopAtStage = -1
				e.setState(strategy.StateReadyToApply)
				e.logger.Info().Str("strategy_id", s.UUID).Int("next_stage", phase.CurrentStage).Msg("Stage applied")
			}
			e.save()
			continue
		}

		e.active = step
		if step.Base().Result.IsFinal() {
			// finished before the cursor moved; settle it without rerunning
			continue
		}
		e.run(stage, step)
	}
}

// run applies the step under the cursor
func (e *Executor) run(stage *strategy.Stage, step strategy.Step) {
	b := step.Base()
	e.env.Logger = log.WithStrategyID(e.strategy.UUID).With().
		Str("stage", stage.Name).
		Str("step", string(b.Name)).
		Logger()
	if stage.Result == strategy.ResultInitial {
		stage.Result = strategy.ResultWait
	}

	e.env.Logger.Info().
		Bool("resumed", b.Result == strategy.ResultWait).
		Strs("entities", b.EntityNames).
		Msg("Applying step")
	result, reason := step.Apply(e.env)
	if result.IsFinal() && !b.Result.IsFinal() {
		b.Finish(result, reason, "", e.clock.Now())
	}
	e.save()
}

// onComplete finishes the active step from a callback
func (e *Executor) onComplete(step strategy.Step, result strategy.Result, reason, detail string) {
	if step != e.active || step.Base().Result.IsFinal() {
		return
	}
	step.Base().Finish(result, reason, detail, e.clock.Now())
	e.process()
}

// stepDone moves the cursor past a successful step or stops the phase
func (e *Executor) stepDone(phase *strategy.Phase, step strategy.Step) {
	b := step.Base()
	stage := phase.Current()
	observeStep(b)

	if b.Result == strategy.ResultSuccess {
		e.env.Logger.Info().Str("reason", b.Reason).Msg("Step succeeded")
		stage.CurrentStep++
		phase.UpdateCompletion()
		e.save()
		return
	}

	e.env.Logger.Warn().
		Str("result", string(b.Result)).
		Str("reason", b.Reason).
		Msg("Step did not succeed")
	stage.Result = b.Result
	stage.Reason = b.Reason
	e.phaseDone(phase, b.Result, b.Reason, b.Detail)
}

func observeStep(b *strategy.StepBase) {
	metrics.StepResults.WithLabelValues(string(b.Name), string(b.Result)).Inc()
	if !b.StartedAt.IsZero() && !b.EndedAt.Before(b.StartedAt) {
		metrics.StepDuration.WithLabelValues(string(b.Name)).Observe(b.EndedAt.Sub(b.StartedAt).Seconds())
	}
}

// phaseDone records the outcome of a phase and moves the strategy on
func (e *Executor) phaseDone(phase *strategy.Phase, result strategy.Result, reason, detail string) {
	s := e.strategy
	phase.Result = result
	phase.Reason = reason
	phase.CompleteResponse = detail
	phase.EndedAt = e.clock.Now()
	phase.UpdateCompletion()

	switch phase.Name {
	case strategy.PhaseBuild:
		switch result {
		case strategy.ResultSuccess:
			if err := s.Compile(); err != nil {
				phase.Result = strategy.ResultFailed
				phase.Reason = err.Error()
				e.terminate(strategy.StateBuildFailed)
				return
			}
			e.setState(strategy.StateReadyToApply)
			e.save()
			e.logger.Info().
				Str("strategy_id", s.UUID).
				Int("stages", len(s.ApplyPhase.Stages)).
				Int("steps", s.ApplyPhase.TotalSteps()).
				Msg("Strategy built")
		case strategy.ResultTimedOut:
			e.terminate(strategy.StateBuildTimeout)
		default:
			e.terminate(strategy.StateBuildFailed)
		}

	case strategy.PhaseApply:
		switch result {
		case strategy.ResultSuccess:
			e.terminate(strategy.StateApplied)
		case strategy.ResultAborted:
			e.startAbort(strategy.StateAborted)
		case strategy.ResultTimedOut:
			e.startAbort(strategy.StateApplyTimeout)
		default:
			e.startAbort(strategy.StateApplyFailed)
		}

	case strategy.PhaseAbort:
		switch result {
		case strategy.ResultSuccess:
			e.terminate(strategy.StateAborted)
		case strategy.ResultTimedOut:
			e.terminate(strategy.StateAbortTimeout)
		default:
			e.terminate(strategy.StateAbortFailed)
		}
	}
}

// abortApply stops the apply phase on user request
func (e *Executor) abortApply(reason string) {
	phase := e.strategy.ApplyPhase
	phase.Result = strategy.ResultAborted
	phase.Reason = reason
	phase.EndedAt = e.clock.Now()
	phase.UpdateCompletion()
	e.startAbort(strategy.StateAborted)
}

// startAbort composes and starts the abort phase. With nothing to undo
// the strategy ends in state instead.
func (e *Executor) startAbort(state strategy.State) {
	s := e.strategy
	e.abort = false
	s.AbortPhase = s.BuildAbortPhase()
	if s.AbortPhase.IsEmpty() {
		if state == strategy.StateAborted {
			s.AbortPhase.Result = strategy.ResultSuccess
			s.AbortPhase.Reason = "nothing to undo"
		}
		e.terminate(state)
		return
	}
	e.logger.Info().
		Str("strategy_id", s.UUID).
		Int("stages", len(s.AbortPhase.Stages)).
		Msg("Aborting strategy")
	e.startPhase(strategy.StateAborting)
}

// handleEvent offers a fleet event to the active step
func (e *Executor) handleEvent(ev *events.Event) {
	step := e.active
	if step == nil || step.Base().Result != strategy.ResultWait {
		return
	}
	if step.HandleEvent(e.env, ev) {
		e.env.Logger.Debug().Str("event", string(ev.Type)).Str("host", ev.HostName).Msg("Step consumed event")
	}
}

// onTick polls the active step and enforces its deadline
func (e *Executor) onTick(time.Time) {
	step := e.active
	if step == nil || e.strategy == nil || !e.strategy.State.IsInProgress() {
		return
	}
	b := step.Base()
	if b.Result.IsFinal() {
		e.process()
		return
	}

	now := e.clock.Now()
	if step.Poll(e.env, now) {
		e.save()
	}
	if e.active != step || b.Result.IsFinal() {
		return
	}
	if !b.Expired(now) {
		return
	}
	result, reason := step.OnTimeout(e.env)
	if e.active != step || b.Result.IsFinal() {
		return
	}
	if result != strategy.ResultSuccess {
		e.env.Logger.Warn().Time("deadline", b.Deadline).Str("reason", reason).Msg("Step deadline passed")
	}
	b.Finish(result, reason, "", now)
	e.process()
}

func decode(rec *storage.StrategyRecord) (*strategy.Strategy, error) {
	var s strategy.Strategy
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode strategy %s: %w", rec.UUID, err)
	}
	return &s, nil
}

// clone returns a deep copy that callers off the loop may read
func clone(s *strategy.Strategy) (*strategy.Strategy, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode strategy: %w", err)
	}
	var out strategy.Strategy
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode strategy: %w", err)
	}
	return &out, nil
}
