package strategy

import (
	"context"
	"time"

	"github.com/cuemby/vim/pkg/director"
	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
	"github.com/rs/zerolog"
)

// Result is the outcome of a step, stage or phase
type Result string

const (
	ResultInitial  Result = "initial"
	ResultWait     Result = "wait"
	ResultSuccess  Result = "success"
	ResultFailed   Result = "failed"
	ResultTimedOut Result = "timed-out"
	ResultAborted  Result = "aborted"
)

// IsFinal reports a result that ends the step
func (r Result) IsFinal() bool {
	switch r {
	case ResultSuccess, ResultFailed, ResultTimedOut, ResultAborted:
		return true
	}
	return false
}

// IsFailure reports a final result other than success
func (r Result) IsFailure() bool {
	return r.IsFinal() && r != ResultSuccess
}

// Entity types carried by steps
const (
	EntityHosts     = "hosts"
	EntityInstances = "instances"
	EntityNone      = ""
)

// Clock is the time source of the engine
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock returns the wall clock in UTC
func RealClock() Clock { return realClock{} }

// Env is what a step may use while it runs. Everything on it is only
// touched from the bus loop.
type Env struct {
	Director *director.Director
	Fleet    *fleet.Table
	Clock    Clock
	Strategy *Strategy
	Logger   zerolog.Logger

	// OnComplete finishes the active step from an asynchronous callback
	OnComplete func(s Step, result Result, reason, detail string)
	// OnChange asks for the strategy to be persisted
	OnChange func()
}

// Now returns the current time
func (e *Env) Now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now()
}

// Complete finishes s with result
func (e *Env) Complete(s Step, result Result, reason string) {
	e.finish(s, result, reason, "")
}

// Succeed finishes s successfully
func (e *Env) Succeed(s Step, reason string) {
	e.finish(s, ResultSuccess, reason, "")
}

// Fail finishes s as failed, keeping the backend's detail
func (e *Env) Fail(s Step, reason, detail string) {
	e.finish(s, ResultFailed, reason, detail)
}

func (e *Env) finish(s Step, result Result, reason, detail string) {
	if e.OnComplete != nil {
		e.OnComplete(s, result, reason, detail)
	}
}

// Changed records a material change of step state
func (e *Env) Changed() {
	if e.OnChange != nil {
		e.OnChange()
	}
}

// Step is one unit of execution. Implementations embed StepBase, which
// supplies the persisted common fields and default behavior.
type Step interface {
	Base() *StepBase
	// Apply starts the step. It returns wait when completion arrives
	// later through Env.Complete, an event or a poll.
	Apply(env *Env) (Result, string)
	// HandleEvent offers a fleet event to the active step. It returns
	// true when the step consumed it.
	HandleEvent(env *Env, e *events.Event) bool
	// Poll runs on each audit tick while the step waits. It returns true
	// when step state changed.
	Poll(env *Env, now time.Time) bool
	// OnTimeout decides the result when the deadline passes
	OnTimeout(env *Env) (Result, string)
	// AbortSteps returns the steps that undo this one once it has run
	AbortSteps() []Step
	// Interruptible steps may be abandoned immediately on user abort
	Interruptible() bool
}

// StepBase carries the fields every step persists
type StepBase struct {
	Name        StepKind  `json:"name"`
	Timeout     int       `json:"timeout"`
	EntityType  string    `json:"entity_type"`
	EntityNames []string  `json:"entity_names"`
	EntityUUIDs []string  `json:"entity_uuids"`
	Result      Result    `json:"result"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail,omitempty"`
	StartedAt   time.Time `json:"start_date_time"`
	EndedAt     time.Time `json:"end_date_time"`
	Deadline    time.Time `json:"deadline"`
	// Extensions counts deadline extensions; at most one per retry
	Extensions int `json:"timeout_extensions"`

	// epoch changes on every apply so callbacks from an earlier attempt
	// can be recognised and dropped
	epoch    int
	inflight bool
	querying bool
	retry    bool
}

func newBase(kind StepKind, timeout time.Duration, entityType string, names, uuids []string) StepBase {
	return StepBase{
		Name:        kind,
		Timeout:     int(timeout / time.Second),
		EntityType:  entityType,
		EntityNames: append([]string(nil), names...),
		EntityUUIDs: append([]string(nil), uuids...),
		Result:      ResultInitial,
	}
}

func (b *StepBase) Base() *StepBase { return b }

// Kind returns the registry key of the step
func (b *StepBase) Kind() StepKind { return b.Name }

// TimeoutDuration returns the configured timeout
func (b *StepBase) TimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// Begin stamps the start of an attempt and sets the deadline the first
// time the step runs. A step resumed after a restart keeps its deadline.
func (b *StepBase) Begin(now time.Time) int {
	if b.StartedAt.IsZero() {
		b.StartedAt = now
	}
	if b.Deadline.IsZero() {
		b.Deadline = now.Add(b.TimeoutDuration())
	}
	b.Result = ResultWait
	b.epoch++
	b.inflight = false
	b.querying = false
	b.retry = false
	return b.epoch
}

// Live reports whether a callback issued in epoch still applies
func (b *StepBase) Live(epoch int) bool {
	return b.Result == ResultWait && b.epoch == epoch
}

// Extend pushes the deadline out; retry is the retry count the extension
// is for, so each retry extends at most once
func (b *StepBase) Extend(d time.Duration, retry int) bool {
	if b.Extensions >= retry {
		return false
	}
	b.Deadline = b.Deadline.Add(d)
	b.Extensions = retry
	return true
}

// Expired reports whether the deadline has passed
func (b *StepBase) Expired(now time.Time) bool {
	return b.Result == ResultWait && !b.Deadline.IsZero() && !now.Before(b.Deadline)
}

// Finish records the final result
func (b *StepBase) Finish(result Result, reason, detail string, now time.Time) {
	b.Result = result
	b.Reason = reason
	b.Detail = detail
	b.EndedAt = now
	b.inflight = false
}

// Reset returns the step to its initial state so that it can run again
func (b *StepBase) Reset() {
	b.Result = ResultInitial
	b.Reason = ""
	b.Detail = ""
	b.StartedAt = time.Time{}
	b.EndedAt = time.Time{}
	b.Deadline = time.Time{}
	b.Extensions = 0
	b.inflight = false
}

func (b *StepBase) HandleEvent(env *Env, e *events.Event) bool { return false }
func (b *StepBase) Poll(env *Env, now time.Time) bool           { return false }
func (b *StepBase) AbortSteps() []Step                          { return nil }
func (b *StepBase) Interruptible() bool                         { return false }

func (b *StepBase) OnTimeout(env *Env) (Result, string) {
	return ResultTimedOut, "timeout"
}

// hasHost reports whether the step targets the named host
func (b *StepBase) hasHost(name string) bool {
	for _, n := range b.EntityNames {
		if n == name {
			return true
		}
	}
	return false
}

// hostEvent reports an event that may change the state of a target host
func (b *StepBase) hostEvent(e *events.Event) bool {
	switch e.Type {
	case events.EventHostStateChanged, events.EventHostAdded, events.EventHostDeleted:
		return b.hasHost(e.HostName)
	case events.EventHostAudit:
		return true
	}
	return false
}

// tracked wraps an operation callback so it only acts for the attempt
// that issued it. A retry-after failure leaves the step waiting and the
// verb is reissued on the next poll; any other failure fails the step.
func (b *StepBase) tracked(env *Env, s Step, next func(op *director.Operation)) director.Done {
	epoch := b.epoch
	b.inflight = true
	return func(op *director.Operation) {
		if !b.Live(epoch) {
			return
		}
		b.inflight = false
		if op.IsFailed() {
			if op.IsRetryable() {
				b.retry = true
				return
			}
			env.Fail(s, op.Reason(), op.Detail())
			return
		}
		if next != nil {
			next(op)
		}
	}
}

// takeRetry reports and clears a pending retry
func (b *StepBase) takeRetry() bool {
	if b.retry && !b.inflight {
		b.retry = false
		return true
	}
	return false
}

// query issues a read-only call for the current attempt; at most one is
// outstanding. Retryable failures are dropped and the next poll asks again.
func (b *StepBase) query(env *Env, s Step, call func(ctx context.Context) nfvi.Response, cb func(resp nfvi.Response)) {
	if b.querying {
		return
	}
	b.querying = true
	epoch := b.epoch
	env.Director.Query(call, func(resp nfvi.Response) {
		if !b.Live(epoch) {
			return
		}
		b.querying = false
		if !resp.Completed {
			if resp.ErrorCode.Retryable() {
				return
			}
			env.Fail(s, resp.Reason, resp.Detail)
			return
		}
		cb(resp)
	})
}

// hostRefs resolves hosts to parallel name and uuid lists
func hostRefs(hosts []*types.Host) ([]string, []string) {
	names := make([]string, 0, len(hosts))
	uuids := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, h.Name)
		uuids = append(uuids, h.UUID)
	}
	return names, uuids
}
