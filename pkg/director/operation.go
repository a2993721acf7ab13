package director

import (
	"sort"
	"strings"

	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/google/uuid"
)

// OperationState is the lifecycle of an operation handle
type OperationState string

const (
	OperationInProgress OperationState = "in-progress"
	OperationCompleted  OperationState = "completed"
	OperationFailed     OperationState = "failed"
)

// Operation tracks one verb issued against a set of entities. Completion
// means every backend accepted the request; confirming the effect is
// left to the caller. Operations are only touched on the bus loop.
type Operation struct {
	ID     string
	Verb   string
	state  OperationState
	reason string
	detail string
	code   nfvi.ErrorCode

	entities    []string
	outstanding int
	results     map[string]nfvi.Response
	done        func(*Operation)
}

func newOperation(verb string, entities []string, done func(*Operation)) *Operation {
	return &Operation{
		ID:          uuid.New().String(),
		Verb:        verb,
		state:       OperationInProgress,
		entities:    entities,
		outstanding: len(entities),
		results:     make(map[string]nfvi.Response, len(entities)),
		done:        done,
	}
}

func (o *Operation) IsInProgress() bool { return o.state == OperationInProgress }
func (o *Operation) IsCompleted() bool  { return o.state == OperationCompleted }
func (o *Operation) IsFailed() bool     { return o.state == OperationFailed }

// State returns the current state
func (o *Operation) State() OperationState { return o.state }

// Reason joins the reasons of the failed entities, in entity order
func (o *Operation) Reason() string { return o.reason }

// Detail is the backend's structured error body for the first failure
func (o *Operation) Detail() string { return o.detail }

// ErrorCode is the error code of the first failure
func (o *Operation) ErrorCode() nfvi.ErrorCode { return o.code }

// IsRetryable reports a failure caused by backend backpressure. Callers
// reissue the verb on a later audit tick instead of failing.
func (o *Operation) IsRetryable() bool {
	return o.state == OperationFailed && o.code == nfvi.ErrorCodeRetryAfter
}

// Result returns the response recorded for an entity
func (o *Operation) Result(entity string) (nfvi.Response, bool) {
	resp, ok := o.results[entity]
	return resp, ok
}

// FailedEntities returns the entities whose request failed, sorted
func (o *Operation) FailedEntities() []string {
	var out []string
	for name, resp := range o.results {
		if !resp.Completed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// record stores one entity's response and finishes the operation when
// the last one arrives
func (o *Operation) record(entity string, resp nfvi.Response) {
	if o.state != OperationInProgress {
		return
	}
	o.results[entity] = resp
	o.outstanding--
	if o.outstanding > 0 {
		return
	}

	o.state = OperationCompleted
	var reasons []string
	for _, name := range o.entities {
		r := o.results[name]
		if r.Completed {
			continue
		}
		if o.state != OperationFailed {
			o.state = OperationFailed
			o.code = r.ErrorCode
			o.detail = r.Detail
		}
		reasons = append(reasons, r.Reason)
	}
	if len(reasons) > 0 {
		o.reason = reasons[0]
		if len(reasons) > 1 {
			o.reason = strings.Join(reasons, "; ")
		}
	}
	if o.done != nil {
		o.done(o)
	}
}
