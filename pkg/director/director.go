package director

import (
	"context"
	"fmt"

	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
	"github.com/rs/zerolog"
)

// Director turns verbs over hosts and instances into NFVI calls. It is the
// only component that issues state-changing calls.
type Director struct {
	client     *nfvi.Client
	table      *fleet.Table
	dispatcher nfvi.Dispatcher
	publisher  fleet.Publisher
	logger     zerolog.Logger
}

// New creates a director
func New(client *nfvi.Client, table *fleet.Table, dispatcher nfvi.Dispatcher, publisher fleet.Publisher) *Director {
	return &Director{
		client:     client,
		table:      table,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     log.WithComponent("director"),
	}
}

// Client exposes the client bundle for read-only queries
func (d *Director) Client() *nfvi.Client {
	return d.client
}

// Query issues a read-only call and delivers the response on the loop
func (d *Director) Query(call func(ctx context.Context) nfvi.Response, cb nfvi.Callback) {
	d.dispatcher.Dispatch(call, cb)
}

type entityCall func(ctx context.Context) nfvi.Response

// run issues one call per entity and completes the operation once every
// response is back on the loop
func (d *Director) run(verb string, entities []string, calls map[string]entityCall,
	onSuccess func(entity string, resp nfvi.Response), done func(*Operation)) *Operation {
	op := newOperation(verb, entities, done)
	d.logger.Info().Str("verb", verb).Strs("entities", entities).Str("operation", op.ID).Msg("Issuing operation")

	if len(entities) == 0 {
		d.dispatcher.Dispatch(func(ctx context.Context) nfvi.Response { return nfvi.Success(nil) }, func(nfvi.Response) {
			op.state = OperationCompleted
			if op.done != nil {
				op.done(op)
			}
		})
		return op
	}

	for _, entity := range entities {
		entity := entity
		d.dispatcher.Dispatch(calls[entity], func(resp nfvi.Response) {
			if !resp.Completed {
				d.logger.Warn().
					Str("verb", verb).
					Str("entity", entity).
					Str("error_code", string(resp.ErrorCode)).
					Str("reason", resp.Reason).
					Msg("Operation request failed")
			} else if onSuccess != nil {
				onSuccess(entity, resp)
			}
			op.record(entity, resp)
		})
	}
	return op
}

// single runs a verb that addresses the whole system rather than a set
// of entities
func (d *Director) single(verb string, call entityCall, done func(*Operation)) *Operation {
	return d.run(verb, []string{verb}, map[string]entityCall{verb: call}, nil, done)
}

// hostCalls resolves each host name in the fleet table and builds its
// call; unknown hosts fail without reaching the backend
func (d *Director) hostCalls(names []string, fn func(h *types.Host) entityCall) map[string]entityCall {
	calls := make(map[string]entityCall, len(names))
	for _, name := range names {
		h := d.table.Host(name)
		if h == nil {
			name := name
			calls[name] = func(ctx context.Context) nfvi.Response {
				return nfvi.Failure(nfvi.ErrorCodeNotFound, fmt.Sprintf("host %s not found", name))
			}
			continue
		}
		calls[name] = fn(h)
	}
	return calls
}

// publishHost announces a host change made by a successful operation so
// the fleet table reflects it before the next audit
func (d *Director) publishHost(h *types.Host) {
	if d.publisher == nil || h == nil {
		return
	}
	d.publisher.Publish(&events.Event{Type: events.EventHostStateChanged, HostName: h.Name, Host: h})
}
