package nfvi

import (
	"context"
	"fmt"
)

// ErrorCode classifies why a call did not complete
type ErrorCode string

const (
	ErrorCodeNone             ErrorCode = ""
	ErrorCodeTokenExpired     ErrorCode = "token-expired"
	ErrorCodeAuthFailed       ErrorCode = "auth-failed"
	ErrorCodeTransportTimeout ErrorCode = "transport-timeout"
	ErrorCodeTransport        ErrorCode = "transport-error"
	ErrorCodeRetryAfter       ErrorCode = "retry-after"
	ErrorCodeRejected         ErrorCode = "rejected"
	ErrorCodeNotFound         ErrorCode = "not-found"
	ErrorCodeMalformed        ErrorCode = "malformed-response"
)

// Retryable reports codes a step may treat as wait and retry on the next
// audit tick
func (c ErrorCode) Retryable() bool {
	return c == ErrorCodeRetryAfter || c == ErrorCodeTokenExpired
}

// Response is the uniform result of every NFVI call
type Response struct {
	Completed  bool      `json:"completed"`
	ResultData any       `json:"result_data,omitempty"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	// Detail is the backend's structured error body, kept verbatim
	Detail string `json:"detail,omitempty"`
}

// Success returns a completed response carrying data
func Success(data any) Response {
	return Response{Completed: true, ResultData: data}
}

// Failure returns an incomplete response
func Failure(code ErrorCode, reason string) Response {
	return Response{ErrorCode: code, Reason: reason}
}

// Failuref returns an incomplete response with a formatted reason
func Failuref(code ErrorCode, format string, args ...any) Response {
	return Failure(code, fmt.Sprintf(format, args...))
}

// WithDetail sets the backend detail on a response
func (r Response) WithDetail(detail string) Response {
	r.Detail = detail
	return r
}

// Callback receives a response on the scheduler loop
type Callback func(Response)

// Poster hands a continuation back to the scheduler loop
type Poster interface {
	Post(fn func())
}

// Async runs call on a helper goroutine and posts cb with its response to
// the loop. It is the only way loop code issues a blocking NFVI call.
func Async(ctx context.Context, p Poster, call func(ctx context.Context) Response, cb Callback) {
	go func() {
		resp := call(ctx)
		if cb != nil {
			p.Post(func() { cb(resp) })
		}
	}()
}

// Dispatcher issues blocking calls off the loop and delivers callbacks on it
type Dispatcher interface {
	Dispatch(call func(ctx context.Context) Response, cb Callback)
}

// AsyncDispatcher runs every call on its own goroutine
type AsyncDispatcher struct {
	Ctx    context.Context
	Poster Poster
}

// Dispatch implements Dispatcher
func (d AsyncDispatcher) Dispatch(call func(ctx context.Context) Response, cb Callback) {
	Async(d.Ctx, d.Poster, call, cb)
}

// As extracts typed result data from a completed response
func As[T any](r Response) (T, bool) {
	v, ok := r.ResultData.(T)
	return v, ok
}
