package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

// QueryAlarmsStep reads the active alarms into the strategy references.
// When FailOnAlarms is set, any alarm that blocks under the filter fails
// the step.
type QueryAlarmsStep struct {
	StepBase
	Filter       AlarmFilter `json:"filter"`
	FailOnAlarms bool        `json:"fail_on_alarms"`
}

// NewQueryAlarmsStep creates a query-alarms step
func NewQueryAlarmsStep(filter AlarmFilter, failOnAlarms bool) *QueryAlarmsStep {
	return &QueryAlarmsStep{
		StepBase:     newBase(StepQueryAlarms, time.Minute, EntityNone, nil, nil),
		Filter:       filter,
		FailOnAlarms: failOnAlarms,
	}
}

func (s *QueryAlarmsStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.issue(env)
	return ResultWait, ""
}

func (s *QueryAlarmsStep) issue(env *Env) {
	s.query(env, s, func(ctx context.Context) nfvi.Response {
		return env.Director.Client().Fault.GetAlarms(ctx)
	}, func(resp nfvi.Response) {
		alarms, ok := nfvi.As[[]types.Alarm](resp)
		if !ok {
			env.Fail(s, "unexpected alarm query result", fmt.Sprintf("%T", resp.ResultData))
			return
		}
		env.Strategy.References.Alarms = alarms
		env.Changed()
		if blocking := s.Filter.Blocking(alarms, 0); s.FailOnAlarms && len(blocking) > 0 {
			env.Complete(s, ResultFailed, fmt.Sprintf("active alarms present [ %s ]", strings.Join(alarmIDs(blocking), ", ")))
			return
		}
		env.Succeed(s, "")
	})
}

func (s *QueryAlarmsStep) Poll(env *Env, now time.Time) bool {
	s.issue(env)
	return false
}

func (s *QueryAlarmsStep) Interruptible() bool { return true }

// WaitAlarmsClearStep polls the alarm list on every tick until nothing
// blocks. The wait-data-sync kind is the same wait after storage or
// controller data resynchronises.
type WaitAlarmsClearStep struct {
	StepBase
	Filter  AlarmFilter `json:"filter"`
	Pending []string    `json:"pending_alarms,omitempty"`
}

// NewWaitAlarmsClearStep creates a wait-alarms-clear step
func NewWaitAlarmsClearStep(timeout time.Duration, filter AlarmFilter) *WaitAlarmsClearStep {
	return &WaitAlarmsClearStep{
		StepBase: newBase(StepWaitAlarmsClear, timeout, EntityNone, nil, nil),
		Filter:   filter,
	}
}

// NewWaitDataSyncStep creates a wait-data-sync step
func NewWaitDataSyncStep(timeout time.Duration, filter AlarmFilter) *WaitAlarmsClearStep {
	return &WaitAlarmsClearStep{
		StepBase: newBase(StepWaitDataSync, timeout, EntityNone, nil, nil),
		Filter:   filter,
	}
}

func (s *WaitAlarmsClearStep) Apply(env *Env) (Result, string) {
	s.Begin(env.Now())
	s.issue(env)
	return ResultWait, ""
}

func (s *WaitAlarmsClearStep) issue(env *Env) {
	s.query(env, s, func(ctx context.Context) nfvi.Response {
		return env.Director.Client().Fault.GetAlarms(ctx)
	}, func(resp nfvi.Response) {
		alarms, ok := nfvi.As[[]types.Alarm](resp)
		if !ok {
			env.Fail(s, "unexpected alarm query result", fmt.Sprintf("%T", resp.ResultData))
			return
		}
		blocking := s.Filter.Blocking(alarms, env.Now().Sub(s.StartedAt))
		if len(blocking) == 0 {
			env.Succeed(s, "")
			return
		}
		ids := alarmIDs(blocking)
		if strings.Join(ids, ",") != strings.Join(s.Pending, ",") {
			s.Pending = ids
			env.Changed()
		}
	})
}

func (s *WaitAlarmsClearStep) Poll(env *Env, now time.Time) bool {
	s.issue(env)
	return false
}

func (s *WaitAlarmsClearStep) OnTimeout(env *Env) (Result, string) {
	return ResultTimedOut, fmt.Sprintf("alarms did not clear [ %s ]", strings.Join(s.Pending, ", "))
}

func (s *WaitAlarmsClearStep) Interruptible() bool { return true }
