package nfvi

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/vim/pkg/types"
)

// FaultAPI is the fault management surface
type FaultAPI interface {
	GetAlarms(ctx context.Context) Response
	GetLogs(ctx context.Context, start, end time.Time) Response
	GetAlarmHistory(ctx context.Context, start, end time.Time) Response
}

// EventLog is a historical fault management log or alarm record
type EventLog struct {
	UUID             string              `json:"uuid"`
	EventLogID       string              `json:"event_log_id"`
	EntityInstanceID string              `json:"entity_instance_id"`
	State            string              `json:"state"`
	Severity         types.AlarmSeverity `json:"severity"`
	ReasonText       string              `json:"reason_text"`
	Timestamp        time.Time           `json:"timestamp"`
}

type fmClient struct {
	rest *restClient
}

type fmAlarm struct {
	UUID             string `json:"uuid"`
	AlarmID          string `json:"alarm_id"`
	EntityInstanceID string `json:"entity_instance_id"`
	Severity         string `json:"severity"`
	ReasonText       string `json:"reason_text"`
	MgmtAffecting    string `json:"mgmt_affecting"`
	Timestamp        string `json:"timestamp"`
}

// fm timestamps carry microseconds and no zone
const fmTimeLayout = "2006-01-02T15:04:05.999999"

func parseFMTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse(fmTimeLayout, s)
	return t
}

func (a fmAlarm) toAlarm() types.Alarm {
	mgmt, _ := strconv.ParseBool(a.MgmtAffecting)
	return types.Alarm{
		UUID:             a.UUID,
		AlarmID:          a.AlarmID,
		EntityInstanceID: a.EntityInstanceID,
		Severity:         types.AlarmSeverity(a.Severity),
		ReasonText:       a.ReasonText,
		MgmtAffecting:    mgmt,
		Timestamp:        parseFMTime(a.Timestamp),
	}
}

func (c *fmClient) GetAlarms(ctx context.Context) Response {
	var body struct {
		Alarms []fmAlarm `json:"alarms"`
	}
	resp := c.rest.call(ctx, "get_alarms", http.MethodGet, "/v1/alarms?include_suppress=false", nil, &body)
	if !resp.Completed {
		return resp
	}
	alarms := make([]types.Alarm, 0, len(body.Alarms))
	for _, a := range body.Alarms {
		alarms = append(alarms, a.toAlarm())
	}
	sort.Slice(alarms, func(i, j int) bool {
		if alarms[i].AlarmID != alarms[j].AlarmID {
			return alarms[i].AlarmID < alarms[j].AlarmID
		}
		return alarms[i].EntityInstanceID < alarms[j].EntityInstanceID
	})
	return Success(alarms)
}

func (c *fmClient) eventLog(ctx context.Context, name string, alarms bool, start, end time.Time) Response {
	q := url.Values{}
	q.Set("q.field", "timestamp")
	q.Add("q.op", "ge")
	q.Add("q.value", start.UTC().Format(fmTimeLayout))
	q.Add("q.field", "timestamp")
	q.Add("q.op", "le")
	q.Add("q.value", end.UTC().Format(fmTimeLayout))
	if alarms {
		q.Set("alarms", "true")
	} else {
		q.Set("logs", "true")
	}

	var body struct {
		Logs []struct {
			UUID             string `json:"uuid"`
			EventLogID       string `json:"event_log_id"`
			EntityInstanceID string `json:"entity_instance_id"`
			State            string `json:"state"`
			Severity         string `json:"severity"`
			ReasonText       string `json:"reason_text"`
			Timestamp        string `json:"timestamp"`
		} `json:"event_logs"`
	}
	resp := c.rest.call(ctx, name, http.MethodGet, "/v1/event_log?"+q.Encode(), nil, &body)
	if !resp.Completed {
		return resp
	}
	logs := make([]EventLog, 0, len(body.Logs))
	for _, l := range body.Logs {
		logs = append(logs, EventLog{
			UUID:             l.UUID,
			EventLogID:       l.EventLogID,
			EntityInstanceID: l.EntityInstanceID,
			State:            l.State,
			Severity:         types.AlarmSeverity(l.Severity),
			ReasonText:       l.ReasonText,
			Timestamp:        parseFMTime(l.Timestamp),
		})
	}
	return Success(logs)
}

func (c *fmClient) GetLogs(ctx context.Context, start, end time.Time) Response {
	return c.eventLog(ctx, "get_logs", false, start, end)
}

func (c *fmClient) GetAlarmHistory(ctx context.Context, start, end time.Time) Response {
	return c.eventLog(ctx, "get_alarm_history", true, start, end)
}
