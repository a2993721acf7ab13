package strategy

import (
	"slices"
	"time"

	"github.com/cuemby/vim/pkg/types"
)

// Alarms raised by the updates themselves; they never block a strategy of
// the matching kind
var builtinIgnore = map[Kind][]string{
	KindSwPatch:          {"900.001", "200.001", "700.004", "280.002"},
	KindSwDeploy:         {"900.005", "900.201", "200.001", "700.004", "750.006"},
	KindFwUpdate:         {"900.301", "900.302", "200.001", "700.004"},
	KindKubeUpgrade:      {"900.401", "200.001", "700.004", "750.006"},
	KindKubeRootcaUpdate: {"900.008", "900.009", "200.001", "750.006"},
}

// Alarms raised while a rebooted host recovers; they are ignored for the
// given number of seconds after a wait step starts
var conditionalIgnore = map[Kind]map[string]int{
	KindSwPatch:  {"750.006": 120},
	KindFwUpdate: {"750.006": 120},
}

// IgnoreList returns the built-in ignore list of kind plus extra, sorted
// and without duplicates
func IgnoreList(kind Kind, extra []string) []string {
	out := append(slices.Clone(builtinIgnore[kind]), extra...)
	slices.Sort(out)
	return slices.Compact(out)
}

// AlarmFilter decides which active alarms block a step
type AlarmFilter struct {
	Ignore      []string         `json:"ignore_alarms"`
	Restriction AlarmRestriction `json:"alarm_restrictions"`
	// Conditional alarms are ignored until the step has waited the given
	// number of seconds
	Conditional map[string]int `json:"ignore_alarms_conditional,omitempty"`
}

// Blocking returns the alarms that block given how long the step has
// waited
func (f AlarmFilter) Blocking(alarms []types.Alarm, waited time.Duration) []types.Alarm {
	if f.Restriction == AlarmPermissive {
		return nil
	}
	var out []types.Alarm
	for _, a := range alarms {
		if slices.Contains(f.Ignore, a.AlarmID) {
			continue
		}
		if age, ok := f.Conditional[a.AlarmID]; ok && waited < time.Duration(age)*time.Second {
			continue
		}
		if f.Restriction == AlarmRelaxed && !a.MgmtAffecting {
			continue
		}
		out = append(out, a)
	}
	return out
}

// alarmIDs lists the ids of alarms for reasons
func alarmIDs(alarms []types.Alarm) []string {
	ids := make([]string, 0, len(alarms))
	for _, a := range alarms {
		ids = append(ids, a.AlarmID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
