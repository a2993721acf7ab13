package api

import (
	"strings"
	"sync"
)

// Hook names a host notification received from the platform
type Hook string

const (
	HookLock        Hook = "lock"
	HookUnlock      Hook = "unlock"
	HookForceLock   Hook = "force-lock"
	HookStateChange Hook = "state-change"
	HookUpgrade     Hook = "upgrade"
	HookAdd         Hook = "add"
	HookDelete      Hook = "delete"
)

// StateChange carries the host states reported by maintenance
type StateChange struct {
	Administrative   string `json:"administrative" binding:"required"`
	Operational      string `json:"operational" binding:"required"`
	Availability     string `json:"availability" binding:"required"`
	SubfunctionOper  string `json:"subfunction_oper,omitempty"`
	SubfunctionAvail string `json:"subfunction_avail,omitempty"`
	DataPortsOper    string `json:"data_ports_oper,omitempty"`
	DataPortsAvail   string `json:"data_ports_avail,omitempty"`
}

// UpgradeChange carries the upgrade flags of a host
type UpgradeChange struct {
	InProgress       bool `json:"inprogress"`
	RecoverInstances bool `json:"recover-instances"`
}

// HostRequest is the body of every /nfvi-plugins/v1/hosts request. PATCH
// carries exactly one of Action, StateChange or Upgrade.
type HostRequest struct {
	UUID         string         `json:"uuid"`
	HostName     string         `json:"hostname" binding:"required"`
	Action       string         `json:"action,omitempty"`
	StateChange  *StateChange   `json:"state-change,omitempty"`
	Upgrade      *UpgradeChange `json:"upgrade,omitempty"`
	Personality  string         `json:"personality,omitempty"`
	Subfunctions string         `json:"subfunctions,omitempty"`
}

// SubfunctionList splits the comma separated subfunctions
func (r *HostRequest) SubfunctionList() []string {
	var out []string
	for _, f := range strings.Split(r.Subfunctions, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// HostListener is told about a host notification before it is applied.
// Returning false vetoes the notification.
type HostListener func(hook Hook, req *HostRequest) bool

// Hooks holds the listeners registered per hook
type Hooks struct {
	mu        sync.RWMutex
	listeners map[Hook][]HostListener
}

// NewHooks creates an empty registry
func NewHooks() *Hooks {
	return &Hooks{listeners: make(map[Hook][]HostListener)}
}

// Register adds a listener for hook
func (h *Hooks) Register(hook Hook, fn HostListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[hook] = append(h.listeners[hook], fn)
}

// Notify calls every listener of hook and reports whether all of them
// accepted. A veto does not stop the remaining listeners from being told.
func (h *Hooks) Notify(hook Hook, req *HostRequest) bool {
	h.mu.RLock()
	listeners := append([]HostListener(nil), h.listeners[hook]...)
	h.mu.RUnlock()

	accepted := true
	for _, fn := range listeners {
		if !fn(hook, req) {
			accepted = false
		}
	}
	return accepted
}
