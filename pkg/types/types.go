package types

import (
	"slices"
	"time"
)

// Personality is a role a host plays in the system
type Personality string

const (
	PersonalityController Personality = "controller"
	PersonalityWorker     Personality = "worker"
	PersonalityStorage    Personality = "storage"
)

// AdminState is the administrative state of a host or instance
type AdminState string

const (
	AdminStateUnlocked AdminState = "unlocked"
	AdminStateLocked   AdminState = "locked"
)

// OperState is the operational state of a host or instance
type OperState string

const (
	OperStateEnabled  OperState = "enabled"
	OperStateDisabled OperState = "disabled"
	OperStateUnknown  OperState = "unknown"
)

// AvailStatus is the availability status reported by maintenance
type AvailStatus string

const (
	AvailStatusAvailable       AvailStatus = "available"
	AvailStatusOnline          AvailStatus = "online"
	AvailStatusOffline         AvailStatus = "offline"
	AvailStatusDegraded        AvailStatus = "degraded"
	AvailStatusFailed          AvailStatus = "failed"
	AvailStatusFailedComponent AvailStatus = "failed-component"
	AvailStatusUnknown         AvailStatus = "unknown"
)

// DeviceImageUpdate tracks firmware (device image) progress on a host
type DeviceImageUpdate string

const (
	DeviceImageUpdateNone              DeviceImageUpdate = ""
	DeviceImageUpdatePending           DeviceImageUpdate = "pending"
	DeviceImageUpdateInProgress        DeviceImageUpdate = "in-progress"
	DeviceImageUpdateInProgressAborted DeviceImageUpdate = "in-progress-aborted"
	DeviceImageUpdateCompleted         DeviceImageUpdate = "completed"
	DeviceImageUpdateFailed            DeviceImageUpdate = "failed"
)

// HostService is a class of services running on a host
type HostService string

const (
	HostServiceCompute    HostService = "compute"
	HostServiceNetwork    HostService = "network"
	HostServiceGuest      HostService = "guest"
	HostServiceKubernetes HostService = "kubernetes"
	HostServiceContainer  HostService = "container"
)

// ServiceState is the state of a host service
type ServiceState string

const (
	ServiceStateEnabled  ServiceState = "enabled"
	ServiceStateDisabled ServiceState = "disabled"
	ServiceStateFailed   ServiceState = "failed"
)

// Host is a physical server in the system
type Host struct {
	UUID          string        `json:"uuid"`
	Name          string        `json:"name"`
	Personalities []Personality `json:"personality"`
	Subfunctions  []string      `json:"subfunctions,omitempty"`

	// OpenStack role flags
	OpenStackCompute bool `json:"openstack_compute"`
	OpenStackControl bool `json:"openstack_control"`
	RemoteStorage    bool `json:"remote_storage"`

	AdminState       AdminState  `json:"admin_state"`
	OperState        OperState   `json:"oper_state"`
	AvailStatus      AvailStatus `json:"avail_status"`
	SubfunctionOper  OperState   `json:"subfunction_oper,omitempty"`
	SubfunctionAvail AvailStatus `json:"subfunction_avail,omitempty"`

	// Data port state overrides OperState on workers with fault handling
	DataPortFaultHandling bool        `json:"data_port_fault_handling"`
	DataPortsOper         OperState   `json:"data_ports_oper,omitempty"`
	DataPortsAvail        AvailStatus `json:"data_ports_avail,omitempty"`

	Action            string            `json:"action,omitempty"`
	SoftwareLoad      string            `json:"software_load,omitempty"`
	TargetLoad        string            `json:"target_load,omitempty"`
	DeviceImageUpdate DeviceImageUpdate `json:"device_image_update,omitempty"`
	Uptime            int64             `json:"uptime"`

	ActiveController bool `json:"active_controller"`
	// PeerGroup names the storage replication group of a storage host
	PeerGroup string `json:"peer_group,omitempty"`

	// Patch state reported by the patch manager
	PatchCurrent      bool `json:"patch_current"`
	PatchFailed       bool `json:"patch_failed"`
	PatchRebootNeeded bool `json:"patch_reboot_needed"`
	PatchStateUnknown bool `json:"patch_state_unknown,omitempty"`
	UpgradeInProgress bool `json:"upgrade_inprogress,omitempty"`
	RecoverInstances  bool `json:"recover_instances,omitempty"`

	Services  map[HostService]ServiceState `json:"services,omitempty"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// HasPersonality reports whether the host carries the given personality
func (h *Host) HasPersonality(p Personality) bool {
	return slices.Contains(h.Personalities, p)
}

func (h *Host) IsController() bool { return h.HasPersonality(PersonalityController) }
func (h *Host) IsWorker() bool     { return h.HasPersonality(PersonalityWorker) }
func (h *Host) IsStorage() bool    { return h.HasPersonality(PersonalityStorage) }

// IsAIO reports whether the host is an all-in-one (controller + worker)
func (h *Host) IsAIO() bool {
	return h.IsController() && h.IsWorker()
}

func (h *Host) IsLocked() bool   { return h.AdminState == AdminStateLocked }
func (h *Host) IsUnlocked() bool { return h.AdminState == AdminStateUnlocked }

// EffectiveOperState returns the operational state after the data port
// override is applied
func (h *Host) EffectiveOperState() OperState {
	if h.IsWorker() && h.DataPortFaultHandling && h.DataPortsOper != "" {
		if h.OperState == OperStateEnabled {
			return h.DataPortsOper
		}
	}
	return h.OperState
}

func (h *Host) IsEnabled() bool  { return h.EffectiveOperState() == OperStateEnabled }
func (h *Host) IsDisabled() bool { return h.EffectiveOperState() == OperStateDisabled }

// IsAvailable reports an enabled host in a usable availability state
func (h *Host) IsAvailable() bool {
	if !h.IsEnabled() {
		return false
	}
	switch h.AvailStatus {
	case AvailStatusAvailable, AvailStatusDegraded:
		return true
	}
	return false
}

// IsFailed reports a host that maintenance declared failed
func (h *Host) IsFailed() bool {
	return h.AvailStatus == AvailStatusFailed || h.AvailStatus == AvailStatusFailedComponent
}

// ServiceState returns the recorded state of a host service; services
// default to enabled on unlocked hosts
func (h *Host) ServiceState(svc HostService) ServiceState {
	if state, ok := h.Services[svc]; ok {
		return state
	}
	if h.IsUnlocked() {
		return ServiceStateEnabled
	}
	return ServiceStateDisabled
}

// Clone returns a deep copy of the host
func (h *Host) Clone() *Host {
	c := *h
	c.Personalities = slices.Clone(h.Personalities)
	c.Subfunctions = slices.Clone(h.Subfunctions)
	if h.Services != nil {
		c.Services = make(map[HostService]ServiceState, len(h.Services))
		for k, v := range h.Services {
			c.Services[k] = v
		}
	}
	return &c
}

// Instance is a virtual machine hosted on a worker
type Instance struct {
	UUID       string     `json:"uuid"`
	Name       string     `json:"name"`
	TenantID   string     `json:"tenant_id"`
	HostName   string     `json:"host_name"`
	AdminState AdminState `json:"admin_state"`
	OperState  OperState  `json:"oper_state"`
	FlavorRef  string     `json:"flavor_ref,omitempty"`
	ImageRef   string     `json:"image_ref,omitempty"`
	Action     string     `json:"action,omitempty"`
	// LiveMigrationSupport is false for instances pinned to local resources
	LiveMigrationSupport bool      `json:"live_migration_support"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (i *Instance) IsLocked() bool   { return i.AdminState == AdminStateLocked }
func (i *Instance) IsUnlocked() bool { return i.AdminState == AdminStateUnlocked }
func (i *Instance) IsEnabled() bool  { return i.OperState == OperStateEnabled }
func (i *Instance) IsDisabled() bool { return i.OperState == OperStateDisabled }

// Clone returns a copy of the instance
func (i *Instance) Clone() *Instance {
	c := *i
	return &c
}

// Group policies
const (
	PolicyAntiAffinity       = "anti-affinity"
	PolicyAffinity           = "affinity"
	PolicyStorageReplication = "storage-replication"
)

// InstanceGroup is a server group with a placement policy
type InstanceGroup struct {
	UUID        string   `json:"uuid"`
	Name        string   `json:"name"`
	Policies    []string `json:"policies"`
	MemberUUIDs []string `json:"member_uuids"`
}

// IsAntiAffinity reports whether members must not share a disruption
func (g *InstanceGroup) IsAntiAffinity() bool {
	return slices.Contains(g.Policies, PolicyAntiAffinity)
}

// Clone returns a deep copy of the group
func (g *InstanceGroup) Clone() *InstanceGroup {
	c := *g
	c.Policies = slices.Clone(g.Policies)
	c.MemberUUIDs = slices.Clone(g.MemberUUIDs)
	return &c
}

// HostGroup groups hosts under a policy, e.g. a storage replication group
type HostGroup struct {
	Name        string      `json:"name"`
	Personality Personality `json:"personality"`
	Policies    []string    `json:"policies"`
	MemberNames []string    `json:"member_names"`
}

// IsStorageReplication reports whether members replicate storage between them
func (g *HostGroup) IsStorageReplication() bool {
	return slices.Contains(g.Policies, PolicyStorageReplication)
}

// Clone returns a deep copy of the group
func (g *HostGroup) Clone() *HostGroup {
	c := *g
	c.Policies = slices.Clone(g.Policies)
	c.MemberNames = slices.Clone(g.MemberNames)
	return &c
}

// HostAggregate is a compute host aggregate
type HostAggregate struct {
	Name      string   `json:"name"`
	HostNames []string `json:"host_names"`
}

// Clone returns a deep copy of the aggregate
func (a *HostAggregate) Clone() *HostAggregate {
	c := *a
	c.HostNames = slices.Clone(a.HostNames)
	return &c
}

// SystemType distinguishes all-in-one systems from standard ones
type SystemType string

const (
	SystemTypeAIO      SystemType = "All-in-one"
	SystemTypeStandard SystemType = "Standard"
)

// SystemMode is the controller redundancy mode
type SystemMode string

const (
	SystemModeSimplex      SystemMode = "simplex"
	SystemModeDuplex       SystemMode = "duplex"
	SystemModeDuplexDirect SystemMode = "duplex-direct"
)

// SystemInfo describes the system as reported by system inventory
type SystemInfo struct {
	UUID       string     `json:"uuid"`
	Name       string     `json:"name"`
	SystemType SystemType `json:"system_type"`
	SystemMode SystemMode `json:"system_mode"`
}

// IsSimplex reports a single-controller system
func (s SystemInfo) IsSimplex() bool {
	return s.SystemMode == SystemModeSimplex
}
