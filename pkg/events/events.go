package events

import (
	"time"

	"github.com/cuemby/vim/pkg/types"
)

// EventType represents the type of fleet event
type EventType string

const (
	EventHostAdded               EventType = "host-added"
	EventHostDeleted             EventType = "host-deleted"
	EventHostStateChanged        EventType = "host-state-changed"
	EventHostAudit               EventType = "host-audit"
	EventInstanceStateChanged    EventType = "instance-state-changed"
	EventInstanceAudit           EventType = "instance-audit"
	EventHostLockFailed          EventType = "host-lock-failed"
	EventHostUnlockFailed        EventType = "host-unlock-failed"
	EventHostRebootFailed        EventType = "host-reboot-failed"
	EventHostSwactFailed         EventType = "host-swact-failed"
	EventHostFwUpdateFailed      EventType = "host-fw-update-failed"
	EventHostFwUpdateAbortFailed EventType = "host-fw-update-abort-failed"
	EventHostPatchFailed         EventType = "host-patch-failed"
	EventHostServicesFailed      EventType = "host-services-failed"
	EventMigrateInstancesFailed  EventType = "migrate-instances-failed"
	EventKubeUpgradeChanged      EventType = "kube-upgrade-changed"
	EventKubeUpgradeFailed       EventType = "kube-upgrade-failed"
	EventKubeHostUpgradeChanged  EventType = "kube-host-upgrade-changed"
	EventKubeHostUpgradeFailed   EventType = "kube-host-upgrade-failed"
	EventKubeRootcaChanged       EventType = "kube-rootca-update-changed"
	EventKubeRootcaFailed        EventType = "kube-rootca-update-failed"
	EventSwDeployChanged         EventType = "sw-deploy-changed"
	EventDeployHostChanged       EventType = "deploy-host-changed"
	EventDeployHostFailed        EventType = "deploy-host-failed"
)

// IsAudit reports the periodic audit kinds
func (t EventType) IsAudit() bool {
	return t == EventHostAudit || t == EventInstanceAudit
}

// Event is a fleet change notification. Payload pointers are set according
// to the type; handlers must not retain them.
type Event struct {
	ID           string
	Type         EventType
	Timestamp    time.Time
	HostName     string
	InstanceUUID string
	Reason       string

	Host      *types.Host
	Hosts     []*types.Host
	Instance  *types.Instance
	Instances []*types.Instance

	SwDeploy         *types.SwDeploy
	KubeUpgrade      *types.KubeUpgrade
	KubeRootcaUpdate *types.KubeRootcaUpdate

	Metadata map[string]string
}
