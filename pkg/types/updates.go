package types

import (
	"slices"
	"time"
)

// SwDeployState is the state of a software deployment as reported by the
// unified software manager
type SwDeployState string

const (
	SwDeployStateNone                 SwDeployState = ""
	SwDeployStateStarting             SwDeployState = "starting"
	SwDeployStateStartDone            SwDeployState = "start-done"
	SwDeployStateStartFailed          SwDeployState = "start-failed"
	SwDeployStateDeployingHosts       SwDeployState = "deploying-hosts"
	SwDeployStateDeployingHostsDone   SwDeployState = "deploying-hosts-done"
	SwDeployStateDeployingHostsFailed SwDeployState = "deploying-hosts-failed"
	SwDeployStateActivating           SwDeployState = "activating"
	SwDeployStateActivateDone         SwDeployState = "activate-done"
	SwDeployStateActivateFailed       SwDeployState = "activate-failed"
	SwDeployStateCompleting           SwDeployState = "completing"
	SwDeployStateCompleted            SwDeployState = "completed"
	SwDeployStateAborting             SwDeployState = "aborting"
	SwDeployStateAborted              SwDeployState = "aborted"
	SwDeployStateAbortingFailed       SwDeployState = "aborting-failed"
)

var swDeployTransitions = map[SwDeployState][]SwDeployState{
	SwDeployStateNone:                 {SwDeployStateStarting},
	SwDeployStateStarting:             {SwDeployStateStartDone, SwDeployStateStartFailed, SwDeployStateAborting},
	SwDeployStateStartFailed:          {SwDeployStateStarting, SwDeployStateAborting},
	SwDeployStateStartDone:            {SwDeployStateDeployingHosts, SwDeployStateActivating, SwDeployStateAborting},
	SwDeployStateDeployingHosts:       {SwDeployStateDeployingHostsDone, SwDeployStateDeployingHostsFailed, SwDeployStateAborting},
	SwDeployStateDeployingHostsFailed: {SwDeployStateDeployingHosts, SwDeployStateAborting},
	SwDeployStateDeployingHostsDone:   {SwDeployStateActivating, SwDeployStateAborting},
	SwDeployStateActivating:           {SwDeployStateActivateDone, SwDeployStateActivateFailed},
	SwDeployStateActivateFailed:       {SwDeployStateActivating, SwDeployStateAborting},
	SwDeployStateActivateDone:         {SwDeployStateCompleting, SwDeployStateAborting},
	SwDeployStateCompleting:           {SwDeployStateCompleted},
	SwDeployStateAborting:             {SwDeployStateAborted, SwDeployStateAbortingFailed},
	SwDeployStateAbortingFailed:       {SwDeployStateAborting},
}

// CanTransition reports whether the deployment may move from s to next
func (s SwDeployState) CanTransition(next SwDeployState) bool {
	if s == next {
		return true
	}
	return slices.Contains(swDeployTransitions[s], next)
}

// IsTerminalFailure reports a state the deployment cannot leave without abort
func (s SwDeployState) IsTerminalFailure() bool {
	return s == SwDeployStateAbortingFailed || s == SwDeployStateDeployingHostsFailed
}

// DeployHostState is the per-host software deployment state
type DeployHostState string

const (
	DeployHostStatePending   DeployHostState = "pending"
	DeployHostStateDeploying DeployHostState = "deploying"
	DeployHostStateDeployed  DeployHostState = "deployed"
	DeployHostStateFailed    DeployHostState = "failed"
	DeployHostStateRollback  DeployHostState = "rollback-deployed"
)

// DeployHost is a per-host software deployment record
type DeployHost struct {
	HostName string          `json:"hostname"`
	State    DeployHostState `json:"host_state"`
}

// SwDeploy is the in-progress software deployment update object
type SwDeploy struct {
	ReleaseID      string        `json:"release_id"`
	FromRelease    string        `json:"from_release"`
	ToRelease      string        `json:"to_release"`
	State          SwDeployState `json:"state"`
	RebootRequired bool          `json:"reboot_required"`
	Hosts          []DeployHost  `json:"hosts"`
}

// Host returns the per-host record for the named host
func (d *SwDeploy) Host(name string) (DeployHost, bool) {
	for _, h := range d.Hosts {
		if h.HostName == name {
			return h, true
		}
	}
	return DeployHost{}, false
}

// Clone returns a deep copy of the deployment
func (d *SwDeploy) Clone() *SwDeploy {
	c := *d
	c.Hosts = slices.Clone(d.Hosts)
	return &c
}

// Release is a software release known to the software manager
type Release struct {
	ReleaseID      string `json:"release_id"`
	State          string `json:"state"`
	SwVersion      string `json:"sw_version"`
	RebootRequired bool   `json:"reboot_required"`
	Prepatched     bool   `json:"prepatched_iso,omitempty"`
}

// Release states
const (
	ReleaseStateAvailable = "available"
	ReleaseStateDeployed  = "deployed"
	ReleaseStateDeploying = "deploying"
	ReleaseStateCommitted = "committed"
)

// KubeUpgradeState is the state of a kubernetes version upgrade
type KubeUpgradeState string

const (
	KubeUpgradeStateNone                        KubeUpgradeState = ""
	KubeUpgradeStateStarted                     KubeUpgradeState = "upgrade-started"
	KubeUpgradeStateDownloadingImages           KubeUpgradeState = "downloading-images"
	KubeUpgradeStateDownloadingImagesFailed     KubeUpgradeState = "downloading-images-failed"
	KubeUpgradeStateDownloadedImages            KubeUpgradeState = "downloaded-images"
	KubeUpgradeStatePreUpdatingApps             KubeUpgradeState = "pre-updating-apps"
	KubeUpgradeStatePreUpdatingAppsFailed       KubeUpgradeState = "pre-updating-apps-failed"
	KubeUpgradeStatePreUpdatedApps              KubeUpgradeState = "pre-updated-apps"
	KubeUpgradeStateNetworkingUpgrading         KubeUpgradeState = "upgrading-networking"
	KubeUpgradeStateNetworkingUpgradeFailed     KubeUpgradeState = "upgrading-networking-failed"
	KubeUpgradeStateNetworkingUpgraded          KubeUpgradeState = "upgraded-networking"
	KubeUpgradeStateStorageUpgrading            KubeUpgradeState = "upgrading-storage"
	KubeUpgradeStateStorageUpgradeFailed        KubeUpgradeState = "upgrading-storage-failed"
	KubeUpgradeStateStorageUpgraded             KubeUpgradeState = "upgraded-storage"
	KubeUpgradeStateCordonStarted               KubeUpgradeState = "cordon-started"
	KubeUpgradeStateCordonFailed                KubeUpgradeState = "cordon-failed"
	KubeUpgradeStateCordonComplete              KubeUpgradeState = "cordon-complete"
	KubeUpgradeStateUpgradingFirstMaster        KubeUpgradeState = "upgrading-first-master"
	KubeUpgradeStateUpgradingFirstMasterFailed  KubeUpgradeState = "upgrading-first-master-failed"
	KubeUpgradeStateUpgradedFirstMaster         KubeUpgradeState = "upgraded-first-master"
	KubeUpgradeStateUpgradingSecondMaster       KubeUpgradeState = "upgrading-second-master"
	KubeUpgradeStateUpgradingSecondMasterFailed KubeUpgradeState = "upgrading-second-master-failed"
	KubeUpgradeStateUpgradedSecondMaster        KubeUpgradeState = "upgraded-second-master"
	KubeUpgradeStateUpgradingKubelets           KubeUpgradeState = "upgrading-kubelets"
	KubeUpgradeStateUncordonStarted             KubeUpgradeState = "uncordon-started"
	KubeUpgradeStateUncordonFailed              KubeUpgradeState = "uncordon-failed"
	KubeUpgradeStateUncordonComplete            KubeUpgradeState = "uncordon-complete"
	KubeUpgradeStatePostUpdatingApps            KubeUpgradeState = "post-updating-apps"
	KubeUpgradeStatePostUpdatingAppsFailed      KubeUpgradeState = "post-updating-apps-failed"
	KubeUpgradeStatePostUpdatedApps             KubeUpgradeState = "post-updated-apps"
	KubeUpgradeStateComplete                    KubeUpgradeState = "upgrade-complete"
	KubeUpgradeStateAborting                    KubeUpgradeState = "upgrade-aborting"
	KubeUpgradeStateAbortingFailed              KubeUpgradeState = "upgrade-aborting-failed"
	KubeUpgradeStateAborted                     KubeUpgradeState = "upgrade-aborted"
)

// kubeUpgradeRank orders the forward progress of a kube upgrade
var kubeUpgradeRank = map[KubeUpgradeState]int{
	KubeUpgradeStateNone:                        0,
	KubeUpgradeStateStarted:                     1,
	KubeUpgradeStateDownloadingImages:           2,
	KubeUpgradeStateDownloadingImagesFailed:     2,
	KubeUpgradeStateDownloadedImages:            3,
	KubeUpgradeStatePreUpdatingApps:             4,
	KubeUpgradeStatePreUpdatingAppsFailed:       4,
	KubeUpgradeStatePreUpdatedApps:              5,
	KubeUpgradeStateNetworkingUpgrading:         6,
	KubeUpgradeStateNetworkingUpgradeFailed:     6,
	KubeUpgradeStateNetworkingUpgraded:          7,
	KubeUpgradeStateStorageUpgrading:            8,
	KubeUpgradeStateStorageUpgradeFailed:        8,
	KubeUpgradeStateStorageUpgraded:             9,
	KubeUpgradeStateCordonStarted:               10,
	KubeUpgradeStateCordonFailed:                10,
	KubeUpgradeStateCordonComplete:              11,
	KubeUpgradeStateUpgradingFirstMaster:        12,
	KubeUpgradeStateUpgradingFirstMasterFailed:  12,
	KubeUpgradeStateUpgradedFirstMaster:         13,
	KubeUpgradeStateUpgradingSecondMaster:       14,
	KubeUpgradeStateUpgradingSecondMasterFailed: 14,
	KubeUpgradeStateUpgradedSecondMaster:        15,
	KubeUpgradeStateUpgradingKubelets:           16,
	KubeUpgradeStateUncordonStarted:             17,
	KubeUpgradeStateUncordonFailed:              17,
	KubeUpgradeStateUncordonComplete:            18,
	KubeUpgradeStatePostUpdatingApps:            19,
	KubeUpgradeStatePostUpdatingAppsFailed:      19,
	KubeUpgradeStatePostUpdatedApps:             20,
	KubeUpgradeStateComplete:                    21,
}

// Rank returns the forward position of the state; abort states rank -1
func (s KubeUpgradeState) Rank() int {
	if r, ok := kubeUpgradeRank[s]; ok {
		return r
	}
	return -1
}

// IsFailed reports one of the *-failed states
func (s KubeUpgradeState) IsFailed() bool {
	switch s {
	case KubeUpgradeStateDownloadingImagesFailed, KubeUpgradeStateNetworkingUpgradeFailed,
		KubeUpgradeStateStorageUpgradeFailed, KubeUpgradeStateCordonFailed,
		KubeUpgradeStateUpgradingFirstMasterFailed, KubeUpgradeStateUpgradingSecondMasterFailed,
		KubeUpgradeStateUncordonFailed, KubeUpgradeStateAbortingFailed,
		KubeUpgradeStatePreUpdatingAppsFailed, KubeUpgradeStatePostUpdatingAppsFailed:
		return true
	}
	return false
}

// KubeHostUpgradeStatus is the per-host kube upgrade status
type KubeHostUpgradeStatus string

const (
	KubeHostUpgradeStatusNone                     KubeHostUpgradeStatus = ""
	KubeHostUpgradeStatusUpgradingControlPlane    KubeHostUpgradeStatus = "upgrading-control-plane"
	KubeHostUpgradeStatusUpgradingControlPlaneErr KubeHostUpgradeStatus = "upgrading-control-plane-failed"
	KubeHostUpgradeStatusUpgradingKubelet         KubeHostUpgradeStatus = "upgrading-kubelet"
	KubeHostUpgradeStatusUpgradingKubeletErr      KubeHostUpgradeStatus = "upgrading-kubelet-failed"
)

// KubeHostUpgrade is a per-host kube upgrade record
type KubeHostUpgrade struct {
	HostName            string                `json:"hostname"`
	ControlPlaneVersion string                `json:"control_plane_version"`
	KubeletVersion      string                `json:"kubelet_version"`
	TargetVersion       string                `json:"target_version"`
	Status              KubeHostUpgradeStatus `json:"status"`
}

// KubeUpgrade is the in-progress kube version upgrade update object
type KubeUpgrade struct {
	UUID        string            `json:"uuid"`
	State       KubeUpgradeState  `json:"state"`
	FromVersion string            `json:"from_version"`
	ToVersion   string            `json:"to_version"`
	Hosts       []KubeHostUpgrade `json:"hosts"`
}

// Host returns the per-host record for the named host
func (u *KubeUpgrade) Host(name string) (KubeHostUpgrade, bool) {
	for _, h := range u.Hosts {
		if h.HostName == name {
			return h, true
		}
	}
	return KubeHostUpgrade{}, false
}

// Clone returns a deep copy of the upgrade
func (u *KubeUpgrade) Clone() *KubeUpgrade {
	c := *u
	c.Hosts = slices.Clone(u.Hosts)
	return &c
}

// KubeVersion is a kubernetes version known to system inventory
type KubeVersion struct {
	Version          string   `json:"version"`
	Target           bool     `json:"target"`
	State            string   `json:"state"`
	UpgradeFrom      []string `json:"upgrade_from"`
	DowngradeTo      []string `json:"downgrade_to"`
	AppliedPatches   []string `json:"applied_patches"`
	AvailablePatches []string `json:"available_patches"`
}

// Kube version states
const (
	KubeVersionStateAvailable   = "available"
	KubeVersionStateActive      = "active"
	KubeVersionStatePartial     = "partial"
	KubeVersionStateUnavailable = "unavailable"
)

// KubeRootcaUpdateState is the state of a kubernetes root CA rotation
type KubeRootcaUpdateState string

const (
	KubeRootcaUpdateStateNone                        KubeRootcaUpdateState = ""
	KubeRootcaUpdateStateStarted                     KubeRootcaUpdateState = "update-started"
	KubeRootcaUpdateStateCertUploaded                KubeRootcaUpdateState = "update-new-rootca-cert-uploaded"
	KubeRootcaUpdateStateCertGenerated               KubeRootcaUpdateState = "update-new-rootca-cert-generated"
	KubeRootcaUpdateStateUpdatingHostTrustBothCAs    KubeRootcaUpdateState = "updating-host-trust-both-cas"
	KubeRootcaUpdateStateUpdatedHostTrustBothCAs     KubeRootcaUpdateState = "updated-host-trust-both-cas"
	KubeRootcaUpdateStateUpdatingHostTrustBothCAsErr KubeRootcaUpdateState = "updating-host-trust-both-cas-failed"
	KubeRootcaUpdateStateUpdatingPodsTrustBothCAs    KubeRootcaUpdateState = "updating-pods-trust-both-cas"
	KubeRootcaUpdateStateUpdatedPodsTrustBothCAs     KubeRootcaUpdateState = "updated-pods-trust-both-cas"
	KubeRootcaUpdateStateUpdatingPodsTrustBothCAsErr KubeRootcaUpdateState = "updating-pods-trust-both-cas-failed"
	KubeRootcaUpdateStateUpdatingHostUpdateCerts     KubeRootcaUpdateState = "updating-host-update-certs"
	KubeRootcaUpdateStateUpdatedHostUpdateCerts      KubeRootcaUpdateState = "updated-host-update-certs"
	KubeRootcaUpdateStateUpdatingHostUpdateCertsErr  KubeRootcaUpdateState = "updating-host-update-certs-failed"
	KubeRootcaUpdateStateUpdatingHostTrustNewCA      KubeRootcaUpdateState = "updating-host-trust-new-ca"
	KubeRootcaUpdateStateUpdatedHostTrustNewCA       KubeRootcaUpdateState = "updated-host-trust-new-ca"
	KubeRootcaUpdateStateUpdatingHostTrustNewCAErr   KubeRootcaUpdateState = "updating-host-trust-new-ca-failed"
	KubeRootcaUpdateStateUpdatingPodsTrustNewCA      KubeRootcaUpdateState = "updating-pods-trust-new-ca"
	KubeRootcaUpdateStateUpdatedPodsTrustNewCA       KubeRootcaUpdateState = "updated-pods-trust-new-ca"
	KubeRootcaUpdateStateUpdatingPodsTrustNewCAErr   KubeRootcaUpdateState = "updating-pods-trust-new-ca-failed"
	KubeRootcaUpdateStateComplete                    KubeRootcaUpdateState = "update-completed"
	KubeRootcaUpdateStateAborted                     KubeRootcaUpdateState = "update-aborted"
)

// KubeRootcaPhase groups rootca update states into the ordered phases the
// orchestration walks through
type KubeRootcaPhase int

const (
	KubeRootcaPhaseNone KubeRootcaPhase = iota
	KubeRootcaPhaseStarted
	KubeRootcaPhaseCertReady
	KubeRootcaPhaseHostTrustBothCAs
	KubeRootcaPhasePodsTrustBothCAs
	KubeRootcaPhaseHostUpdateCerts
	KubeRootcaPhaseHostTrustNewCA
	KubeRootcaPhasePodsTrustNewCA
	KubeRootcaPhaseComplete
)

// Phase returns the phase the state belongs to and whether that phase has
// finished (the *-ed state was reached)
func (s KubeRootcaUpdateState) Phase() (KubeRootcaPhase, bool) {
	switch s {
	case KubeRootcaUpdateStateNone, KubeRootcaUpdateStateAborted:
		return KubeRootcaPhaseNone, true
	case KubeRootcaUpdateStateStarted:
		return KubeRootcaPhaseStarted, true
	case KubeRootcaUpdateStateCertUploaded, KubeRootcaUpdateStateCertGenerated:
		return KubeRootcaPhaseCertReady, true
	case KubeRootcaUpdateStateUpdatingHostTrustBothCAs, KubeRootcaUpdateStateUpdatingHostTrustBothCAsErr:
		return KubeRootcaPhaseHostTrustBothCAs, false
	case KubeRootcaUpdateStateUpdatedHostTrustBothCAs:
		return KubeRootcaPhaseHostTrustBothCAs, true
	case KubeRootcaUpdateStateUpdatingPodsTrustBothCAs, KubeRootcaUpdateStateUpdatingPodsTrustBothCAsErr:
		return KubeRootcaPhasePodsTrustBothCAs, false
	case KubeRootcaUpdateStateUpdatedPodsTrustBothCAs:
		return KubeRootcaPhasePodsTrustBothCAs, true
	case KubeRootcaUpdateStateUpdatingHostUpdateCerts, KubeRootcaUpdateStateUpdatingHostUpdateCertsErr:
		return KubeRootcaPhaseHostUpdateCerts, false
	case KubeRootcaUpdateStateUpdatedHostUpdateCerts:
		return KubeRootcaPhaseHostUpdateCerts, true
	case KubeRootcaUpdateStateUpdatingHostTrustNewCA, KubeRootcaUpdateStateUpdatingHostTrustNewCAErr:
		return KubeRootcaPhaseHostTrustNewCA, false
	case KubeRootcaUpdateStateUpdatedHostTrustNewCA:
		return KubeRootcaPhaseHostTrustNewCA, true
	case KubeRootcaUpdateStateUpdatingPodsTrustNewCA, KubeRootcaUpdateStateUpdatingPodsTrustNewCAErr:
		return KubeRootcaPhasePodsTrustNewCA, false
	case KubeRootcaUpdateStateUpdatedPodsTrustNewCA:
		return KubeRootcaPhasePodsTrustNewCA, true
	case KubeRootcaUpdateStateComplete:
		return KubeRootcaPhaseComplete, true
	}
	return KubeRootcaPhaseNone, false
}

// KubeRootcaHostState is the per-host rootca update state
type KubeRootcaHostState string

const (
	KubeRootcaHostStateNone                 KubeRootcaHostState = ""
	KubeRootcaHostStateUpdatingTrustBothCAs KubeRootcaHostState = "updating-host-trust-both-cas"
	KubeRootcaHostStateUpdatedTrustBothCAs  KubeRootcaHostState = "updated-host-trust-both-cas"
	KubeRootcaHostStateTrustBothCAsFailed   KubeRootcaHostState = "updating-host-trust-both-cas-failed"
	KubeRootcaHostStateUpdatingUpdateCerts  KubeRootcaHostState = "updating-host-update-certs"
	KubeRootcaHostStateUpdatedUpdateCerts   KubeRootcaHostState = "updated-host-update-certs"
	KubeRootcaHostStateUpdateCertsFailed    KubeRootcaHostState = "updating-host-update-certs-failed"
	KubeRootcaHostStateUpdatingTrustNewCA   KubeRootcaHostState = "updating-host-trust-new-ca"
	KubeRootcaHostStateUpdatedTrustNewCA    KubeRootcaHostState = "updated-host-trust-new-ca"
	KubeRootcaHostStateTrustNewCAFailed     KubeRootcaHostState = "updating-host-trust-new-ca-failed"
)

// KubeRootcaHostUpdate is a per-host rootca update record
type KubeRootcaHostUpdate struct {
	HostName            string              `json:"hostname"`
	Personality         Personality         `json:"personality"`
	State               KubeRootcaHostState `json:"state"`
	EffectiveRootcaCert string              `json:"effective_rootca_cert"`
	TargetRootcaCert    string              `json:"target_rootca_cert"`
}

// KubeRootcaUpdate is the in-progress rootca update object
type KubeRootcaUpdate struct {
	UUID           string                 `json:"uuid"`
	State          KubeRootcaUpdateState  `json:"state"`
	FromRootcaCert string                 `json:"from_rootca_cert"`
	ToRootcaCert   string                 `json:"to_rootca_cert"`
	Hosts          []KubeRootcaHostUpdate `json:"hosts"`
}

// Host returns the per-host record for the named host
func (u *KubeRootcaUpdate) Host(name string) (KubeRootcaHostUpdate, bool) {
	for _, h := range u.Hosts {
		if h.HostName == name {
			return h, true
		}
	}
	return KubeRootcaHostUpdate{}, false
}

// Clone returns a deep copy of the update
func (u *KubeRootcaUpdate) Clone() *KubeRootcaUpdate {
	c := *u
	c.Hosts = slices.Clone(u.Hosts)
	return &c
}

// AlarmSeverity is the severity of an alarm
type AlarmSeverity string

const (
	AlarmSeverityCritical AlarmSeverity = "critical"
	AlarmSeverityMajor    AlarmSeverity = "major"
	AlarmSeverityMinor    AlarmSeverity = "minor"
	AlarmSeverityWarning  AlarmSeverity = "warning"
)

// Alarm is an active fault management alarm
type Alarm struct {
	UUID             string        `json:"uuid"`
	AlarmID          string        `json:"alarm_id"`
	EntityInstanceID string        `json:"entity_instance_id"`
	Severity         AlarmSeverity `json:"severity"`
	ReasonText       string        `json:"reason_text"`
	MgmtAffecting    bool          `json:"mgmt_affecting"`
	Timestamp        time.Time     `json:"timestamp"`
}
