package strategy

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StepKind names a step kind. It is the only thing on the wire that
// selects how a persisted step is decoded.
type StepKind string

const (
	StepQueryAlarms          StepKind = "query-alarms"
	StepQueryHosts           StepKind = "query-hosts"
	StepQuerySwPatchHosts    StepKind = "query-sw-patch-hosts"
	StepQuerySwDeploy        StepKind = "query-sw-deploy"
	StepQueryKubeVersions    StepKind = "query-kube-versions"
	StepQueryKubeUpgrade     StepKind = "query-kube-upgrade"
	StepQueryKubeHostUpgrade StepKind = "query-kube-host-upgrade"
	StepQueryKubeRootca      StepKind = "query-kube-rootca-update"

	StepLockHosts           StepKind = "lock-hosts"
	StepUnlockHosts         StepKind = "unlock-hosts"
	StepRebootHosts         StepKind = "reboot-hosts"
	StepSwactHosts          StepKind = "swact-hosts"
	StepDisableHostServices StepKind = "disable-host-services"
	StepEnableHostServices  StepKind = "enable-host-services"
	StepSystemStabilize     StepKind = "system-stabilize"
	StepWaitAlarmsClear     StepKind = "wait-alarms-clear"
	StepWaitDataSync        StepKind = "wait-data-sync"

	StepStopInstances    StepKind = "stop-instances"
	StepStartInstances   StepKind = "start-instances"
	StepMigrateInstances StepKind = "migrate-instances-from-host"

	StepSwPatchHosts       StepKind = "sw-patch-hosts"
	StepFwUpdateHosts      StepKind = "fw-update-hosts"
	StepFwUpdateAbortHosts StepKind = "fw-update-abort-hosts"

	StepUpgradeHosts             StepKind = "upgrade-hosts"
	StepSwDeployPrecheck         StepKind = "sw-deploy-precheck"
	StepSwDeployStart            StepKind = "sw-deploy-start"
	StepSwDeployActivate         StepKind = "sw-deploy-activate"
	StepSwDeployActivateRollback StepKind = "sw-deploy-activate-rollback"
	StepSwDeployComplete         StepKind = "sw-deploy-complete"
	StepSwDeployAbort            StepKind = "sw-deploy-abort"

	StepKubeUpgradeStart            StepKind = "kube-upgrade-start"
	StepKubeUpgradeDownloadImages   StepKind = "kube-upgrade-download-images"
	StepKubePreApplicationUpdate    StepKind = "kube-pre-application-update"
	StepKubeUpgradeNetworking       StepKind = "kube-upgrade-networking"
	StepKubeUpgradeStorage          StepKind = "kube-upgrade-storage"
	StepKubeHostCordon              StepKind = "kube-host-cordon"
	StepKubeHostUncordon            StepKind = "kube-host-uncordon"
	StepKubeHostUpgradeControlPlane StepKind = "kube-host-upgrade-control-plane"
	StepKubeHostUpgradeKubelet      StepKind = "kube-host-upgrade-kubelet"
	StepKubePostApplicationUpdate   StepKind = "kube-post-application-update"
	StepKubeUpgradeComplete         StepKind = "kube-upgrade-complete"
	StepKubeUpgradeCleanup          StepKind = "kube-upgrade-cleanup"
	StepKubeUpgradeAbort            StepKind = "kube-upgrade-abort"
	StepKubeRootcaUpdateStart       StepKind = "kube-rootca-update-start"
	StepKubeRootcaUploadCert        StepKind = "kube-rootca-update-upload-cert"
	StepKubeRootcaGenerateCert      StepKind = "kube-rootca-update-generate-cert"
	StepKubeRootcaHostTrustBothCAs  StepKind = "kube-rootca-update-host-trustbothcas"
	StepKubeRootcaPodsTrustBothCAs  StepKind = "kube-rootca-update-pods-trustbothcas"
	StepKubeRootcaHostUpdateCerts   StepKind = "kube-rootca-update-host-updatecerts"
	StepKubeRootcaHostTrustNewCA    StepKind = "kube-rootca-update-host-trustnewca"
	StepKubeRootcaPodsTrustNewCA    StepKind = "kube-rootca-update-pods-trustnewca"
	StepKubeRootcaUpdateComplete    StepKind = "kube-rootca-update-complete"
	StepKubeRootcaUpdateAbort       StepKind = "kube-rootca-update-abort"
)

// registry maps every step kind to a constructor of its zero value. The
// set is closed; decoding an unknown kind is an error.
var registry = map[StepKind]func() Step{
	StepQueryAlarms:          func() Step { return &QueryAlarmsStep{} },
	StepQueryHosts:           func() Step { return &QueryStep{} },
	StepQuerySwPatchHosts:    func() Step { return &QueryStep{} },
	StepQuerySwDeploy:        func() Step { return &QueryStep{} },
	StepQueryKubeVersions:    func() Step { return &QueryStep{} },
	StepQueryKubeUpgrade:     func() Step { return &QueryStep{} },
	StepQueryKubeHostUpgrade: func() Step { return &QueryStep{} },
	StepQueryKubeRootca:      func() Step { return &QueryStep{} },

	StepLockHosts:           func() Step { return &LockHostsStep{} },
	StepUnlockHosts:         func() Step { return &UnlockHostsStep{} },
	StepRebootHosts:         func() Step { return &RebootHostsStep{} },
	StepSwactHosts:          func() Step { return &SwactHostsStep{} },
	StepDisableHostServices: func() Step { return &HostServicesStep{} },
	StepEnableHostServices:  func() Step { return &HostServicesStep{} },
	StepSystemStabilize:     func() Step { return &SystemStabilizeStep{} },
	StepWaitAlarmsClear:     func() Step { return &WaitAlarmsClearStep{} },
	StepWaitDataSync:        func() Step { return &WaitAlarmsClearStep{} },

	StepStopInstances:    func() Step { return &InstancesStep{} },
	StepStartInstances:   func() Step { return &InstancesStep{} },
	StepMigrateInstances: func() Step { return &MigrateInstancesStep{} },

	StepSwPatchHosts:       func() Step { return &SwPatchHostsStep{} },
	StepFwUpdateHosts:      func() Step { return &FwUpdateHostsStep{} },
	StepFwUpdateAbortHosts: func() Step { return &FwUpdateAbortHostsStep{} },

	StepUpgradeHosts:             func() Step { return &UpgradeHostsStep{} },
	StepSwDeployPrecheck:         func() Step { return &SwDeployPrecheckStep{} },
	StepSwDeployStart:            func() Step { return &SwDeployStartStep{} },
	StepSwDeployActivate:         func() Step { return &SwDeployActivateStep{} },
	StepSwDeployActivateRollback: func() Step { return &SwDeployStateStep{} },
	StepSwDeployComplete:         func() Step { return &SwDeployStateStep{} },
	StepSwDeployAbort:            func() Step { return &SwDeployStateStep{} },

	StepKubeUpgradeStart:            func() Step { return &KubeUpgradeStartStep{} },
	StepKubeUpgradeDownloadImages:   func() Step { return &KubeUpgradeStateStep{} },
	StepKubePreApplicationUpdate:    func() Step { return &KubeUpgradeStateStep{} },
	StepKubeUpgradeNetworking:       func() Step { return &KubeUpgradeStateStep{} },
	StepKubeUpgradeStorage:          func() Step { return &KubeUpgradeStateStep{} },
	StepKubePostApplicationUpdate:   func() Step { return &KubeUpgradeStateStep{} },
	StepKubeUpgradeComplete:         func() Step { return &KubeUpgradeStateStep{} },
	StepKubeUpgradeAbort:            func() Step { return &KubeUpgradeStateStep{} },
	StepKubeUpgradeCleanup:          func() Step { return &KubeUpgradeCleanupStep{} },
	StepKubeHostCordon:              func() Step { return &KubeHostStep{} },
	StepKubeHostUncordon:            func() Step { return &KubeHostStep{} },
	StepKubeHostUpgradeControlPlane: func() Step { return &KubeHostStep{} },
	StepKubeHostUpgradeKubelet:      func() Step { return &KubeHostStep{} },

	StepKubeRootcaUpdateStart:      func() Step { return &KubeRootcaStep{} },
	StepKubeRootcaUploadCert:       func() Step { return &KubeRootcaStep{} },
	StepKubeRootcaGenerateCert:     func() Step { return &KubeRootcaStep{} },
	StepKubeRootcaPodsTrustBothCAs: func() Step { return &KubeRootcaStep{} },
	StepKubeRootcaPodsTrustNewCA:   func() Step { return &KubeRootcaStep{} },
	StepKubeRootcaUpdateComplete:   func() Step { return &KubeRootcaStep{} },
	StepKubeRootcaUpdateAbort:      func() Step { return &KubeRootcaStep{} },
	StepKubeRootcaHostTrustBothCAs: func() Step { return &KubeRootcaHostsStep{} },
	StepKubeRootcaHostUpdateCerts:  func() Step { return &KubeRootcaHostsStep{} },
	StepKubeRootcaHostTrustNewCA:   func() Step { return &KubeRootcaHostsStep{} },
}

// Kinds returns every registered step kind in sorted order
func Kinds() []StepKind {
	kinds := make([]StepKind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// EncodeStep serializes a step with its kind and step-specific fields
func EncodeStep(s Step) (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode step %s: %w", s.Base().Name, err)
	}
	return data, nil
}

// DecodeStep rebuilds a step from its serialized form
func DecodeStep(data []byte) (Step, error) {
	var head struct {
		Name StepKind `json:"name"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode step: %w", err)
	}
	ctor, ok := registry[head.Name]
	if !ok {
		return nil, fmt.Errorf("unknown step kind %q", head.Name)
	}
	s := ctor()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode step %s: %w", head.Name, err)
	}
	return s, nil
}

// marshalSteps and unmarshalSteps are used by Stage's JSON methods
func marshalSteps(steps []Step) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(steps))
	for _, s := range steps {
		data, err := EncodeStep(s)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func unmarshalSteps(raw []json.RawMessage) ([]Step, error) {
	steps := make([]Step, 0, len(raw))
	for _, data := range raw {
		s, err := DecodeStep(data)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}
