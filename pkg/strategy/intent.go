package strategy

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidIntent is returned for intent parameters that fail validation
var ErrInvalidIntent = errors.New("invalid strategy intent")

// Kind is the kind of fleet update a strategy orchestrates
type Kind string

const (
	KindSwPatch          Kind = "sw-patch"
	KindSwDeploy         Kind = "sw-deploy"
	KindFwUpdate         Kind = "fw-update"
	KindKubeUpgrade      Kind = "kube-upgrade"
	KindKubeRootcaUpdate Kind = "kube-rootca-update"
)

// StrategyKinds lists the supported strategy kinds
var StrategyKinds = []Kind{KindSwPatch, KindSwDeploy, KindFwUpdate, KindKubeUpgrade, KindKubeRootcaUpdate}

// ParseKind validates a strategy kind from a URL or flag
func ParseKind(s string) (Kind, error) {
	for _, k := range StrategyKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown strategy kind %q", ErrInvalidIntent, s)
}

// ApplyType controls how hosts of a personality class fan out into stages
type ApplyType string

const (
	ApplySerial   ApplyType = "serial"
	ApplyParallel ApplyType = "parallel"
	ApplyIgnore   ApplyType = "ignore"
)

// InstanceAction controls how workload leaves a host before disruption
type InstanceAction string

const (
	InstanceActionMigrate   InstanceAction = "migrate"
	InstanceActionStopStart InstanceAction = "stop-start"
)

// AlarmRestriction controls which alarms may block a step
type AlarmRestriction string

const (
	AlarmStrict     AlarmRestriction = "strict"
	AlarmRelaxed    AlarmRestriction = "relaxed"
	AlarmPermissive AlarmRestriction = "permissive"
)

// Intent holds the parameters a strategy was created with
type Intent struct {
	ControllerApplyType    ApplyType        `json:"controller_apply_type" yaml:"controller_apply_type" validate:"omitempty,oneof=serial parallel ignore"`
	StorageApplyType       ApplyType        `json:"storage_apply_type" yaml:"storage_apply_type" validate:"omitempty,oneof=serial parallel ignore"`
	WorkerApplyType        ApplyType        `json:"worker_apply_type" yaml:"worker_apply_type" validate:"omitempty,oneof=serial parallel ignore"`
	MaxParallelWorkerHosts int              `json:"max_parallel_worker_hosts,omitempty" yaml:"max_parallel_worker_hosts" validate:"omitempty,min=2,max=100"`
	DefaultInstanceAction  InstanceAction   `json:"default_instance_action" yaml:"default_instance_action" validate:"omitempty,oneof=migrate stop-start"`
	AlarmRestrictions      AlarmRestriction `json:"alarm_restrictions" yaml:"alarm_restrictions" validate:"omitempty,oneof=strict relaxed permissive"`
	IgnoreAlarms           []string         `json:"ignore_alarms,omitempty" yaml:"ignore_alarms" validate:"dive,required"`
	SingleController       bool             `json:"single_controller,omitempty" yaml:"single_controller"`

	// sw-deploy
	Release            string `json:"release,omitempty" yaml:"release"`
	ActivateRetries    int    `json:"activate_retry_limit,omitempty" yaml:"activate_retry_limit" validate:"min=0,max=10"`
	ActivateRetryDelay int    `json:"activate_retry_delay,omitempty" yaml:"activate_retry_delay" validate:"min=0,max=3600"`

	// kube-upgrade
	ToVersion string `json:"to_version,omitempty" yaml:"to_version"`

	// kube-rootca-update; Cert uploads a certificate instead of generating one
	Expiry  string `json:"expiry_date,omitempty" yaml:"expiry_date"`
	Subject string `json:"subject,omitempty" yaml:"subject"`
	Cert    string `json:"cert_file,omitempty" yaml:"cert_file"`

	Force bool `json:"force,omitempty" yaml:"force"`
}

var validate = validator.New()

// WithDefaults fills unset parameters
func (in Intent) WithDefaults(kind Kind) Intent {
	if in.ControllerApplyType == "" {
		in.ControllerApplyType = ApplySerial
		if kind == KindFwUpdate {
			in.ControllerApplyType = ApplyIgnore
		}
	}
	if in.StorageApplyType == "" {
		in.StorageApplyType = ApplySerial
		if kind == KindFwUpdate {
			in.StorageApplyType = ApplyIgnore
		}
	}
	if in.WorkerApplyType == "" {
		in.WorkerApplyType = ApplySerial
	}
	if in.MaxParallelWorkerHosts == 0 {
		in.MaxParallelWorkerHosts = 2
	}
	if in.DefaultInstanceAction == "" {
		in.DefaultInstanceAction = InstanceActionStopStart
	}
	if in.AlarmRestrictions == "" {
		in.AlarmRestrictions = AlarmStrict
	}
	if kind == KindSwDeploy && in.ActivateRetryDelay == 0 {
		in.ActivateRetryDelay = 120
	}
	return in
}

// Validate checks the intent for the given strategy kind
func (in Intent) Validate(kind Kind) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	switch kind {
	case KindSwDeploy:
		if in.Release == "" {
			return fmt.Errorf("%w: release is required", ErrInvalidIntent)
		}
	case KindKubeUpgrade:
		if in.ToVersion == "" {
			return fmt.Errorf("%w: to_version is required", ErrInvalidIntent)
		}
	case KindKubeRootcaUpdate:
		if in.Cert != "" && (in.Expiry != "" || in.Subject != "") {
			return fmt.Errorf("%w: cert_file cannot be combined with expiry_date or subject", ErrInvalidIntent)
		}
	case KindFwUpdate:
		if in.ControllerApplyType != ApplyIgnore || in.StorageApplyType != ApplyIgnore {
			return fmt.Errorf("%w: firmware update only applies to worker hosts", ErrInvalidIntent)
		}
	case KindSwPatch:
	default:
		return fmt.Errorf("%w: unknown strategy kind %q", ErrInvalidIntent, kind)
	}
	return nil
}
