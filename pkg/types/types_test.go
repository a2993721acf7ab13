package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveOperState(t *testing.T) {
	tests := []struct {
		name string
		host Host
		want OperState
	}{
		{
			name: "plain worker",
			host: Host{Personalities: []Personality{PersonalityWorker}, OperState: OperStateEnabled},
			want: OperStateEnabled,
		},
		{
			name: "data ports down",
			host: Host{
				Personalities:         []Personality{PersonalityWorker},
				OperState:             OperStateEnabled,
				DataPortFaultHandling: true,
				DataPortsOper:         OperStateDisabled,
			},
			want: OperStateDisabled,
		},
		{
			name: "data ports ignored without fault handling",
			host: Host{
				Personalities: []Personality{PersonalityWorker},
				OperState:     OperStateEnabled,
				DataPortsOper: OperStateDisabled,
			},
			want: OperStateEnabled,
		},
		{
			name: "controller ignores data ports",
			host: Host{
				Personalities:         []Personality{PersonalityController},
				OperState:             OperStateEnabled,
				DataPortFaultHandling: true,
				DataPortsOper:         OperStateDisabled,
			},
			want: OperStateEnabled,
		},
		{
			name: "disabled host stays disabled",
			host: Host{
				Personalities:         []Personality{PersonalityWorker},
				OperState:             OperStateDisabled,
				DataPortFaultHandling: true,
				DataPortsOper:         OperStateEnabled,
			},
			want: OperStateDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.host.EffectiveOperState())
		})
	}
}

func TestServiceStateDefaults(t *testing.T) {
	h := Host{AdminState: AdminStateUnlocked}
	assert.Equal(t, ServiceStateEnabled, h.ServiceState(HostServiceCompute))

	h.AdminState = AdminStateLocked
	assert.Equal(t, ServiceStateDisabled, h.ServiceState(HostServiceCompute))

	h.Services = map[HostService]ServiceState{HostServiceCompute: ServiceStateFailed}
	assert.Equal(t, ServiceStateFailed, h.ServiceState(HostServiceCompute))
}

func TestHostCloneIsDeep(t *testing.T) {
	h := &Host{
		Name:          "compute-0",
		Personalities: []Personality{PersonalityWorker},
		Services:      map[HostService]ServiceState{HostServiceCompute: ServiceStateEnabled},
	}
	c := h.Clone()
	c.Personalities[0] = PersonalityStorage
	c.Services[HostServiceCompute] = ServiceStateDisabled

	assert.Equal(t, PersonalityWorker, h.Personalities[0])
	assert.Equal(t, ServiceStateEnabled, h.Services[HostServiceCompute])
}

func TestSwDeployTransitions(t *testing.T) {
	tests := []struct {
		from, to SwDeployState
		want     bool
	}{
		{SwDeployStateNone, SwDeployStateStarting, true},
		{SwDeployStateStartDone, SwDeployStateDeployingHosts, true},
		{SwDeployStateStartDone, SwDeployStateActivating, true},
		{SwDeployStateDeployingHostsDone, SwDeployStateActivating, true},
		{SwDeployStateActivateFailed, SwDeployStateActivating, true},
		{SwDeployStateActivating, SwDeployStateAborting, false},
		{SwDeployStateCompleted, SwDeployStateStarting, false},
		{SwDeployStateNone, SwDeployStateCompleted, false},
		{SwDeployStateAborted, SwDeployStateAborted, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%q -> %q", tt.from, tt.to)
	}
}

func TestKubeUpgradeRank(t *testing.T) {
	ordered := []KubeUpgradeState{
		KubeUpgradeStateNone,
		KubeUpgradeStateStarted,
		KubeUpgradeStateDownloadedImages,
		KubeUpgradeStatePreUpdatedApps,
		KubeUpgradeStateNetworkingUpgraded,
		KubeUpgradeStateStorageUpgraded,
		KubeUpgradeStateCordonComplete,
		KubeUpgradeStateUpgradedFirstMaster,
		KubeUpgradeStateUpgradedSecondMaster,
		KubeUpgradeStateUpgradingKubelets,
		KubeUpgradeStateUncordonComplete,
		KubeUpgradeStatePostUpdatedApps,
		KubeUpgradeStateComplete,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1].Rank(), ordered[i].Rank(), "%q before %q", ordered[i-1], ordered[i])
	}

	assert.Equal(t, KubeUpgradeStateDownloadingImages.Rank(), KubeUpgradeStateDownloadingImagesFailed.Rank())
	assert.Equal(t, -1, KubeUpgradeStateAborted.Rank())
	assert.Equal(t, -1, KubeUpgradeState("bogus").Rank())
}

func TestKubeUpgradeIsFailed(t *testing.T) {
	assert.True(t, KubeUpgradeStateNetworkingUpgradeFailed.IsFailed())
	assert.True(t, KubeUpgradeStatePostUpdatingAppsFailed.IsFailed())
	assert.False(t, KubeUpgradeStateNetworkingUpgraded.IsFailed())
	assert.False(t, KubeUpgradeStateComplete.IsFailed())
}

func TestKubeRootcaPhase(t *testing.T) {
	tests := []struct {
		state KubeRootcaUpdateState
		phase KubeRootcaPhase
		done  bool
	}{
		{KubeRootcaUpdateStateNone, KubeRootcaPhaseNone, true},
		{KubeRootcaUpdateStateAborted, KubeRootcaPhaseNone, true},
		{KubeRootcaUpdateStateStarted, KubeRootcaPhaseStarted, true},
		{KubeRootcaUpdateStateCertGenerated, KubeRootcaPhaseCertReady, true},
		{KubeRootcaUpdateStateUpdatingHostTrustBothCAs, KubeRootcaPhaseHostTrustBothCAs, false},
		{KubeRootcaUpdateStateUpdatedPodsTrustBothCAs, KubeRootcaPhasePodsTrustBothCAs, true},
		{KubeRootcaUpdateStateUpdatingHostUpdateCertsErr, KubeRootcaPhaseHostUpdateCerts, false},
		{KubeRootcaUpdateStateUpdatedPodsTrustNewCA, KubeRootcaPhasePodsTrustNewCA, true},
		{KubeRootcaUpdateStateComplete, KubeRootcaPhaseComplete, true},
	}

	for _, tt := range tests {
		phase, done := tt.state.Phase()
		assert.Equal(t, tt.phase, phase, string(tt.state))
		assert.Equal(t, tt.done, done, string(tt.state))
	}
}
