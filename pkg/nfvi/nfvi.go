package nfvi

import (
	"context"
	"net/http"

	"github.com/cuemby/vim/pkg/config"
	corev1 "k8s.io/api/core/v1"
)

// Catalog service types of the platform services
const (
	ServiceTypePlatform    = "platform"
	ServiceTypeMaintenance = "maintenance"
	ServiceTypeFault       = "faultmanagement"
	ServiceTypeSoftware    = "usm"
	ServiceTypeCompute     = "compute"
)

// Client bundles one plugin per external service. Directors and query
// steps reach the outside world only through it.
type Client struct {
	Infrastructure InfrastructureAPI
	Maintenance    MaintenanceAPI
	Fault          FaultAPI
	Software       SoftwareAPI
	Compute        ComputeAPI
	Kube           KubeAPI

	Tokens *TokenCache
}

// New creates the REST plugins sharing one token cache. A nil kube
// client disables kubernetes calls.
func New(cfg *config.Config, httpClient *http.Client, kube KubeAPI) *Client {
	tokens := NewTokenCache(cfg.OpenStack, httpClient)
	rest := func(service, serviceType string) *restClient {
		return newRESTClient(service, serviceType, tokens, httpClient, cfg.NFVITimeouts, cfg.RateLimit[service])
	}
	if kube == nil {
		kube = disabledKube{}
	}
	return &Client{
		Infrastructure: &sysinvClient{rest: rest("sysinv", ServiceTypePlatform)},
		Maintenance:    &mtceClient{rest: rest("mtce", ServiceTypeMaintenance)},
		Fault:          &fmClient{rest: rest("fm", ServiceTypeFault)},
		Software:       &usmClient{rest: rest("usm", ServiceTypeSoftware)},
		Compute:        &computeClient{rest: rest("nova", ServiceTypeCompute)},
		Kube:           kube,
		Tokens:         tokens,
	}
}

type disabledKube struct{}

func (disabledKube) fail() Response {
	return Failure(ErrorCodeTransport, "kubernetes is not configured")
}

func (k disabledKube) DeleteNode(context.Context, string) Response                  { return k.fail() }
func (k disabledKube) MarkAllPodsNotReady(context.Context, string, string) Response { return k.fail() }
func (k disabledKube) GetTerminatingPods(context.Context, string) Response          { return k.fail() }
func (k disabledKube) ListHostCRDs(context.Context) Response                        { return k.fail() }
func (k disabledKube) GetHostCRD(context.Context, string) Response                  { return k.fail() }

func (k disabledKube) TaintNode(context.Context, string, corev1.Taint) Response {
	return k.fail()
}

func (k disabledKube) UntaintNode(context.Context, string, string, corev1.TaintEffect) Response {
	return k.fail()
}
