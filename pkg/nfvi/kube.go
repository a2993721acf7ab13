package nfvi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/vim/pkg/config"
	"github.com/cuemby/vim/pkg/metrics"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// HostCRDNamespace holds the deployment manager host resources
const HostCRDNamespace = "deployment"

// HostCRDResource is the deployment manager host resource
var HostCRDResource = schema.GroupVersionResource{
	Group:    "starlingx.windriver.com",
	Version:  "v1",
	Resource: "hosts",
}

// KubeAPI is the kubernetes surface
type KubeAPI interface {
	DeleteNode(ctx context.Context, nodeName string) Response
	TaintNode(ctx context.Context, nodeName string, taint corev1.Taint) Response
	UntaintNode(ctx context.Context, nodeName string, key string, effect corev1.TaintEffect) Response
	MarkAllPodsNotReady(ctx context.Context, nodeName, reason string) Response
	GetTerminatingPods(ctx context.Context, nodeName string) Response
	ListHostCRDs(ctx context.Context) Response
	GetHostCRD(ctx context.Context, name string) Response
}

// HostCRD is the summary of a deployment host resource
type HostCRD struct {
	Name           string `json:"name"`
	Administrative string `json:"administrative"`
	Personality    string `json:"personality"`
	InSync         bool   `json:"insync"`
	Reconciled     bool   `json:"reconciled"`
}

type kubeClient struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	timeouts  config.NFVITimeouts
}

// NewKubeClient builds clients from a kubeconfig path, or the in-cluster
// configuration when the path is empty
func NewKubeClient(cfg config.KubernetesConfig, timeouts config.NFVITimeouts) (KubeAPI, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	return newKubeClient(clientset, dyn, timeouts), nil
}

func newKubeClient(clientset kubernetes.Interface, dyn dynamic.Interface, timeouts config.NFVITimeouts) *kubeClient {
	return &kubeClient{clientset: clientset, dynamic: dyn, timeouts: timeouts}
}

func (c *kubeClient) do(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) Response {
	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.For("kube."+name))
	defer cancel()

	result, err := fn(ctx)
	timer.ObserveDurationVec(metrics.NFVIRequestDuration, "kube", name)

	resp := Success(result)
	if err != nil {
		resp = kubeFailure(ctx, name, err)
	}
	outcome := "success"
	if !resp.Completed {
		outcome = string(resp.ErrorCode)
	}
	metrics.NFVIRequestsTotal.WithLabelValues("kube", name, outcome).Inc()
	return resp
}

func kubeFailure(ctx context.Context, name string, err error) Response {
	switch {
	case ctx.Err() == context.DeadlineExceeded, apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		return Failuref(ErrorCodeTransportTimeout, "kube %s timed out", name)
	case apierrors.IsUnauthorized(err):
		return Failuref(ErrorCodeAuthFailed, "kube %s: %v", name, err)
	case apierrors.IsTooManyRequests(err):
		return Failuref(ErrorCodeRetryAfter, "kube %s: %v", name, err)
	case apierrors.IsNotFound(err):
		return Failuref(ErrorCodeNotFound, "kube %s: %v", name, err)
	case apierrors.IsInvalid(err), apierrors.IsForbidden(err), apierrors.IsConflict(err), apierrors.IsBadRequest(err):
		return Failuref(ErrorCodeRejected, "kube %s: %v", name, err)
	}
	return Failuref(ErrorCodeTransport, "kube %s: %v", name, err)
}

// DeleteNode succeeds when the node is already gone
func (c *kubeClient) DeleteNode(ctx context.Context, nodeName string) Response {
	return c.do(ctx, "delete_node", func(ctx context.Context) (any, error) {
		err := c.clientset.CoreV1().Nodes().Delete(ctx, nodeName, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nodeName, nil
		}
		return nodeName, err
	})
}

func (c *kubeClient) TaintNode(ctx context.Context, nodeName string, taint corev1.Taint) Response {
	return c.do(ctx, "taint_node", func(ctx context.Context) (any, error) {
		node, err := c.clientset.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		for _, t := range node.Spec.Taints {
			if t.Key == taint.Key && t.Effect == taint.Effect {
				if t.Value == taint.Value {
					return nodeName, nil
				}
			}
		}
		taints := make([]corev1.Taint, 0, len(node.Spec.Taints)+1)
		for _, t := range node.Spec.Taints {
			if t.Key == taint.Key && t.Effect == taint.Effect {
				continue
			}
			taints = append(taints, t)
		}
		if taint.TimeAdded == nil && taint.Effect == corev1.TaintEffectNoExecute {
			now := metav1.Now()
			taint.TimeAdded = &now
		}
		taints = append(taints, taint)
		return nodeName, c.patchTaints(ctx, nodeName, taints)
	})
}

func (c *kubeClient) UntaintNode(ctx context.Context, nodeName string, key string, effect corev1.TaintEffect) Response {
	return c.do(ctx, "untaint_node", func(ctx context.Context) (any, error) {
		node, err := c.clientset.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		taints := make([]corev1.Taint, 0, len(node.Spec.Taints))
		for _, t := range node.Spec.Taints {
			if t.Key == key && t.Effect == effect {
				continue
			}
			taints = append(taints, t)
		}
		if len(taints) == len(node.Spec.Taints) {
			return nodeName, nil
		}
		return nodeName, c.patchTaints(ctx, nodeName, taints)
	})
}

func (c *kubeClient) patchTaints(ctx context.Context, nodeName string, taints []corev1.Taint) error {
	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{"taints": taints},
	})
	if err != nil {
		return err
	}
	_, err = c.clientset.CoreV1().Nodes().Patch(ctx, nodeName, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	return err
}

// MarkAllPodsNotReady flips the Ready condition of every pod on the node
func (c *kubeClient) MarkAllPodsNotReady(ctx context.Context, nodeName, reason string) Response {
	return c.do(ctx, "mark_all_pods_not_ready", func(ctx context.Context) (any, error) {
		pods, err := c.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
			FieldSelector: "spec.nodeName=" + nodeName,
		})
		if err != nil {
			return nil, err
		}
		var marked []string
		for i := range pods.Items {
			pod := &pods.Items[i]
			if pod.Spec.NodeName != nodeName {
				continue
			}
			changed := false
			for j := range pod.Status.Conditions {
				cond := &pod.Status.Conditions[j]
				if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
					cond.Status = corev1.ConditionFalse
					cond.Reason = reason
					cond.LastTransitionTime = metav1.NewTime(time.Now())
					changed = true
				}
			}
			if !changed {
				continue
			}
			if _, err := c.clientset.CoreV1().Pods(pod.Namespace).UpdateStatus(ctx, pod, metav1.UpdateOptions{}); err != nil {
				return marked, err
			}
			marked = append(marked, pod.Namespace+"/"+pod.Name)
		}
		return marked, nil
	})
}

func (c *kubeClient) GetTerminatingPods(ctx context.Context, nodeName string) Response {
	return c.do(ctx, "get_terminating_pods", func(ctx context.Context) (any, error) {
		pods, err := c.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
			FieldSelector: "spec.nodeName=" + nodeName,
		})
		if err != nil {
			return nil, err
		}
		terminating := []string{}
		for _, pod := range pods.Items {
			if pod.Spec.NodeName == nodeName && pod.DeletionTimestamp != nil {
				terminating = append(terminating, pod.Namespace+"/"+pod.Name)
			}
		}
		sort.Strings(terminating)
		return terminating, nil
	})
}

func hostCRDFrom(obj *unstructured.Unstructured) HostCRD {
	crd := HostCRD{Name: obj.GetName()}
	crd.Administrative, _, _ = unstructured.NestedString(obj.Object, "spec", "overrides", "administrativeState")
	if crd.Administrative == "" {
		crd.Administrative, _, _ = unstructured.NestedString(obj.Object, "spec", "administrativeState")
	}
	crd.Personality, _, _ = unstructured.NestedString(obj.Object, "spec", "profile")
	crd.InSync, _, _ = unstructured.NestedBool(obj.Object, "status", "inSync")
	crd.Reconciled, _, _ = unstructured.NestedBool(obj.Object, "status", "reconciled")
	return crd
}

func (c *kubeClient) ListHostCRDs(ctx context.Context) Response {
	return c.do(ctx, "list_host_crds", func(ctx context.Context) (any, error) {
		list, err := c.dynamic.Resource(HostCRDResource).Namespace(HostCRDNamespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, err
		}
		hosts := make([]HostCRD, 0, len(list.Items))
		for i := range list.Items {
			hosts = append(hosts, hostCRDFrom(&list.Items[i]))
		}
		sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
		return hosts, nil
	})
}

func (c *kubeClient) GetHostCRD(ctx context.Context, name string) Response {
	return c.do(ctx, "get_host_crd", func(ctx context.Context) (any, error) {
		obj, err := c.dynamic.Resource(HostCRDResource).Namespace(HostCRDNamespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return hostCRDFrom(obj), nil
	})
}
