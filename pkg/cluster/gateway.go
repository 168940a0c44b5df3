/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// Gateway abstracts the container-orchestration API: everything the core
// needs for scheduling decisions and execution, nothing more.
type Gateway interface {
	EnsurePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error)
	GetPod(ctx context.Context, name string) (*corev1.Pod, error)
	DeletePod(ctx context.Context, name string) error
	GetNode(ctx context.Context, name string) (*corev1.Node, error)
	ListNodes(ctx context.Context, selector map[string]string) ([]corev1.Node, error)
	ListPodsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error)
	Exec(ctx context.Context, podName, container string, cmd []string) (string, error)
	PodLogs(ctx context.Context, podName string, tailLines int64) (string, error)
	PodEvents(ctx context.Context, podName string) ([]corev1.Event, error)
	CreateVolumeClaim(ctx context.Context, name string, sizeGiB int, storageClass string) error
	DeleteVolumeClaim(ctx context.Context, name string) error
	VolumeIDForClaim(ctx context.Context, name string) (string, error)
}

// DefaultGateway serves the Gateway contract against a live cluster.
type DefaultGateway struct {
	kubeClient kubernetes.Interface
	restConfig *rest.Config
	namespace  string
}

func NewDefaultGateway(kubeClient kubernetes.Interface, restConfig *rest.Config, namespace string) *DefaultGateway {
	return &DefaultGateway{kubeClient: kubeClient, restConfig: restConfig, namespace: namespace}
}

// EnsurePod creates the pod or, if one with the same deterministic name
// already exists, returns it. This is what makes a redelivered create
// message a no-op.
func (g *DefaultGateway) EnsurePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	created, err := g.kubeClient.CoreV1().Pods(g.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("creating pod %s, %w", pod.Name, err)
	}
	existing, err := g.kubeClient.CoreV1().Pods(g.namespace).Get(ctx, pod.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting existing pod %s, %w", pod.Name, err)
	}
	return existing, nil
}

func (g *DefaultGateway) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	pod, err := g.kubeClient.CoreV1().Pods(g.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting pod %s, %w", name, err)
	}
	return pod, nil
}

func (g *DefaultGateway) DeletePod(ctx context.Context, name string) error {
	if err := g.kubeClient.CoreV1().Pods(g.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting pod %s, %w", name, err)
	}
	return nil
}

func (g *DefaultGateway) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	node, err := g.kubeClient.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting node %s, %w", name, err)
	}
	return node, nil
}

func (g *DefaultGateway) ListNodes(ctx context.Context, selector map[string]string) ([]corev1.Node, error) {
	nodes, err := g.kubeClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing nodes, %w", err)
	}
	return nodes.Items, nil
}

func (g *DefaultGateway) ListPodsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	pods, err := g.kubeClient.CoreV1().Pods(g.namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods on node %s, %w", nodeName, err)
	}
	return pods.Items, nil
}

func (g *DefaultGateway) Exec(ctx context.Context, podName, container string, cmd []string) (string, error) {
	req := g.kubeClient.CoreV1().RESTClient().Post().
		Resource("pods").Name(podName).Namespace(g.namespace).SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)
	executor, err := remotecommand.NewSPDYExecutor(g.restConfig, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("building executor for pod %s, %w", podName, err)
	}
	var stdout, stderr bytes.Buffer
	if err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}); err != nil {
		return "", fmt.Errorf("executing in pod %s, %s, %w", podName, strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

func (g *DefaultGateway) PodLogs(ctx context.Context, podName string, tailLines int64) (string, error) {
	stream, err := g.kubeClient.CoreV1().Pods(g.namespace).GetLogs(podName, &corev1.PodLogOptions{
		TailLines: &tailLines,
	}).Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("streaming logs for pod %s, %w", podName, err)
	}
	defer stream.Close()
	raw, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("reading logs for pod %s, %w", podName, err)
	}
	return string(raw), nil
}

func (g *DefaultGateway) PodEvents(ctx context.Context, podName string) ([]corev1.Event, error) {
	events, err := g.kubeClient.CoreV1().Events(g.namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fields.AndSelectors(
			fields.OneTermEqualSelector("involvedObject.kind", "Pod"),
			fields.OneTermEqualSelector("involvedObject.name", podName),
		).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing events for pod %s, %w", podName, err)
	}
	return events.Items, nil
}

func (g *DefaultGateway) CreateVolumeClaim(ctx context.Context, name string, sizeGiB int, storageClass string) error {
	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: g.namespace},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: &storageClass,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(int64(sizeGiB)<<30, resource.BinarySI),
				},
			},
		},
	}
	if _, err := g.kubeClient.CoreV1().PersistentVolumeClaims(g.namespace).Create(ctx, claim, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("creating volume claim %s, %w", name, err)
	}
	return nil
}

func (g *DefaultGateway) DeleteVolumeClaim(ctx context.Context, name string) error {
	if err := g.kubeClient.CoreV1().PersistentVolumeClaims(g.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting volume claim %s, %w", name, err)
	}
	return nil
}

// VolumeIDForClaim resolves the cloud volume id behind a bound claim by
// following the claim to its persistent volume's CSI handle. An unbound
// claim returns empty with no error so callers can poll.
func (g *DefaultGateway) VolumeIDForClaim(ctx context.Context, name string) (string, error) {
	claim, err := g.kubeClient.CoreV1().PersistentVolumeClaims(g.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting volume claim %s, %w", name, err)
	}
	if claim.Spec.VolumeName == "" {
		return "", nil
	}
	pv, err := g.kubeClient.CoreV1().PersistentVolumes().Get(ctx, claim.Spec.VolumeName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting persistent volume %s, %w", claim.Spec.VolumeName, err)
	}
	if pv.Spec.CSI == nil {
		return "", nil
	}
	return pv.Spec.CSI.VolumeHandle, nil
}
