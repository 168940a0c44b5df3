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

package fake

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ExecCall records one Exec issued through the fake gateway.
type ExecCall struct {
	PodName   string
	Container string
	Cmd       []string
}

// Gateway is an in-memory cluster.Gateway. AutoProgress makes every created
// pod land on a node and go ready immediately, which is what most lifecycle
// tests want; tests exercising timeouts or crash loops mutate Pods directly.
type Gateway struct {
	mu sync.Mutex

	Pods   map[string]*corev1.Pod
	Nodes  map[string]*corev1.Node
	Events map[string][]corev1.Event
	Claims map[string]string // claim name -> cloud volume id
	Logs   map[string]string

	AutoProgress bool
	AutoNode     string

	ExecCalls  []ExecCall
	ExecOutput string
	ExecErr    error

	EnsurePodErr  error
	DeletePodErr  error
	DeletedPods   []string
	DeletedClaims []string
	CreatedClaims map[string]int // claim name -> size GiB
	UnboundClaims map[string]bool
}

func NewGateway() *Gateway {
	g := &Gateway{}
	g.Reset()
	return g
}

func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Pods = map[string]*corev1.Pod{}
	g.Nodes = map[string]*corev1.Node{}
	g.Events = map[string][]corev1.Event{}
	g.Claims = map[string]string{}
	g.Logs = map[string]string{}
	g.AutoProgress = true
	g.AutoNode = "node-1"
	g.ExecCalls = nil
	g.ExecOutput = ""
	g.ExecErr = nil
	g.EnsurePodErr = nil
	g.DeletePodErr = nil
	g.DeletedPods = nil
	g.DeletedClaims = nil
	g.CreatedClaims = map[string]int{}
	g.UnboundClaims = map[string]bool{}
	g.Nodes["node-1"] = &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
		Status: corev1.NodeStatus{Addresses: []corev1.NodeAddress{
			{Type: corev1.NodeExternalIP, Address: "203.0.113.10"},
			{Type: corev1.NodeInternalIP, Address: "10.0.0.10"},
		}},
	}
}

func (g *Gateway) EnsurePod(_ context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.EnsurePodErr != nil {
		return nil, g.EnsurePodErr
	}
	if existing, ok := g.Pods[pod.Name]; ok {
		return existing, nil
	}
	stored := pod.DeepCopy()
	if g.AutoProgress {
		stored.Spec.NodeName = g.AutoNode
		stored.Status.Phase = corev1.PodRunning
		stored.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
	}
	g.Pods[pod.Name] = stored
	return stored, nil
}

func (g *Gateway) GetPod(_ context.Context, name string) (*corev1.Pod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pod, ok := g.Pods[name]
	if !ok {
		return nil, fmt.Errorf("pod %s not found", name)
	}
	return pod.DeepCopy(), nil
}

func (g *Gateway) DeletePod(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.DeletePodErr != nil {
		return g.DeletePodErr
	}
	delete(g.Pods, name)
	g.DeletedPods = append(g.DeletedPods, name)
	return nil
}

func (g *Gateway) GetNode(_ context.Context, name string) (*corev1.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.Nodes[name]
	if !ok {
		return nil, fmt.Errorf("node %s not found", name)
	}
	return node.DeepCopy(), nil
}

func (g *Gateway) ListNodes(_ context.Context, selector map[string]string) ([]corev1.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []corev1.Node
	for _, node := range g.Nodes {
		if matchesLabels(node.Labels, selector) {
			out = append(out, *node.DeepCopy())
		}
	}
	return out, nil
}

func (g *Gateway) ListPodsOnNode(_ context.Context, nodeName string) ([]corev1.Pod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []corev1.Pod
	for _, pod := range g.Pods {
		if pod.Spec.NodeName == nodeName {
			out = append(out, *pod.DeepCopy())
		}
	}
	return out, nil
}

func (g *Gateway) Exec(_ context.Context, podName, container string, cmd []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ExecCalls = append(g.ExecCalls, ExecCall{PodName: podName, Container: container, Cmd: cmd})
	if g.ExecErr != nil {
		return "", g.ExecErr
	}
	return g.ExecOutput, nil
}

func (g *Gateway) PodLogs(_ context.Context, podName string, _ int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Logs[podName], nil
}

func (g *Gateway) PodEvents(_ context.Context, podName string) ([]corev1.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Events[podName], nil
}

func (g *Gateway) CreateVolumeClaim(_ context.Context, name string, sizeGiB int, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.CreatedClaims[name]; ok {
		return nil
	}
	g.CreatedClaims[name] = sizeGiB
	if !g.UnboundClaims[name] {
		g.Claims[name] = fmt.Sprintf("vol-%s", name)
	}
	return nil
}

func (g *Gateway) DeleteVolumeClaim(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.Claims, name)
	g.DeletedClaims = append(g.DeletedClaims, name)
	return nil
}

func (g *Gateway) VolumeIDForClaim(_ context.Context, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Claims[name], nil
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
