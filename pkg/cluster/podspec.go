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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/stackpod/reserver/pkg/gputype"
)

const (
	// LabelReservationID ties a pod back to its owning reservation row.
	LabelReservationID = "reserver.stackpod.io/reservation-id"
	LabelUserID        = "reserver.stackpod.io/user-id"
	LabelGPUType       = "reserver.stackpod.io/gpu-type"

	AnnotationSpecHash = "reserver.stackpod.io/spec-hash"

	// MainContainerName holds the user workspace; the warning files and
	// key injection all target it.
	MainContainerName = "workspace"

	GPUResourceName = "nvidia.com/gpu"

	// JupyterPort is the in-container notebook port. The server itself is
	// started and stopped over exec so it can be toggled after the pod is
	// running; only the host-port mapping is fixed at pod creation.
	JupyterPort = 8888

	sshContainerPort = 22
	sshPortRangeBase = 30000
	portRangeSize    = 2000

	jupyterPortRangeBase = 32000
)

// PodRequest is everything needed to materialise a reservation pod.
type PodRequest struct {
	ReservationID      string
	UserID             string
	GPUType            *gputype.GPUType
	GPUCount           int
	Image              string
	EnvVars            map[string]string
	PreserveEntrypoint bool
	AuthorizedKeys     []string
	ClaimName          string
	NodeLabelKey       string
	CPUUsersPerNode    int
}

// PodName derives the deterministic pod name for a reservation. A retried
// create finds and reuses the pod it already made.
func PodName(reservationID string) string {
	sum := sha256.Sum256([]byte(reservationID))
	return fmt.Sprintf("resv-%s", hex.EncodeToString(sum[:])[:10])
}

// VolumeClaimName derives the deterministic claim name for a user's disk, so
// a retried provision finds the claim it already made.
func VolumeClaimName(userID, diskName string) string {
	sum := sha256.Sum256([]byte(userID + "/" + diskName))
	return fmt.Sprintf("disk-%s", hex.EncodeToString(sum[:])[:10])
}

// SSHPort maps a reservation onto a stable host port in the node-port range.
func SSHPort(reservationID string) int {
	sum := sha256.Sum256([]byte(reservationID))
	n := int(sum[0])<<16 | int(sum[1])<<8 | int(sum[2])
	return sshPortRangeBase + n%portRangeSize
}

// JupyterHostPort is the stable host port the notebook is reachable on when
// enabled. Derived from a different slice of the digest so it never collides
// with the SSH port of any reservation.
func JupyterHostPort(reservationID string) int {
	sum := sha256.Sum256([]byte(reservationID))
	n := int(sum[3])<<16 | int(sum[4])<<8 | int(sum[5])
	return jupyterPortRangeBase + n%portRangeSize
}

// BuildPod materialises the pod specification. CPU and memory scale with the
// requested share of the node: requested_gpus / max_per_node for GPU types,
// one user slot for CPU types.
func BuildPod(req PodRequest) (*corev1.Pod, error) {
	cpuMilli, memBytes := proportionalResources(req)
	resources := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuMilli, resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(memBytes, resource.BinarySI),
	}
	if req.GPUCount > 0 {
		resources[GPUResourceName] = *resource.NewQuantity(int64(req.GPUCount), resource.DecimalSI)
	}

	env := []corev1.EnvVar{
		{Name: "RESERVATION_ID", Value: req.ReservationID},
		{Name: "AUTHORIZED_KEYS", Value: strings.Join(req.AuthorizedKeys, "\n")},
	}
	keys := make([]string, 0, len(req.EnvVars))
	for k := range req.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: req.EnvVars[k]})
	}

	main := corev1.Container{
		Name:  MainContainerName,
		Image: req.Image,
		Env:   env,
		Ports: []corev1.ContainerPort{{
			Name:          "ssh",
			ContainerPort: sshContainerPort,
			HostPort:      int32(SSHPort(req.ReservationID)),
		}, {
			Name:          "jupyter",
			ContainerPort: JupyterPort,
			HostPort:      int32(JupyterHostPort(req.ReservationID)),
		}},
		Resources: corev1.ResourceRequirements{Requests: resources, Limits: resources},
	}
	if !req.PreserveEntrypoint {
		main.Command = []string{"/usr/local/bin/workspace-init"}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: PodName(req.ReservationID),
			Labels: map[string]string{
				LabelReservationID: req.ReservationID,
				LabelUserID:        req.UserID,
				LabelGPUType:       req.GPUType.Tag,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyOnFailure,
			NodeSelector:  map[string]string{req.NodeLabelKey: req.GPUType.Tag},
			Containers:    []corev1.Container{main},
		},
	}

	if req.ClaimName != "" {
		pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
			Name: "workspace-data",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: req.ClaimName},
			},
		})
		pod.Spec.Containers[0].VolumeMounts = append(pod.Spec.Containers[0].VolumeMounts, corev1.VolumeMount{
			Name:      "workspace-data",
			MountPath: "/home/dev/work",
		})
	}

	hash, err := hashstructure.Hash(req, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		return nil, fmt.Errorf("hashing pod request, %w", err)
	}
	pod.Annotations = map[string]string{AnnotationSpecHash: fmt.Sprint(hash)}
	return pod, nil
}

func proportionalResources(req PodRequest) (cpuMilli int64, memBytes int64) {
	gt := req.GPUType
	if gt.IsCPU() {
		users := int64(req.CPUUsersPerNode)
		if users < 1 {
			users = 1
		}
		return int64(gt.CPUsPerNode) * 1000 / users, int64(gt.MemoryGiB) << 30 / users
	}
	perNode := int64(gt.MaxGPUsPerNode)
	gpus := int64(req.GPUCount)
	if gpus > perNode {
		gpus = perNode
	}
	return int64(gt.CPUsPerNode) * 1000 * gpus / perNode, int64(gt.MemoryGiB) << 30 * gpus / perNode
}
