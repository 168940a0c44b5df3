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

package cluster_test

import (
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"

	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/gputype"
)

func TestCluster(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cluster")
}

func h100() *gputype.GPUType {
	return &gputype.GPUType{Tag: "h100", MaxGPUsPerNode: 8, CPUsPerNode: 96, MemoryGiB: 1024}
}

func podRequest() cluster.PodRequest {
	return cluster.PodRequest{
		ReservationID:   "r-1",
		UserID:          "dev",
		GPUType:         h100(),
		GPUCount:        2,
		Image:           "workspace:latest",
		AuthorizedKeys:  []string{"ssh-ed25519 AAAA dev@laptop"},
		NodeLabelKey:    "reserver.stackpod.io/gpu-type",
		CPUUsersPerNode: 3,
	}
}

var _ = Describe("Cluster", func() {
	Context("Naming", func() {
		It("should derive stable names and ports from the reservation id", func() {
			Expect(cluster.PodName("r-1")).To(Equal(cluster.PodName("r-1")))
			Expect(cluster.PodName("r-1")).ToNot(Equal(cluster.PodName("r-2")))
			Expect(cluster.PodName("r-1")).To(HavePrefix("resv-"))
			Expect(cluster.SSHPort("r-1")).To(Equal(cluster.SSHPort("r-1")))
			Expect(cluster.VolumeClaimName("dev", "scratch")).To(Equal(cluster.VolumeClaimName("dev", "scratch")))
			Expect(cluster.VolumeClaimName("dev", "scratch")).ToNot(Equal(cluster.VolumeClaimName("dev", "other")))
		})
		It("should keep SSH and notebook host ports in disjoint ranges", func() {
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("r-%d", i)
				Expect(cluster.SSHPort(id)).To(And(BeNumerically(">=", 30000), BeNumerically("<", 32000)))
				Expect(cluster.JupyterHostPort(id)).To(And(BeNumerically(">=", 32000), BeNumerically("<", 34000)))
			}
		})
	})

	Context("BuildPod", func() {
		It("should build a labelled pod with both host ports exposed", func() {
			pod, err := cluster.BuildPod(podRequest())
			Expect(err).ToNot(HaveOccurred())
			Expect(pod.Name).To(Equal(cluster.PodName("r-1")))
			Expect(pod.Labels).To(HaveKeyWithValue(cluster.LabelReservationID, "r-1"))
			Expect(pod.Labels).To(HaveKeyWithValue(cluster.LabelUserID, "dev"))
			Expect(pod.Spec.NodeSelector).To(HaveKeyWithValue("reserver.stackpod.io/gpu-type", "h100"))
			Expect(pod.Annotations).To(HaveKey(cluster.AnnotationSpecHash))

			Expect(pod.Spec.Containers).To(HaveLen(1))
			main := pod.Spec.Containers[0]
			Expect(main.Name).To(Equal(cluster.MainContainerName))
			ports := map[string]int32{}
			for _, p := range main.Ports {
				ports[p.Name] = p.HostPort
			}
			Expect(ports).To(HaveKeyWithValue("ssh", int32(cluster.SSHPort("r-1"))))
			Expect(ports).To(HaveKeyWithValue("jupyter", int32(cluster.JupyterHostPort("r-1"))))
		})
		It("should scale cpu and memory with the requested share of the node", func() {
			pod, err := cluster.BuildPod(podRequest())
			Expect(err).ToNot(HaveOccurred())
			requests := pod.Spec.Containers[0].Resources.Requests
			// 2 of 8 GPUs buys a quarter of the node.
			Expect(requests.Cpu().MilliValue()).To(Equal(int64(24000)))
			Expect(requests.Memory().Value()).To(Equal(int64(256) << 30))
			Expect(requests[corev1.ResourceName(cluster.GPUResourceName)]).ToNot(BeZero())
		})
		It("should request no GPU resource for CPU reservations", func() {
			req := podRequest()
			req.GPUType = &gputype.GPUType{Tag: "cpu", CPUsPerNode: 64, MemoryGiB: 256}
			req.GPUCount = 0
			pod, err := cluster.BuildPod(req)
			Expect(err).ToNot(HaveOccurred())
			requests := pod.Spec.Containers[0].Resources.Requests
			Expect(requests).ToNot(HaveKey(corev1.ResourceName(cluster.GPUResourceName)))
			// One of three user slots on the node.
			Expect(requests.Cpu().MilliValue()).To(Equal(int64(21333)))
		})
		It("should mount the workspace claim when one is attached", func() {
			req := podRequest()
			req.ClaimName = cluster.VolumeClaimName("dev", "scratch")
			pod, err := cluster.BuildPod(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(pod.Spec.Volumes).To(HaveLen(1))
			Expect(pod.Spec.Volumes[0].PersistentVolumeClaim.ClaimName).To(Equal(req.ClaimName))
			mounts := pod.Spec.Containers[0].VolumeMounts
			Expect(mounts).To(HaveLen(1))
			Expect(mounts[0].MountPath).To(Equal("/home/dev/work"))
		})
		It("should pass user environment variables in stable order", func() {
			req := podRequest()
			req.EnvVars = map[string]string{"B_VAR": "2", "A_VAR": "1"}
			pod, err := cluster.BuildPod(req)
			Expect(err).ToNot(HaveOccurred())
			env := pod.Spec.Containers[0].Env
			names := make([]string, 0, len(env))
			for _, e := range env {
				names = append(names, e.Name)
			}
			Expect(names).To(Equal([]string{"RESERVATION_ID", "AUTHORIZED_KEYS", "A_VAR", "B_VAR"}))
		})
		It("should keep the image entrypoint when asked to", func() {
			req := podRequest()
			req.PreserveEntrypoint = true
			pod, err := cluster.BuildPod(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(pod.Spec.Containers[0].Command).To(BeEmpty())
		})
	})
})
