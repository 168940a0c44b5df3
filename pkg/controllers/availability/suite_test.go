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

package availability_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clock "k8s.io/utils/clock/testing"
	. "knative.dev/pkg/logging/testing"

	"github.com/stackpod/reserver/pkg/cloud"
	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/controllers/availability"
	"github.com/stackpod/reserver/pkg/fake"
	"github.com/stackpod/reserver/pkg/gputype"
	"github.com/stackpod/reserver/pkg/operator/options"
	"github.com/stackpod/reserver/pkg/volume"
)

var (
	ctx           context.Context
	fakeClock     *clock.FakeClock
	st            *fake.Store
	gateway       *fake.Gateway
	cloudProvider *fake.CloudProvider
	opts          *options.Options
	controller    *availability.Controller
)

func TestAvailability(t *testing.T) {
	ctx = TestContextWithLogger(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Availability")
}

var _ = BeforeEach(func() {
	fakeClock = clock.NewFakeClock(time.Now())
	opts = options.New()
	st = fake.NewStore(fakeClock)
	gateway = fake.NewGateway()
	cloudProvider = fake.NewCloudProvider()
	controller = availability.NewController(fakeClock, st.GPUTypes(), st.Volumes(),
		gateway, cloudProvider, opts)
})

var _ = Describe("Availability", func() {
	Context("GPU Types", func() {
		BeforeEach(func() {
			st.GPUTypeRows["h100"] = &gputype.GPUType{
				Tag:            "h100",
				InstanceFamily: "p5",
				MaxGPUsPerNode: 8,
				CPUsPerNode:    96,
				MemoryGiB:      1024,
			}
		})
		It("should recompute the dynamic columns from cloud and cluster truth", func() {
			cloudProvider.InstancesByTag["h100"] = 3
			seedNode("node-a", "h100")
			seedNode("node-b", "h100")
			seedReservationPod("r-1", "node-a", 8)
			Expect(controller.Reconcile(ctx)).To(Succeed())

			gt := st.GPUTypeRows["h100"]
			Expect(gt.TotalClusterGPUs).To(Equal(24))
			Expect(gt.AvailableGPUs).To(Equal(16))
			Expect(gt.RunningInstances).To(Equal(3))
			// node-b is empty and one in-service instance has not registered.
			Expect(gt.FullNodesAvailable).To(Equal(2))
			// h100 is a high-end tag: two full nodes beat the single-node max.
			Expect(gt.MaxReservable).To(Equal(16))
			Expect(gt.LastAvailabilityUpdate).ToNot(BeNil())
			Expect(gt.LastAvailabilityUpdatedBy).To(Equal("availability-reconciler"))
		})
		It("should count only live pods owned by a reservation", func() {
			cloudProvider.InstancesByTag["h100"] = 1
			seedNode("node-a", "h100")
			seedReservationPod("r-1", "node-a", 2)
			finished := seedReservationPod("r-2", "node-a", 4)
			finished.Status.Phase = corev1.PodSucceeded
			unowned := seedReservationPod("", "node-a", 1)
			delete(unowned.Labels, cluster.LabelReservationID)
			Expect(controller.Reconcile(ctx)).To(Succeed())

			Expect(st.GPUTypeRows["h100"].AvailableGPUs).To(Equal(6))
		})
		It("should account CPU tags in user slots", func() {
			st.GPUTypeRows["cpu"] = &gputype.GPUType{
				Tag:         "cpu",
				CPUsPerNode: 64,
				MemoryGiB:   256,
			}
			cloudProvider.InstancesByTag["cpu"] = 1
			seedNode("node-c", "cpu")
			seedReservationPod("r-3", "node-c", 0)
			Expect(controller.Reconcile(ctx)).To(Succeed())

			gt := st.GPUTypeRows["cpu"]
			// One of the three slots on the node is taken.
			Expect(gt.AvailableGPUs).To(Equal(2))
			Expect(gt.MaxReservable).To(Equal(1))
			Expect(gt.TotalClusterGPUs).To(Equal(0))
		})
		It("should zero out types with no in-service instances", func() {
			st.GPUTypeRows["a100"] = &gputype.GPUType{Tag: "a100", MaxGPUsPerNode: 8, AvailableGPUs: 8}
			cloudProvider.InstancesByTag["h100"] = 2
			seedNode("node-a", "h100")
			Expect(controller.Reconcile(ctx)).To(Succeed())

			Expect(st.GPUTypeRows["h100"].TotalClusterGPUs).To(Equal(16))
			Expect(st.GPUTypeRows["a100"].TotalClusterGPUs).To(Equal(0))
			Expect(st.GPUTypeRows["a100"].AvailableGPUs).To(Equal(0))
		})
	})

	Context("Volumes", func() {
		It("should adopt tagged cloud volumes with no catalog row", func() {
			cloudProvider.Volumes = []cloud.Volume{{
				ID: "vol-orphan", Name: "restored", UserID: "dev", SizeGiB: 120, SnapshotCount: 2,
			}}
			Expect(controller.Reconcile(ctx)).To(Succeed())

			adopted, ok := lo.Find(lo.Values(st.VolumeRows), func(v *volume.Volume) bool {
				return v.CloudVolumeID == "vol-orphan"
			})
			Expect(ok).To(BeTrue())
			Expect(adopted.Name).To(Equal("restored"))
			Expect(adopted.UserID).To(Equal("dev"))
			Expect(adopted.SizeGiB).To(Equal(120))
			Expect(adopted.SnapshotCount).To(Equal(2))
		})
		It("should adopt attached cloud volumes as in use", func() {
			cloudProvider.Volumes = []cloud.Volume{{
				ID: "vol-held", Name: "mounted", UserID: "dev", SizeGiB: 80,
				Attached: true, AttachedTo: "i-0abc123",
			}}
			Expect(controller.Reconcile(ctx)).To(Succeed())

			adopted, ok := lo.Find(lo.Values(st.VolumeRows), func(v *volume.Volume) bool {
				return v.CloudVolumeID == "vol-held"
			})
			Expect(ok).To(BeTrue())
			Expect(adopted.InUse).To(BeTrue())
			// An instance id is not a reservation; the binding stays open.
			Expect(adopted.ReservationID).To(BeEmpty())
		})
		It("should refresh cloud-owned columns and preserve the binding", func() {
			st.VolumeRows["d-1"] = &volume.Volume{
				ID: "d-1", UserID: "dev", Name: "scratch", SizeGiB: 100,
				CloudVolumeID: "vol-1", InUse: true, ReservationID: "r-1", SnapshotCount: 1,
			}
			cloudProvider.Volumes = []cloud.Volume{{
				ID: "vol-1", Name: "scratch", UserID: "dev", SizeGiB: 200, SnapshotCount: 3,
			}}
			Expect(controller.Reconcile(ctx)).To(Succeed())

			v := st.VolumeRows["d-1"]
			Expect(v.SizeGiB).To(Equal(200))
			Expect(v.SnapshotCount).To(Equal(3))
			// Attachment truth lives in the catalog, not the cloud's lagging view.
			Expect(v.InUse).To(BeTrue())
			Expect(v.ReservationID).To(Equal("r-1"))
		})
		It("should unbind rows whose backing volume vanished", func() {
			st.VolumeRows["d-2"] = &volume.Volume{
				ID: "d-2", UserID: "dev", Name: "gone", SizeGiB: 50,
				CloudVolumeID: "vol-2", InUse: true, ReservationID: "r-2",
			}
			Expect(controller.Reconcile(ctx)).To(Succeed())

			Expect(st.VolumeRows["d-2"].InUse).To(BeFalse())
			Expect(st.VolumeRows["d-2"].ReservationID).To(BeEmpty())
		})
		It("should leave soft-deleted rows for the purge pass", func() {
			deleteDate := fakeClock.Now().Add(24 * time.Hour)
			st.VolumeRows["d-3"] = &volume.Volume{
				ID: "d-3", UserID: "dev", Name: "retired", SizeGiB: 50,
				CloudVolumeID: "vol-3", IsDeleted: true, DeleteDate: &deleteDate,
			}
			Expect(controller.Reconcile(ctx)).To(Succeed())

			Expect(st.VolumeRows["d-3"].IsDeleted).To(BeTrue())
			Expect(st.VolumeRows["d-3"].SizeGiB).To(Equal(50))
		})
	})
})

func seedNode(name, tag string) {
	gateway.Nodes[name] = &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{opts.NodeGPUTypeLabelKey: tag},
		},
	}
}

func seedReservationPod(reservationID, nodeName string, gpus int) *corev1.Pod {
	requests := corev1.ResourceList{}
	if gpus > 0 {
		requests[corev1.ResourceName(cluster.GPUResourceName)] = *resource.NewQuantity(int64(gpus), resource.DecimalSI)
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "pod-" + reservationID + "-" + nodeName,
			Labels: map[string]string{cluster.LabelReservationID: reservationID},
		},
		Spec: corev1.PodSpec{
			NodeName: nodeName,
			Containers: []corev1.Container{{
				Name:      cluster.MainContainerName,
				Resources: corev1.ResourceRequirements{Requests: requests},
			}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
	gateway.Pods[pod.Name] = pod
	return pod
}
