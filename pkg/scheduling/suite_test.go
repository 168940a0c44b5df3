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

package scheduling_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/gputype"
	"github.com/stackpod/reserver/pkg/scheduling"
)

func TestScheduling(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduling")
}

var policy = scheduling.Policy{
	HighEndTags:       sets.New("h100", "a100"),
	MaxMultinodeNodes: 4,
	CPUUsersPerNode:   3,
}

var limits = scheduling.Limits{MaxMultinodeNodes: 4}

func h100(available, maxReservable, fullNodes int) *gputype.GPUType {
	return &gputype.GPUType{
		Tag:                "h100",
		MaxGPUsPerNode:     8,
		CPUsPerNode:        96,
		MemoryGiB:          1024,
		AvailableGPUs:      available,
		MaxReservable:      maxReservable,
		FullNodesAvailable: fullNodes,
	}
}

var _ = Describe("Scheduling", func() {
	Context("Admission", func() {
		It("should admit a request that fits the available capacity", func() {
			Expect(scheduling.CheckAdmission(h100(8, 8, 1), scheduling.Request{GPUCount: 4}, limits)).To(Succeed())
		})
		It("should report contention when capacity is short", func() {
			err := scheduling.CheckAdmission(h100(2, 2, 0), scheduling.Request{GPUCount: 4}, limits)
			Expect(errors.IsContention(err)).To(BeTrue())
			Expect(errors.IsUserFatal(err)).To(BeFalse())
		})
		It("should fatally reject more GPUs than a node carries", func() {
			err := scheduling.CheckAdmission(h100(16, 8, 2), scheduling.Request{GPUCount: 9}, limits)
			Expect(errors.IsUserFatal(err)).To(BeTrue())
		})
		It("should fatally reject a negative count", func() {
			err := scheduling.CheckAdmission(h100(8, 8, 1), scheduling.Request{GPUCount: -1}, limits)
			Expect(errors.IsUserFatal(err)).To(BeTrue())
		})
		It("should admit whole-node multi-node requests against full nodes", func() {
			Expect(scheduling.CheckAdmission(h100(16, 16, 2),
				scheduling.Request{GPUCount: 16, IsMultinode: true, TotalNodes: 2}, limits)).To(Succeed())
		})
		It("should fatally reject multi-node requests for partial nodes", func() {
			err := scheduling.CheckAdmission(h100(16, 16, 2),
				scheduling.Request{GPUCount: 12, IsMultinode: true, TotalNodes: 2}, limits)
			Expect(errors.IsUserFatal(err)).To(BeTrue())
		})
		It("should fatally reject multi-node requests past the node ceiling", func() {
			err := scheduling.CheckAdmission(h100(48, 48, 6),
				scheduling.Request{GPUCount: 40, IsMultinode: true, TotalNodes: 5}, limits)
			Expect(errors.IsUserFatal(err)).To(BeTrue())
		})
		It("should report contention when too few full nodes remain", func() {
			err := scheduling.CheckAdmission(h100(16, 8, 1),
				scheduling.Request{GPUCount: 16, IsMultinode: true, TotalNodes: 2}, limits)
			Expect(errors.IsContention(err)).To(BeTrue())
		})
		It("should admit CPU requests on free user slots", func() {
			cpu := &gputype.GPUType{Tag: "cpu", CPUsPerNode: 64, MaxReservable: 1}
			Expect(scheduling.CheckAdmission(cpu, scheduling.Request{}, limits)).To(Succeed())
		})
		It("should report contention when every CPU slot is taken", func() {
			cpu := &gputype.GPUType{Tag: "cpu", CPUsPerNode: 64, MaxReservable: 0}
			err := scheduling.CheckAdmission(cpu, scheduling.Request{}, limits)
			Expect(errors.IsContention(err)).To(BeTrue())
		})
		It("should fatally reject multi-node CPU requests", func() {
			cpu := &gputype.GPUType{Tag: "cpu", CPUsPerNode: 64, MaxReservable: 1}
			err := scheduling.CheckAdmission(cpu, scheduling.Request{IsMultinode: true, TotalNodes: 2}, limits)
			Expect(errors.IsUserFatal(err)).To(BeTrue())
		})
	})

	Context("Compute", func() {
		It("should subtract measured usage from in-service capacity", func() {
			availability := scheduling.Compute(h100(0, 0, 0), 2, []scheduling.NodeUsage{
				{Name: "node-a", UsedGPUs: 8, UserCount: 1},
				{Name: "node-b", UsedGPUs: 3, UserCount: 2},
			}, policy)
			Expect(availability.TotalClusterGPUs).To(Equal(16))
			Expect(availability.AvailableGPUs).To(Equal(5))
			Expect(availability.FullNodesAvailable).To(Equal(0))
			Expect(availability.MaxReservable).To(Equal(5))
			Expect(availability.RunningInstances).To(Equal(2))
		})
		It("should treat unregistered in-service instances as full nodes", func() {
			availability := scheduling.Compute(h100(0, 0, 0), 3, []scheduling.NodeUsage{
				{Name: "node-a", UsedGPUs: 8, UserCount: 1},
			}, policy)
			Expect(availability.TotalClusterGPUs).To(Equal(24))
			Expect(availability.AvailableGPUs).To(Equal(16))
			Expect(availability.FullNodesAvailable).To(Equal(2))
			// High-end tags may span full nodes, so both free nodes count.
			Expect(availability.MaxReservable).To(Equal(16))
		})
		It("should cap non-high-end tags at a single node", func() {
			gt := &gputype.GPUType{Tag: "l4", MaxGPUsPerNode: 4}
			availability := scheduling.Compute(gt, 3, nil, policy)
			Expect(availability.AvailableGPUs).To(Equal(12))
			Expect(availability.MaxReservable).To(Equal(4))
		})
		It("should floor availability at zero when usage overshoots", func() {
			availability := scheduling.Compute(h100(0, 0, 0), 1, []scheduling.NodeUsage{
				{Name: "node-a", UsedGPUs: 8},
				{Name: "node-b", UsedGPUs: 8},
			}, policy)
			Expect(availability.AvailableGPUs).To(Equal(0))
		})
		It("should count CPU capacity in free user slots", func() {
			cpu := &gputype.GPUType{Tag: "cpu", CPUsPerNode: 64}
			availability := scheduling.Compute(cpu, 2, []scheduling.NodeUsage{
				{Name: "node-a", UserCount: 3},
				{Name: "node-b", UserCount: 1},
			}, policy)
			Expect(availability.AvailableGPUs).To(Equal(2))
			Expect(availability.MaxReservable).To(Equal(1))
			Expect(availability.TotalClusterGPUs).To(Equal(0))
		})
	})
})
