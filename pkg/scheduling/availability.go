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

package scheduling

import (
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/stackpod/reserver/pkg/gputype"
)

// NodeUsage is one labelled node's measured consumption: GPUs requested by
// running pods, or occupied user slots for CPU tags.
type NodeUsage struct {
	Name      string
	UsedGPUs  int
	UserCount int
}

// Policy configures the max-reservable computation.
type Policy struct {
	HighEndTags       sets.Set[string]
	MaxMultinodeNodes int
	CPUUsersPerNode   int
}

// Availability is the snapshot written back to the GPU-type row.
type Availability struct {
	TotalClusterGPUs   int
	AvailableGPUs      int
	MaxReservable      int
	FullNodesAvailable int
	RunningInstances   int
}

// Compute reconciles one GPU type against cluster truth. instances is the
// summed InService count of the matching auto-scaling groups; nodes is the
// per-node usage observed through the orchestration API.
func Compute(gt *gputype.GPUType, instances int, nodes []NodeUsage, policy Policy) Availability {
	if gt.IsCPU() {
		return computeCPU(nodes, instances, policy)
	}
	used := lo.SumBy(nodes, func(n NodeUsage) int { return n.UsedGPUs })
	total := instances * gt.MaxGPUsPerNode
	available := total - used
	if available < 0 {
		available = 0
	}
	fullNodes := lo.CountBy(nodes, func(n NodeUsage) bool { return n.UsedGPUs == 0 })
	// Nodes the cloud reports in service but the cluster has not registered
	// yet count as full; their capacity is already in total.
	if extra := instances - len(nodes); extra > 0 {
		fullNodes += extra
	}
	maxOnSingleNode := 0
	for _, n := range nodes {
		if free := n.freeGPUs(gt.MaxGPUsPerNode); free > maxOnSingleNode {
			maxOnSingleNode = free
		}
	}
	// An in-service instance the cluster has not registered yet is entirely
	// free.
	if len(nodes) < instances {
		maxOnSingleNode = gt.MaxGPUsPerNode
	}
	maxReservable := maxOnSingleNode
	if policy.HighEndTags.Has(gt.Tag) {
		multinode := lo.Min([]int{policy.MaxMultinodeNodes, fullNodes}) * gt.MaxGPUsPerNode
		maxReservable = lo.Max([]int{multinode, maxOnSingleNode})
	}
	return Availability{
		TotalClusterGPUs:   total,
		AvailableGPUs:      available,
		MaxReservable:      lo.Min([]int{maxReservable, total}),
		FullNodesAvailable: fullNodes,
		RunningInstances:   instances,
	}
}

// computeCPU treats CPU tags as slot capacity: a node is reservable while it
// has fewer than CPUUsersPerNode users on it.
func computeCPU(nodes []NodeUsage, instances int, policy Policy) Availability {
	freeSlots := lo.SumBy(nodes, func(n NodeUsage) int {
		if free := policy.CPUUsersPerNode - n.UserCount; free > 0 {
			return free
		}
		return 0
	})
	if extra := instances - len(nodes); extra > 0 {
		freeSlots += extra * policy.CPUUsersPerNode
	}
	fullNodes := lo.CountBy(nodes, func(n NodeUsage) bool { return n.UserCount == 0 })
	if extra := instances - len(nodes); extra > 0 {
		fullNodes += extra
	}
	return Availability{
		TotalClusterGPUs:   0,
		AvailableGPUs:      freeSlots,
		MaxReservable:      lo.Ternary(freeSlots > 0, 1, 0),
		FullNodesAvailable: fullNodes,
		RunningInstances:   instances,
	}
}

func (n NodeUsage) freeGPUs(perNode int) int {
	if free := perNode - n.UsedGPUs; free > 0 {
		return free
	}
	return 0
}
