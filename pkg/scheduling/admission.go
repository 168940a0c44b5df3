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
	"github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/gputype"
)

// Request is one reservation's capacity ask, evaluated against the locked
// GPU-type row at admission time.
type Request struct {
	GPUCount    int
	IsMultinode bool
	TotalNodes  int
}

// Limits is the admission policy configuration.
type Limits struct {
	MaxMultinodeNodes int
}

// CheckAdmission decides whether the request fits right now. Capacity
// shortfalls are contention (the message stays queued); structural problems
// with the request are user-fatal.
func CheckAdmission(gt *gputype.GPUType, req Request, limits Limits) error {
	if req.GPUCount < 0 {
		return errors.NewUserError("gpu count may not be negative")
	}
	if req.IsMultinode {
		return checkMultinode(gt, req, limits)
	}
	if !gt.IsCPU() && req.GPUCount > gt.MaxGPUsPerNode {
		return errors.NewUserError("%d GPUs exceed the %d available on a single %s node; request a multi-node reservation",
			req.GPUCount, gt.MaxGPUsPerNode, gt.Tag)
	}
	if gt.IsCPU() {
		// CPU tags are admitted on user slots; max_reservable carries the
		// free-slot signal computed by the availability reconciler.
		if gt.MaxReservable < 1 {
			return errors.NewContentionError("no free user slots on %s nodes", gt.Tag)
		}
		return nil
	}
	if req.GPUCount > gt.AvailableGPUs {
		return errors.NewContentionError("insufficient capacity for %s: requested %d, available %d",
			gt.Tag, req.GPUCount, gt.AvailableGPUs)
	}
	return nil
}

func checkMultinode(gt *gputype.GPUType, req Request, limits Limits) error {
	if gt.IsCPU() {
		return errors.NewUserError("multi-node reservations are not supported for CPU type %s", gt.Tag)
	}
	if gt.MaxGPUsPerNode == 0 || req.GPUCount%gt.MaxGPUsPerNode != 0 {
		return errors.NewUserError("multi-node reservations must request whole nodes (%d GPUs each)", gt.MaxGPUsPerNode)
	}
	nodes := req.GPUCount / gt.MaxGPUsPerNode
	if nodes > limits.MaxMultinodeNodes {
		return errors.NewUserError("multi-node reservations are limited to %d nodes, requested %d", limits.MaxMultinodeNodes, nodes)
	}
	if nodes > gt.FullNodesAvailable {
		return errors.NewContentionError("insufficient full nodes for %s: requested %d, available %d",
			gt.Tag, nodes, gt.FullNodesAvailable)
	}
	return nil
}
