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

package gputype

import "time"

// GPUType is one row of the GPU-type catalog. The static columns describe
// the instance family; the availability columns are overwritten by the
// availability reconciler and optimistically decremented at admission.
type GPUType struct {
	Tag            string
	InstanceFamily string
	MaxGPUsPerNode int
	CPUsPerNode    int
	MemoryGiB      int

	TotalClusterGPUs   int
	AvailableGPUs      int
	MaxReservable      int
	FullNodesAvailable int
	RunningInstances   int

	LastAvailabilityUpdate    *time.Time
	LastAvailabilityUpdatedBy string
}

// IsCPU reports whether the tag describes a CPU-only family (zero GPUs per
// node); those are admitted on user slots rather than GPU counts.
func (g *GPUType) IsCPU() bool {
	return g.MaxGPUsPerNode == 0
}
