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

package availability

import (
	"context"

	"go.uber.org/multierr"
	corev1 "k8s.io/api/core/v1"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/gputype"
	"github.com/stackpod/reserver/pkg/scheduling"
)

// reconcileGPUTypes recomputes the dynamic columns of every GPU type from
// the auto-scaling groups and the labelled nodes' measured usage. One type
// failing to reconcile does not stop the rest; stale rows simply keep their
// previous snapshot until the next pass.
func (c *Controller) reconcileGPUTypes(ctx context.Context) (int, error) {
	gpuTypes, err := c.gpuTypes.List(ctx)
	if err != nil {
		return 0, err
	}
	policy := scheduling.Policy{
		HighEndTags:       c.opts.HighEndTagSet(),
		MaxMultinodeNodes: c.opts.MaxMultinodeNodes,
		CPUUsersPerNode:   c.opts.CPUUsersPerNode,
	}
	updated := 0
	var errs error
	for _, gt := range gpuTypes {
		if err := c.reconcileGPUType(ctx, gt, policy); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		updated++
	}
	return updated, errs
}

func (c *Controller) reconcileGPUType(ctx context.Context, gt *gputype.GPUType, policy scheduling.Policy) error {
	instances, err := c.cloudProvider.InServiceInstances(ctx, gt.Tag)
	if err != nil {
		return err
	}
	nodes, err := c.nodeUsage(ctx, gt.Tag)
	if err != nil {
		return err
	}
	computed := scheduling.Compute(gt, instances, nodes, policy)

	gt.TotalClusterGPUs = computed.TotalClusterGPUs
	gt.AvailableGPUs = computed.AvailableGPUs
	gt.MaxReservable = computed.MaxReservable
	gt.FullNodesAvailable = computed.FullNodesAvailable
	gt.RunningInstances = computed.RunningInstances
	now := c.clk.Now()
	gt.LastAvailabilityUpdate = &now
	gt.LastAvailabilityUpdatedBy = updatedBy
	if err := c.gpuTypes.UpdateAvailability(ctx, gt); err != nil {
		return err
	}
	availableGPUs.WithLabelValues(gt.Tag).Set(float64(computed.AvailableGPUs))
	runningInstances.WithLabelValues(gt.Tag).Set(float64(computed.RunningInstances))
	logging.FromContext(ctx).Debugw("reconciled gpu type",
		"gpu-type", gt.Tag,
		"instances", instances,
		"available", computed.AvailableGPUs,
		"max-reservable", computed.MaxReservable,
	)
	return nil
}

// nodeUsage measures consumption on every node labelled with the tag: GPUs
// requested by live reservation pods, and the count of reservations sharing
// the node for CPU slot accounting.
func (c *Controller) nodeUsage(ctx context.Context, tag string) ([]scheduling.NodeUsage, error) {
	nodes, err := c.gateway.ListNodes(ctx, map[string]string{c.opts.NodeGPUTypeLabelKey: tag})
	if err != nil {
		return nil, err
	}
	usage := make([]scheduling.NodeUsage, 0, len(nodes))
	for _, node := range nodes {
		pods, err := c.gateway.ListPodsOnNode(ctx, node.Name)
		if err != nil {
			return nil, err
		}
		n := scheduling.NodeUsage{Name: node.Name}
		for i := range pods {
			pod := &pods[i]
			if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
				continue
			}
			if _, owned := pod.Labels[cluster.LabelReservationID]; !owned {
				continue
			}
			n.UserCount++
			n.UsedGPUs += podGPURequests(pod)
		}
		usage = append(usage, n)
	}
	return usage, nil
}

func podGPURequests(pod *corev1.Pod) int {
	total := 0
	for _, container := range pod.Spec.Containers {
		if quantity, ok := container.Resources.Requests[corev1.ResourceName(cluster.GPUResourceName)]; ok {
			total += int(quantity.Value())
		}
	}
	return total
}
