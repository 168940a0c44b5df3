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

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/database/store"
	"github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/gputype"
	"github.com/stackpod/reserver/pkg/queue/messages"
	"github.com/stackpod/reserver/pkg/reservation"
	"github.com/stackpod/reserver/pkg/scheduling"
)

const crashLoopRestartLimit = 3

// reserve drives one reservation from queued to active. Every step is
// idempotent keyed on the reservation id, so a redelivered message resumes
// where the previous delivery stopped.
func (c *Controller) reserve(ctx context.Context, msg messages.Reserve) error {
	r, err := c.reservations.Get(ctx, msg.ReservationID)
	if err != nil {
		if !stderrors.Is(err, store.ErrNotFound) {
			return err
		}
		r = reservationFromMessage(msg, c.clk.Now())
		if err := c.reservations.Create(ctx, r); err != nil {
			return err
		}
	}
	if r.Status.IsTerminal() || r.Status == reservation.StatusActive {
		return nil
	}
	if msg.DurationHours <= 0 || msg.DurationHours > c.opts.ReservationMaxHours {
		return errors.NewUserError("duration must be between 0 and %g hours", c.opts.ReservationMaxHours)
	}

	if r.Status == reservation.StatusQueued {
		guard := func(gt *gputype.GPUType) error {
			return scheduling.CheckAdmission(gt, scheduling.Request{
				GPUCount:    msg.GPUCount,
				IsMultinode: msg.IsMultinode,
				TotalNodes:  msg.TotalNodes,
			}, scheduling.Limits{MaxMultinodeNodes: c.opts.MaxMultinodeNodes})
		}
		if err := c.reservations.Admit(ctx, r.ID, msg.GPUType, msg.GPUCount, guard); err != nil {
			return err
		}
		r.Status = reservation.StatusPending
		admittedReservations.WithLabelValues(msg.GPUType).Inc()
		c.auditEvent(ctx, msg.UserID, "reservation_admitted", "admitted against available capacity", "reservation", r.ID, nil)
	}

	claimName := ""
	if msg.DiskName != "" {
		v, err := c.volumes.AcquireForReservation(ctx, msg.UserID, msg.DiskName, r.ID)
		if err != nil {
			return err
		}
		// The row must know which volume it holds before the pod exists, or
		// teardown has nothing to release.
		if err := c.reservations.SetVolume(ctx, r.ID, v.ID); err != nil {
			return err
		}
		r.VolumeID = v.ID
		claimName = cluster.VolumeClaimName(v.UserID, v.Name)
	}

	var authorizedKeys []string
	if msg.GithubUser != "" {
		if authorizedKeys, err = c.keys.KeysFor(ctx, msg.GithubUser); err != nil {
			return err
		}
	}
	gt, err := c.gpuTypes.Get(ctx, msg.GPUType)
	if err != nil {
		return err
	}

	pod, err := cluster.BuildPod(cluster.PodRequest{
		ReservationID:      r.ID,
		UserID:             msg.UserID,
		GPUType:            gt,
		GPUCount:           msg.GPUCount,
		Image:              msg.Image,
		EnvVars:            msg.EnvVars,
		PreserveEntrypoint: msg.PreserveEntrypoint,
		AuthorizedKeys:     authorizedKeys,
		ClaimName:          claimName,
		NodeLabelKey:       c.opts.NodeGPUTypeLabelKey,
		CPUUsersPerNode:    c.opts.CPUUsersPerNode,
	})
	if err != nil {
		return err
	}
	if _, err := c.gateway.EnsurePod(ctx, pod); err != nil {
		return err
	}

	return c.awaitReady(ctx, r, msg, pod.Name)
}

// awaitReady tracks the pod through scheduling and readiness, moving the
// reservation to preparing when it lands on a node and to active once the
// SSH port answers. Timeouts and pod failures drive the row to failed and
// consume the message.
func (c *Controller) awaitReady(ctx context.Context, r *reservation.Reservation, msg messages.Reserve, podName string) error {
	scheduled, err := c.awaitPod(ctx, podName, c.opts.AdmitTimeout, func(pod *corev1.Pod) bool {
		return pod.Spec.NodeName != ""
	})
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			c.markFailed(ctx, r.ID, "admission timeout", fmt.Sprintf("pod not scheduled within %s", c.opts.AdmitTimeout))
			return nil
		}
		return err
	}
	if failErr := c.podFailure(scheduled); failErr != "" {
		c.markFailed(ctx, r.ID, "pod failed during startup", failErr)
		return nil
	}

	if r.Status == reservation.StatusPending {
		node, err := c.gateway.GetNode(ctx, scheduled.Spec.NodeName)
		if err != nil {
			return err
		}
		launch := c.clk.Now()
		expiry := launch.Add(time.Duration(msg.DurationHours * float64(time.Hour)))
		if err := c.reservations.SetScheduled(ctx, r.ID, store.Placement{
			PodName:       podName,
			Namespace:     c.opts.Namespace,
			NodeIP:        nodeAddress(node, corev1.NodeExternalIP),
			NodePort:      cluster.SSHPort(r.ID),
			PrivateNodeIP: nodeAddress(node, corev1.NodeInternalIP),
		}, launch, expiry); err != nil {
			return err
		}
	}

	ready, err := c.awaitPod(ctx, podName, c.opts.PrepareTimeout, podReady)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			c.markFailed(ctx, r.ID, "prepare timeout", fmt.Sprintf("pod not ready within %s", c.opts.PrepareTimeout))
			return nil
		}
		return err
	}
	if failErr := c.podFailure(ready); failErr != "" {
		c.markFailed(ctx, r.ID, "pod failed during startup", failErr)
		return nil
	}

	current, err := c.reservations.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := c.probe(ctx, fmt.Sprintf("%s:%d", current.NodeIP, current.NodePort)); err != nil {
		return fmt.Errorf("reachability probe for reservation %s, %w", r.ID, err)
	}
	if err := c.reservations.SetActive(ctx, r.ID, "pod ready and reachable"); err != nil {
		return err
	}
	activeReservations.WithLabelValues(msg.GPUType).Inc()
	if msg.JupyterEnabled {
		// Best effort; the sub-state records its own error on failure.
		if err := c.configureJupyter(ctx, r.ID, podName, current.NodeIP); err != nil {
			logging.FromContext(ctx).Errorf("configuring jupyter for reservation %s, %v", r.ID, err)
		}
	}
	c.auditEvent(ctx, msg.UserID, "reservation_active", "reservation became reachable", "reservation", r.ID, nil)
	return nil
}

// awaitPod polls the pod until the condition holds, a terminal pod state is
// observed, or the window closes.
func (c *Controller) awaitPod(ctx context.Context, podName string, timeout time.Duration, condition func(*corev1.Pod) bool) (*corev1.Pod, error) {
	var observed *corev1.Pod
	interval := wait.Jitter(c.podPollInterval, 0.5)
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := c.gateway.GetPod(ctx, podName)
		if err != nil {
			// Transient read blips should not burn the whole window.
			logging.FromContext(ctx).Debugf("polling pod %s, %v", podName, err)
			return false, nil
		}
		observed = pod
		if c.podFailure(pod) != "" {
			return true, nil
		}
		return condition(pod), nil
	})
	if err != nil {
		return nil, err
	}
	return observed, nil
}

// podFailure returns a diagnostic string when the pod has terminally failed
// or is crash-looping, empty otherwise.
func (c *Controller) podFailure(pod *corev1.Pod) string {
	if pod == nil {
		return ""
	}
	if pod.Status.Phase == corev1.PodFailed {
		return fmt.Sprintf("pod failed: %s", pod.Status.Reason)
	}
	for _, status := range pod.Status.ContainerStatuses {
		if status.RestartCount >= crashLoopRestartLimit {
			return fmt.Sprintf("container %s restarted %d times", status.Name, status.RestartCount)
		}
		if waiting := status.State.Waiting; waiting != nil && waiting.Reason == "ImagePullBackOff" {
			return fmt.Sprintf("container %s cannot pull image: %s", status.Name, waiting.Message)
		}
	}
	return ""
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}

func nodeAddress(node *corev1.Node, addressType corev1.NodeAddressType) string {
	for _, address := range node.Status.Addresses {
		if address.Type == addressType {
			return address.Address
		}
	}
	// Fall back to the internal address for clusters without public IPs.
	for _, address := range node.Status.Addresses {
		if address.Type == corev1.NodeInternalIP {
			return address.Address
		}
	}
	return ""
}

func reservationFromMessage(msg messages.Reserve, now time.Time) *reservation.Reservation {
	return &reservation.Reservation{
		ID:                  msg.ReservationID,
		UserID:              msg.UserID,
		Status:              reservation.StatusQueued,
		GPUType:             msg.GPUType,
		GPUCount:            msg.GPUCount,
		InstanceType:        msg.InstanceType,
		DurationHours:       msg.DurationHours,
		Image:               msg.Image,
		CreatedAt:           now,
		DiskName:            msg.DiskName,
		EnvVars:             msg.EnvVars,
		PreserveEntrypoint:  msg.PreserveEntrypoint,
		GithubUser:          msg.GithubUser,
		Jupyter:             reservation.Jupyter{Enabled: msg.JupyterEnabled},
		IsMultinode:         msg.IsMultinode,
		MasterReservationID: msg.MasterReservationID,
		NodeIndex:           msg.NodeIndex,
		TotalNodes:          msg.TotalNodes,
		StatusHistory: []reservation.HistoryEntry{{
			Status:    reservation.StatusQueued,
			Timestamp: now,
			Detail:    "reservation request received",
		}},
	}
}
