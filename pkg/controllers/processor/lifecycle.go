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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/database/store"
	"github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/queue/messages"
	"github.com/stackpod/reserver/pkg/reservation"
)

// cancel terminates the reservation and, for a multi-node master, the whole
// sibling group. Cancelling an already-terminal reservation is a no-op so the
// message can always be consumed.
func (c *Controller) cancel(ctx context.Context, msg messages.Cancel) error {
	r, err := c.reservations.Get(ctx, msg.ReservationID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			logging.FromContext(ctx).Debugf("cancel for unknown reservation %s", msg.ReservationID)
			return nil
		}
		return err
	}
	targets, err := c.groupTargets(ctx, r)
	if err != nil {
		return err
	}
	var errs error
	for _, target := range targets {
		errs = multierr.Append(errs, c.terminate(ctx, target, reservation.StatusCancelled, "cancelled by user"))
	}
	if errs != nil {
		return errs
	}
	c.auditEvent(ctx, msg.UserID, "reservation_cancelled", "terminated on user request", "reservation", r.ID, nil)
	return nil
}

// extend pushes the expiry out by the requested hours, bounded per extension
// and by the absolute launch-to-expiry cap. A multi-node extension goes
// through the master and moves every sibling's expiry together.
func (c *Controller) extend(ctx context.Context, msg messages.Extend) error {
	r, err := c.reservations.Get(ctx, msg.ReservationID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.NewUserError("reservation %s not found", msg.ReservationID)
		}
		return err
	}
	if r.Status != reservation.StatusActive {
		return errors.NewUserError("reservation %s is %s, only active reservations can be extended", r.ID, r.Status)
	}
	if r.IsMultinode && !r.IsMaster() {
		return errors.NewUserError("extend the master reservation %s to extend the group", r.MasterReservationID)
	}
	if msg.Hours <= 0 || msg.Hours > c.opts.ExtensionMaxHours {
		return errors.NewUserError("extension must be between 0 and %g hours", c.opts.ExtensionMaxHours)
	}
	if r.ExpiryTime == nil || r.LaunchTime == nil {
		return fmt.Errorf("reservation %s is active without launch or expiry time", r.ID)
	}
	newExpiry := r.ExpiryTime.Add(time.Duration(msg.Hours * float64(time.Hour)))
	latest := r.LaunchTime.Add(time.Duration(c.opts.TotalMaxHours * float64(time.Hour)))
	if newExpiry.After(latest) {
		return errors.NewUserError("extension exceeds the %g hour total limit, latest allowed expiry is %s",
			c.opts.TotalMaxHours, latest.Format(time.RFC3339))
	}

	targets, err := c.groupTargets(ctx, r)
	if err != nil {
		return err
	}
	detail := fmt.Sprintf("extended by %g hours", msg.Hours)
	var errs error
	for _, target := range targets {
		errs = multierr.Append(errs, c.reservations.SetExpiry(ctx, target.ID, newExpiry, detail))
	}
	if errs != nil {
		return errs
	}
	c.auditEvent(ctx, msg.UserID, "reservation_extended", detail, "reservation", r.ID,
		map[string]interface{}{"new_expiry": newExpiry.Format(time.RFC3339)})
	return nil
}

func (c *Controller) enableJupyter(ctx context.Context, msg messages.EnableJupyter) error {
	r, err := c.reservations.Get(ctx, msg.ReservationID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.NewUserError("reservation %s not found", msg.ReservationID)
		}
		return err
	}
	if r.Status != reservation.StatusActive {
		return errors.NewUserError("reservation %s is %s, jupyter requires an active reservation", r.ID, r.Status)
	}
	if r.Jupyter.Enabled && r.Jupyter.URL != "" {
		return nil
	}
	if err := c.configureJupyter(ctx, r.ID, r.PodName, r.NodeIP); err != nil {
		return err
	}
	c.auditEvent(ctx, msg.UserID, "jupyter_enabled", "notebook server started", "reservation", r.ID, nil)
	return nil
}

func (c *Controller) disableJupyter(ctx context.Context, msg messages.DisableJupyter) error {
	r, err := c.reservations.Get(ctx, msg.ReservationID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.NewUserError("reservation %s not found", msg.ReservationID)
		}
		return err
	}
	if !r.Jupyter.Enabled {
		return nil
	}
	if r.Status == reservation.StatusActive {
		if _, err := c.gateway.Exec(ctx, r.PodName, cluster.MainContainerName,
			[]string{"/usr/local/bin/stop-jupyter"}); err != nil {
			return fmt.Errorf("stopping jupyter in pod %s, %w", r.PodName, err)
		}
	}
	if err := c.reservations.SetJupyter(ctx, r.ID, reservation.Jupyter{}); err != nil {
		return err
	}
	c.auditEvent(ctx, msg.UserID, "jupyter_disabled", "notebook server stopped", "reservation", r.ID, nil)
	return nil
}

// configureJupyter starts the notebook server inside the workspace container
// and persists the access URL. A start failure is recorded on the jupyter
// sub-state so the owner can see why the notebook never came up.
func (c *Controller) configureJupyter(ctx context.Context, id, podName, nodeIP string) error {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := c.gateway.Exec(ctx, podName, cluster.MainContainerName, []string{
		"/usr/local/bin/start-jupyter",
		"--port", strconv.Itoa(cluster.JupyterPort),
		"--token", token,
	}); err != nil {
		if setErr := c.reservations.SetJupyter(ctx, id, reservation.Jupyter{Error: err.Error()}); setErr != nil {
			logging.FromContext(ctx).Errorf("recording jupyter error for reservation %s, %v", id, setErr)
		}
		return fmt.Errorf("starting jupyter in pod %s, %w", podName, err)
	}
	port := cluster.JupyterHostPort(id)
	return c.reservations.SetJupyter(ctx, id, reservation.Jupyter{
		Enabled: true,
		URL:     fmt.Sprintf("http://%s:%d/?token=%s", nodeIP, port, token),
		Port:    port,
		Token:   token,
	})
}

// addUser fetches the extra identity's public keys and appends them to the
// workspace's authorized keys. The grant applies to this reservation only and
// never cascades to siblings.
func (c *Controller) addUser(ctx context.Context, msg messages.AddUser) error {
	r, err := c.reservations.Get(ctx, msg.ReservationID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.NewUserError("reservation %s not found", msg.ReservationID)
		}
		return err
	}
	if r.Status != reservation.StatusActive {
		return errors.NewUserError("reservation %s is %s, users can only be added to an active reservation", r.ID, r.Status)
	}
	keys, err := c.keys.KeysFor(ctx, msg.GithubUser)
	if err != nil {
		return err
	}
	if _, err := c.gateway.Exec(ctx, r.PodName, cluster.MainContainerName, []string{
		"/usr/local/bin/grant-access",
		"--user", msg.GithubUser,
		"--keys", strings.Join(keys, "\n"),
	}); err != nil {
		return fmt.Errorf("granting access in pod %s, %w", r.PodName, err)
	}
	if err := c.reservations.AddSecondaryUser(ctx, r.ID, msg.GithubUser); err != nil {
		return err
	}
	c.auditEvent(ctx, msg.UserID, "user_added", fmt.Sprintf("granted SSH access to %s", msg.GithubUser), "reservation", r.ID, nil)
	return nil
}

// groupTargets resolves the set of rows an operation applies to: the row
// itself, plus every sibling when it is a multi-node master.
func (c *Controller) groupTargets(ctx context.Context, r *reservation.Reservation) ([]*reservation.Reservation, error) {
	targets := []*reservation.Reservation{r}
	if !r.IsMaster() {
		return targets, nil
	}
	siblings, err := c.reservations.ListSiblings(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	for _, sibling := range siblings {
		if sibling.ID != r.ID {
			targets = append(targets, sibling)
		}
	}
	return targets, nil
}

// terminate drives one row to a terminal status and tears down what it owns:
// the status flips first so a crash mid-teardown leaves a terminal row whose
// cleanup a redelivery or the expiry engine's orphan sweep finishes, rather
// than a live pod billed to a dead row.
func (c *Controller) terminate(ctx context.Context, r *reservation.Reservation, status reservation.Status, detail string) error {
	if !r.Status.IsTerminal() {
		if err := c.reservations.Terminate(ctx, r.ID, status, detail); err != nil {
			return err
		}
	}
	if r.CleanupDone {
		return nil
	}
	if r.PodName != "" {
		if err := errors.IgnoreNotFound(c.gateway.DeletePod(ctx, r.PodName)); err != nil {
			return err
		}
	}
	if r.VolumeID != "" {
		if err := c.releaseVolume(ctx, r.VolumeID); err != nil {
			return err
		}
	}
	return c.reservations.MarkCleanedUp(ctx, r.ID)
}

// releaseVolume snapshots the volume before detaching it so the workspace
// contents survive the pod, then unbinds it for reuse.
func (c *Controller) releaseVolume(ctx context.Context, volumeID string) error {
	v, err := c.volumes.Get(ctx, volumeID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if v.CloudVolumeID != "" {
		if _, err := c.cloudProvider.CreateSnapshot(ctx, v.CloudVolumeID,
			fmt.Sprintf("snapshot of %s on release", v.Name)); err != nil {
			// Detach anyway; the volume itself still holds the data.
			logging.FromContext(ctx).Errorf("snapshotting volume %s on release, %v", v.Name, err)
		} else if err := c.volumes.AdjustPendingSnapshots(ctx, v.ID, 1); err != nil {
			logging.FromContext(ctx).Errorf("recording pending snapshot for volume %s, %v", v.Name, err)
		}
	}
	return c.volumes.Release(ctx, v.ID, c.clk.Now())
}

// auditEvent appends an investigation record. Audit writes are best-effort
// and never fail the operation that produced them.
func (c *Controller) auditEvent(ctx context.Context, userID, eventType, action, resourceType, resourceID string, details map[string]interface{}) {
	if err := c.audit.Insert(ctx, store.AuditEntry{
		UserID:       userID,
		EventType:    eventType,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Timestamp:    c.clk.Now(),
	}); err != nil {
		logging.FromContext(ctx).Errorf("recording audit event %s, %v", eventType, err)
	}
}
