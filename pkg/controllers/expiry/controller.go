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

// Package expiry walks the active reservations on a short cadence: it emits
// the pre-expiry warning ladder, enforces the OOM rate limit, tears down
// reservations past their expiry, and purges soft-deleted volumes past their
// retention window.
package expiry

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cloud"
	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/database/store"
	"github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/operator/options"
	"github.com/stackpod/reserver/pkg/reservation"
	"github.com/stackpod/reserver/pkg/volume"
)

type Controller struct {
	clk           clock.Clock
	reservations  store.Reservations
	volumes       store.Volumes
	audit         store.Audit
	gateway       cluster.Gateway
	cloudProvider cloud.Provider
	opts          *options.Options
}

func NewController(clk clock.Clock, reservations store.Reservations, volumes store.Volumes,
	audit store.Audit, gateway cluster.Gateway, cloudProvider cloud.Provider, opts *options.Options) *Controller {

	return &Controller{
		clk:           clk,
		reservations:  reservations,
		volumes:       volumes,
		audit:         audit,
		gateway:       gateway,
		cloudProvider: cloudProvider,
		opts:          opts,
	}
}

func (c *Controller) Start(ctx context.Context) error {
	for {
		if err := c.Tick(ctx); err != nil {
			logging.FromContext(ctx).Errorf("running expiry pass, %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.clk.After(c.opts.ExpiryTickInterval):
		}
	}
}

// Tick runs one pass. Each phase is independent and every per-reservation
// action is idempotent, so a crash mid-pass just means the next tick redoes
// some no-ops.
func (c *Controller) Tick(ctx context.Context) error {
	return multierr.Combine(
		c.expireReservations(ctx),
		c.sweepOrphans(ctx),
		c.patrolActive(ctx),
		c.purgeVolumes(ctx),
	)
}

func (c *Controller) expireReservations(ctx context.Context) error {
	expired, err := c.reservations.ListExpired(ctx, c.clk.Now())
	if err != nil {
		return err
	}
	var errs error
	for _, r := range expired {
		if err := c.teardown(ctx, r, reservation.StatusExpired, "reservation duration elapsed"); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		expiredReservations.Inc()
		logging.FromContext(ctx).Infow("expired reservation", "reservation", r.ID, "user", r.UserID)
	}
	return errs
}

// patrolActive walks the active reservations once, applying the warning
// ladder and the OOM rate limit to each.
func (c *Controller) patrolActive(ctx context.Context) error {
	active, err := c.reservations.ListActive(ctx)
	if err != nil {
		return err
	}
	now := c.clk.Now()
	var errs error
	for _, r := range active {
		errs = multierr.Append(errs, c.checkWarnings(ctx, r, now))
		errs = multierr.Append(errs, c.checkOOM(ctx, r, now))
	}
	return errs
}

// sweepOrphans finishes the cleanup of terminal rows whose pod delete or
// volume release did not complete after the status committed, so a pod never
// outlives its row by more than a tick.
func (c *Controller) sweepOrphans(ctx context.Context) error {
	pending, err := c.reservations.ListCleanupPending(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, r := range pending {
		errs = multierr.Append(errs, c.teardown(ctx, r, r.Status, "finishing interrupted cleanup"))
	}
	return errs
}

// teardown drives the row terminal before touching the cluster, then clears
// the pod and volume and stamps the row cleaned up. A teardown that dies
// after the status committed leaves the row for sweepOrphans.
func (c *Controller) teardown(ctx context.Context, r *reservation.Reservation, status reservation.Status, detail string) error {
	if !r.Status.IsTerminal() {
		if err := c.reservations.Terminate(ctx, r.ID, status, detail); err != nil {
			return err
		}
		c.auditEvent(ctx, r.UserID, fmt.Sprintf("reservation_%s", status), detail, "reservation", r.ID)
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

// auditEvent appends an investigation record. Audit writes are best-effort
// and never fail the pass that produced them.
func (c *Controller) auditEvent(ctx context.Context, userID, eventType, action, resourceType, resourceID string) {
	if err := c.audit.Insert(ctx, store.AuditEntry{
		UserID:       userID,
		EventType:    eventType,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    c.clk.Now(),
	}); err != nil {
		logging.FromContext(ctx).Errorf("recording audit event %s, %v", eventType, err)
	}
}

// releaseVolume snapshots the detaching volume so the workspace contents
// outlive the pod, then unbinds it.
func (c *Controller) releaseVolume(ctx context.Context, volumeID string) error {
	v, err := c.volumes.Get(ctx, volumeID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !v.InUse {
		return nil
	}
	if v.CloudVolumeID != "" {
		if _, err := c.cloudProvider.CreateSnapshot(ctx, v.CloudVolumeID,
			fmt.Sprintf("snapshot of %s on expiry", v.Name)); err != nil {
			logging.FromContext(ctx).Errorf("snapshotting volume %s on expiry, %v", v.Name, err)
		} else if err := c.volumes.AdjustPendingSnapshots(ctx, v.ID, 1); err != nil {
			logging.FromContext(ctx).Errorf("recording pending snapshot for volume %s, %v", v.Name, err)
		}
	}
	return c.volumes.Release(ctx, v.ID, c.clk.Now())
}

// purgeVolumes hard-deletes soft-deleted volumes whose retention window has
// lapsed: the cloud volume goes first, then the claim, then the row, so a
// partial purge is retried rather than leaking the cloud volume.
func (c *Controller) purgeVolumes(ctx context.Context) error {
	due, err := c.volumes.ListPurgeDue(ctx, c.clk.Now())
	if err != nil {
		return err
	}
	var errs error
	for _, v := range due {
		if err := c.purgeVolume(ctx, v); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		purgedVolumes.Inc()
		logging.FromContext(ctx).Infow("purged volume", "volume", v.Name, "user", v.UserID)
	}
	return errs
}

func (c *Controller) purgeVolume(ctx context.Context, v *volume.Volume) error {
	if v.CloudVolumeID != "" {
		if err := errors.IgnoreNotFound(c.cloudProvider.DeleteVolume(ctx, v.CloudVolumeID)); err != nil {
			return err
		}
	}
	if err := c.gateway.DeleteVolumeClaim(ctx, cluster.VolumeClaimName(v.UserID, v.Name)); err != nil {
		return err
	}
	return c.volumes.HardDelete(ctx, v.ID)
}
