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

	"k8s.io/apimachinery/pkg/util/wait"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/database/store"
	"github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/queue/messages"
	"github.com/stackpod/reserver/pkg/volume"
)

const (
	maxDiskSizeGiB   = 16384
	provisionTimeout = 5 * time.Minute
)

// diskCreate provisions a block volume through the cluster's storage driver
// and registers it in the catalog. The producer polls the operation columns,
// so every exit path stamps a terminal operation status or leaves the message
// for redelivery.
func (c *Controller) diskCreate(ctx context.Context, msg messages.DiskCreate) error {
	if msg.SizeGiB <= 0 || msg.SizeGiB > maxDiskSizeGiB {
		return errors.NewUserError("disk size must be between 1 and %d GiB", maxDiskSizeGiB)
	}
	existing, err := c.volumes.GetByName(ctx, msg.UserID, msg.DiskName)
	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil {
		// Redelivery after the row was inserted; just complete the operation.
		return c.volumes.SetOperation(ctx, existing.ID, msg.OperationID, volume.OperationCompleted, "")
	}

	claim := cluster.VolumeClaimName(msg.UserID, msg.DiskName)
	if err := c.gateway.CreateVolumeClaim(ctx, claim, msg.SizeGiB, c.opts.VolumeStorageClass); err != nil {
		return err
	}
	cloudVolumeID, err := c.awaitClaimBound(ctx, claim)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("claim %s not bound within %s", claim, provisionTimeout)
		}
		return err
	}

	v := &volume.Volume{
		UserID:          msg.UserID,
		Name:            msg.DiskName,
		SizeGiB:         msg.SizeGiB,
		CloudVolumeID:   cloudVolumeID,
		OperationID:     msg.OperationID,
		OperationStatus: volume.OperationInProgress,
	}
	id, err := c.volumes.Insert(ctx, v)
	if err != nil {
		return err
	}
	if err := c.volumes.SetOperation(ctx, id, msg.OperationID, volume.OperationCompleted, ""); err != nil {
		return err
	}
	c.auditEvent(ctx, msg.UserID, "disk_created", fmt.Sprintf("provisioned %d GiB volume", msg.SizeGiB), "volume", id,
		map[string]interface{}{"cloud_volume_id": cloudVolumeID})
	return nil
}

// diskDelete snapshots the volume and soft-deletes its row; the cloud volume
// survives until the retention window lapses and the expiry engine purges it.
func (c *Controller) diskDelete(ctx context.Context, msg messages.DiskDelete) error {
	// The lookup sees soft-deleted rows so a redelivery after a completed
	// soft-delete resolves idempotently instead of failing the operation.
	v, err := c.volumes.GetByNameAnyState(ctx, msg.UserID, msg.DiskName)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.NewUserError("disk %q not found", msg.DiskName)
		}
		return err
	}
	if v.IsDeleted {
		return c.volumes.SetOperation(ctx, v.ID, msg.OperationID, volume.OperationCompleted, "")
	}
	if v.InUse {
		reason := fmt.Sprintf("disk %q is attached to reservation %s, cancel it first", v.Name, v.ReservationID)
		if err := c.volumes.SetOperation(ctx, v.ID, msg.OperationID, volume.OperationFailed, reason); err != nil {
			return err
		}
		return errors.NewUserError("%s", reason)
	}
	if err := c.volumes.SetOperation(ctx, v.ID, msg.OperationID, volume.OperationInProgress, ""); err != nil {
		return err
	}
	if v.CloudVolumeID != "" {
		if _, err := c.cloudProvider.CreateSnapshot(ctx, v.CloudVolumeID,
			fmt.Sprintf("final snapshot of %s before deletion", v.Name)); err != nil {
			return fmt.Errorf("snapshotting volume %s before deletion, %w", v.Name, err)
		}
		if err := c.volumes.AdjustPendingSnapshots(ctx, v.ID, 1); err != nil {
			logging.FromContext(ctx).Errorf("recording pending snapshot for volume %s, %v", v.Name, err)
		}
	}
	deleteDate := c.clk.Now().AddDate(0, 0, c.opts.VolumeRetentionDays)
	if err := c.volumes.SoftDelete(ctx, v.ID, deleteDate); err != nil {
		return err
	}
	if err := c.volumes.SetOperation(ctx, v.ID, msg.OperationID, volume.OperationCompleted, ""); err != nil {
		return err
	}
	c.auditEvent(ctx, msg.UserID, "disk_deleted", "soft-deleted, retained until purge date", "volume", v.ID,
		map[string]interface{}{"delete_date": deleteDate.Format(time.RFC3339)})
	return nil
}

// awaitClaimBound polls until the storage driver binds the claim and exposes
// the cloud volume id behind it.
func (c *Controller) awaitClaimBound(ctx context.Context, claim string) (string, error) {
	var cloudVolumeID string
	err := wait.PollUntilContextTimeout(ctx, c.podPollInterval, provisionTimeout, true, func(ctx context.Context) (bool, error) {
		id, err := c.gateway.VolumeIDForClaim(ctx, claim)
		if err != nil {
			logging.FromContext(ctx).Debugf("polling claim %s, %v", claim, err)
			return false, nil
		}
		cloudVolumeID = id
		return id != "", nil
	})
	return cloudVolumeID, err
}
