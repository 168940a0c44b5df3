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
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cloud"
	"github.com/stackpod/reserver/pkg/volume"
)

type volumeStats struct {
	adopted   int
	refreshed int
	vanished  int
}

// reconcileVolumes converges the volume catalog with the tagged cloud
// volumes. Cloud volumes with no row are adopted; rows whose backing volume
// vanished are unbound; rows present on both sides get the cloud-owned
// columns refreshed. Soft-deleted rows are left alone until the purge pass,
// and the binding columns stay DB-authoritative because cloud attachment
// state lags the reservation lifecycle.
func (c *Controller) reconcileVolumes(ctx context.Context) (volumeStats, error) {
	var stats volumeStats
	cloudVolumes, err := c.cloudProvider.ListVolumes(ctx)
	if err != nil {
		return stats, err
	}
	dbVolumes, err := c.volumes.List(ctx)
	if err != nil {
		return stats, err
	}
	byCloudID := lo.KeyBy(
		lo.Filter(dbVolumes, func(v *volume.Volume, _ int) bool { return v.CloudVolumeID != "" }),
		func(v *volume.Volume) string { return v.CloudVolumeID },
	)

	seen := map[string]bool{}
	var errs error
	for _, cv := range cloudVolumes {
		existing, ok := byCloudID[cv.ID]
		if !ok {
			errs = multierr.Append(errs, c.adoptVolume(ctx, cv, &stats))
			continue
		}
		seen[existing.ID] = true
		if existing.IsDeleted {
			continue
		}
		errs = multierr.Append(errs, c.refreshVolume(ctx, existing, cv, &stats))
	}
	for _, dv := range dbVolumes {
		if dv.CloudVolumeID == "" || dv.IsDeleted || seen[dv.ID] {
			continue
		}
		// The backing volume is gone out-of-band; unbind the row so nothing
		// tries to attach it.
		logging.FromContext(ctx).Warnw("cloud volume vanished", "volume", dv.Name, "cloud-volume-id", dv.CloudVolumeID)
		if err := c.volumes.Release(ctx, dv.ID, c.clk.Now()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		stats.vanished++
		vanishedVolumes.Inc()
	}
	return stats, errs
}

// adoptVolume inserts a catalog row for a tagged cloud volume the system has
// no record of, typically one created before the catalog existed or restored
// from a snapshot by hand.
func (c *Controller) adoptVolume(ctx context.Context, cv cloud.Volume, stats *volumeStats) error {
	name := cv.Name
	if name == "" {
		name = cv.ID
	}
	// The attachment state seeds in_use so an adopted volume that is still
	// mounted somewhere cannot be handed to a reservation. The instance id
	// behind the attachment maps to no reservation, so the binding stays
	// empty until the catalog observes one.
	if _, err := c.volumes.Insert(ctx, &volume.Volume{
		UserID:               cv.UserID,
		Name:                 name,
		SizeGiB:              cv.SizeGiB,
		CloudVolumeID:        cv.ID,
		InUse:                cv.Attached,
		SnapshotCount:        cv.SnapshotCount,
		PendingSnapshotCount: cv.PendingSnapshots,
		LastSnapshotAt:       cv.LastSnapshotAt,
	}); err != nil {
		return err
	}
	logging.FromContext(ctx).Infow("adopted cloud volume", "volume", name, "cloud-volume-id", cv.ID)
	stats.adopted++
	adoptedVolumes.Inc()
	return nil
}

func (c *Controller) refreshVolume(ctx context.Context, existing *volume.Volume, cv cloud.Volume, stats *volumeStats) error {
	refreshed := *existing
	refreshed.SizeGiB = cv.SizeGiB
	refreshed.SnapshotCount = cv.SnapshotCount
	refreshed.PendingSnapshotCount = cv.PendingSnapshots
	if cv.LastSnapshotAt != nil {
		refreshed.LastSnapshotAt = cv.LastSnapshotAt
	}
	if refreshed.SizeGiB == existing.SizeGiB &&
		refreshed.SnapshotCount == existing.SnapshotCount &&
		refreshed.PendingSnapshotCount == existing.PendingSnapshotCount &&
		timesEqual(refreshed.LastSnapshotAt, existing.LastSnapshotAt) {
		return nil
	}
	if err := c.volumes.UpdateFromCloud(ctx, &refreshed); err != nil {
		return err
	}
	stats.refreshed++
	return nil
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
