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

// Package availability periodically reconciles the GPU-type catalog and the
// volume catalog against observed cluster and cloud truth. The reconciler is
// authoritative: whatever it computes overwrites the dynamic columns,
// correcting drift from crashed processors or out-of-band changes.
package availability

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cloud"
	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/database/store"
	"github.com/stackpod/reserver/pkg/operator/options"
)

// updatedBy is stamped on every row the reconciler writes so operators can
// tell a reconciler write from an admission decrement.
const updatedBy = "availability-reconciler"

type Controller struct {
	clk           clock.Clock
	gpuTypes      store.GPUTypes
	volumes       store.Volumes
	gateway       cluster.Gateway
	cloudProvider cloud.Provider
	opts          *options.Options
}

func NewController(clk clock.Clock, gpuTypes store.GPUTypes, volumes store.Volumes,
	gateway cluster.Gateway, cloudProvider cloud.Provider, opts *options.Options) *Controller {

	return &Controller{
		clk:           clk,
		gpuTypes:      gpuTypes,
		volumes:       volumes,
		gateway:       gateway,
		cloudProvider: cloudProvider,
		opts:          opts,
	}
}

// Start reconciles immediately and then on the configured cadence. Runs are
// serialized on this goroutine, so a slow pass delays the next rather than
// overlapping it.
func (c *Controller) Start(ctx context.Context) error {
	for {
		if err := c.Reconcile(ctx); err != nil {
			logging.FromContext(ctx).Errorf("reconciling availability, %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.clk.After(c.opts.AvailabilityReconcileInterval):
		}
	}
}

// Reconcile runs one full pass: GPU-type availability first, then the volume
// catalog. The phases are independent; a failure in one does not skip the
// other.
func (c *Controller) Reconcile(ctx context.Context) error {
	runID := uuid.NewString()[:8]
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("run", runID))
	start := c.clk.Now()

	updated, gpuErr := c.reconcileGPUTypes(ctx)
	stats, volErr := c.reconcileVolumes(ctx)

	elapsed := c.clk.Since(start)
	reconcileDuration.Observe(elapsed.Seconds())
	logging.FromContext(ctx).Infow("reconciled availability",
		"duration", elapsed,
		"gpu-types-updated", updated,
		"volumes-adopted", stats.adopted,
		"volumes-refreshed", stats.refreshed,
		"volumes-vanished", stats.vanished,
	)
	return multierr.Append(gpuErr, volErr)
}
