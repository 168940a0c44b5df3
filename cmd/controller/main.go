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

package main

import (
	"log"

	"golang.org/x/sync/errgroup"
	"knative.dev/pkg/logging"
	"knative.dev/pkg/signals"

	"github.com/stackpod/reserver/pkg/controllers/availability"
	"github.com/stackpod/reserver/pkg/controllers/expiry"
	"github.com/stackpod/reserver/pkg/controllers/processor"
	"github.com/stackpod/reserver/pkg/operator"
	"github.com/stackpod/reserver/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()
	ctx, op, err := operator.NewOperator(signals.NewContext(), opts)
	if err != nil {
		log.Fatalf("building operator, %s", err)
	}
	defer op.Database.Close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return processor.NewController(op.Clock, op.Reservations, op.Volumes, op.GPUTypes, op.Audit,
			op.ReservationQueue, op.DiskQueue, op.Gateway, op.CloudProvider, op.SSHKeys, op.Options).Start(ctx)
	})
	group.Go(func() error {
		return availability.NewController(op.Clock, op.GPUTypes, op.Volumes,
			op.Gateway, op.CloudProvider, op.Options).Start(ctx)
	})
	group.Go(func() error {
		return expiry.NewController(op.Clock, op.Reservations, op.Volumes, op.Audit,
			op.Gateway, op.CloudProvider, op.Options).Start(ctx)
	})
	group.Go(func() error {
		return op.ServeMetrics(ctx)
	})

	logging.FromContext(ctx).Info("started controllers")
	if err := group.Wait(); err != nil {
		logging.FromContext(ctx).Fatalf("running controllers, %s", err)
	}
}
