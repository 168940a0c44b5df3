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

package expiry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/reservation"
)

// Warnings at or below this many minutes also go to every attached terminal,
// not just the marker file.
const wallBroadcastMinutes = 15

// checkWarnings fires every unsent warning level the remaining time has
// crossed. The level is marked sent before the in-pod delivery, so each level
// fires at most once and a delivery failure is lost rather than repeated.
func (c *Controller) checkWarnings(ctx context.Context, r *reservation.Reservation, now time.Time) error {
	remaining, ok := r.TimeRemaining(now)
	if !ok || remaining <= 0 {
		return nil
	}
	var errs error
	for _, minutes := range c.opts.WarningThresholds {
		if remaining > time.Duration(minutes)*time.Minute || r.WarningSent(minutes) {
			continue
		}
		errs = multierr.Append(errs, c.emitWarning(ctx, r, minutes))
	}
	return errs
}

func (c *Controller) emitWarning(ctx context.Context, r *reservation.Reservation, minutes int) error {
	if err := c.reservations.MarkWarningSent(ctx, r.ID, minutes, c.clk.Now()); err != nil {
		return err
	}
	warningsSent.WithLabelValues(strconv.Itoa(minutes)).Inc()

	text := fmt.Sprintf("Reservation %s expires in %d minutes. Extend it or save your work now.", r.ID, minutes)
	file := fmt.Sprintf("/home/dev/WARN_EXPIRES_IN_%dMIN.txt", minutes)
	script := fmt.Sprintf("echo %q > %s", text, file)
	if minutes <= wallBroadcastMinutes {
		script += fmt.Sprintf(" && wall %q", text)
	}
	if _, err := c.gateway.Exec(ctx, r.PodName, cluster.MainContainerName, []string{"/bin/sh", "-c", script}); err != nil {
		// Delivery is best-effort; the level stays marked so it is not
		// retried into a duplicate wall broadcast.
		logging.FromContext(ctx).Errorf("delivering %dm warning to reservation %s, %v", minutes, r.ID, err)
	}
	return nil
}
