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
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/reservation"
)

// checkOOM records OOM kills observed through pod events and fails the
// reservation when the kill rate inside the sliding window crosses the
// ceiling. A single OOM is recorded and tolerated; a tight kill loop is a
// workload that will never be healthy on this node.
func (c *Controller) checkOOM(ctx context.Context, r *reservation.Reservation, now time.Time) error {
	if r.PodName == "" {
		return nil
	}
	events, err := c.gateway.PodEvents(ctx, r.PodName)
	if err != nil {
		return err
	}
	oomEvents := collectOOMEvents(events)
	recent := 0
	for _, e := range oomEvents {
		if now.Sub(e.at) <= c.opts.OOMRateWindow {
			recent++
		}
		if r.LastOOMAt != nil && !e.at.After(*r.LastOOMAt) {
			continue
		}
		if err := c.reservations.RecordOOM(ctx, r.ID, e.at, e.container); err != nil {
			return err
		}
		oomKills.Inc()
		logging.FromContext(ctx).Infow("recorded OOM kill",
			"reservation", r.ID, "container", e.container, "at", e.at)
		r.LastOOMAt, r.OOMContainer = &e.at, e.container
		r.OOMCount++
	}
	// The ceiling is a rate, not a lifetime cap: only kills that exceed the
	// limit inside the window fail the reservation.
	if recent <= c.opts.OOMRateLimit {
		return nil
	}
	detail := fmt.Sprintf("%d OOM kills within %s, most recently in container %s", recent, c.opts.OOMRateWindow, r.OOMContainer)
	if err := c.reservations.SetFailed(ctx, r.ID, "workload repeatedly out of memory", detail, ""); err != nil {
		return err
	}
	oomFailedReservations.Inc()
	// The row is already failed, so the terminate inside is a no-op and
	// teardown only clears the pod and volume.
	return c.teardown(ctx, r, reservation.StatusFailed, detail)
}

type oomEvent struct {
	at        time.Time
	container string
}

// collectOOMEvents filters the pod's events down to OOM kills, oldest first.
func collectOOMEvents(events []corev1.Event) []oomEvent {
	var out []oomEvent
	for i := range events {
		e := &events[i]
		if !isOOM(e) {
			continue
		}
		out = append(out, oomEvent{at: eventTime(e), container: eventContainer(e)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

func isOOM(e *corev1.Event) bool {
	return e.Reason == "OOMKilling" || e.Reason == "OOMKilled" || strings.Contains(e.Message, "OOMKilled")
}

func eventTime(e *corev1.Event) time.Time {
	if !e.LastTimestamp.IsZero() {
		return e.LastTimestamp.Time
	}
	return e.EventTime.Time
}

// eventContainer pulls the container name out of the involved object's field
// path, "spec.containers{workspace}".
func eventContainer(e *corev1.Event) string {
	path := e.InvolvedObject.FieldPath
	if open := strings.Index(path, "{"); open >= 0 && strings.HasSuffix(path, "}") {
		return path[open+1 : len(path)-1]
	}
	return cluster.MainContainerName
}
