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
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cloud"
	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/database/store"
	"github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/operator/options"
	"github.com/stackpod/reserver/pkg/queue"
	"github.com/stackpod/reserver/pkg/queue/messages"
	"github.com/stackpod/reserver/pkg/sshkeys"
)

// Controller consumes the reservation and disk-ops queues and drives the
// database state machine and the cluster to convergence. Replicas poll
// independently; per-message exclusivity comes from the visibility timeout
// and every handler being idempotent.
type Controller struct {
	clk              clock.Clock
	reservations     store.Reservations
	volumes          store.Volumes
	gpuTypes         store.GPUTypes
	audit            store.Audit
	reservationQueue queue.Provider
	diskQueue        queue.Provider
	gateway          cluster.Gateway
	cloudProvider    cloud.Provider
	keys             sshkeys.Provider
	opts             *options.Options

	podPollInterval time.Duration
	probe           func(ctx context.Context, address string) error
}

func NewController(clk clock.Clock, reservations store.Reservations, volumes store.Volumes,
	gpuTypes store.GPUTypes, audit store.Audit, reservationQueue, diskQueue queue.Provider,
	gateway cluster.Gateway, cloudProvider cloud.Provider, keys sshkeys.Provider, opts *options.Options) *Controller {

	return &Controller{
		clk:              clk,
		reservations:     reservations,
		volumes:          volumes,
		gpuTypes:         gpuTypes,
		audit:            audit,
		reservationQueue: reservationQueue,
		diskQueue:        diskQueue,
		gateway:          gateway,
		cloudProvider:    cloudProvider,
		keys:             keys,
		opts:             opts,
		podPollInterval:  3 * time.Second,
		probe:            tcpProbe,
	}
}

// Start runs the configured number of workers until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	for i := 0; i < c.opts.WorkerCount; i++ {
		go c.worker(logging.WithLogger(ctx, logging.FromContext(ctx).With("worker", i)))
	}
	<-ctx.Done()
	return nil
}

func (c *Controller) worker(ctx context.Context) {
	for {
		handled, err := c.Poll(ctx)
		if err != nil {
			logging.FromContext(ctx).Errorf("polling queues, %v", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(c.opts.PollInterval):
		}
	}
}

// Poll receives at most one batch from each queue and handles it. It
// reports whether any message was received so the worker can skip the idle
// delay while there is work.
func (c *Controller) Poll(ctx context.Context) (bool, error) {
	handled := false
	var errs error
	for _, q := range []queue.Provider{c.reservationQueue, c.diskQueue} {
		msgs, err := q.Receive(ctx, c.opts.BatchSize)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, msg := range msgs {
			handled = true
			errs = multierr.Append(errs, c.handleMessage(ctx, q, msg))
		}
	}
	return handled, errs
}

func (c *Controller) handleMessage(ctx context.Context, q queue.Provider, msg *queue.Message) error {
	parsed, err := messages.Parse(msg.Body)
	if err != nil {
		// A body that cannot be parsed will never parse; archive it rather
		// than cycling it through redelivery.
		logging.FromContext(ctx).Errorf("parsing message %d, %v", msg.ID, err)
		return q.Archive(ctx, msg)
	}
	md := parsed.GetMetadata()
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With(
		"queue", q.Name(), "action", string(parsed.Kind()), "reservation", md.ReservationID))
	receivedMessages.WithLabelValues(string(parsed.Kind())).Inc()

	start := c.clk.Now()
	err = c.dispatch(ctx, parsed)
	handlerLatency.WithLabelValues(string(parsed.Kind())).Observe(c.clk.Since(start).Seconds())

	switch {
	case err == nil:
		// Deletion is best-effort: the handlers are idempotent, so a failed
		// delete only costs a no-op redelivery.
		if delErr := q.Delete(ctx, msg); delErr != nil {
			logging.FromContext(ctx).Errorf("deleting handled message %d, %v", msg.ID, delErr)
			return nil
		}
		deletedMessages.Inc()
		return nil
	case errors.IsContention(err):
		// Back-pressure: leave the message invisible until its visibility
		// timeout lapses, then it is retried.
		logging.FromContext(ctx).Debugf("requeueing on contention, %v", err)
		return nil
	case errors.IsUserFatal(err):
		logging.FromContext(ctx).Infof("rejecting message, %v", err)
		// Only the create flow owns its row's fate; a rejected operation on a
		// running reservation must not kill it.
		if parsed.Kind() == messages.ActionReserve {
			c.markFailed(ctx, md.ReservationID, errors.UserReason(err), err.Error())
		}
		if delErr := q.Delete(ctx, msg); delErr != nil {
			logging.FromContext(ctx).Errorf("deleting rejected message %d, %v", msg.ID, delErr)
		}
		return nil
	default:
		if msg.DeliveryCount >= c.opts.MaxDeliveries {
			if parsed.Kind() == messages.ActionReserve {
				c.markFailed(ctx, md.ReservationID, "exhausted processing attempts", err.Error())
			}
			archivedMessages.WithLabelValues(string(parsed.Kind())).Inc()
			return multierr.Append(err, q.Archive(ctx, msg))
		}
		return fmt.Errorf("handling %s message, %w", parsed.Kind(), err)
	}
}

func (c *Controller) dispatch(ctx context.Context, msg messages.Message) error {
	switch typed := msg.(type) {
	case messages.Reserve:
		return c.reserve(ctx, typed)
	case messages.Cancel:
		return c.cancel(ctx, typed)
	case messages.Extend:
		return c.extend(ctx, typed)
	case messages.EnableJupyter:
		return c.enableJupyter(ctx, typed)
	case messages.DisableJupyter:
		return c.disableJupyter(ctx, typed)
	case messages.AddUser:
		return c.addUser(ctx, typed)
	case messages.DiskCreate:
		return c.diskCreate(ctx, typed)
	case messages.DiskDelete:
		return c.diskDelete(ctx, typed)
	default:
		return fmt.Errorf("no handler for action %q", msg.Kind())
	}
}

// markFailed persists the user-visible failure on the reservation row,
// attaching a trailing log snippet from the pod when one exists.
func (c *Controller) markFailed(ctx context.Context, reservationID, reason, detail string) {
	if reservationID == "" {
		return
	}
	podLogs := ""
	if r, err := c.reservations.Get(ctx, reservationID); err == nil && r.PodName != "" {
		if logs, logErr := c.gateway.PodLogs(ctx, r.PodName, 50); logErr == nil {
			podLogs = logs
		}
	}
	if err := c.reservations.SetFailed(ctx, reservationID, reason, detail, podLogs); err != nil {
		logging.FromContext(ctx).Errorf("recording failure for reservation %s, %v", reservationID, err)
		return
	}
	failedReservations.Inc()
}

func tcpProbe(ctx context.Context, address string) error {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("probing %s, %w", address, err)
	}
	return conn.Close()
}
