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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "reserver"
	metricSubsystem = "processor"

	actionLabel  = "action"
	gpuTypeLabel = "gpu_type"
)

var (
	receivedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "received_messages_total",
			Help:      "Count of messages received from the work queues, broken out by action.",
		},
		[]string{actionLabel},
	)
	deletedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "deleted_messages_total",
			Help:      "Count of messages deleted after successful handling.",
		},
	)
	archivedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "archived_messages_total",
			Help:      "Count of messages moved to the archive after exhausting deliveries or failing to parse.",
		},
		[]string{actionLabel},
	)
	handlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "handler_duration_seconds",
			Help:      "Duration of message handling, broken out by action.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{actionLabel},
	)
	admittedReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "admitted_reservations_total",
			Help:      "Count of reservations admitted against available capacity, broken out by GPU type.",
		},
		[]string{gpuTypeLabel},
	)
	activeReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "activated_reservations_total",
			Help:      "Count of reservations that reached the active state, broken out by GPU type.",
		},
		[]string{gpuTypeLabel},
	)
	failedReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "failed_reservations_total",
			Help:      "Count of reservations driven to the failed state by the processor.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		receivedMessages,
		deletedMessages,
		archivedMessages,
		handlerLatency,
		admittedReservations,
		activeReservations,
		failedReservations,
	)
}
