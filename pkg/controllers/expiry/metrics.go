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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "reserver"
	metricSubsystem = "expiry"

	minutesLabel = "minutes"
)

var (
	expiredReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "expired_reservations_total",
			Help:      "Count of reservations torn down after their expiry time.",
		},
	)
	warningsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "warnings_sent_total",
			Help:      "Count of pre-expiry warnings emitted, broken out by threshold minutes.",
		},
		[]string{minutesLabel},
	)
	oomKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "oom_kills_total",
			Help:      "Count of OOM kills recorded against active reservations.",
		},
	)
	oomFailedReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "oom_failed_reservations_total",
			Help:      "Count of reservations failed for crossing the OOM rate limit.",
		},
	)
	purgedVolumes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "purged_volumes_total",
			Help:      "Count of soft-deleted volumes hard-deleted after their retention window.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		expiredReservations,
		warningsSent,
		oomKills,
		oomFailedReservations,
		purgedVolumes,
	)
}
