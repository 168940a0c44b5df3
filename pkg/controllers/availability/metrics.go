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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "reserver"
	metricSubsystem = "availability"

	gpuTypeLabel = "gpu_type"
)

var (
	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of one full availability reconciliation pass.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	availableGPUs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "available_gpus",
			Help:      "Reconciled count of unreserved GPUs, broken out by GPU type.",
		},
		[]string{gpuTypeLabel},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "running_instances",
			Help:      "In-service instance count of the backing auto-scaling groups, broken out by GPU type.",
		},
		[]string{gpuTypeLabel},
	)
	adoptedVolumes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "adopted_volumes_total",
			Help:      "Count of tagged cloud volumes adopted into the catalog.",
		},
	)
	vanishedVolumes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "vanished_volumes_total",
			Help:      "Count of catalog rows whose backing cloud volume disappeared.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		reconcileDuration,
		availableGPUs,
		runningInstances,
		adoptedVolumes,
		vanishedVolumes,
	)
}
