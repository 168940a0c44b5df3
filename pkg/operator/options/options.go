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

package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/stackpod/reserver/pkg/utils/env"
)

// Options for running this binary. Every knob is a flag with an environment
// variable fallback so the deployment can configure the controller either way.
type Options struct {
	*flag.FlagSet

	// Queues
	QueueNameReservations string
	QueueNameDiskOps      string
	PollInterval          time.Duration
	VisibilityTimeout     time.Duration
	BatchSize             int
	MaxDeliveries         int
	WorkerCount           int

	// Reservation lifecycle
	AdmitTimeout        time.Duration
	PrepareTimeout      time.Duration
	LockTimeout         time.Duration
	ReservationMaxHours float64
	ExtensionMaxHours   float64
	TotalMaxHours       float64
	WarningThresholds   []int
	OOMRateLimit        int
	OOMRateWindow       time.Duration

	// Reconciler cadences
	AvailabilityReconcileInterval time.Duration
	ExpiryTickInterval            time.Duration

	// Database pool
	DatabaseURL          string
	DBPoolMin            int
	DBPoolMax            int
	DBPoolHealthCheck    bool
	DBPoolAcquireTimeout time.Duration

	// Scheduling policy
	HighEndGPUTags      []string
	MaxMultinodeNodes   int
	CPUUsersPerNode     int
	VolumeRetentionDays int
	ClusterNamePrefix   string
	Namespace           string
	VolumeTagKey        string
	SSHKeysURLTemplate  string
	VolumeStorageClass  string
	NodeGPUTypeLabelKey string
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("reserver", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.QueueNameReservations, "queue-name-reservations", env.WithDefaultString("QUEUE_NAME_RESERVATIONS", "gpu_reservations"), "The queue holding reservation lifecycle messages")
	f.StringVar(&opts.QueueNameDiskOps, "queue-name-disk-ops", env.WithDefaultString("QUEUE_NAME_DISK_OPS", "disk_operations"), "The queue holding disk create/delete messages")
	f.DurationVar(&opts.PollInterval, "poll-interval", env.WithDefaultDuration("POLL_INTERVAL_SECONDS", 5*time.Second), "The delay between empty queue polls")
	f.DurationVar(&opts.VisibilityTimeout, "visibility-timeout", env.WithDefaultDuration("VISIBILITY_TIMEOUT_SECONDS", 300*time.Second), "The time a received message stays invisible to other consumers")
	f.IntVar(&opts.BatchSize, "batch-size", env.WithDefaultInt("BATCH_SIZE", 1), "The number of messages received per poll")
	f.IntVar(&opts.MaxDeliveries, "max-deliveries", env.WithDefaultInt("MAX_DELIVERIES", 3), "The delivery count after which a failing message is archived")
	f.IntVar(&opts.WorkerCount, "worker-count", env.WithDefaultInt("WORKER_COUNT", 4), "The number of parallel queue workers per process")

	f.DurationVar(&opts.AdmitTimeout, "admit-timeout", env.WithDefaultDuration("ADMIT_TIMEOUT_SECONDS", 600*time.Second), "The maximum time a reservation may sit in pending before failing")
	f.DurationVar(&opts.PrepareTimeout, "prepare-timeout", env.WithDefaultDuration("PREPARE_TIMEOUT_SECONDS", 900*time.Second), "The maximum time from pod scheduled to externally reachable")
	f.DurationVar(&opts.LockTimeout, "lock-timeout", env.WithDefaultDuration("LOCK_TIMEOUT_SECONDS", 2*time.Second), "The maximum time to block on the GPU-type row lock at admission")
	f.Float64Var(&opts.ReservationMaxHours, "reservation-max-hours", env.WithDefaultFloat64("RESERVATION_MAX_HOURS", 24), "The maximum initial reservation duration")
	f.Float64Var(&opts.ExtensionMaxHours, "extension-max-hours", env.WithDefaultFloat64("EXTENSION_MAX_HOURS", 24), "The maximum single extension")
	f.Float64Var(&opts.TotalMaxHours, "total-max-hours", env.WithDefaultFloat64("TOTAL_MAX_HOURS", 48), "The absolute cap on launch-to-expiry")
	f.IntVar(&opts.OOMRateLimit, "oom-rate-limit", env.WithDefaultInt("OOM_RATE_LIMIT", 5), "The OOM-kill count within the rate window that fails a reservation")
	f.DurationVar(&opts.OOMRateWindow, "oom-rate-window", env.WithDefaultDuration("OOM_RATE_WINDOW_SECONDS", 600*time.Second), "The sliding window for the OOM rate limit")

	f.DurationVar(&opts.AvailabilityReconcileInterval, "availability-reconcile-interval", env.WithDefaultDuration("AVAILABILITY_RECONCILE_SECONDS", 300*time.Second), "The cadence of the availability reconciler")
	f.DurationVar(&opts.ExpiryTickInterval, "expiry-tick-interval", env.WithDefaultDuration("EXPIRY_TICK_SECONDS", 60*time.Second), "The cadence of the expiry engine")

	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "The Postgres connection string")
	f.IntVar(&opts.DBPoolMin, "db-pool-min", env.WithDefaultInt("DB_POOL_MIN", 1), "The minimum number of pooled connections")
	f.IntVar(&opts.DBPoolMax, "db-pool-max", env.WithDefaultInt("DB_POOL_MAX", 20), "The maximum number of pooled connections")
	f.BoolVar(&opts.DBPoolHealthCheck, "db-pool-health-check", env.WithDefaultBool("DB_POOL_HEALTH_CHECK", true), "Probe connections on acquire and replace dead ones")
	f.DurationVar(&opts.DBPoolAcquireTimeout, "db-pool-acquire-timeout", env.WithDefaultDuration("DB_POOL_ACQUIRE_TIMEOUT_SECONDS", 30*time.Second), "The maximum time to wait for a pooled connection")

	opts.HighEndGPUTags = env.WithDefaultStringSlice("HIGH_END_GPU_TAGS", []string{"h100", "h200", "a100", "b200"})
	opts.WarningThresholds = env.WithDefaultIntSlice("WARNING_THRESHOLDS_MINUTES", []int{30, 15, 5})
	f.IntVar(&opts.MaxMultinodeNodes, "max-multinode-nodes", env.WithDefaultInt("MAX_MULTINODE_NODES", 4), "The maximum node count of one multi-node reservation")
	f.IntVar(&opts.CPUUsersPerNode, "cpu-users-per-node", env.WithDefaultInt("CPU_USERS_PER_NODE", 3), "The user slots available on one CPU node")
	f.IntVar(&opts.VolumeRetentionDays, "volume-retention-days", env.WithDefaultInt("VOLUME_SOFT_DELETE_RETENTION_DAYS", 30), "Days a soft-deleted volume is retained before hard deletion")
	f.StringVar(&opts.ClusterNamePrefix, "cluster-name-prefix", env.WithDefaultString("CLUSTER_NAME_PREFIX", ""), "The prefix shared by this cluster's auto-scaling-group names")
	f.StringVar(&opts.Namespace, "namespace", env.WithDefaultString("NAMESPACE", "reservations"), "The namespace reservation pods run in")
	f.StringVar(&opts.VolumeTagKey, "volume-tag-key", env.WithDefaultString("VOLUME_TAG_KEY", "reserver.stackpod.io/managed"), "The cloud tag identifying volumes owned by this system")
	f.StringVar(&opts.SSHKeysURLTemplate, "ssh-keys-url-template", env.WithDefaultString("SSH_KEYS_URL_TEMPLATE", "https://github.com/%s.keys"), "The URL template for fetching a user's public keys")
	f.StringVar(&opts.VolumeStorageClass, "volume-storage-class", env.WithDefaultString("VOLUME_STORAGE_CLASS", "gp3"), "The storage class backing user volumes")
	f.StringVar(&opts.NodeGPUTypeLabelKey, "node-gpu-type-label-key", env.WithDefaultString("NODE_GPU_TYPE_LABEL_KEY", "reserver.stackpod.io/gpu-type"), "The node label carrying the GPU-type tag")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.DatabaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("DATABASE_URL is required"))
	}
	if o.ClusterNamePrefix == "" {
		err = multierr.Append(err, fmt.Errorf("CLUSTER_NAME_PREFIX is required"))
	}
	if o.DBPoolMin > o.DBPoolMax {
		err = multierr.Append(err, fmt.Errorf("DB_POOL_MIN may not exceed DB_POOL_MAX"))
	}
	if o.BatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("BATCH_SIZE must be at least 1"))
	}
	if o.TotalMaxHours < o.ReservationMaxHours {
		err = multierr.Append(err, fmt.Errorf("TOTAL_MAX_HOURS may not be below RESERVATION_MAX_HOURS"))
	}
	if len(o.WarningThresholds) == 0 {
		err = multierr.Append(err, fmt.Errorf("WARNING_THRESHOLDS_MINUTES may not be empty"))
	}
	return err
}

// HighEndTagSet returns the high-end tags as a set for the multi-node
// max-reservable rule.
func (o Options) HighEndTagSet() sets.Set[string] {
	return sets.New(o.HighEndGPUTags...)
}
