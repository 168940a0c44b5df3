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

// Package operator assembles the process: configuration, logging, the
// database pool, the queue providers and the external-system clients, handed
// to the controllers as ready-made dependencies.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/stackpod/reserver/pkg/cloud"
	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/database"
	"github.com/stackpod/reserver/pkg/database/store"
	"github.com/stackpod/reserver/pkg/operator/options"
	"github.com/stackpod/reserver/pkg/queue"
	"github.com/stackpod/reserver/pkg/sshkeys"
)

const (
	metricsPort       = 8080
	keyFetchTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Operator holds every shared dependency of the three controllers.
type Operator struct {
	Options *options.Options
	Clock   clock.Clock

	Database     *database.Client
	Reservations store.Reservations
	Volumes      store.Volumes
	GPUTypes     store.GPUTypes
	Audit        store.Audit

	ReservationQueue queue.Provider
	DiskQueue        queue.Provider

	Gateway       cluster.Gateway
	CloudProvider cloud.Provider
	SSHKeys       sshkeys.Provider
}

// NewOperator builds the dependency graph. Construction is fail-fast: a
// dependency that cannot be built means the process should not start.
func NewOperator(ctx context.Context, opts *options.Options) (context.Context, *Operator, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("building logger, %w", err)
	}
	ctx = logging.WithLogger(ctx, logger.Sugar())

	clk := clock.RealClock{}
	db, err := database.New(ctx, database.Config{
		URL:            opts.DatabaseURL,
		MinConns:       opts.DBPoolMin,
		MaxConns:       opts.DBPoolMax,
		HealthCheck:    opts.DBPoolHealthCheck,
		AcquireTimeout: opts.DBPoolAcquireTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	restConfig, err := kubeConfig()
	if err != nil {
		return nil, nil, err
	}
	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("building kubernetes client, %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS configuration, %w", err)
	}

	return ctx, &Operator{
		Options:      opts,
		Clock:        clk,
		Database:     db,
		Reservations: store.NewSQLReservations(db, clk, opts.LockTimeout),
		Volumes:      store.NewSQLVolumes(db, clk),
		GPUTypes:     store.NewSQLGPUTypes(db),
		Audit:        store.NewSQLAudit(db, clk),

		ReservationQueue: queue.NewDefaultProvider(db, opts.QueueNameReservations, opts.VisibilityTimeout),
		DiskQueue:        queue.NewDefaultProvider(db, opts.QueueNameDiskOps, opts.VisibilityTimeout),

		Gateway: cluster.NewDefaultGateway(kubeClient, restConfig, opts.Namespace),
		CloudProvider: cloud.NewDefaultProvider(
			ec2.NewFromConfig(awsCfg),
			autoscaling.NewFromConfig(awsCfg),
			opts.VolumeTagKey,
			opts.ClusterNamePrefix,
		),
		SSHKeys: sshkeys.NewDefaultProvider(&http.Client{Timeout: keyFetchTimeout}, opts.SSHKeysURLTemplate),
	}, nil
}

// ServeMetrics blocks serving the Prometheus endpoint and a liveness probe
// until ctx is cancelled.
func (o *Operator) ServeMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", metricsPort),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving metrics, %w", err)
	}
	return nil
}

// kubeConfig prefers the in-cluster service account and falls back to the
// local kubeconfig for development.
func kubeConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes configuration, %w", err)
	}
	return cfg, nil
}
