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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stackpod/reserver/pkg/database"
	"github.com/stackpod/reserver/pkg/gputype"
)

const gpuTypeColumns = `gpu_type, instance_family, max_gpus_per_node, cpus_per_node, memory_gib,
	total_cluster_gpus, available_gpus, max_reservable, full_nodes_available, running_instances,
	last_availability_update, last_availability_updated_by`

// SQLGPUTypes is the Postgres-backed GPUTypes accessor.
type SQLGPUTypes struct {
	db *database.Client
}

func NewSQLGPUTypes(db *database.Client) *SQLGPUTypes {
	return &SQLGPUTypes{db: db}
}

func (s *SQLGPUTypes) Get(ctx context.Context, tag string) (*gputype.GPUType, error) {
	var gt *gputype.GPUType
	err := s.db.WithReadOnly(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM gpu_types WHERE gpu_type = $1", gpuTypeColumns), tag)
		var err error
		gt, err = scanGPUType(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting gpu type %s, %w", tag, err)
	}
	return gt, nil
}

func (s *SQLGPUTypes) List(ctx context.Context) ([]*gputype.GPUType, error) {
	var out []*gputype.GPUType
	err := s.db.WithReadOnly(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fmt.Sprintf("SELECT %s FROM gpu_types ORDER BY gpu_type", gpuTypeColumns))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			gt, err := scanGPUType(rows)
			if err != nil {
				return err
			}
			out = append(out, gt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing gpu types, %w", err)
	}
	return out, nil
}

func (s *SQLGPUTypes) UpdateAvailability(ctx context.Context, gt *gputype.GPUType) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE gpu_types SET total_cluster_gpus = $2, available_gpus = $3, max_reservable = $4,
				full_nodes_available = $5, running_instances = $6,
				last_availability_update = $7, last_availability_updated_by = $8
			WHERE gpu_type = $1`,
			gt.Tag, gt.TotalClusterGPUs, gt.AvailableGPUs, gt.MaxReservable,
			gt.FullNodesAvailable, gt.RunningInstances,
			gt.LastAvailabilityUpdate, gt.LastAvailabilityUpdatedBy)
		return err
	})
	if err != nil {
		return fmt.Errorf("updating availability for gpu type %s, %w", gt.Tag, err)
	}
	return nil
}

func scanGPUType(row rowScanner) (*gputype.GPUType, error) {
	gt := &gputype.GPUType{}
	var updatedAt *time.Time
	var updatedBy *string
	if err := row.Scan(
		&gt.Tag, &gt.InstanceFamily, &gt.MaxGPUsPerNode, &gt.CPUsPerNode, &gt.MemoryGiB,
		&gt.TotalClusterGPUs, &gt.AvailableGPUs, &gt.MaxReservable, &gt.FullNodesAvailable, &gt.RunningInstances,
		&updatedAt, &updatedBy,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	gt.LastAvailabilityUpdate = updatedAt
	gt.LastAvailabilityUpdatedBy = deref(updatedBy)
	return gt, nil
}
