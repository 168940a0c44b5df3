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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"k8s.io/utils/clock"

	"github.com/stackpod/reserver/pkg/database"
	reserrors "github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/volume"
)

const volumeColumns = `disk_id, user_id, disk_name, size_gib, cloud_volume_id, in_use, reservation_id,
	is_deleted, delete_date, snapshot_count, pending_snapshot_count, last_snapshot_at, last_used,
	operation_id, operation_status, operation_error`

// SQLVolumes is the Postgres-backed Volumes accessor.
type SQLVolumes struct {
	db  *database.Client
	clk clock.Clock
}

func NewSQLVolumes(db *database.Client, clk clock.Clock) *SQLVolumes {
	return &SQLVolumes{db: db, clk: clk}
}

func (s *SQLVolumes) Get(ctx context.Context, id string) (*volume.Volume, error) {
	return s.get(ctx, `WHERE disk_id = $1`, id)
}

func (s *SQLVolumes) GetByName(ctx context.Context, userID, name string) (*volume.Volume, error) {
	return s.get(ctx, `WHERE user_id = $1 AND disk_name = $2 AND NOT is_deleted`, userID, name)
}

// GetByNameAnyState also sees soft-deleted rows. A live row wins over a
// deleted one when the user recreated the name.
func (s *SQLVolumes) GetByNameAnyState(ctx context.Context, userID, name string) (*volume.Volume, error) {
	return s.get(ctx, `WHERE user_id = $1 AND disk_name = $2 ORDER BY is_deleted LIMIT 1`, userID, name)
}

func (s *SQLVolumes) get(ctx context.Context, where string, args ...interface{}) (*volume.Volume, error) {
	var v *volume.Volume
	err := s.db.WithReadOnly(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM disks %s", volumeColumns, where), args...)
		var err error
		v, err = scanVolume(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting volume, %w", err)
	}
	return v, nil
}

func (s *SQLVolumes) Insert(ctx context.Context, v *volume.Volume) (string, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO disks (
				disk_id, user_id, disk_name, size_gib, cloud_volume_id, in_use, reservation_id,
				is_deleted, snapshot_count, pending_snapshot_count, last_snapshot_at,
				operation_id, operation_status, operation_error
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			v.ID, v.UserID, v.Name, v.SizeGiB, nullString(v.CloudVolumeID), v.InUse, nullString(v.ReservationID),
			v.IsDeleted, v.SnapshotCount, v.PendingSnapshotCount, v.LastSnapshotAt,
			nullString(v.OperationID), nullString(string(v.OperationStatus)), nullString(v.OperationError))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("inserting volume %s/%s, %w", v.UserID, v.Name, err)
	}
	return v.ID, nil
}

// AcquireForReservation binds the volume to the reservation under a NOWAIT
// row lock. A lock held by a racing attach surfaces immediately as
// contention; an in-use or soft-deleted volume is a user-visible failure.
func (s *SQLVolumes) AcquireForReservation(ctx context.Context, userID, name, reservationID string) (*volume.Volume, error) {
	var v *volume.Volume
	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(
			"SELECT %s FROM disks WHERE user_id = $1 AND disk_name = $2 FOR UPDATE NOWAIT", volumeColumns),
			userID, name)
		var err error
		v, err = scanVolume(row)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return reserrors.NewUserError("disk %q not found", name)
			}
			return err
		}
		if v.IsDeleted {
			return reserrors.NewUserError("disk %q is deleted", name)
		}
		if v.InUse && v.ReservationID != reservationID {
			return reserrors.NewUserError("disk in use by reservation %s", v.ReservationID)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE disks SET in_use = true, reservation_id = $2 WHERE disk_id = $1`, v.ID, reservationID); err != nil {
			return err
		}
		v.InUse, v.ReservationID = true, reservationID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring volume %s/%s, %w", userID, name, err)
	}
	return v, nil
}

func (s *SQLVolumes) Release(ctx context.Context, id string, lastUsed time.Time) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET in_use = false, reservation_id = NULL, last_used = $2 WHERE disk_id = $1`, id, lastUsed)
		return err
	})
	if err != nil {
		return fmt.Errorf("releasing volume %s, %w", id, err)
	}
	return nil
}

func (s *SQLVolumes) SoftDelete(ctx context.Context, id string, deleteDate time.Time) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET is_deleted = true, delete_date = $2 WHERE disk_id = $1`, id, deleteDate)
		return err
	})
	if err != nil {
		return fmt.Errorf("soft-deleting volume %s, %w", id, err)
	}
	return nil
}

func (s *SQLVolumes) HardDelete(ctx context.Context, id string) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM disks WHERE disk_id = $1 AND is_deleted`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("hard-deleting volume %s, %w", id, err)
	}
	return nil
}

func (s *SQLVolumes) List(ctx context.Context) ([]*volume.Volume, error) {
	return s.list(ctx, ``)
}

func (s *SQLVolumes) ListPurgeDue(ctx context.Context, now time.Time) ([]*volume.Volume, error) {
	return s.list(ctx, `WHERE is_deleted AND delete_date IS NOT NULL AND delete_date <= $1`, now)
}

func (s *SQLVolumes) list(ctx context.Context, where string, args ...interface{}) ([]*volume.Volume, error) {
	var out []*volume.Volume
	err := s.db.WithReadOnly(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fmt.Sprintf("SELECT %s FROM disks %s ORDER BY user_id, disk_name", volumeColumns, where), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			v, err := scanVolume(rows)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing volumes, %w", err)
	}
	return out, nil
}

// UpdateFromCloud refreshes the columns the cloud is authoritative for and
// leaves is_deleted, operation_* and last_used alone.
func (s *SQLVolumes) UpdateFromCloud(ctx context.Context, v *volume.Volume) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET cloud_volume_id = $2, size_gib = $3, in_use = $4, reservation_id = $5,
				snapshot_count = $6, pending_snapshot_count = $7, last_snapshot_at = $8
			WHERE disk_id = $1`,
			v.ID, nullString(v.CloudVolumeID), v.SizeGiB, v.InUse, nullString(v.ReservationID),
			v.SnapshotCount, v.PendingSnapshotCount, v.LastSnapshotAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("updating volume %s from cloud, %w", v.ID, err)
	}
	return nil
}

func (s *SQLVolumes) SetOperation(ctx context.Context, id, operationID string, status volume.OperationStatus, opErr string) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET operation_id = $2, operation_status = $3, operation_error = $4 WHERE disk_id = $1`,
			id, operationID, status, nullString(opErr))
		return err
	})
	if err != nil {
		return fmt.Errorf("updating operation state for volume %s, %w", id, err)
	}
	return nil
}

// AdjustPendingSnapshots floors at zero so a double-observed completion can
// never drive the counter negative.
func (s *SQLVolumes) AdjustPendingSnapshots(ctx context.Context, id string, delta int) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET pending_snapshot_count = GREATEST(pending_snapshot_count + $2, 0) WHERE disk_id = $1`, id, delta)
		return err
	})
	if err != nil {
		return fmt.Errorf("adjusting pending snapshots for volume %s, %w", id, err)
	}
	return nil
}

func scanVolume(row rowScanner) (*volume.Volume, error) {
	v := &volume.Volume{}
	var cloudID, resvID, opID, opStatus, opErr *string
	var deleteDate, lastSnapshot, lastUsed *time.Time
	if err := row.Scan(
		&v.ID, &v.UserID, &v.Name, &v.SizeGiB, &cloudID, &v.InUse, &resvID,
		&v.IsDeleted, &deleteDate, &v.SnapshotCount, &v.PendingSnapshotCount, &lastSnapshot, &lastUsed,
		&opID, &opStatus, &opErr,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.CloudVolumeID, v.ReservationID = deref(cloudID), deref(resvID)
	v.DeleteDate, v.LastSnapshotAt, v.LastUsed = deleteDate, lastSnapshot, lastUsed
	v.OperationID, v.OperationError = deref(opID), deref(opErr)
	v.OperationStatus = volume.OperationStatus(deref(opStatus))
	return v, nil
}
