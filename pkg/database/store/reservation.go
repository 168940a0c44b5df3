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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"k8s.io/utils/clock"

	"github.com/stackpod/reserver/pkg/database"
	reserrors "github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/gputype"
	"github.com/stackpod/reserver/pkg/reservation"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("record not found")

const reservationColumns = `reservation_id, user_id, status, gpu_type, gpu_count, instance_type,
	duration_hours, image, created_at, launch_time, expiry_time, ended_at, cleanup_done,
	pod_name, namespace, node_ip, node_port, private_node_ip,
	disk_name, volume_id, env_vars, preserve_entrypoint, github_user,
	jupyter, secondary_users, is_multinode, master_reservation_id, node_index, total_nodes,
	oom_count, last_oom_at, oom_container, warnings_sent, status_history,
	failure_reason, detailed_status, pod_logs`

// SQLReservations is the Postgres-backed Reservations accessor.
type SQLReservations struct {
	db          *database.Client
	clk         clock.Clock
	lockTimeout time.Duration
}

func NewSQLReservations(db *database.Client, clk clock.Clock, lockTimeout time.Duration) *SQLReservations {
	return &SQLReservations{db: db, clk: clk, lockTimeout: lockTimeout}
}

func (s *SQLReservations) Get(ctx context.Context, id string) (*reservation.Reservation, error) {
	var r *reservation.Reservation
	err := s.db.WithReadOnly(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM reservations WHERE reservation_id = $1", reservationColumns), id)
		var err error
		r, err = scanReservation(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting reservation %s, %w", id, err)
	}
	return r, nil
}

func (s *SQLReservations) Create(ctx context.Context, r *reservation.Reservation) error {
	envVars := mustJSON(r.EnvVars)
	history := mustJSON(orEmptyHistory(r.StatusHistory))
	secondary := mustJSON(r.SecondaryUsers)
	jupyter := mustJSON(r.Jupyter)
	warnings := mustJSON(r.Warnings)
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reservations (
				reservation_id, user_id, status, gpu_type, gpu_count, instance_type,
				duration_hours, image, created_at, disk_name, env_vars, preserve_entrypoint,
				github_user, jupyter, secondary_users, is_multinode, master_reservation_id,
				node_index, total_nodes, warnings_sent, status_history
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			ON CONFLICT (reservation_id) DO NOTHING`,
			r.ID, r.UserID, r.Status, r.GPUType, r.GPUCount, r.InstanceType,
			r.DurationHours, r.Image, r.CreatedAt, nullString(r.DiskName), envVars, r.PreserveEntrypoint,
			r.GithubUser, jupyter, secondary, r.IsMultinode, nullString(r.MasterReservationID),
			r.NodeIndex, r.TotalNodes, warnings, history)
		return err
	})
	if err != nil {
		return fmt.Errorf("creating reservation %s, %w", r.ID, err)
	}
	return nil
}

// Admit serialises competing admissions on the GPU-type row lock. The lock
// wait is bounded; exceeding it surfaces as contention so the message is
// redelivered instead of stalling a worker.
func (s *SQLReservations) Admit(ctx context.Context, id string, tag string, gpus int, guard AdmitGuard) error {
	now := s.clk.Now()
	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := database.SetLockTimeout(ctx, tx, s.lockTimeout); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			SELECT gpu_type, instance_family, max_gpus_per_node, cpus_per_node, memory_gib,
				total_cluster_gpus, available_gpus, max_reservable, full_nodes_available, running_instances
			FROM gpu_types WHERE gpu_type = $1 FOR UPDATE`, tag)
		gt := &gputype.GPUType{}
		if err := row.Scan(&gt.Tag, &gt.InstanceFamily, &gt.MaxGPUsPerNode, &gt.CPUsPerNode, &gt.MemoryGiB,
			&gt.TotalClusterGPUs, &gt.AvailableGPUs, &gt.MaxReservable, &gt.FullNodesAvailable, &gt.RunningInstances); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return reserrors.NewUserError("unknown GPU type %q", tag)
			}
			return err
		}
		if err := guard(gt); err != nil {
			return err
		}
		// Optimistic decrement; the availability reconciler restores ground
		// truth on its next tick.
		if _, err := tx.Exec(ctx, `
			UPDATE gpu_types SET available_gpus = GREATEST(available_gpus - $2, 0) WHERE gpu_type = $1`, tag, gpus); err != nil {
			return err
		}
		return transition(ctx, tx, id, reservation.StatusPending, "admitted against available capacity", now)
	})
	if err != nil {
		return fmt.Errorf("admitting reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) SetVolume(ctx context.Context, id, volumeID string) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE reservations SET volume_id = $2 WHERE reservation_id = $1`, id, nullString(volumeID))
		return err
	})
	if err != nil {
		return fmt.Errorf("binding volume to reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) SetScheduled(ctx context.Context, id string, placement Placement, launch, expiry time.Time) error {
	now := s.clk.Now()
	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET pod_name = $2, namespace = $3, node_ip = $4, node_port = $5,
				private_node_ip = $6, launch_time = $7, expiry_time = $8
			WHERE reservation_id = $1`,
			id, placement.PodName, placement.Namespace, placement.NodeIP, placement.NodePort,
			placement.PrivateNodeIP, launch, expiry); err != nil {
			return err
		}
		return transition(ctx, tx, id, reservation.StatusPreparing, fmt.Sprintf("pod %s scheduled", placement.PodName), now)
	})
	if err != nil {
		return fmt.Errorf("recording placement for reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) SetActive(ctx context.Context, id string, detail string) error {
	now := s.clk.Now()
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return transition(ctx, tx, id, reservation.StatusActive, detail, now)
	})
	if err != nil {
		return fmt.Errorf("activating reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) SetExpiry(ctx context.Context, id string, expiry time.Time, detail string) error {
	now := s.clk.Now()
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		entry := historyJSON(reservation.StatusActive, detail, now)
		_, err := tx.Exec(ctx, `
			UPDATE reservations SET expiry_time = $2, status_history = status_history || $3::jsonb
			WHERE reservation_id = $1 AND status = 'active'`, id, expiry, entry)
		return err
	})
	if err != nil {
		return fmt.Errorf("extending reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) Terminate(ctx context.Context, id string, status reservation.Status, detail string) error {
	now := s.clk.Now()
	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE reservations SET ended_at = $2 WHERE reservation_id = $1 AND ended_at IS NULL`, id, now); err != nil {
			return err
		}
		return transition(ctx, tx, id, status, detail, now)
	})
	if err != nil {
		return fmt.Errorf("terminating reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) MarkCleanedUp(ctx context.Context, id string) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE reservations SET cleanup_done = true WHERE reservation_id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("marking reservation %s cleaned up, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) SetFailed(ctx context.Context, id string, reason, detail, podLogs string) error {
	now := s.clk.Now()
	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET failure_reason = $2, detailed_status = $3, pod_logs = $4, ended_at = $5
			WHERE reservation_id = $1`, id, reason, detail, podLogs, now); err != nil {
			return err
		}
		return transition(ctx, tx, id, reservation.StatusFailed, reason, now)
	})
	if err != nil {
		return fmt.Errorf("failing reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) SetJupyter(ctx context.Context, id string, j reservation.Jupyter) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE reservations SET jupyter = $2 WHERE reservation_id = $1`, id, mustJSON(j))
		return err
	})
	if err != nil {
		return fmt.Errorf("updating jupyter state for reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) AddSecondaryUser(ctx context.Context, id string, user string) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE reservations SET secondary_users = secondary_users || $2::jsonb
			WHERE reservation_id = $1 AND NOT secondary_users @> $2::jsonb`, id, mustJSON([]string{user}))
		return err
	})
	if err != nil {
		return fmt.Errorf("adding secondary user to reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) RecordOOM(ctx context.Context, id string, at time.Time, container string) error {
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE reservations SET oom_count = oom_count + 1, last_oom_at = $2, oom_container = $3
			WHERE reservation_id = $1`, id, at, container)
		return err
	})
	if err != nil {
		return fmt.Errorf("recording OOM for reservation %s, %w", id, err)
	}
	return nil
}

func (s *SQLReservations) MarkWarningSent(ctx context.Context, id string, minutes int, at time.Time) error {
	patch := mustJSON(reservation.Warnings{Sent: map[int]bool{minutes: true}, LastAt: &at})
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// jsonb || merges top-level keys, so "sent" must be merged one level
		// deeper by hand.
		_, err := tx.Exec(ctx, `
			UPDATE reservations SET warnings_sent = jsonb_set(
				warnings_sent || jsonb_build_object('last_at', $2::jsonb -> 'last_at'),
				'{sent}', COALESCE(warnings_sent -> 'sent', '{}'::jsonb) || ($2::jsonb -> 'sent'))
			WHERE reservation_id = $1`, id, patch)
		return err
	})
	if err != nil {
		return fmt.Errorf("marking %dm warning sent for reservation %s, %w", minutes, id, err)
	}
	return nil
}

func (s *SQLReservations) ListActive(ctx context.Context) ([]*reservation.Reservation, error) {
	return s.list(ctx, `WHERE status = 'active'`)
}

func (s *SQLReservations) ListExpired(ctx context.Context, now time.Time) ([]*reservation.Reservation, error) {
	return s.list(ctx, `WHERE status = 'active' AND expiry_time IS NOT NULL AND expiry_time <= $1`, now)
}

func (s *SQLReservations) ListCleanupPending(ctx context.Context) ([]*reservation.Reservation, error) {
	return s.list(ctx, `WHERE status IN ('cancelled', 'expired', 'failed') AND NOT cleanup_done`)
}

func (s *SQLReservations) ListSiblings(ctx context.Context, masterID string) ([]*reservation.Reservation, error) {
	return s.list(ctx, `WHERE master_reservation_id = $1 AND reservation_id != $1`, masterID)
}

func (s *SQLReservations) list(ctx context.Context, where string, args ...interface{}) ([]*reservation.Reservation, error) {
	var out []*reservation.Reservation
	err := s.db.WithReadOnly(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fmt.Sprintf("SELECT %s FROM reservations %s ORDER BY created_at", reservationColumns, where), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing reservations, %w", err)
	}
	return out, nil
}

// transition enforces monotonicity: the current status is re-read under the
// row lock and the update is refused if the move would regress or leave a
// terminal state.
func transition(ctx context.Context, tx pgx.Tx, id string, next reservation.Status, detail string, now time.Time) error {
	var current reservation.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM reservations WHERE reservation_id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if current == next {
		return nil
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", current, next)
	}
	_, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2, status_history = status_history || $3::jsonb
		WHERE reservation_id = $1`, id, next, historyJSON(next, detail, now))
	return err
}

func historyJSON(status reservation.Status, detail string, now time.Time) []byte {
	return mustJSON([]reservation.HistoryEntry{{Status: status, Timestamp: now, Detail: detail}})
}

func mustJSON(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling %T, %s", v, err))
	}
	return raw
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyHistory(entries []reservation.HistoryEntry) []reservation.HistoryEntry {
	if entries == nil {
		return []reservation.HistoryEntry{}
	}
	return entries
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(row rowScanner) (*reservation.Reservation, error) {
	r := &reservation.Reservation{}
	var launch, expiry, ended, lastOOM *time.Time
	var podName, namespace, nodeIP, privateIP *string
	var nodePort *int
	var diskName, volumeID, master *string
	var githubUser, failReason, detail, logs *string
	var oomContainer, instanceType *string
	var envVars, jupyter, secondary []byte
	var warnings, history []byte
	if err := row.Scan(
		&r.ID, &r.UserID, &r.Status, &r.GPUType, &r.GPUCount, &instanceType,
		&r.DurationHours, &r.Image, &r.CreatedAt, &launch, &expiry, &ended, &r.CleanupDone,
		&podName, &namespace, &nodeIP, &nodePort, &privateIP,
		&diskName, &volumeID, &envVars, &r.PreserveEntrypoint, &githubUser,
		&jupyter, &secondary, &r.IsMultinode, &master, &r.NodeIndex, &r.TotalNodes,
		&r.OOMCount, &lastOOM, &oomContainer, &warnings, &history,
		&failReason, &detail, &logs,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.LaunchTime, r.ExpiryTime, r.EndedAt, r.LastOOMAt = launch, expiry, ended, lastOOM
	r.InstanceType = deref(instanceType)
	r.PodName, r.Namespace, r.NodeIP, r.PrivateNodeIP = deref(podName), deref(namespace), deref(nodeIP), deref(privateIP)
	if nodePort != nil {
		r.NodePort = *nodePort
	}
	r.DiskName, r.VolumeID, r.MasterReservationID = deref(diskName), deref(volumeID), deref(master)
	r.GithubUser, r.FailureReason, r.DetailedStatus, r.PodLogs = deref(githubUser), deref(failReason), deref(detail), deref(logs)
	r.OOMContainer = deref(oomContainer)
	for raw, dst := range map[*[]byte]interface{}{
		&envVars: &r.EnvVars, &jupyter: &r.Jupyter, &secondary: &r.SecondaryUsers,
		&warnings: &r.Warnings, &history: &r.StatusHistory,
	} {
		if len(*raw) > 0 {
			if err := json.Unmarshal(*raw, dst); err != nil {
				return nil, fmt.Errorf("unmarshaling reservation column, %w", err)
			}
		}
	}
	return r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
