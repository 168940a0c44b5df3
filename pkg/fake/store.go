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

package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/stackpod/reserver/pkg/database/store"
	reserrors "github.com/stackpod/reserver/pkg/errors"
	"github.com/stackpod/reserver/pkg/gputype"
	"github.com/stackpod/reserver/pkg/reservation"
	"github.com/stackpod/reserver/pkg/volume"
)

// Store is an in-memory datastore mirroring the SQL accessors' semantics:
// monotonic status transitions with history appended, optimistic availability
// decrement at admission, and soft-delete bookkeeping on volumes. One Store
// backs all four accessor interfaces so admission can see the GPU-type rows.
type Store struct {
	mu    sync.Mutex
	Clock clock.Clock

	ReservationRows map[string]*reservation.Reservation
	VolumeRows      map[string]*volume.Volume
	GPUTypeRows     map[string]*gputype.GPUType
	AuditRows       []store.AuditEntry

	nextVolume int
}

func NewStore(clk clock.Clock) *Store {
	s := &Store{Clock: clk}
	s.Reset()
	return s
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReservationRows = map[string]*reservation.Reservation{}
	s.VolumeRows = map[string]*volume.Volume{}
	s.GPUTypeRows = map[string]*gputype.GPUType{}
	s.AuditRows = nil
	s.nextVolume = 0
}

// Reservations

func (s *Store) Get(_ context.Context, id string) (*reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return nil, fmt.Errorf("getting reservation %s, %w", id, store.ErrNotFound)
	}
	return copyReservation(r), nil
}

func (s *Store) Create(_ context.Context, r *reservation.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ReservationRows[r.ID]; ok {
		return nil
	}
	s.ReservationRows[r.ID] = copyReservation(r)
	return nil
}

func (s *Store) Admit(_ context.Context, id string, tag string, gpus int, guard store.AdmitGuard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gt, ok := s.GPUTypeRows[tag]
	if !ok {
		return reserrors.NewUserError("unknown GPU type %q", tag)
	}
	snapshot := *gt
	if err := guard(&snapshot); err != nil {
		return err
	}
	gt.AvailableGPUs -= gpus
	if gt.AvailableGPUs < 0 {
		gt.AvailableGPUs = 0
	}
	return s.transition(id, reservation.StatusPending, "admitted against available capacity")
}

func (s *Store) SetVolume(_ context.Context, id, volumeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	r.VolumeID = volumeID
	return nil
}

func (s *Store) SetScheduled(_ context.Context, id string, placement store.Placement, launch, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	r.PodName, r.Namespace = placement.PodName, placement.Namespace
	r.NodeIP, r.NodePort, r.PrivateNodeIP = placement.NodeIP, placement.NodePort, placement.PrivateNodeIP
	r.LaunchTime, r.ExpiryTime = &launch, &expiry
	return s.transition(id, reservation.StatusPreparing, fmt.Sprintf("pod %s scheduled", placement.PodName))
}

func (s *Store) SetActive(_ context.Context, id string, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, reservation.StatusActive, detail)
}

func (s *Store) SetExpiry(_ context.Context, id string, expiry time.Time, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != reservation.StatusActive {
		return nil
	}
	r.ExpiryTime = &expiry
	r.StatusHistory = append(r.StatusHistory, reservation.HistoryEntry{
		Status: reservation.StatusActive, Timestamp: s.Clock.Now(), Detail: detail,
	})
	return nil
}

func (s *Store) Terminate(_ context.Context, id string, status reservation.Status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.EndedAt == nil {
		now := s.Clock.Now()
		r.EndedAt = &now
	}
	return s.transition(id, status, detail)
}

func (s *Store) MarkCleanedUp(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	r.CleanupDone = true
	return nil
}

func (s *Store) SetFailed(_ context.Context, id string, reason, detail, podLogs string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.Clock.Now()
	r.FailureReason, r.DetailedStatus, r.PodLogs, r.EndedAt = reason, detail, podLogs, &now
	return s.transition(id, reservation.StatusFailed, reason)
}

func (s *Store) SetJupyter(_ context.Context, id string, j reservation.Jupyter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Jupyter = j
	return nil
}

func (s *Store) AddSecondaryUser(_ context.Context, id string, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	if !lo.Contains(r.SecondaryUsers, user) {
		r.SecondaryUsers = append(r.SecondaryUsers, user)
	}
	return nil
}

func (s *Store) RecordOOM(_ context.Context, id string, at time.Time, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	r.OOMCount++
	r.LastOOMAt, r.OOMContainer = &at, container
	return nil
}

func (s *Store) MarkWarningSent(_ context.Context, id string, minutes int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Warnings.Sent == nil {
		r.Warnings.Sent = map[int]bool{}
	}
	r.Warnings.Sent[minutes] = true
	r.Warnings.LastAt = &at
	return nil
}

func (s *Store) ListActive(_ context.Context) ([]*reservation.Reservation, error) {
	return s.listReservations(func(r *reservation.Reservation) bool {
		return r.Status == reservation.StatusActive
	})
}

func (s *Store) ListExpired(_ context.Context, now time.Time) ([]*reservation.Reservation, error) {
	return s.listReservations(func(r *reservation.Reservation) bool {
		return r.Status == reservation.StatusActive && r.ExpiryTime != nil && !r.ExpiryTime.After(now)
	})
}

func (s *Store) ListCleanupPending(_ context.Context) ([]*reservation.Reservation, error) {
	return s.listReservations(func(r *reservation.Reservation) bool {
		return r.Status.IsTerminal() && !r.CleanupDone
	})
}

func (s *Store) ListSiblings(_ context.Context, masterID string) ([]*reservation.Reservation, error) {
	return s.listReservations(func(r *reservation.Reservation) bool {
		return r.MasterReservationID == masterID && r.ID != masterID
	})
}

// Volumes

func (s *Store) GetVolume(_ context.Context, id string) (*volume.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.VolumeRows[id]
	if !ok {
		return nil, fmt.Errorf("getting volume, %w", store.ErrNotFound)
	}
	return copyVolume(v), nil
}

func (s *Store) GetByName(_ context.Context, userID, name string) (*volume.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.VolumeRows {
		if v.UserID == userID && v.Name == name && !v.IsDeleted {
			return copyVolume(v), nil
		}
	}
	return nil, fmt.Errorf("getting volume, %w", store.ErrNotFound)
}

func (s *Store) GetByNameAnyState(_ context.Context, userID, name string) (*volume.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted *volume.Volume
	for _, v := range s.VolumeRows {
		if v.UserID != userID || v.Name != name {
			continue
		}
		if !v.IsDeleted {
			return copyVolume(v), nil
		}
		deleted = v
	}
	if deleted != nil {
		return copyVolume(deleted), nil
	}
	return nil, fmt.Errorf("getting volume, %w", store.ErrNotFound)
}

func (s *Store) Insert(_ context.Context, v *volume.Volume) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		s.nextVolume++
		v.ID = fmt.Sprintf("disk-%04d", s.nextVolume)
	}
	s.VolumeRows[v.ID] = copyVolume(v)
	return v.ID, nil
}

func (s *Store) AcquireForReservation(_ context.Context, userID, name, reservationID string) (*volume.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.VolumeRows {
		if v.UserID != userID || v.Name != name {
			continue
		}
		if v.IsDeleted {
			return nil, reserrors.NewUserError("disk %q is deleted", name)
		}
		if v.InUse && v.ReservationID != reservationID {
			return nil, reserrors.NewUserError("disk in use by reservation %s", v.ReservationID)
		}
		v.InUse, v.ReservationID = true, reservationID
		return copyVolume(v), nil
	}
	return nil, reserrors.NewUserError("disk %q not found", name)
}

func (s *Store) Release(_ context.Context, id string, lastUsed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.VolumeRows[id]; ok {
		v.InUse, v.ReservationID = false, ""
		v.LastUsed = &lastUsed
	}
	return nil
}

func (s *Store) SoftDelete(_ context.Context, id string, deleteDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.VolumeRows[id]; ok {
		v.IsDeleted = true
		v.DeleteDate = &deleteDate
	}
	return nil
}

func (s *Store) HardDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.VolumeRows[id]; ok && v.IsDeleted {
		delete(s.VolumeRows, id)
	}
	return nil
}

func (s *Store) List(_ context.Context) ([]*volume.Volume, error) {
	return s.listVolumes(func(*volume.Volume) bool { return true })
}

func (s *Store) ListPurgeDue(_ context.Context, now time.Time) ([]*volume.Volume, error) {
	return s.listVolumes(func(v *volume.Volume) bool { return v.PurgeDue(now) })
}

func (s *Store) UpdateFromCloud(_ context.Context, v *volume.Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.VolumeRows[v.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.CloudVolumeID, existing.SizeGiB = v.CloudVolumeID, v.SizeGiB
	existing.InUse, existing.ReservationID = v.InUse, v.ReservationID
	existing.SnapshotCount, existing.PendingSnapshotCount = v.SnapshotCount, v.PendingSnapshotCount
	existing.LastSnapshotAt = v.LastSnapshotAt
	return nil
}

func (s *Store) SetOperation(_ context.Context, id, operationID string, status volume.OperationStatus, opErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.VolumeRows[id]; ok {
		v.OperationID, v.OperationStatus, v.OperationError = operationID, status, opErr
	}
	return nil
}

func (s *Store) AdjustPendingSnapshots(_ context.Context, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.VolumeRows[id]; ok {
		v.PendingSnapshotCount += delta
		if v.PendingSnapshotCount < 0 {
			v.PendingSnapshotCount = 0
		}
	}
	return nil
}

// GPUTypes

func (s *Store) GetGPUType(_ context.Context, tag string) (*gputype.GPUType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gt, ok := s.GPUTypeRows[tag]
	if !ok {
		return nil, fmt.Errorf("getting gpu type %s, %w", tag, store.ErrNotFound)
	}
	out := *gt
	return &out, nil
}

func (s *Store) ListGPUTypes(_ context.Context) ([]*gputype.GPUType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gputype.GPUType
	for _, gt := range s.GPUTypeRows {
		c := *gt
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) UpdateAvailability(_ context.Context, gt *gputype.GPUType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.GPUTypeRows[gt.Tag]
	if !ok {
		return store.ErrNotFound
	}
	existing.TotalClusterGPUs, existing.AvailableGPUs = gt.TotalClusterGPUs, gt.AvailableGPUs
	existing.MaxReservable, existing.FullNodesAvailable = gt.MaxReservable, gt.FullNodesAvailable
	existing.RunningInstances = gt.RunningInstances
	existing.LastAvailabilityUpdate = gt.LastAvailabilityUpdate
	existing.LastAvailabilityUpdatedBy = gt.LastAvailabilityUpdatedBy
	return nil
}

// Audit

func (s *Store) InsertAudit(_ context.Context, entry store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AuditRows = append(s.AuditRows, entry)
	return nil
}

// transition mirrors the SQL state-machine helper: same-status is a no-op,
// regressions and exits from terminal states are errors, and every change
// appends a history entry.
func (s *Store) transition(id string, next reservation.Status, detail string) error {
	r, ok := s.ReservationRows[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status == next {
		return nil
	}
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", r.Status, next)
	}
	r.Status = next
	r.StatusHistory = append(r.StatusHistory, reservation.HistoryEntry{
		Status: next, Timestamp: s.Clock.Now(), Detail: detail,
	})
	return nil
}

func (s *Store) listReservations(keep func(*reservation.Reservation) bool) ([]*reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reservation.Reservation
	for _, r := range s.ReservationRows {
		if keep(r) {
			out = append(out, copyReservation(r))
		}
	}
	return out, nil
}

func (s *Store) listVolumes(keep func(*volume.Volume) bool) ([]*volume.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*volume.Volume
	for _, v := range s.VolumeRows {
		if keep(v) {
			out = append(out, copyVolume(v))
		}
	}
	return out, nil
}

func copyReservation(r *reservation.Reservation) *reservation.Reservation {
	c := *r
	c.EnvVars = lo.Assign(map[string]string{}, r.EnvVars)
	c.SecondaryUsers = append([]string(nil), r.SecondaryUsers...)
	c.StatusHistory = append([]reservation.HistoryEntry(nil), r.StatusHistory...)
	if r.Warnings.Sent != nil {
		c.Warnings.Sent = map[int]bool{}
		for k, v := range r.Warnings.Sent {
			c.Warnings.Sent[k] = v
		}
	}
	return &c
}

func copyVolume(v *volume.Volume) *volume.Volume {
	c := *v
	return &c
}
