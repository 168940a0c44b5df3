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
	"time"

	"github.com/stackpod/reserver/pkg/gputype"
	"github.com/stackpod/reserver/pkg/reservation"
	"github.com/stackpod/reserver/pkg/volume"
)

// AdmitGuard decides admission against the locked GPU-type row. Returning a
// contention error leaves the message queued; a user error fails the
// reservation. The guard runs while the row lock is held, so it must not do
// I/O.
type AdmitGuard func(gt *gputype.GPUType) error

// Reservations is the typed accessor for reservation rows. Every mutation
// appends to the status history in the same transaction that changes the
// status column.
type Reservations interface {
	Get(ctx context.Context, id string) (*reservation.Reservation, error)
	Create(ctx context.Context, r *reservation.Reservation) error
	// Admit takes the GPU-type row lock (bounded by the configured lock
	// timeout), runs the guard, and on success decrements available GPUs and
	// moves the reservation from queued to pending, all in one transaction.
	Admit(ctx context.Context, id string, tag string, gpus int, guard AdmitGuard) error
	// SetVolume records which catalog volume the reservation holds, so
	// teardown knows what to release.
	SetVolume(ctx context.Context, id, volumeID string) error
	SetScheduled(ctx context.Context, id string, placement Placement, launch, expiry time.Time) error
	SetActive(ctx context.Context, id string, detail string) error
	SetExpiry(ctx context.Context, id string, expiry time.Time, detail string) error
	// Terminate drives the row to a terminal status and stamps ended_at.
	Terminate(ctx context.Context, id string, status reservation.Status, detail string) error
	// MarkCleanedUp records that the pod and volume behind a terminal row
	// are gone; until it is called the row stays in ListCleanupPending.
	MarkCleanedUp(ctx context.Context, id string) error
	SetFailed(ctx context.Context, id string, reason, detail, podLogs string) error
	SetJupyter(ctx context.Context, id string, j reservation.Jupyter) error
	AddSecondaryUser(ctx context.Context, id string, user string) error
	RecordOOM(ctx context.Context, id string, at time.Time, container string) error
	MarkWarningSent(ctx context.Context, id string, minutes int, at time.Time) error
	ListActive(ctx context.Context) ([]*reservation.Reservation, error)
	ListExpired(ctx context.Context, now time.Time) ([]*reservation.Reservation, error)
	// ListCleanupPending returns terminal rows whose cleanup never finished.
	ListCleanupPending(ctx context.Context) ([]*reservation.Reservation, error)
	ListSiblings(ctx context.Context, masterID string) ([]*reservation.Reservation, error)
}

// Placement carries the scheduler fields populated when the pod lands on a
// node.
type Placement struct {
	PodName       string
	Namespace     string
	NodeIP        string
	NodePort      int
	PrivateNodeIP string
}

// Volumes is the typed accessor for the block-volume catalog.
type Volumes interface {
	Get(ctx context.Context, id string) (*volume.Volume, error)
	GetByName(ctx context.Context, userID, name string) (*volume.Volume, error)
	// GetByNameAnyState also sees soft-deleted rows, preferring a live one
	// when both exist under the name.
	GetByNameAnyState(ctx context.Context, userID, name string) (*volume.Volume, error)
	Insert(ctx context.Context, v *volume.Volume) (string, error)
	// AcquireForReservation locks the row with NOWAIT and binds it to the
	// reservation. A held lock surfaces as contention; an in-use or deleted
	// volume surfaces as a user error.
	AcquireForReservation(ctx context.Context, userID, name, reservationID string) (*volume.Volume, error)
	Release(ctx context.Context, id string, lastUsed time.Time) error
	SoftDelete(ctx context.Context, id string, deleteDate time.Time) error
	HardDelete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*volume.Volume, error)
	ListPurgeDue(ctx context.Context, now time.Time) ([]*volume.Volume, error)
	UpdateFromCloud(ctx context.Context, v *volume.Volume) error
	SetOperation(ctx context.Context, id, operationID string, status volume.OperationStatus, opErr string) error
	AdjustPendingSnapshots(ctx context.Context, id string, delta int) error
}

// GPUTypes is the typed accessor for the GPU-type catalog.
type GPUTypes interface {
	Get(ctx context.Context, tag string) (*gputype.GPUType, error)
	List(ctx context.Context) ([]*gputype.GPUType, error)
	// UpdateAvailability overwrites the dynamic columns in a single update.
	UpdateAvailability(ctx context.Context, gt *gputype.GPUType) error
}

// AuditEntry is one append-only investigation record.
type AuditEntry struct {
	UserID       string
	EventType    string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	ActorIP      string
	Timestamp    time.Time
}

// Audit appends investigation records; rows are never read by the core.
type Audit interface {
	Insert(ctx context.Context, entry AuditEntry) error
}
