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

package volume

import (
	"time"
)

// OperationStatus tracks the async disk operation a producer is polling on.
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationInProgress OperationStatus = "in_progress"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
)

// Volume is a user-owned block-storage record. The row is unique by
// (UserID, Name); CloudVolumeID is assigned once the cloud volume exists.
type Volume struct {
	ID            string
	UserID        string
	Name          string
	SizeGiB       int
	CloudVolumeID string

	InUse         bool
	ReservationID string

	IsDeleted  bool
	DeleteDate *time.Time

	SnapshotCount        int
	PendingSnapshotCount int
	LastSnapshotAt       *time.Time
	LastUsed             *time.Time

	OperationID     string
	OperationStatus OperationStatus
	OperationError  string
}

// Attachable reports whether the volume may be bound to a reservation. A
// soft-deleted volume can never be attached, nor can one already in use.
func (v *Volume) Attachable() bool {
	return !v.IsDeleted && !v.InUse
}

// PurgeDue reports whether the soft-deleted volume has passed its retention
// window and is eligible for hard deletion.
func (v *Volume) PurgeDue(now time.Time) bool {
	return v.IsDeleted && v.DeleteDate != nil && !now.Before(*v.DeleteDate)
}
