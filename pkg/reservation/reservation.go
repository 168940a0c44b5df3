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

package reservation

import (
	"time"

	"github.com/samber/lo"
)

// Status is the lifecycle phase of a reservation. Transitions are monotonic
// through queued < pending < preparing < active; cancelled, expired and
// failed are terminal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusQueued:    0,
	StatusPending:   1,
	StatusPreparing: 2,
	StatusActive:    3,
}

var terminalStatuses = []Status{StatusCancelled, StatusExpired, StatusFailed}

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return lo.Contains(terminalStatuses, s)
}

// CanTransition reports whether moving from s to next respects the state
// machine: no leaving a terminal state and no regression through the
// queued < pending < preparing < active ordering. Any non-terminal state may
// move to a terminal one.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// HistoryEntry is one element of the append-only status history kept on the
// reservation row. The last entry always matches the status column; both are
// written in the same transaction.
type HistoryEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Warnings tracks which pre-expiry warning levels have been emitted. Each
// level fires at most once per reservation.
type Warnings struct {
	Sent   map[int]bool `json:"sent,omitempty"`
	LastAt *time.Time   `json:"last_at,omitempty"`
}

// Jupyter is the optional notebook sub-state of a running reservation.
type Jupyter struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Port    int    `json:"port,omitempty"`
	Token   string `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Reservation is a time-bounded claim on GPUs (or CPU slots) materialised as
// a single pod, or as N sibling rows sharing a master in the multi-node case.
type Reservation struct {
	ID     string
	UserID string
	Status Status

	GPUType       string
	GPUCount      int
	InstanceType  string
	DurationHours float64
	Image         string

	CreatedAt  time.Time
	LaunchTime *time.Time
	ExpiryTime *time.Time
	EndedAt    *time.Time

	// CleanupDone flips once the pod is gone and the volume released, so a
	// teardown interrupted after the terminal status committed is retried.
	CleanupDone bool

	PodName       string
	Namespace     string
	NodeIP        string
	NodePort      int
	PrivateNodeIP string

	DiskName string
	VolumeID string

	EnvVars            map[string]string
	PreserveEntrypoint bool
	GithubUser         string

	Jupyter        Jupyter
	SecondaryUsers []string

	IsMultinode         bool
	MasterReservationID string
	NodeIndex           int
	TotalNodes          int

	OOMCount     int
	LastOOMAt    *time.Time
	OOMContainer string

	Warnings      Warnings
	StatusHistory []HistoryEntry

	FailureReason  string
	DetailedStatus string
	PodLogs        string
}

// IsMaster reports whether this row owns the schedule of a multi-node group.
func (r *Reservation) IsMaster() bool {
	return r.IsMultinode && (r.MasterReservationID == "" || r.MasterReservationID == r.ID)
}

// WarningSent reports whether the warning at the given threshold (minutes
// before expiry) has already been emitted.
func (r *Reservation) WarningSent(minutes int) bool {
	return r.Warnings.Sent[minutes]
}

// TimeRemaining returns the duration until expiry, negative once past it.
// Reservations that have not launched have no expiry and report false.
func (r *Reservation) TimeRemaining(now time.Time) (time.Duration, bool) {
	if r.ExpiryTime == nil {
		return 0, false
	}
	return r.ExpiryTime.Sub(now), true
}
