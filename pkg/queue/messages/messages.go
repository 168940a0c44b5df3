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

package messages

// Action is the top-level discriminator of every queue message body.
type Action string

const (
	ActionReserve        Action = "reserve"
	ActionCancel         Action = "cancel"
	ActionExtend         Action = "extend"
	ActionEnableJupyter  Action = "enable_jupyter"
	ActionDisableJupyter Action = "disable_jupyter"
	ActionAddUser        Action = "add_user"
	ActionDiskCreate     Action = "disk_create"
	ActionDiskDelete     Action = "disk_delete"
)

// Metadata is the envelope every message carries regardless of action.
type Metadata struct {
	Action        Action `json:"action"`
	ReservationID string `json:"reservation_id,omitempty"`
	DiskName      string `json:"disk_name,omitempty"`
	UserID        string `json:"user_id"`
}

// Message is one parsed queue message.
type Message interface {
	Kind() Action
	GetMetadata() Metadata
}

// GetMetadata returns the envelope fields shared by every message.
func (m Metadata) GetMetadata() Metadata { return m }

// Reserve requests a new reservation.
type Reserve struct {
	Metadata
	GPUType             string            `json:"gpu_type"`
	GPUCount            int               `json:"gpu_count"`
	InstanceType        string            `json:"instance_type"`
	DurationHours       float64           `json:"duration_hours"`
	Image               string            `json:"image"`
	PreserveEntrypoint  bool              `json:"preserve_entrypoint"`
	EnvVars             map[string]string `json:"env_vars"`
	JupyterEnabled      bool              `json:"jupyter_enabled"`
	GithubUser          string            `json:"github_user"`
	IsMultinode         bool              `json:"is_multinode"`
	TotalNodes          int               `json:"total_nodes"`
	NodeIndex           int               `json:"node_index"`
	MasterReservationID string            `json:"master_reservation_id,omitempty"`
}

func (Reserve) Kind() Action { return ActionReserve }

// Cancel requests termination of a reservation in any non-terminal state.
type Cancel struct {
	Metadata
}

func (Cancel) Kind() Action { return ActionCancel }

// Extend pushes the expiry time out, bounded by the absolute cap.
type Extend struct {
	Metadata
	Hours float64 `json:"hours"`
}

func (Extend) Kind() Action { return ActionExtend }

// EnableJupyter starts the notebook server on the running pod.
type EnableJupyter struct {
	Metadata
}

func (EnableJupyter) Kind() Action { return ActionEnableJupyter }

// DisableJupyter stops the notebook server and clears its state.
type DisableJupyter struct {
	Metadata
}

func (DisableJupyter) Kind() Action { return ActionDisableJupyter }

// AddUser grants an additional external identity SSH access to the pod.
type AddUser struct {
	Metadata
	GithubUser string `json:"github_user"`
}

func (AddUser) Kind() Action { return ActionAddUser }

// DiskCreate provisions a new block volume.
type DiskCreate struct {
	Metadata
	SizeGiB     int    `json:"size_gib"`
	OperationID string `json:"operation_id"`
}

func (DiskCreate) Kind() Action { return ActionDiskCreate }

// DiskDelete snapshots and soft-deletes a volume; hard deletion happens
// after the retention window.
type DiskDelete struct {
	Metadata
	OperationID string `json:"operation_id"`
}

func (DiskDelete) Kind() Action { return ActionDiskDelete }
