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

	"github.com/stackpod/reserver/pkg/cloud"
)

// SnapshotCall records one snapshot requested through the fake cloud.
type SnapshotCall struct {
	VolumeID    string
	Description string
}

// CloudProvider is an in-memory cloud.Provider.
type CloudProvider struct {
	mu sync.Mutex

	Volumes        []cloud.Volume
	InstancesByTag map[string]int

	Snapshots      []SnapshotCall
	DeletedVolumes []string

	ListVolumesErr    error
	CreateSnapshotErr error
	DeleteVolumeErr   error

	nextSnapshot int
}

func NewCloudProvider() *CloudProvider {
	c := &CloudProvider{}
	c.Reset()
	return c
}

func (c *CloudProvider) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Volumes = nil
	c.InstancesByTag = map[string]int{}
	c.Snapshots = nil
	c.DeletedVolumes = nil
	c.ListVolumesErr = nil
	c.CreateSnapshotErr = nil
	c.DeleteVolumeErr = nil
	c.nextSnapshot = 0
}

func (c *CloudProvider) ListVolumes(_ context.Context) ([]cloud.Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListVolumesErr != nil {
		return nil, c.ListVolumesErr
	}
	out := make([]cloud.Volume, len(c.Volumes))
	copy(out, c.Volumes)
	return out, nil
}

func (c *CloudProvider) CreateSnapshot(_ context.Context, volumeID, description string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateSnapshotErr != nil {
		return "", c.CreateSnapshotErr
	}
	c.Snapshots = append(c.Snapshots, SnapshotCall{VolumeID: volumeID, Description: description})
	c.nextSnapshot++
	return fmt.Sprintf("snap-%04d", c.nextSnapshot), nil
}

func (c *CloudProvider) DeleteVolume(_ context.Context, volumeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeleteVolumeErr != nil {
		return c.DeleteVolumeErr
	}
	c.DeletedVolumes = append(c.DeletedVolumes, volumeID)
	return nil
}

func (c *CloudProvider) InServiceInstances(_ context.Context, tag string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.InstancesByTag[tag], nil
}
