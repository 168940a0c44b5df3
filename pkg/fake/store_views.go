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

	"github.com/stackpod/reserver/pkg/database/store"
	"github.com/stackpod/reserver/pkg/gputype"
	"github.com/stackpod/reserver/pkg/volume"
)

// The accessor interfaces overlap on Get, List and Insert, so the shared
// Store is exposed through thin views that pin each name to the right table.

func (s *Store) Reservations() store.Reservations { return reservationsView{s} }
func (s *Store) Volumes() store.Volumes           { return volumesView{s} }
func (s *Store) GPUTypes() store.GPUTypes         { return gpuTypesView{s} }
func (s *Store) Audit() store.Audit               { return auditView{s} }

type reservationsView struct{ *Store }

type volumesView struct{ *Store }

func (v volumesView) Get(ctx context.Context, id string) (*volume.Volume, error) {
	return v.GetVolume(ctx, id)
}

type gpuTypesView struct{ *Store }

func (v gpuTypesView) Get(ctx context.Context, tag string) (*gputype.GPUType, error) {
	return v.GetGPUType(ctx, tag)
}

func (v gpuTypesView) List(ctx context.Context) ([]*gputype.GPUType, error) {
	return v.ListGPUTypes(ctx)
}

type auditView struct{ *Store }

func (v auditView) Insert(ctx context.Context, entry store.AuditEntry) error {
	return v.InsertAudit(ctx, entry)
}
