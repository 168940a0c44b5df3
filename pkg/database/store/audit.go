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
	"fmt"

	"github.com/jackc/pgx/v5"
	"k8s.io/utils/clock"

	"github.com/stackpod/reserver/pkg/database"
)

// SQLAudit is the Postgres-backed Audit accessor.
type SQLAudit struct {
	db  *database.Client
	clk clock.Clock
}

func NewSQLAudit(db *database.Client, clk clock.Clock) *SQLAudit {
	return &SQLAudit{db: db, clk: clk}
}

func (s *SQLAudit) Insert(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clk.Now()
	}
	err := s.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO audit_log (user_id, event_type, action, resource_type, resource_id, details, actor_ip, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			entry.UserID, entry.EventType, entry.Action, entry.ResourceType, entry.ResourceID,
			mustJSON(entry.Details), nullString(entry.ActorIP), entry.Timestamp)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting audit row, %w", err)
	}
	return nil
}
