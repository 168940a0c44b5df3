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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stackpod/reserver/pkg/database"
)

// Message is one received queue entry. DeliveryCount includes this
// delivery; the consumer archives the message once it crosses the bound.
type Message struct {
	ID                 int64
	DeliveryCount      int
	EnqueuedAt         time.Time
	VisibilityDeadline time.Time
	Body               []byte
}

// Provider is the durable-queue contract: at-least-once delivery with a
// per-message visibility timeout and archive-on-failure. The queue lives in
// the same Postgres instance as the state store so producers can enqueue
// inside the transaction that records the request.
type Provider interface {
	Name() string
	Receive(ctx context.Context, max int) ([]*Message, error)
	Send(ctx context.Context, body interface{}) (int64, error)
	Delete(ctx context.Context, msg *Message) error
	Archive(ctx context.Context, msg *Message) error
}

// DefaultProvider speaks the pgmq function surface.
type DefaultProvider struct {
	db                *database.Client
	queue             string
	visibilityTimeout time.Duration
}

func NewDefaultProvider(db *database.Client, queue string, visibilityTimeout time.Duration) *DefaultProvider {
	return &DefaultProvider{db: db, queue: queue, visibilityTimeout: visibilityTimeout}
}

func (p *DefaultProvider) Name() string {
	return p.queue
}

func (p *DefaultProvider) Receive(ctx context.Context, max int) ([]*Message, error) {
	var out []*Message
	err := p.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT msg_id, read_ct, enqueued_at, vt, message FROM pgmq.read($1, $2, $3)`,
			p.queue, int(p.visibilityTimeout.Seconds()), max)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			msg := &Message{}
			if err := rows.Scan(&msg.ID, &msg.DeliveryCount, &msg.EnqueuedAt, &msg.VisibilityDeadline, &msg.Body); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("receiving messages from queue %s, %w", p.queue, err)
	}
	return out, nil
}

func (p *DefaultProvider) Send(ctx context.Context, body interface{}) (int64, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshaling the passed body as json, %w", err)
	}
	var id int64
	err = p.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT pgmq.send($1, $2::jsonb)`, p.queue, raw).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("sending message to queue %s, %w", p.queue, err)
	}
	return id, nil
}

func (p *DefaultProvider) Delete(ctx context.Context, msg *Message) error {
	err := p.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var deleted bool
		return tx.QueryRow(ctx, `SELECT pgmq.delete($1, $2::bigint)`, p.queue, msg.ID).Scan(&deleted)
	})
	if err != nil {
		return fmt.Errorf("deleting message %d from queue %s, %w", msg.ID, p.queue, err)
	}
	return nil
}

func (p *DefaultProvider) Archive(ctx context.Context, msg *Message) error {
	err := p.db.WithCursor(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var archived bool
		return tx.QueryRow(ctx, `SELECT pgmq.archive($1, $2::bigint)`, p.queue, msg.ID).Scan(&archived)
	})
	if err != nil {
		return fmt.Errorf("archiving message %d from queue %s, %w", msg.ID, p.queue, err)
	}
	return nil
}
