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

// Package fake provides in-memory doubles of the system's external
// dependencies for tests: the queue, the cluster gateway, the cloud
// provider, the key provider and the datastore accessors. Every fake has a
// Reset for reuse across test cases.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/stackpod/reserver/pkg/queue"
)

// Queue is an in-memory queue.Provider with real visibility-timeout
// semantics: a received message disappears until its deadline lapses, then
// redelivers with an incremented delivery count.
type Queue struct {
	mu sync.Mutex

	QueueName         string
	VisibilityTimeout time.Duration
	Clock             clock.Clock

	ReceiveErr error
	DeleteErr  error

	nextID   int64
	messages []*storedMessage
	Archived []*queue.Message
}

type storedMessage struct {
	msg            *queue.Message
	invisibleUntil time.Time
}

func NewQueue(name string, clk clock.Clock, visibilityTimeout time.Duration) *Queue {
	return &Queue{QueueName: name, Clock: clk, VisibilityTimeout: visibilityTimeout}
}

func (q *Queue) Name() string { return q.QueueName }

func (q *Queue) Send(_ context.Context, body interface{}) (int64, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshaling the passed body as json, %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.messages = append(q.messages, &storedMessage{
		msg: &queue.Message{ID: q.nextID, EnqueuedAt: q.Clock.Now(), Body: raw},
	})
	return q.nextID, nil
}

func (q *Queue) Receive(_ context.Context, max int) ([]*queue.Message, error) {
	if q.ReceiveErr != nil {
		return nil, q.ReceiveErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Clock.Now()
	var out []*queue.Message
	for _, stored := range q.messages {
		if len(out) >= max {
			break
		}
		if now.Before(stored.invisibleUntil) {
			continue
		}
		stored.invisibleUntil = now.Add(q.VisibilityTimeout)
		stored.msg.DeliveryCount++
		stored.msg.VisibilityDeadline = stored.invisibleUntil
		out = append(out, stored.msg)
	}
	return out, nil
}

func (q *Queue) Delete(_ context.Context, msg *queue.Message) error {
	if q.DeleteErr != nil {
		return q.DeleteErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(msg.ID)
	return nil
}

func (q *Queue) Archive(_ context.Context, msg *queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(msg.ID)
	q.Archived = append(q.Archived, msg)
	return nil
}

// Len reports the count of messages still on the queue, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID = 0
	q.messages = nil
	q.Archived = nil
	q.ReceiveErr = nil
	q.DeleteErr = nil
}

func (q *Queue) remove(id int64) {
	for i, stored := range q.messages {
		if stored.msg.ID == id {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return
		}
	}
}
