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
	"sync"

	"github.com/stackpod/reserver/pkg/errors"
)

// SSHKeys is an in-memory key provider. Unknown users fail the way the real
// provider does, as a user-visible error.
type SSHKeys struct {
	mu sync.Mutex

	KeysByUser map[string][]string
	Err        error
}

func NewSSHKeys() *SSHKeys {
	s := &SSHKeys{}
	s.Reset()
	return s
}

func (s *SSHKeys) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeysByUser = map[string][]string{}
	s.Err = nil
}

func (s *SSHKeys) KeysFor(_ context.Context, user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	keys, ok := s.KeysByUser[user]
	if !ok || len(keys) == 0 {
		return nil, errors.NewUserError("no SSH keys published for %q", user)
	}
	return keys, nil
}
