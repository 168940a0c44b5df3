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

package sshkeys

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/stackpod/reserver/pkg/errors"
)

const (
	fetchAttempts  = 3
	fetchBaseDelay = 500 * time.Millisecond

	keyCacheTTL             = 10 * time.Minute
	keyCacheCleanupInterval = 30 * time.Minute
)

// Provider resolves an external identifier to SSH public-key material.
type Provider interface {
	KeysFor(ctx context.Context, user string) ([]string, error)
}

// DefaultProvider fetches public keys over HTTPS with bounded exponential
// backoff and a short cache; an identity with no keys is a user-visible
// failure, not a retry.
type DefaultProvider struct {
	client      *http.Client
	urlTemplate string
	cache       *cache.Cache
}

func NewDefaultProvider(client *http.Client, urlTemplate string) *DefaultProvider {
	return &DefaultProvider{
		client:      client,
		urlTemplate: urlTemplate,
		cache:       cache.New(keyCacheTTL, keyCacheCleanupInterval),
	}
}

func (p *DefaultProvider) KeysFor(ctx context.Context, user string) ([]string, error) {
	if cached, ok := p.cache.Get(user); ok {
		return cached.([]string), nil
	}
	var keys []string
	err := retry.Do(func() error {
		var err error
		keys, err = p.fetch(ctx, user)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(fetchAttempts),
		retry.Delay(fetchBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return !errors.IsUserFatal(err) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	p.cache.SetDefault(user, keys)
	return keys, nil
}

func (p *DefaultProvider) fetch(ctx context.Context, user string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(p.urlTemplate, user), nil)
	if err != nil {
		return nil, fmt.Errorf("building key request for %s, %w", user, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching keys for %s, %w", user, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching keys for %s, status %d", user, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading keys for %s, %w", user, err)
	}
	keys := lo.Filter(strings.Split(strings.TrimSpace(string(raw)), "\n"), func(line string, _ int) bool {
		return strings.TrimSpace(line) != ""
	})
	if len(keys) == 0 {
		return nil, errors.NewUserError("no SSH keys published for %q", user)
	}
	return keys, nil
}
