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

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"knative.dev/pkg/logging"
)

const healthCheckRetries = 3

// Config bounds the shared pool. HealthCheck probes each connection on
// acquire and replaces dead ones before handing them to a caller.
type Config struct {
	URL            string
	MinConns       int
	MaxConns       int
	HealthCheck    bool
	AcquireTimeout time.Duration
}

// Client wraps the process-wide pgx pool. Connections are returned clean
// (committed or rolled back) and never carry session state.
//
// Scope semantics: every scope acquires its own pool connection, so nested
// scopes run in separate transactions. Work that must be atomic across
// several statements belongs inside a single WithTx call.
type Client struct {
	pool *pgxpool.Pool
	cfg  Config
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url, %w", err)
	}
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConns = int32(cfg.MaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool, %w", err)
	}
	return &Client{pool: pool, cfg: cfg}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// acquire hands out a pooled connection, probing it with SELECT 1 first and
// replacing it up to healthCheckRetries times if the probe fails.
func (c *Client) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if c.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AcquireTimeout)
		defer cancel()
	}
	var lastErr error
	for i := 0; i < healthCheckRetries; i++ {
		conn, err := c.pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring connection, %w", err)
		}
		if !c.cfg.HealthCheck {
			return conn, nil
		}
		var one int
		if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			lastErr = err
			logging.FromContext(ctx).Debugf("replacing dead pooled connection, %s", err)
			conn.Conn().Close(ctx)
			conn.Release()
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("health check failed after %d attempts, %w", healthCheckRetries, lastErr)
}

// WithCursor runs fn inside one short transaction: commit on normal return,
// rollback on error. This is the scope for single-step mutations.
func (c *Client) WithCursor(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return c.withTx(ctx, pgx.TxOptions{}, fn)
}

// WithTx is the multi-statement atomic scope: the transaction is visible to
// fn so several cursors can share it. Calling WithCursor or WithTx from
// inside fn starts an independent transaction on a different connection; it
// does not nest.
func (c *Client) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return c.withTx(ctx, pgx.TxOptions{}, fn)
}

// WithReadOnly is an optimisation hint only; it grants no visibility into
// uncommitted work on other connections.
func (c *Client) WithReadOnly(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return c.withTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (c *Client) withTx(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction, %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	return fn(ctx, tx)
}

// SetLockTimeout applies a statement-local lock timeout inside tx so that a
// contended row lock aborts instead of blocking past the admission budget.
func SetLockTimeout(ctx context.Context, tx pgx.Tx, d time.Duration) error {
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", d.Milliseconds()))
	if err != nil {
		return fmt.Errorf("setting lock timeout, %w", err)
	}
	return nil
}
