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

package errors

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	// Postgres error codes treated as contention rather than failure.
	lockNotAvailableCode  = "55P03"
	serializationFailCode = "40001"
	deadlockDetectedCode  = "40P01"
)

var notFoundErrorCodes = sets.New[string](
	"InvalidVolume.NotFound",
	"InvalidSnapshot.NotFound",
)

// UserError carries a human-readable reason that is persisted on the
// reservation row. The message is dequeued; there is no point retrying.
type UserError struct {
	Reason string
	Err    error
}

func NewUserError(format string, args ...interface{}) *UserError {
	return &UserError{Reason: fmt.Sprintf(format, args...)}
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s, %s", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *UserError) Unwrap() error { return e.Err }

// IsUserFatal returns true if the err means the request itself is invalid
// (disk in use, unknown GPU tag, cap exceeded) and must not be retried.
func IsUserFatal(err error) bool {
	if err == nil {
		return false
	}
	var ue *UserError
	return errors.As(err, &ue)
}

// UserReason extracts the persistable reason from a user-fatal error chain.
func UserReason(err error) string {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return err.Error()
}

// ContentionError signals back-pressure: the message stays queued and is
// redelivered after its visibility timeout.
type ContentionError struct {
	Err error
}

func NewContentionError(format string, args ...interface{}) *ContentionError {
	return &ContentionError{Err: fmt.Errorf(format, args...)}
}

func (e *ContentionError) Error() string { return e.Err.Error() }

func (e *ContentionError) Unwrap() error { return e.Err }

// IsContention returns true for capacity exhaustion and row-lock NOWAIT
// failures, including the raw Postgres lock/serialization codes so callers
// don't have to wrap them at every site.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	var ce *ContentionError
	if errors.As(err, &ce) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case lockNotAvailableCode, serializationFailCode, deadlockDetectedCode:
			return true
		}
	}
	return false
}

// IsNotFound returns true if the err is a known "not found" from the cloud
// API or the orchestration API (even when wrapped).
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if apierrors.IsNotFound(err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return notFoundErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IgnoreNotFound drops "not found" errors; deletes against already-gone
// resources are no-ops for every handler in the core.
func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}

// IsTransient returns true for failures worth a redelivery: anything that is
// neither user-fatal nor contention falls back to the at-least-once path.
func IsTransient(err error) bool {
	return err != nil && !IsUserFatal(err) && !IsContention(err)
}
