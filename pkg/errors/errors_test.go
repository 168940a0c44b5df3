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

package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stackpod/reserver/pkg/errors"
)

func TestClassification(t *testing.T) {
	userErr := errors.NewUserError("disk %q not found", "scratch")
	contentionErr := errors.NewContentionError("insufficient capacity")
	lockErr := &pgconn.PgError{Code: "55P03"}
	plainErr := stderrors.New("connection reset")

	for _, tt := range []struct {
		name      string
		err       error
		userFatal bool
		contended bool
		transient bool
	}{
		{name: "nil", err: nil},
		{name: "user error", err: userErr, userFatal: true},
		{name: "wrapped user error", err: fmt.Errorf("acquiring disk, %w", userErr), userFatal: true},
		{name: "contention", err: contentionErr, contended: true},
		{name: "wrapped contention", err: fmt.Errorf("admitting, %w", contentionErr), contended: true},
		{name: "postgres lock not available", err: lockErr, contended: true},
		{name: "wrapped postgres lock", err: fmt.Errorf("locking row, %w", lockErr), contended: true},
		{name: "plain error", err: plainErr, transient: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.IsUserFatal(tt.err); got != tt.userFatal {
				t.Errorf("IsUserFatal() = %v, want %v", got, tt.userFatal)
			}
			if got := errors.IsContention(tt.err); got != tt.contended {
				t.Errorf("IsContention() = %v, want %v", got, tt.contended)
			}
			if got := errors.IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestUserReason(t *testing.T) {
	userErr := errors.NewUserError("extension exceeds the cap")
	if got := errors.UserReason(fmt.Errorf("extending, %w", userErr)); got != "extension exceeds the cap" {
		t.Errorf("UserReason() = %q", got)
	}
	if got := errors.UserReason(stderrors.New("boom")); got != "boom" {
		t.Errorf("UserReason() = %q", got)
	}
}
