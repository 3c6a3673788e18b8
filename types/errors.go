/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package types

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoSession is returned by write operations invoked without an explicit or
// ambient session.
var ErrNoSession = errors.New("no session: write operations require an explicit or ambient session")

// InvalidMappingError reports an entity declaration that cannot be turned into
// a descriptor. It is raised while the registry is being built.
type InvalidMappingError struct {
	Entity string
	Field  string
	Reason string
}

func (e *InvalidMappingError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid mapping for %s.%s: %s", e.Entity, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid mapping for %s: %s", e.Entity, e.Reason)
}

// UnmappedTypeError reports a type that was never registered as an entity.
type UnmappedTypeError struct {
	Entity string
	Reason string
}

func (e *UnmappedTypeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("type %s is not a mapped entity: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("type %s is not a mapped entity", e.Entity)
}

// UnknownFieldError reports a query reference to a field that the entity
// descriptor does not declare.
type UnknownFieldError struct {
	Entity string
	Field  string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q on entity %s", e.Field, e.Entity)
}

// TypeMismatchError reports a comparison literal whose semantic type does not
// match the mapped type of the field it is compared with.
type TypeMismatchError struct {
	Entity   string
	Field    string
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch on %s.%s: field is %s, value is %s", e.Entity, e.Field, e.Expected, e.Actual)
}

// IdentityConflictError reports an attempt to track a second instance under an
// identity that the session already maps to another instance.
type IdentityConflictError struct {
	Entity string
	ID     any
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict: %s with id %v is already tracked by another instance", e.Entity, e.ID)
}

// NotTrackedError reports an operation on an instance the session does not
// manage.
type NotTrackedError struct {
	Entity string
	ID     any
}

func (e *NotTrackedError) Error() string {
	return fmt.Sprintf("%s with id %v is not tracked by the session", e.Entity, e.ID)
}

// ConcurrentSessionAccessError reports two logical operations using the same
// session at once. It is a programming error.
type ConcurrentSessionAccessError struct {
	SessionID string
	Op        string
}

func (e *ConcurrentSessionAccessError) Error() string {
	return fmt.Sprintf("concurrent access to session %s during %s", e.SessionID, e.Op)
}

// SessionStateError reports an operation that is not allowed in the current
// session status, for example a second commit after a rollback.
type SessionStateError struct {
	SessionID string
	Status    string
	Op        string
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("session %s: cannot %s in status %s", e.SessionID, e.Op, e.Status)
}

// PersistenceError wraps a failure raised while flushing or committing. The
// session has already been rolled back when it is returned.
type PersistenceError struct {
	Op     string
	Entity string
	ID     any
	// Class is the driver-independent failure class, e.g. "duplicate_key".
	Class string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence failure during %s of %s (id %v): %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PoolTimeoutError is returned when no pooled handle became available within
// the configured acquire timeout.
type PoolTimeoutError struct {
	Timeout time.Duration
	InUse   int
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for a pooled handle (%d in use)", e.Timeout, e.InUse)
}

// NotFoundError reports a missing row for the given identifier.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id %v not found", e.Entity, e.ID)
}

// IsRetryable reports whether err belongs to the retryable category: pool
// timeouts and connection failures. Orbit never retries on its own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var poolErr *PoolTimeoutError
	if errors.As(err, &poolErr) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
