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

package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrForeignHandle is returned when an engine receives a handle it did not
// open.
var ErrForeignHandle = errors.New("engine: handle was not opened by this engine")

// Handle is an opaque connection handle owned by the engine. Handles are
// handed out by a pool provider and must never be shared between sessions.
type Handle interface {
	ID() string
}

// Engine is the relational engine orbit delegates SQL execution and
// transaction durability to.
type Engine interface {
	Dialect() Dialect
	OpenHandle(ctx context.Context) (Handle, error)
	CloseHandle(h Handle) error
	Execute(ctx context.Context, h Handle, q NativeQuery) (RowSet, error)
	ExecuteWrite(ctx context.Context, h Handle, m NativeMutation) (WriteResult, error)
	Begin(ctx context.Context, h Handle) error
	Commit(ctx context.Context, h Handle) error
	Rollback(ctx context.Context, h Handle) error
}

// RowSet is the result of Execute. *sql.Rows satisfies it.
type RowSet interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Dialect carries the few engine traits the query builder needs.
type Dialect struct {
	Name       string
	IdentQuote byte
	// Returning reports support for INSERT ... RETURNING.
	Returning bool
}

// Quote quotes an identifier, doubling embedded quote characters.
func (d Dialect) Quote(ident string) string {
	q := d.IdentQuote
	if q == 0 {
		q = '"'
	}
	qs := string(q)
	return qs + strings.ReplaceAll(ident, qs, qs+qs) + qs
}

// NativeQuery is a read statement with '?' placeholders.
type NativeQuery struct {
	SQL  string
	Args []any
}

func (q NativeQuery) String() string { return q.SQL }

type MutationKind int

const (
	Insert MutationKind = iota
	Update
	Delete
)

func (k MutationKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// NativeMutation is a write statement with '?' placeholders.
type NativeMutation struct {
	Kind  MutationKind
	Table string
	SQL   string
	Args  []any
	// Returning names the identifier column whose generated value the caller
	// wants back. UseReturning is set when SQL already ends in RETURNING;
	// otherwise the engine falls back to the driver's last insert id.
	Returning    string
	UseReturning bool
}

func (m NativeMutation) String() string { return m.SQL }

// WriteResult is the outcome of ExecuteWrite.
type WriteResult struct {
	Affected    int64
	GeneratedID any
}
