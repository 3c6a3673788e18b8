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

package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/tomoncle/orbit/engine"
)

// FakeEngine is an in-memory engine.Engine that records statements. Writes
// issued inside a transaction become visible in Committed only after
// Commit.
type FakeEngine struct {
	Dial engine.Dialect

	// FailWrite, if set, is consulted before every write; n counts writes
	// of the current transaction from 1.
	FailWrite func(m engine.NativeMutation, n int) error
	// Query answers Execute. The default returns no rows.
	Query func(q engine.NativeQuery) (engine.RowSet, error)
	// OpenErr fails OpenHandle.
	OpenErr error

	mu        sync.Mutex
	handles   map[string]*fakeHandle
	opened    int
	closed    int
	nextID    int64
	log       []string
	committed []engine.NativeMutation
}

type fakeHandle struct {
	id      string
	inTx    bool
	pending []engine.NativeMutation
	broken  bool
}

func (h *fakeHandle) ID() string { return h.id }

var _ engine.Engine = (*FakeEngine)(nil)

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		Dial:    engine.Dialect{Name: "sqlite", IdentQuote: '"', Returning: true},
		handles: make(map[string]*fakeHandle),
	}
}

func (e *FakeEngine) Dialect() engine.Dialect { return e.Dial }

func (e *FakeEngine) OpenHandle(ctx context.Context) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	h := &fakeHandle{id: uuid.NewString()}
	e.handles[h.id] = h
	e.opened++
	return h, nil
}

func (e *FakeEngine) handle(h engine.Handle) (*fakeHandle, error) {
	fh, ok := h.(*fakeHandle)
	if !ok || e.handles[fh.id] != fh {
		return nil, engine.ErrForeignHandle
	}
	return fh, nil
}

func (e *FakeEngine) CloseHandle(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fh, err := e.handle(h)
	if err != nil {
		return err
	}
	delete(e.handles, fh.id)
	e.closed++
	return nil
}

// Break makes every later Execute on h fail, as a dropped connection would.
func (e *FakeEngine) Break(h engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fh, err := e.handle(h); err == nil {
		fh.broken = true
	}
}

func (e *FakeEngine) Execute(ctx context.Context, h engine.Handle, q engine.NativeQuery) (engine.RowSet, error) {
	e.mu.Lock()
	fh, err := e.handle(h)
	if err == nil && fh.broken {
		err = errors.New("fake: connection reset")
	}
	if err == nil {
		e.log = append(e.log, q.SQL)
	}
	query := e.Query
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if query == nil {
		return &Rows{Cols: []string{"1"}}, nil
	}
	return query(q)
}

func (e *FakeEngine) ExecuteWrite(ctx context.Context, h engine.Handle, m engine.NativeMutation) (engine.WriteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fh, err := e.handle(h)
	if err != nil {
		return engine.WriteResult{}, err
	}
	e.log = append(e.log, m.SQL)
	if e.FailWrite != nil {
		if err := e.FailWrite(m, len(fh.pending)+1); err != nil {
			return engine.WriteResult{}, err
		}
	}
	res := engine.WriteResult{Affected: 1}
	if m.Kind == engine.Insert && m.Returning != "" {
		e.nextID++
		res.GeneratedID = e.nextID
	}
	if fh.inTx {
		fh.pending = append(fh.pending, m)
	} else {
		e.committed = append(e.committed, m)
	}
	return res, nil
}

func (e *FakeEngine) Begin(ctx context.Context, h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fh, err := e.handle(h)
	if err != nil {
		return err
	}
	if fh.inTx {
		return fmt.Errorf("fake: handle %s already in a transaction", fh.id)
	}
	fh.inTx = true
	e.log = append(e.log, "BEGIN")
	return nil
}

func (e *FakeEngine) Commit(ctx context.Context, h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fh, err := e.handle(h)
	if err != nil {
		return err
	}
	if !fh.inTx {
		return errors.New("fake: commit without transaction")
	}
	e.committed = append(e.committed, fh.pending...)
	fh.pending, fh.inTx = nil, false
	e.log = append(e.log, "COMMIT")
	return nil
}

func (e *FakeEngine) Rollback(ctx context.Context, h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fh, err := e.handle(h)
	if err != nil {
		return err
	}
	if !fh.inTx {
		return errors.New("fake: rollback without transaction")
	}
	fh.pending, fh.inTx = nil, false
	e.log = append(e.log, "ROLLBACK")
	return nil
}

// Log returns every statement seen, with BEGIN, COMMIT and ROLLBACK
// markers.
func (e *FakeEngine) Log() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

// Committed returns the writes that became durable.
func (e *FakeEngine) Committed() []engine.NativeMutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.NativeMutation(nil), e.committed...)
}

// OpenHandles returns the number of handles opened and not yet closed.
func (e *FakeEngine) OpenHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened - e.closed
}

// Opened returns the number of handles ever opened.
func (e *FakeEngine) Opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

// Rows is a static engine.RowSet.
type Rows struct {
	Cols []string
	Data [][]any

	pos    int
	closed bool
}

func (r *Rows) Columns() ([]string, error) { return r.Cols, nil }

func (r *Rows) Next() bool {
	if r.closed || r.pos >= len(r.Data) {
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.Data) {
		return io.EOF
	}
	row := r.Data[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("fake: scan %d values into %d destinations", len(row), len(dest))
	}
	for i, d := range dest {
		p, ok := d.(*any)
		if !ok {
			return fmt.Errorf("fake: destination %d is %T, want *any", i, d)
		}
		*p = row[i]
	}
	return nil
}

func (r *Rows) Close() error {
	r.closed = true
	return nil
}

func (r *Rows) Err() error { return nil }
