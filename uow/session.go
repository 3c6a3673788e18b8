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

package uow

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tomoncle/orbit/engine"
	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/query"
	"github.com/tomoncle/orbit/types"
)

// Status is the lifecycle state of a session.
type Status int32

const (
	StatusActive Status = iota
	StatusCommitting
	StatusCommitted
	StatusRolledBack
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCommitting:
		return "COMMITTING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type pendingOp int

const (
	opNone pendingOp = iota
	opInsert
	opUpdate
	opDelete
)

// entry is one managed instance.
type entry struct {
	desc  *metadata.EntityDescriptor
	ptr   reflect.Value
	key   metadata.IdentityKey
	keyed bool
	op    pendingOp
	opSeq uint64
	// generated is set when orbit assigned the identifier, so a rollback
	// can put the zero value back.
	generated bool
}

type linkOp struct {
	seq    uint64
	unlink bool
	rel    *metadata.RelationshipDescriptor
	owner  *entry
	target *entry
}

// Session is one unit of work. It owns a pooled handle from Open until
// Close and must be used by one logical operation at a time; overlapping
// calls fail with ConcurrentSessionAccessError.
type Session struct {
	id     string
	mgr    *Manager
	handle engine.Handle

	status    atomic.Int32
	busy      atomic.Bool
	closeOnce sync.Once
	released  bool

	seq      uint64
	identity map[metadata.IdentityKey]*entry
	byPtr    map[any]*entry
	links    []linkOp
}

func newSession(id string, mgr *Manager, h engine.Handle) *Session {
	s := &Session{
		id:       id,
		mgr:      mgr,
		handle:   h,
		identity: make(map[metadata.IdentityKey]*entry),
		byPtr:    make(map[any]*entry),
	}
	s.status.Store(int32(StatusActive))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status { return Status(s.status.Load()) }

// Manager returns the manager that opened the session.
func (s *Session) Manager() *Manager { return s.mgr }

func (s *Session) setStatus(st Status) { s.status.Store(int32(st)) }

func (s *Session) enter(op string, allowed ...Status) error {
	if !s.busy.CompareAndSwap(false, true) {
		return &types.ConcurrentSessionAccessError{SessionID: s.id, Op: op}
	}
	if len(allowed) == 0 {
		return nil
	}
	st := s.Status()
	for _, a := range allowed {
		if st == a {
			return nil
		}
	}
	s.busy.Store(false)
	return &types.SessionStateError{SessionID: s.id, Status: st.String(), Op: op}
}

func (s *Session) leave() { s.busy.Store(false) }

func (s *Session) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *Session) resolve(entity any) (*metadata.EntityDescriptor, reflect.Value, error) {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, reflect.Value{}, fmt.Errorf("uow: entity must be a non-nil pointer, got %T", entity)
	}
	desc, err := s.mgr.reg.Describe(v.Type())
	if err != nil {
		return nil, reflect.Value{}, err
	}
	return desc, v, nil
}

func (s *Session) add(desc *metadata.EntityDescriptor, ptr reflect.Value) (*entry, error) {
	e := &entry{desc: desc, ptr: ptr}
	if desc.HasIdentifier(ptr) {
		key, err := desc.IdentityOf(ptr)
		if err != nil {
			return nil, err
		}
		if other, ok := s.identity[key]; ok && other.ptr.Pointer() != ptr.Pointer() {
			return nil, &types.IdentityConflictError{Entity: desc.Name, ID: key.ID}
		}
		e.key, e.keyed = key, true
		s.identity[key] = e
	}
	s.byPtr[ptr.Interface()] = e
	return e, nil
}

func (s *Session) untrack(e *entry) {
	delete(s.byPtr, e.ptr.Interface())
	if e.keyed && s.identity[e.key] == e {
		delete(s.identity, e.key)
	}
}

// Track registers an entity loaded or built by the caller under its
// identity. Tracking the same instance again is a no-op; a different
// instance with the same identity is an IdentityConflictError.
func (s *Session) Track(entity any) error {
	if err := s.enter("track", StatusActive); err != nil {
		return err
	}
	defer s.leave()

	desc, ptr, err := s.resolve(entity)
	if err != nil {
		return err
	}
	if _, ok := s.byPtr[ptr.Interface()]; ok {
		return nil
	}
	if !desc.HasIdentifier(ptr) {
		return fmt.Errorf("uow: cannot track %s without an identifier, use Persist", desc.Name)
	}
	_, err = s.add(desc, ptr)
	return err
}

// IsTracked reports whether the instance is managed by the session.
func (s *Session) IsTracked(entity any) (bool, error) {
	if err := s.enter("is tracked"); err != nil {
		return false, err
	}
	defer s.leave()

	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return false, nil
	}
	_, ok := s.byPtr[v.Interface()]
	return ok, nil
}

// MarkDirty schedules an update of a tracked entity.
func (s *Session) MarkDirty(entity any) error {
	if err := s.enter("mark dirty", StatusActive); err != nil {
		return err
	}
	defer s.leave()

	desc, ptr, err := s.resolve(entity)
	if err != nil {
		return err
	}
	e, ok := s.byPtr[ptr.Interface()]
	if !ok {
		id, _ := desc.IdentifierOf(ptr)
		return &types.NotTrackedError{Entity: desc.Name, ID: id}
	}
	switch e.op {
	case opInsert, opUpdate:
		// the pending write already carries the current state
	case opDelete:
		return fmt.Errorf("uow: %s %v is scheduled for removal", desc.Name, e.key.ID)
	default:
		e.op, e.opSeq = opUpdate, s.nextSeq()
	}
	return nil
}

// Persist schedules an insert of a new entity. UUID identifiers are
// generated here; autoincrement identifiers are assigned at commit.
func (s *Session) Persist(entity any) error {
	if err := s.enter("persist", StatusActive); err != nil {
		return err
	}
	defer s.leave()

	desc, ptr, err := s.resolve(entity)
	if err != nil {
		return err
	}
	if e, ok := s.byPtr[ptr.Interface()]; ok {
		if e.op == opDelete {
			e.op, e.opSeq = opUpdate, s.nextSeq()
		}
		return nil
	}

	generated := false
	if !desc.HasIdentifier(ptr) {
		if id, ok := desc.NewIdentifier(); ok {
			if err := desc.SetIdentifier(ptr, id); err != nil {
				return err
			}
			generated = true
		} else if !desc.ID.AutoIncrement {
			return fmt.Errorf("uow: %s needs an identifier before persist", desc.Name)
		}
	}
	e, err := s.add(desc, ptr)
	if err != nil {
		if generated {
			desc.ID.Value(ptr.Elem()).SetZero()
		}
		return err
	}
	e.op, e.opSeq, e.generated = opInsert, s.nextSeq(), generated
	return nil
}

// Remove schedules a delete of a tracked entity. Removing an entity whose
// insert is still pending just forgets it.
func (s *Session) Remove(entity any) error {
	if err := s.enter("remove", StatusActive); err != nil {
		return err
	}
	defer s.leave()

	desc, ptr, err := s.resolve(entity)
	if err != nil {
		return err
	}
	e, ok := s.byPtr[ptr.Interface()]
	if !ok {
		id, _ := desc.IdentifierOf(ptr)
		return &types.NotTrackedError{Entity: desc.Name, ID: id}
	}
	if e.op == opInsert {
		s.untrack(e)
		s.dropLinks(e)
		return nil
	}
	e.op, e.opSeq = opDelete, s.nextSeq()
	return nil
}

// Link schedules a join table row between owner and target for the owning
// many-to-many relationship named field. Both must be tracked.
func (s *Session) Link(owner any, field string, target any) error {
	return s.scheduleLink("link", owner, field, target, false)
}

// Unlink schedules removal of a join table row.
func (s *Session) Unlink(owner any, field string, target any) error {
	return s.scheduleLink("unlink", owner, field, target, true)
}

func (s *Session) scheduleLink(op string, owner any, field string, target any, unlink bool) error {
	if err := s.enter(op, StatusActive); err != nil {
		return err
	}
	defer s.leave()

	desc, optr, err := s.resolve(owner)
	if err != nil {
		return err
	}
	rel, ok := desc.Relationship(field)
	if !ok || rel.Join != metadata.JoinTable {
		return &types.UnknownFieldError{Entity: desc.Name, Field: field}
	}
	tdesc, tptr, err := s.resolve(target)
	if err != nil {
		return err
	}
	if tdesc != s.mgr.reg.Target(rel) {
		return &types.TypeMismatchError{Entity: desc.Name, Field: field, Expected: s.mgr.reg.Target(rel).Name, Actual: tdesc.Name}
	}
	oe, ok := s.byPtr[optr.Interface()]
	if !ok {
		id, _ := desc.IdentifierOf(optr)
		return &types.NotTrackedError{Entity: desc.Name, ID: id}
	}
	te, ok := s.byPtr[tptr.Interface()]
	if !ok {
		id, _ := tdesc.IdentifierOf(tptr)
		return &types.NotTrackedError{Entity: tdesc.Name, ID: id}
	}
	s.links = append(s.links, linkOp{seq: s.nextSeq(), unlink: unlink, rel: rel, owner: oe, target: te})
	return nil
}

func (s *Session) dropLinks(e *entry) {
	kept := s.links[:0]
	for _, l := range s.links {
		if l.owner != e && l.target != e {
			kept = append(kept, l)
		}
	}
	s.links = kept
}

// Lookup returns the managed instance for id, if the session has one.
// Instances scheduled for removal are not returned.
func (s *Session) Lookup(desc *metadata.EntityDescriptor, id any) (any, bool, error) {
	if err := s.enter("lookup"); err != nil {
		return nil, false, err
	}
	defer s.leave()

	e, ok := s.identity[desc.Identity(id)]
	if !ok || e.op == opDelete {
		return nil, false, nil
	}
	return e.ptr.Interface(), true, nil
}

// Load runs q on the session handle and maps each row to an instance of
// desc. Rows whose identity is already managed resolve to the managed
// instance, which keeps its in-memory state; rows of instances scheduled
// for removal are skipped. Reads are allowed while ACTIVE
// and after a commit.
func (s *Session) Load(ctx context.Context, q engine.NativeQuery, desc *metadata.EntityDescriptor) ([]reflect.Value, error) {
	out, _, err := s.load(ctx, q, desc, "")
	return out, err
}

// LoadCaptured is Load for queries with one extra column, whose raw value
// is returned per row.
func (s *Session) LoadCaptured(ctx context.Context, q engine.NativeQuery, desc *metadata.EntityDescriptor, column string) ([]reflect.Value, []any, error) {
	return s.load(ctx, q, desc, column)
}

func (s *Session) load(ctx context.Context, q engine.NativeQuery, desc *metadata.EntityDescriptor, capture string) ([]reflect.Value, []any, error) {
	if err := s.enter("load", StatusActive, StatusCommitted); err != nil {
		return nil, nil, err
	}
	defer s.leave()

	rows, err := s.mgr.eng.Execute(ctx, s.handle, q)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out []reflect.Value
	var extra []any
	for rows.Next() {
		ptr, captured, err := desc.ScanRowCapture(rows, cols, capture)
		if err != nil {
			return nil, nil, err
		}
		key, err := desc.IdentityOf(ptr)
		if err != nil {
			return nil, nil, err
		}
		if e, ok := s.identity[key]; ok {
			if e.op == opDelete {
				continue
			}
			ptr = e.ptr
		} else if _, err := s.add(desc, ptr); err != nil {
			return nil, nil, err
		}
		out = append(out, ptr)
		extra = append(extra, captured)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return out, extra, nil
}

// Scalar runs q and returns the first column of the first row. ok is false
// when the query returned no rows.
func (s *Session) Scalar(ctx context.Context, q engine.NativeQuery) (v any, ok bool, err error) {
	if err := s.enter("query", StatusActive, StatusCommitted); err != nil {
		return nil, false, err
	}
	defer s.leave()

	rows, err := s.mgr.eng.Execute(ctx, s.handle, q)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, false, err
	}
	if len(dest) == 0 {
		return nil, true, nil
	}
	return *(dest[0].(*any)), true, nil
}

type flushStep struct {
	seq  uint64
	kind engine.MutationKind
	e    *entry
	link *linkOp
}

// plan orders pending writes: inserts, join rows, updates, join row
// removals, deletes. Within each group the scheduling order is kept.
func (s *Session) plan() []flushStep {
	var inserts, links, updates, unlinks, deletes []flushStep
	for _, e := range s.byPtr {
		switch e.op {
		case opInsert:
			inserts = append(inserts, flushStep{seq: e.opSeq, kind: engine.Insert, e: e})
		case opUpdate:
			updates = append(updates, flushStep{seq: e.opSeq, kind: engine.Update, e: e})
		case opDelete:
			deletes = append(deletes, flushStep{seq: e.opSeq, kind: engine.Delete, e: e})
		}
	}
	for i := range s.links {
		l := &s.links[i]
		if l.unlink {
			unlinks = append(unlinks, flushStep{seq: l.seq, kind: engine.Delete, link: l})
		} else {
			links = append(links, flushStep{seq: l.seq, kind: engine.Insert, link: l})
		}
	}
	var steps []flushStep
	for _, group := range [][]flushStep{inserts, links, updates, unlinks, deletes} {
		sort.Slice(group, func(i, j int) bool { return group[i].seq < group[j].seq })
		steps = append(steps, group...)
	}
	return steps
}

// Commit flushes pending writes inside one engine transaction. On any
// failure the transaction is rolled back, identifiers assigned by orbit are
// reset, the handle is released and the session ends ROLLED_BACK.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.enter("commit", StatusActive); err != nil {
		return err
	}
	defer s.leave()

	s.setStatus(StatusCommitting)
	if err := s.mgr.eng.Begin(ctx, s.handle); err != nil {
		s.abort(ctx, false)
		return &types.PersistenceError{Op: "begin", Class: s.mgr.classifyErr(err), Err: err}
	}

	var assigned []*entry
	for _, step := range s.plan() {
		if err := s.flush(ctx, step, &assigned); err != nil {
			for _, e := range assigned {
				e.generated = true
			}
			s.abort(ctx, true)
			return err
		}
	}

	if err := s.mgr.eng.Commit(ctx, s.handle); err != nil {
		for _, e := range assigned {
			e.generated = true
		}
		s.abort(ctx, true)
		return &types.PersistenceError{Op: "commit", Class: s.mgr.classifyErr(err), Err: err}
	}

	for _, e := range s.byPtr {
		switch e.op {
		case opDelete:
			s.untrack(e)
		default:
			e.op, e.generated = opNone, false
		}
	}
	s.links = nil
	s.setStatus(StatusCommitted)
	s.mgr.logger.Debug("Session committed", "session", s.id)
	return nil
}

func (s *Session) flush(ctx context.Context, step flushStep, assigned *[]*entry) error {
	eng := s.mgr.eng
	dialect := eng.Dialect()

	if step.link != nil {
		l := step.link
		oid, _ := l.owner.desc.IdentifierOf(l.owner.ptr)
		tid, _ := l.target.desc.IdentifierOf(l.target.ptr)
		build := query.BuildLink
		if l.unlink {
			build = query.BuildUnlink
		}
		m, err := build(l.rel, dialect, oid, tid)
		if err == nil {
			_, err = eng.ExecuteWrite(ctx, s.handle, m)
		}
		if err != nil {
			return &types.PersistenceError{Op: step.kind.String(), Entity: l.rel.JoinTableName, ID: oid, Class: s.mgr.classifyErr(err), Err: err}
		}
		return nil
	}

	e := step.e
	fail := func(err error) error {
		id, _ := e.desc.IdentifierOf(e.ptr)
		return &types.PersistenceError{Op: step.kind.String(), Entity: e.desc.Name, ID: id, Class: s.mgr.classifyErr(err), Err: err}
	}

	var m engine.NativeMutation
	var err error
	switch step.kind {
	case engine.Insert:
		if err = s.mgr.reg.SyncForeignKeys(e.desc, e.ptr); err == nil {
			m, err = query.BuildInsert(e.desc, dialect, e.ptr)
		}
	case engine.Update:
		if err = s.mgr.reg.SyncForeignKeys(e.desc, e.ptr); err == nil {
			m, err = query.BuildUpdate(e.desc, dialect, e.ptr)
		}
	case engine.Delete:
		m, err = query.BuildDelete(e.desc, dialect, e.ptr)
	}
	if err != nil {
		return fail(err)
	}

	res, err := eng.ExecuteWrite(ctx, s.handle, m)
	if err != nil {
		return fail(err)
	}
	if step.kind != engine.Insert && res.Affected == 0 {
		id, _ := e.desc.IdentifierOf(e.ptr)
		return fail(&types.NotFoundError{Entity: e.desc.Name, ID: id})
	}
	if step.kind == engine.Insert && m.Returning != "" {
		if res.GeneratedID == nil {
			return fail(fmt.Errorf("engine returned no generated %s", m.Returning))
		}
		if err := e.desc.SetIdentifier(e.ptr, res.GeneratedID); err != nil {
			return fail(err)
		}
		*assigned = append(*assigned, e)
		key, err := e.desc.IdentityOf(e.ptr)
		if err != nil {
			return fail(err)
		}
		e.key, e.keyed = key, true
		s.identity[key] = e
	}
	return nil
}

// abort ends a failed commit or an explicit rollback.
func (s *Session) abort(ctx context.Context, inTx bool) {
	if inTx {
		if err := s.mgr.eng.Rollback(ctx, s.handle); err != nil {
			s.mgr.logger.Error("Engine rollback failed", "session", s.id, "error", err)
		}
	}
	for _, e := range s.byPtr {
		if e.generated {
			if e.keyed && s.identity[e.key] == e {
				delete(s.identity, e.key)
			}
			e.desc.ID.Value(e.ptr.Elem()).SetZero()
			e.keyed, e.generated = false, false
		}
	}
	s.identity = make(map[metadata.IdentityKey]*entry)
	s.byPtr = make(map[any]*entry)
	s.links = nil
	s.setStatus(StatusRolledBack)
	s.release()
	s.mgr.logger.Debug("Session rolled back", "session", s.id)
}

// Rollback discards pending writes and tracked state and releases the
// handle. Rolling back twice is a no-op.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.enter("rollback", StatusActive, StatusRolledBack); err != nil {
		return err
	}
	defer s.leave()
	if s.Status() == StatusRolledBack {
		return nil
	}
	s.abort(ctx, false)
	return nil
}

// Close ends the session from any state and releases its handle exactly
// once. Pending writes of an ACTIVE session are discarded. Closing again is
// a no-op.
func (s *Session) Close() error {
	if !s.busy.CompareAndSwap(false, true) {
		return &types.ConcurrentSessionAccessError{SessionID: s.id, Op: "close"}
	}
	defer s.leave()
	return s.closeLocked()
}

func (s *Session) forceClose() error {
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	var err error
	s.closeOnce.Do(func() {
		if s.Status() == StatusActive && (s.hasPending()) {
			s.mgr.logger.Warn("Closing session with uncommitted changes", "session", s.id)
		}
		s.identity = nil
		s.byPtr = nil
		s.links = nil
		err = s.release()
		s.setStatus(StatusClosed)
		s.mgr.forget(s)
	})
	return err
}

func (s *Session) hasPending() bool {
	if len(s.links) > 0 {
		return true
	}
	for _, e := range s.byPtr {
		if e.op != opNone {
			return true
		}
	}
	return false
}

func (s *Session) release() error {
	if s.released {
		return nil
	}
	s.released = true
	if err := s.mgr.provider.Release(s.handle); err != nil {
		s.mgr.logger.Error("Failed to release session handle", "session", s.id, "error", err)
		return err
	}
	return nil
}
