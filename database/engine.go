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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tomoncle/orbit/engine"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
)

// BunEngine runs orbit statements on a bun database. Statements are passed
// through bun's formatter, so '?' placeholders are bound by bun and every
// registered query hook observes them.
type BunEngine struct {
	db      *bun.DB
	dialect engine.Dialect
}

var _ engine.Engine = (*BunEngine)(nil)

func NewBunEngine(db *bun.DB) *BunEngine {
	return &BunEngine{
		db: db,
		dialect: engine.Dialect{
			Name:       db.Dialect().Name().String(),
			IdentQuote: db.Dialect().IdentQuote(),
			Returning:  db.HasFeature(feature.InsertReturning),
		},
	}
}

func (e *BunEngine) Dialect() engine.Dialect { return e.dialect }

// DB exposes the underlying bun database.
func (e *BunEngine) DB() *bun.DB { return e.db }

type bunHandle struct {
	id     string
	engine *BunEngine
	conn   bun.Conn

	mu sync.Mutex
	tx *bun.Tx
}

func (h *bunHandle) ID() string { return h.id }

func (e *BunEngine) handle(h engine.Handle) (*bunHandle, error) {
	bh, ok := h.(*bunHandle)
	if !ok || bh == nil || bh.engine != e {
		return nil, engine.ErrForeignHandle
	}
	return bh, nil
}

// OpenHandle pins one connection of the database/sql pool.
func (e *BunEngine) OpenHandle(ctx context.Context) (engine.Handle, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &bunHandle{id: uuid.NewString(), engine: e, conn: conn}, nil
}

// CloseHandle rolls back a transaction left open and returns the connection
// to database/sql.
func (e *BunEngine) CloseHandle(h engine.Handle) error {
	bh, err := e.handle(h)
	if err != nil {
		return err
	}
	bh.mu.Lock()
	tx := bh.tx
	bh.tx = nil
	bh.mu.Unlock()
	if tx != nil {
		_ = tx.Rollback()
	}
	return bh.conn.Close()
}

func (e *BunEngine) Execute(ctx context.Context, h engine.Handle, q engine.NativeQuery) (engine.RowSet, error) {
	bh, err := e.handle(h)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	if tx := bh.currentTx(); tx != nil {
		rows, err = tx.QueryContext(ctx, q.SQL, q.Args...)
	} else {
		rows, err = bh.conn.QueryContext(ctx, q.SQL, q.Args...)
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *BunEngine) ExecuteWrite(ctx context.Context, h engine.Handle, m engine.NativeMutation) (engine.WriteResult, error) {
	bh, err := e.handle(h)
	if err != nil {
		return engine.WriteResult{}, err
	}
	tx := bh.currentTx()

	if m.UseReturning {
		var row *sql.Row
		if tx != nil {
			row = tx.QueryRowContext(ctx, m.SQL, m.Args...)
		} else {
			row = bh.conn.QueryRowContext(ctx, m.SQL, m.Args...)
		}
		var id any
		if err := row.Scan(&id); err != nil {
			return engine.WriteResult{}, err
		}
		return engine.WriteResult{Affected: 1, GeneratedID: id}, nil
	}

	var res sql.Result
	if tx != nil {
		res, err = tx.ExecContext(ctx, m.SQL, m.Args...)
	} else {
		res, err = bh.conn.ExecContext(ctx, m.SQL, m.Args...)
	}
	if err != nil {
		return engine.WriteResult{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return engine.WriteResult{}, err
	}
	out := engine.WriteResult{Affected: affected}
	if m.Kind == engine.Insert && m.Returning != "" {
		id, err := res.LastInsertId()
		if err != nil {
			return engine.WriteResult{}, fmt.Errorf("read generated %s: %w", m.Returning, err)
		}
		out.GeneratedID = id
	}
	return out, nil
}

func (e *BunEngine) Begin(ctx context.Context, h engine.Handle) error {
	bh, err := e.handle(h)
	if err != nil {
		return err
	}
	bh.mu.Lock()
	defer bh.mu.Unlock()
	if bh.tx != nil {
		return fmt.Errorf("handle %s already has an open transaction", bh.id)
	}
	tx, err := bh.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	bh.tx = &tx
	return nil
}

func (e *BunEngine) Commit(ctx context.Context, h engine.Handle) error {
	tx, err := e.takeTx(h)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (e *BunEngine) Rollback(ctx context.Context, h engine.Handle) error {
	tx, err := e.takeTx(h)
	if err != nil {
		return err
	}
	return tx.Rollback()
}

func (e *BunEngine) takeTx(h engine.Handle) (*bun.Tx, error) {
	bh, err := e.handle(h)
	if err != nil {
		return nil, err
	}
	bh.mu.Lock()
	defer bh.mu.Unlock()
	if bh.tx == nil {
		return nil, sql.ErrTxDone
	}
	tx := bh.tx
	bh.tx = nil
	return tx, nil
}

func (h *bunHandle) currentTx() *bun.Tx {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tx
}
