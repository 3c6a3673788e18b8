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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/orbit/engine"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/schema"
)

func newMockEngine(t *testing.T, dialect func() schema.Dialect) (*BunEngine, sqlmock.Sqlmock) {
	t.Helper()
	sqldb, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db := bun.NewDB(sqldb, dialect())
	t.Cleanup(func() { _ = db.Close() })
	return NewBunEngine(db), mock
}

func pgDialect() schema.Dialect    { return pgdialect.New() }
func mysqlDialect() schema.Dialect { return mysqldialect.New() }

func TestBunEngineDialect(t *testing.T) {
	eng, _ := newMockEngine(t, pgDialect)
	d := eng.Dialect()
	assert.Equal(t, "pg", d.Name)
	assert.Equal(t, byte('"'), d.IdentQuote)
	assert.True(t, d.Returning)
	assert.Equal(t, `"users"`, d.Quote("users"))
}

func TestBunEngineInsertReturningInTransaction(t *testing.T) {
	eng, mock := newMockEngine(t, pgDialect)
	ctx := context.Background()

	h, err := eng.OpenHandle(ctx)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "users" ("name") VALUES ('Ana') RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	require.NoError(t, eng.Begin(ctx, h))
	assert.Error(t, eng.Begin(ctx, h), "one transaction per handle")

	res, err := eng.ExecuteWrite(ctx, h, engine.NativeMutation{
		Kind:         engine.Insert,
		Table:        "users",
		SQL:          `INSERT INTO "users" ("name") VALUES (?) RETURNING "id"`,
		Args:         []any{"Ana"},
		Returning:    "id",
		UseReturning: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, int64(7), res.GeneratedID)

	require.NoError(t, eng.Commit(ctx, h))
	assert.ErrorIs(t, eng.Commit(ctx, h), sql.ErrTxDone)
	require.NoError(t, eng.CloseHandle(h))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBunEngineRollbackDiscardsTransaction(t *testing.T) {
	eng, mock := newMockEngine(t, pgDialect)
	ctx := context.Background()
	h, err := eng.OpenHandle(ctx)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "users" WHERE "id" = 3`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, eng.Begin(ctx, h))
	res, err := eng.ExecuteWrite(ctx, h, engine.NativeMutation{
		Kind: engine.Delete,
		SQL:  `DELETE FROM "users" WHERE "id" = ?`,
		Args: []any{int64(3)},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Affected)
	require.NoError(t, eng.Rollback(ctx, h))
	assert.ErrorIs(t, eng.Rollback(ctx, h), sql.ErrTxDone)
	require.NoError(t, eng.CloseHandle(h))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBunEngineLastInsertIDWithoutReturning(t *testing.T) {
	eng, mock := newMockEngine(t, mysqlDialect)
	assert.Equal(t, byte('`'), eng.Dialect().IdentQuote)

	ctx := context.Background()
	h, err := eng.OpenHandle(ctx)
	require.NoError(t, err)
	defer eng.CloseHandle(h)

	mock.ExpectExec("INSERT INTO `users` (`name`) VALUES ('Bob')").WillReturnResult(sqlmock.NewResult(42, 1))
	res, err := eng.ExecuteWrite(ctx, h, engine.NativeMutation{
		Kind:      engine.Insert,
		SQL:       "INSERT INTO `users` (`name`) VALUES (?)",
		Args:      []any{"Bob"},
		Returning: "id",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, int64(42), res.GeneratedID)
}

func TestBunEngineExecute(t *testing.T) {
	eng, mock := newMockEngine(t, pgDialect)
	ctx := context.Background()
	h, err := eng.OpenHandle(ctx)
	require.NoError(t, err)
	defer eng.CloseHandle(h)

	mock.ExpectQuery(`SELECT "u"."id", "u"."name" FROM "users" AS "u" WHERE ("u"."name" = 'Ana')`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "Ana"))

	rows, err := eng.Execute(ctx, h, engine.NativeQuery{
		SQL:  `SELECT "u"."id", "u"."name" FROM "users" AS "u" WHERE ("u"."name" = ?)`,
		Args: []any{"Ana"},
	})
	require.NoError(t, err)
	defer rows.Close()
	cols, err := rows.Columns()
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, cols)
	require.True(t, rows.Next())
	var id, name any
	require.NoError(t, rows.Scan(&id, &name))
	assert.Equal(t, int64(1), id)
	assert.False(t, rows.Next())
	require.NoError(t, rows.Err())
}

type otherHandle struct{}

func (otherHandle) ID() string { return "other" }

func TestBunEngineRejectsForeignHandles(t *testing.T) {
	eng, _ := newMockEngine(t, pgDialect)
	ctx := context.Background()
	_, err := eng.Execute(ctx, otherHandle{}, engine.NativeQuery{SQL: "SELECT 1"})
	assert.ErrorIs(t, err, engine.ErrForeignHandle)
	assert.ErrorIs(t, eng.Begin(ctx, otherHandle{}), engine.ErrForeignHandle)
	assert.ErrorIs(t, eng.CloseHandle(otherHandle{}), engine.ErrForeignHandle)

	other, _ := newMockEngine(t, pgDialect)
	h, err := other.OpenHandle(ctx)
	require.NoError(t, err)
	defer other.CloseHandle(h)
	assert.ErrorIs(t, eng.Commit(ctx, h), engine.ErrForeignHandle)
}
