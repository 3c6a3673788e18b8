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
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tomoncle/orbit/database"
	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/pool"
	"github.com/tomoncle/orbit/uow"
	"github.com/tomoncle/orbit/utils"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// SQLite is a file-backed sqlite database wired into a session manager.
type SQLite struct {
	DBM     database.AbstractDatabaseManager
	DB      *bun.DB
	Engine  *database.BunEngine
	Pool    *pool.HandlePool
	Manager *uow.Manager
}

// OpenSQLite creates a fresh database in t's temp dir, runs ddl, registers
// entities and returns the wired stack. Everything is closed on cleanup.
func OpenSQLite(t testing.TB, ddl []string, entities ...any) *SQLite {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "orbit.db")
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	db := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	for _, stmt := range ddl {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}

	b := metadata.NewBuilder()
	for _, e := range entities {
		_, err := b.Register(e)
		require.NoError(t, err)
	}
	reg, err := b.Build()
	require.NoError(t, err)

	logger := utils.NopLogger()
	dbm := database.NewManagerForDB(db)
	dbm.SetLogger(logger)
	require.NoError(t, dbm.Connect(ctx))
	eng := dbm.Engine()
	p := pool.New(eng, pool.Config{MaxPoolSize: 4, AcquireTimeout: 5 * time.Second, ValidationQuery: "SELECT 1"}, logger)
	mgr := uow.NewManager(p, eng, reg,
		uow.WithLogger(logger),
		uow.WithErrorClassifier(func(err error) string {
			_, kind := database.ClassifySQLError(err)
			return kind.String()
		}),
	)

	t.Cleanup(func() {
		_ = mgr.Shutdown()
		_ = dbm.Disconnect()
	})
	return &SQLite{DBM: dbm, DB: db, Engine: eng, Pool: p, Manager: mgr}
}

// Count returns the number of rows in table, read outside any session.
func (s *SQLite) Count(t testing.TB, table string) int {
	t.Helper()
	var n int
	err := s.DB.NewSelect().TableExpr(table).ColumnExpr("COUNT(*)").Scan(context.Background(), &n)
	require.NoError(t, err)
	return n
}
