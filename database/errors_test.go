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
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassifySQLError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   bool
		want SQLError
	}{
		{"nil", nil, false, UnknownErr},
		{"plain", errors.New("something else"), false, UnknownErr},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, true, DuplicateKeyErr},
		{"mysql fk", &mysql.MySQLError{Number: 1452}, true, ForeignKeyViolationErr},
		{"mysql unknown", &mysql.MySQLError{Number: 9999}, true, UnknownErr},
		{"pgx unique", &pgconn.PgError{Code: "23505"}, true, DuplicateKeyErr},
		{"pgx not null", &pgconn.PgError{Code: "23502"}, true, NotNullViolationErr},
		{"pq undefined table", &pq.Error{Code: "42P01"}, true, NoTableErr},
		{"pq other", &pq.Error{Code: "57014"}, true, UnknownErr},
		{"wrapped pgx", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503"}), true, ForeignKeyViolationErr},
		{"sqlite unique", errors.New("constraint failed: UNIQUE constraint failed: users.email (2067)"), true, DuplicateKeyErr},
		{"sqlite missing table", errors.New("SQL logic error: no such table: users (1)"), true, NoTableErr},
		{"no rows", sql.ErrNoRows, true, NoRowsErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is, kind := ClassifySQLError(tt.err)
			assert.Equal(t, tt.is, is)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestSQLErrorString(t *testing.T) {
	assert.Equal(t, "duplicate_key", DuplicateKeyErr.String())
	assert.Equal(t, "unknown", SQLError(99).String())
	assert.True(t, IsDuplicateKey(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsDuplicateKey(&pgconn.PgError{Code: "23502"}))
}
