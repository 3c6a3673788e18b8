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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
connection:
  type: postgres
  driver: pgx
  host: db.internal
  port: 5432
  username: orbit
  dbname: app
  sslmode: disable
  conn_max_lifetime: 30m
  enable_query_log: true
pool:
  max_pool_size: 4
  acquire_timeout_ms: 250
`

func TestParseConfigFillsDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Connection.Type)
	assert.Equal(t, "pgx", cfg.Connection.Driver)
	assert.Equal(t, 5432, cfg.Connection.Port)
	assert.Equal(t, 30*time.Minute, cfg.Connection.ConnMaxLifetime)
	assert.True(t, cfg.Connection.EnableQueryLog)
	assert.Equal(t, 10, cfg.Connection.MaxIdleConns, "unset values keep defaults")

	assert.Equal(t, 4, cfg.Pool.MaxPoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.AcquireTimeout())
	assert.Equal(t, "SELECT 1", cfg.Pool.ValidationQuery)
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv("DB_HOST", "override.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_MAX_POOL_SIZE", "12")
	t.Setenv("DB_ACQUIRE_TIMEOUT_MS", "5000")
	t.Setenv("DB_VALIDATION_QUERY", "")
	t.Setenv("DB_ENABLE_QUERY_LOG", "false")

	path := filepath.Join(t.TempDir(), "db.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "override.internal", cfg.Connection.Host)
	assert.Equal(t, 6543, cfg.Connection.Port)
	assert.Equal(t, "secret", cfg.Connection.Password)
	assert.False(t, cfg.Connection.EnableQueryLog)
	assert.Equal(t, 12, cfg.Pool.MaxPoolSize)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout())
	assert.Empty(t, cfg.Pool.ValidationQuery, "an empty DB_VALIDATION_QUERY disables validation")
}

func TestConfigValidation(t *testing.T) {
	_, err := ParseConfig([]byte("connection:\n  type: oracle\n"))
	assert.ErrorContains(t, err, "unsupported database type")

	_, err = ParseConfig([]byte("connection:\n  type: sqlite\npool:\n  max_pool_size: 0\n"))
	assert.ErrorContains(t, err, "max_pool_size")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = CreateFromConfig(nil)
	assert.Error(t, err)
}

func TestCreateFromConfigRaisesOpenConnections(t *testing.T) {
	cfg, err := ParseConfig([]byte("connection:\n  type: sqlite\n  max_open_conns: 2\npool:\n  max_pool_size: 8\n"))
	require.NoError(t, err)
	m, err := CreateFromConfig(cfg)
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Equal(t, 8, cfg.Connection.MaxOpenConns)
	assert.Nil(t, m.Engine(), "no engine before Connect")
}
