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
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var supportedTypes = []string{"mysql", "postgres", "postgresql", "sqlite", "sqlite3"}

// LoadConfig reads a YAML configuration file, fills defaults and applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration, fills defaults and applies
// environment overrides.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{
		Connection: *DefaultConnectionConfig(),
		Pool:       DefaultPoolConfig(),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	OverrideFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the database type and pool bounds.
func (c *Config) Validate() error {
	supported := false
	for _, t := range supportedTypes {
		if c.Connection.Type == t {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("unsupported database type: %q, supported types: %v", c.Connection.Type, supportedTypes)
	}
	if c.Pool.MaxPoolSize < 1 {
		return fmt.Errorf("pool.max_pool_size must be at least 1, got %d", c.Pool.MaxPoolSize)
	}
	if c.Pool.AcquireTimeoutMs < 0 {
		return fmt.Errorf("pool.acquire_timeout_ms must not be negative, got %d", c.Pool.AcquireTimeoutMs)
	}
	return nil
}

// OverrideFromEnv overrides configuration values from environment variables.
func OverrideFromEnv(cfg *Config) {
	conn := &cfg.Connection
	// Database connection info
	if host := os.Getenv("DB_HOST"); host != "" {
		conn.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			conn.Port = p
		}
	}
	if username := os.Getenv("DB_USERNAME"); username != "" {
		conn.Username = username
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		conn.Password = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		conn.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		conn.SSLMode = sslmode
	}
	if maxOpen := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpen != "" {
		if val, err := strconv.Atoi(maxOpen); err == nil {
			conn.MaxOpenConns = val
		}
	}
	if maxLifetime := os.Getenv("DB_CONN_MAX_LIFETIME"); maxLifetime != "" {
		if val, err := strconv.Atoi(maxLifetime); err == nil {
			conn.ConnMaxLifetime = time.Duration(val) * time.Second
		}
	}
	if enableQueryLog := os.Getenv("DB_ENABLE_QUERY_LOG"); enableQueryLog != "" {
		conn.EnableQueryLog = enableQueryLog == "true"
	}

	// Handle pool
	if size := os.Getenv("DB_MAX_POOL_SIZE"); size != "" {
		if val, err := strconv.Atoi(size); err == nil {
			cfg.Pool.MaxPoolSize = val
		}
	}
	if timeout := os.Getenv("DB_ACQUIRE_TIMEOUT_MS"); timeout != "" {
		if val, err := strconv.Atoi(timeout); err == nil {
			cfg.Pool.AcquireTimeoutMs = val
		}
	}
	if q, ok := os.LookupEnv("DB_VALIDATION_QUERY"); ok {
		cfg.Pool.ValidationQuery = q
	}
}

// CreateFromConfig validates cfg and returns an unconnected manager for it.
func CreateFromConfig(cfg *Config) (AbstractDatabaseManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// database/sql must be able to open at least as many connections as the
	// handle pool hands out.
	if cfg.Connection.MaxOpenConns > 0 && cfg.Connection.MaxOpenConns < cfg.Pool.MaxPoolSize {
		cfg.Connection.MaxOpenConns = cfg.Pool.MaxPoolSize
	}
	manager := NewDatabaseManager(&cfg.Connection)
	manager.SetLogger(GetLogger())
	return manager, nil
}
