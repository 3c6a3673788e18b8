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

package orbit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tomoncle/orbit/database"
	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/pool"
	"github.com/tomoncle/orbit/repository"
	"github.com/tomoncle/orbit/uow"
	"github.com/tomoncle/orbit/utils"
)

// Orbit wires a connected database to the entity registry, the handle pool
// and the session manager.
type Orbit struct {
	dbm     database.AbstractDatabaseManager
	reg     *metadata.Registry
	pool    *pool.HandlePool
	manager *uow.Manager
	logger  utils.Logger
}

var (
	defaultMu    sync.RWMutex
	defaultOrbit *Orbit
)

// New connects using cfg and registers entities. Registration errors are
// reported before any session can be opened.
func New(ctx context.Context, cfg *database.Config, entities ...any) (*Orbit, error) {
	dbm, err := database.CreateFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database manager: %w", err)
	}
	if err := dbm.Connect(ctx); err != nil {
		return nil, err
	}
	o, err := NewWithManager(dbm, cfg.Pool, entities...)
	if err != nil {
		_ = dbm.Disconnect()
		return nil, err
	}
	return o, nil
}

// Open loads the YAML configuration at path, with environment overrides,
// and calls New.
func Open(ctx context.Context, path string, entities ...any) (*Orbit, error) {
	cfg, err := database.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, entities...)
}

// NewWithManager builds an Orbit over a connected database manager.
func NewWithManager(dbm database.AbstractDatabaseManager, poolCfg database.PoolConfig, entities ...any) (*Orbit, error) {
	eng := dbm.Engine()
	if eng == nil {
		return nil, errors.New("database manager is not connected")
	}
	b := metadata.NewBuilder()
	for _, e := range entities {
		if _, err := b.Register(e); err != nil {
			return nil, err
		}
	}
	reg, err := b.Build()
	if err != nil {
		return nil, err
	}

	logger := utils.ServiceLogger("ORBIT")
	p := pool.New(eng, pool.Config{
		MaxPoolSize:     poolCfg.MaxPoolSize,
		AcquireTimeout:  poolCfg.AcquireTimeout(),
		ValidationQuery: poolCfg.ValidationQuery,
	}, logger)
	mgr := uow.NewManager(p, eng, reg, uow.WithLogger(logger), uow.WithErrorClassifier(classify))

	logger.Info("Orbit initialized", "entities", reg.Len(), "dialect", eng.Dialect().Name, "max_pool_size", poolCfg.MaxPoolSize)
	return &Orbit{dbm: dbm, reg: reg, pool: p, manager: mgr, logger: logger}, nil
}

func classify(err error) string {
	if is, kind := database.ClassifySQLError(err); is {
		return kind.String()
	}
	return ""
}

func (o *Orbit) Registry() *metadata.Registry { return o.reg }

func (o *Orbit) Manager() *uow.Manager { return o.manager }

func (o *Orbit) Database() database.AbstractDatabaseManager { return o.dbm }

// Session opens a session; the caller must Close it.
func (o *Orbit) Session(ctx context.Context) (*uow.Session, error) {
	return o.manager.Open(ctx)
}

// Transactional runs fn in a session committed on success and rolled back
// on error or panic.
func (o *Orbit) Transactional(ctx context.Context, fn func(ctx context.Context, s *uow.Session) error) error {
	return o.manager.Transactional(ctx, fn)
}

// Close reports leaked sessions, closes the pool and disconnects.
func (o *Orbit) Close() error {
	return errors.Join(o.manager.Shutdown(), o.dbm.Disconnect())
}

// RepositoryOf returns the repository of entity type T.
func RepositoryOf[T any](o *Orbit) (repository.Repository[T], error) {
	return repository.NewRepository[T](o.manager)
}

// Init creates the process-wide default instance used by services built
// without an explicit Orbit.
func Init(ctx context.Context, cfg *database.Config, entities ...any) (*Orbit, error) {
	o, err := New(ctx, cfg, entities...)
	if err != nil {
		return nil, err
	}
	SetDefault(o)
	return o, nil
}

// SetDefault replaces the default instance.
func SetDefault(o *Orbit) {
	defaultMu.Lock()
	defaultOrbit = o
	defaultMu.Unlock()
}

// Default returns the default instance, nil before Init.
func Default() *Orbit {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultOrbit
}

// CloseDefault closes and clears the default instance.
func CloseDefault() error {
	defaultMu.Lock()
	o := defaultOrbit
	defaultOrbit = nil
	defaultMu.Unlock()
	if o == nil {
		return nil
	}
	return o.Close()
}

// GetHealthStatus returns the health of the default instance's database.
func GetHealthStatus(ctx context.Context) *database.HealthStatus {
	if o := Default(); o != nil {
		return o.dbm.HealthCheck(ctx)
	}
	return &database.HealthStatus{
		Healthy:   false,
		Connected: false,
		LastError: "Database not initialized",
	}
}
