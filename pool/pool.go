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

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomoncle/orbit/engine"
	"github.com/tomoncle/orbit/types"
	"github.com/tomoncle/orbit/utils"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool: closed")

// Provider hands out exclusive engine handles.
type Provider interface {
	Acquire(ctx context.Context) (engine.Handle, error)
	Release(h engine.Handle) error
	Close() error
}

// Config holds the only options the pool recognizes.
type Config struct {
	MaxPoolSize     int
	AcquireTimeout  time.Duration
	ValidationQuery string
}

// HandlePool caps concurrently acquired handles with a weighted semaphore
// and keeps released handles for reuse. Idle handles are validated before
// they are handed out again.
type HandlePool struct {
	eng    engine.Engine
	cfg    Config
	sem    *semaphore.Weighted
	logger utils.Logger

	mu     sync.Mutex
	idle   []engine.Handle
	inUse  map[string]engine.Handle
	closed bool
}

var _ Provider = (*HandlePool)(nil)

// New returns a pool over eng. MaxPoolSize below 1 is treated as 1 and a
// zero AcquireTimeout waits only on ctx.
func New(eng engine.Engine, cfg Config, logger utils.Logger) *HandlePool {
	if cfg.MaxPoolSize < 1 {
		cfg.MaxPoolSize = 1
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &HandlePool{
		eng:    eng,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxPoolSize)),
		logger: logger,
		inUse:  make(map[string]engine.Handle),
	}
}

// Acquire waits for a free slot for at most AcquireTimeout. A timeout is
// reported as *types.PoolTimeoutError; cancellation of ctx itself returns
// ctx.Err().
func (p *HandlePool) Acquire(ctx context.Context) (engine.Handle, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		inUse := p.InUse()
		p.logger.Warn("Timed out waiting for a pooled handle", "timeout", p.cfg.AcquireTimeout, "in_use", inUse)
		return nil, &types.PoolTimeoutError{Timeout: p.cfg.AcquireTimeout, InUse: inUse}
	}

	h, err := p.take(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return h, nil
}

func (p *HandlePool) take(ctx context.Context) (engine.Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		var h engine.Handle
		if n := len(p.idle); n > 0 {
			h = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if h == nil {
			opened, err := p.eng.OpenHandle(ctx)
			if err != nil {
				return nil, fmt.Errorf("pool: open handle: %w", err)
			}
			h = opened
		} else if err := p.validate(ctx, h); err != nil {
			p.logger.Warn("Discarding idle handle that failed validation", "handle", h.ID(), "error", err)
			_ = p.eng.CloseHandle(h)
			continue
		}

		p.mu.Lock()
		p.inUse[h.ID()] = h
		p.mu.Unlock()
		return h, nil
	}
}

func (p *HandlePool) validate(ctx context.Context, h engine.Handle) error {
	if p.cfg.ValidationQuery == "" {
		return nil
	}
	rows, err := p.eng.Execute(ctx, h, engine.NativeQuery{SQL: p.cfg.ValidationQuery})
	if err != nil {
		return err
	}
	for rows.Next() {
		// drain
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

// Release returns h to the pool. Releasing a handle that is not currently
// acquired is an error, so a double release cannot free a second slot.
func (p *HandlePool) Release(h engine.Handle) error {
	if h == nil {
		return errors.New("pool: release of nil handle")
	}
	p.mu.Lock()
	if _, ok := p.inUse[h.ID()]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: handle %s is not acquired", h.ID())
	}
	delete(p.inUse, h.ID())
	closed := p.closed
	if !closed {
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()
	p.sem.Release(1)

	if closed {
		return p.eng.CloseHandle(h)
	}
	return nil
}

// Close closes idle handles. Handles still in use are closed when they are
// released.
func (p *HandlePool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	inUse := len(p.inUse)
	p.mu.Unlock()

	if inUse > 0 {
		p.logger.Warn("Closing pool with handles still in use", "in_use", inUse)
	}
	var errs []error
	for _, h := range idle {
		if err := p.eng.CloseHandle(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InUse returns the number of acquired handles.
func (p *HandlePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Idle returns the number of pooled handles waiting for reuse.
func (p *HandlePool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *HandlePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
