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

package pool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/orbit/engine"
	"github.com/tomoncle/orbit/internal/testutil"
	"github.com/tomoncle/orbit/pool"
	"github.com/tomoncle/orbit/types"
)

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	eng := testutil.NewFakeEngine()
	p := pool.New(eng, pool.Config{MaxPoolSize: 1, AcquireTimeout: 50 * time.Millisecond}, nil)

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx)
	var timeout *types.PoolTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 1, timeout.InUse)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, types.IsRetryable(err))

	require.NoError(t, p.Release(h))
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.ID(), h2.ID(), "released handle is reused")
	assert.Equal(t, 1, eng.Opened())
}

func TestAcquireHonorsCallerCancellation(t *testing.T) {
	p := pool.New(testutil.NewFakeEngine(), pool.Config{MaxPoolSize: 1, AcquireTimeout: time.Minute}, nil)
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseTwiceFails(t *testing.T) {
	p := pool.New(testutil.NewFakeEngine(), pool.Config{MaxPoolSize: 2}, nil)
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Release(h))
	assert.Error(t, p.Release(h))
	assert.Equal(t, 0, p.InUse())
	assert.Equal(t, 1, p.Idle())
}

func TestIdleHandleFailingValidationIsReplaced(t *testing.T) {
	eng := testutil.NewFakeEngine()
	p := pool.New(eng, pool.Config{MaxPoolSize: 1, ValidationQuery: "SELECT 1"}, nil)

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(h))

	eng.Break(h)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID())
	assert.Equal(t, 2, eng.Opened())
	assert.Equal(t, 1, eng.OpenHandles(), "broken handle was closed")
}

func TestOpenFailureFreesTheSlot(t *testing.T) {
	eng := testutil.NewFakeEngine()
	eng.OpenErr = errors.New("refused")
	p := pool.New(eng, pool.Config{MaxPoolSize: 1, AcquireTimeout: 20 * time.Millisecond}, nil)

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, eng.OpenErr)

	eng.OpenErr = nil
	_, err = p.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestCloseClosesIdleAndLateReleasedHandles(t *testing.T) {
	eng := testutil.NewFakeEngine()
	p := pool.New(eng, pool.Config{MaxPoolSize: 2}, nil)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(a))

	require.NoError(t, p.Close())
	assert.Equal(t, 1, eng.OpenHandles())

	require.NoError(t, p.Release(b))
	assert.Equal(t, 0, eng.OpenHandles())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
	assert.NoError(t, p.Close(), "close is idempotent")
}

func TestPoolRejectsForeignHandle(t *testing.T) {
	eng := testutil.NewFakeEngine()
	other := testutil.NewFakeEngine()
	h, err := other.OpenHandle(context.Background())
	require.NoError(t, err)

	_, err = eng.Execute(context.Background(), h, engine.NativeQuery{SQL: "SELECT 1"})
	assert.ErrorIs(t, err, engine.ErrForeignHandle)
}
