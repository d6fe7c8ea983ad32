package taskpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/spits/pkg/module"
	"github.com/taskrun/spits/pkg/taskpool"
	"github.com/taskrun/spits/pkg/wire/proto"
)

func TestPutRejectsBeyondCapacity(t *testing.T) {
	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)
	pool := taskpool.New(mod, 1, 1) // cap = 2

	assert.True(t, pool.Put(taskpool.Task{TaskID: 1}))
	assert.True(t, pool.Put(taskpool.Task{TaskID: 2}))
	assert.False(t, pool.Put(taskpool.Task{TaskID: 3}))
	assert.True(t, pool.Full())
}

func TestEmptyReflectsQueueState(t *testing.T) {
	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)
	pool := taskpool.New(mod, 1, 0)

	assert.True(t, pool.Empty())
	pool.Put(taskpool.Task{TaskID: 1})
	assert.False(t, pool.Empty())
}

func TestPushBackResultTakesPriorityOverChannel(t *testing.T) {
	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)
	pool := taskpool.New(mod, 1, 1)

	pool.Put(taskpool.Task{TaskID: 1, Body: eightByte(1)})
	ctx, cancel := context.WithCancel(context.Background())
	g := pool.Start(ctx)
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	// Wait until task 1's result sits in the result channel.
	require.Eventually(t, func() bool {
		return pool.Empty() && pool.InFlight() == 1
	}, time.Second, time.Millisecond)

	pool.PushBackResult(taskpool.Result{TaskID: 99})
	front, ok := pool.PopResult()
	require.True(t, ok)
	assert.Equal(t, int64(99), front.TaskID)

	r, ok := pool.PopResult()
	require.True(t, ok)
	assert.Equal(t, int64(1), r.TaskID)
}

func TestWorkerRunsCounterTaskAndReportsResult(t *testing.T) {
	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)
	pool := taskpool.New(mod, 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Put(taskpool.Task{TaskID: 5, RunID: 1, Body: eightByte(21)})
	g := pool.Start(ctx)

	var result taskpool.Result
	require.Eventually(t, func() bool {
		var ok bool
		result, ok = pool.PopResult()
		return ok
	}, time.Second, time.Millisecond)

	assert.Equal(t, int64(5), result.TaskID)
	assert.Equal(t, int64(0), result.WorkerStatus)
	assert.Equal(t, uint64(42), decodeUint64(result.Body))

	cancel()
	_ = g.Wait()
}

func TestWorkerReportsModuleErrorOnMalformedPayload(t *testing.T) {
	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)
	pool := taskpool.New(mod, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Put(taskpool.Task{TaskID: 7, Body: []byte{1, 2, 3}}) // not 8 bytes, WorkerRun errors
	g := pool.Start(ctx)
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	var result taskpool.Result
	require.Eventually(t, func() bool {
		var ok bool
		result, ok = pool.PopResult()
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(proto.ResModuleError), result.WorkerStatus)
}

func eightByte(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
