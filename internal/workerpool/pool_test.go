package workerpool

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// TestPool_SameKeyKeepsOrder 同一 key 的任务按提交顺序执行
func TestPool_SameKeyKeepsOrder(t *testing.T) {
	pool := New(4, 64, testLogger())

	var mu sync.Mutex
	got := make([]int, 0, 100)
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, pool.Submit("session-1", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	pool.Shutdown()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

// TestPool_ShutdownDrainsQueue 关闭时已入队任务全部执行
func TestPool_ShutdownDrainsQueue(t *testing.T) {
	pool := New(3, 300, testLogger())

	var executed atomic.Int32
	for i := 0; i < 200; i++ {
		pool.Submit(fmt.Sprintf("k-%d", i), func() { executed.Add(1) })
	}
	pool.Shutdown()

	assert.Equal(t, int32(200), executed.Load())
	assert.False(t, pool.Submit("k", func() {}), "submit after shutdown must fail")
	assert.False(t, pool.TrySubmit("k", func() {}))

	// 重复关闭不 panic
	pool.Shutdown()
}

// TestPool_PanicRecover panic 不影响后续任务
func TestPool_PanicRecover(t *testing.T) {
	pool := New(1, 8, testLogger())

	var executed atomic.Int32
	pool.Submit("k", func() { panic("boom") })
	pool.Submit("k", func() { executed.Add(1) })
	pool.Shutdown()

	assert.Equal(t, int32(1), executed.Load())
}

func TestPool_TrySubmitFull(t *testing.T) {
	pool := New(1, 1, testLogger())
	defer pool.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.Submit("k", func() {
		close(started)
		<-block
	}))
	<-started

	// worker 被占用，队列容量为 1
	require.True(t, pool.TrySubmit("k", func() {}))
	assert.False(t, pool.TrySubmit("k", func() {}))
	assert.Equal(t, 1, pool.Pending())

	close(block)
}
