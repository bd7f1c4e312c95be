package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_RunSync_ExecutesAndBlocksUntilDone(t *testing.T) {
	p := New("test", Config{Core: 2, Max: 2, Queue: 4}, nil)
	var ran atomic.Bool
	p.RunSync(context.Background(), func(ctx context.Context) {
		time.Sleep(5 * time.Millisecond)
		ran.Store(true)
	})
	assert.True(t, ran.Load())
}

func TestPool_SubmitRunsAllTasks(t *testing.T) {
	p := New("test", Config{Core: 2, Max: 4, Queue: 8}, nil)
	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int64(20), count.Load())
}

func TestPool_CallerRunsWhenSaturated(t *testing.T) {
	// Core 0 means no background workers ever drain the queue; with Max 0
	// too, every Submit must fall through to the caller-runs branch.
	p := New("test", Config{Core: 0, Max: 0, Queue: 0}, nil)
	var ran bool
	p.Submit(context.Background(), func(ctx context.Context) {
		ran = true
	})
	assert.True(t, ran, "Submit should run inline when queue and semaphore are both full")
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New("test", Config{Core: 2, Max: 2, Queue: 20}, nil)
	var concurrent, maxConcurrent atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n := concurrent.Add(1)
			for {
				m := maxConcurrent.Load()
				if n <= m || maxConcurrent.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			concurrent.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, maxConcurrent.Load(), int64(2))
}

func TestNewDefault_BuildsThreeNamedPools(t *testing.T) {
	pools := NewDefault(nil)
	if pools.SagaExec == nil || pools.StepExec == nil || pools.Compensation == nil {
		t.Fatal("expected all three named pools to be constructed")
	}
}
