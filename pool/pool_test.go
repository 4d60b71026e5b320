// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := (&Config{MinSize: 2}).withDefaults()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, time.Hour, cfg.MaxLifetime)
	assert.Equal(t, 10*time.Minute, cfg.MaxIdle)
	assert.Equal(t, 5*time.Minute, cfg.ReconnectTimeout)
	assert.Equal(t, 3, cfg.NumWorkers)
	assert.NotEmpty(t, cfg.Name)
}

func TestConfigValidation(t *testing.T) {
	_, err := (&Config{MinSize: -1}).withDefaults()
	assert.Error(t, err)
	_, err = (&Config{MinSize: 4, MaxSize: 2}).withDefaults()
	assert.Error(t, err)
	_, err = (&Config{MinSize: 0, MaxSize: 0}).withDefaults()
	assert.Error(t, err)
}

func TestPoolOpenCloseLifecycle(t *testing.T) {
	p, err := New(Config{MinSize: 0, MaxSize: 1, Name: "lifecycle"})
	require.NoError(t, err)

	assert.True(t, p.Closed())
	require.NoError(t, p.Open())
	assert.False(t, p.Closed())
	// opening twice is a no-op
	require.NoError(t, p.Open())

	require.NoError(t, p.Close(time.Second))
	assert.True(t, p.Closed())
	// closing twice is a no-op
	require.NoError(t, p.Close(time.Second))
	// a closed pool cannot be reused
	assert.Error(t, p.Open())
}

func TestPutconnForeignConnection(t *testing.T) {
	p, err := New(Config{MinSize: 0, MaxSize: 1, Name: "foreign"})
	require.NoError(t, err)
	require.NoError(t, p.Open())
	defer p.Close(time.Second)

	err = p.Putconn(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "doesn't come from any pool")
}

func TestTaskQueueFIFO(t *testing.T) {
	q := newTaskQueue()
	q.Push(stopWorker{})
	q.Push(shrinkPool{})

	first := q.Pop(time.Second)
	second := q.Pop(time.Second)
	_, isStop := first.(stopWorker)
	_, isShrink := second.(shrinkPool)
	assert.True(t, isStop)
	assert.True(t, isShrink)

	// empty queue: Pop returns nil after the timeout
	started := time.Now()
	assert.Nil(t, q.Pop(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
}

func TestSchedulerRunsInOrder(t *testing.T) {
	s := newScheduler()
	var mu sync.Mutex
	var order []int

	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	s.Enter(60*time.Millisecond, record(2))
	s.Enter(20*time.Millisecond, record(1))
	s.Enter(100*time.Millisecond, nil) // terminates the loop

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestAttemptBackoff(t *testing.T) {
	a := &attempt{}
	now := time.Now()

	a.updateDelay(now, 5*time.Minute)
	assert.False(t, a.timeToGiveUp(now))
	// first delay is about one second, jittered by 10%
	assert.InDelta(t, float64(time.Second), float64(a.delay), float64(150*time.Millisecond))

	first := a.delay
	a.updateDelay(now, 5*time.Minute)
	assert.InDelta(t, float64(2*first), float64(a.delay), float64(time.Millisecond))

	// the delay is clamped so the next try lands before the deadline
	late := a.giveUpAt.Add(-time.Millisecond)
	a.updateDelay(late, 5*time.Minute)
	assert.LessOrEqual(t, float64(a.delay), float64(time.Millisecond))

	assert.True(t, a.timeToGiveUp(a.giveUpAt))
}

func TestWaitingClientRendezvous(t *testing.T) {
	w := newWaitingClient()
	assert.True(t, w.fail(newPoolTimeout("too late")))
	// a connection offered after the timeout is refused
	assert.False(t, w.set(nil))
	<-w.ch
	assert.Error(t, w.err)

	w2 := newWaitingClient()
	assert.True(t, w2.set(nil))
	assert.False(t, w2.fail(newPoolTimeout("raced")))
	assert.NoError(t, w2.err)
}

func TestStatsSnapshotAndPop(t *testing.T) {
	p, err := New(Config{MinSize: 0, MaxSize: 2, Name: "stats"})
	require.NoError(t, err)

	p.stats.requestsNum.Add(3)
	p.stats.requestsErrors.Add(1)

	snap := p.GetStats()
	assert.Equal(t, int64(3), snap[StatRequestsNum])
	assert.Equal(t, int64(1), snap[StatRequestsErrors])
	assert.Equal(t, int64(0), snap[StatPoolMin])
	assert.Equal(t, int64(2), snap[StatPoolMax])

	// GetStats does not reset
	snap = p.GetStats()
	assert.Equal(t, int64(3), snap[StatRequestsNum])

	// PopStats does
	snap = p.PopStats()
	assert.Equal(t, int64(3), snap[StatRequestsNum])
	snap = p.GetStats()
	assert.Equal(t, int64(0), snap[StatRequestsNum])
}

func TestJitterRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := jitter(time.Second, -0.05, 0.0)
		assert.LessOrEqual(t, v, time.Second)
		assert.GreaterOrEqual(t, v, 950*time.Millisecond)
	}
}

func TestPoolErrorsKinds(t *testing.T) {
	var pt *PoolTimeout
	var pc *PoolClosed
	var tm *TooManyRequests
	assert.ErrorAs(t, newPoolTimeout("x"), &pt)
	assert.ErrorAs(t, newPoolClosed("x"), &pc)
	assert.ErrorAs(t, newTooManyRequests("x"), &tm)
}
