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
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// scheduler runs delayed actions from a single goroutine. It is a minimal
// min-heap timer wheel: Enter schedules relative to now, EnterAbs at an
// absolute monotonic time, and a nil action stops the run loop. The loop
// can idle with nothing scheduled.
type scheduler struct {
	mu    sync.Mutex
	queue schedQueue
	wake  chan struct{}
}

type schedTask struct {
	at     time.Time
	action func()
}

type schedQueue []schedTask

func (q schedQueue) Len() int            { return len(q) }
func (q schedQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q schedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *schedQueue) Push(x any)         { *q = append(*q, x.(schedTask)) }
func (q *schedQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	*q = old[:n-1]
	return task
}

const emptyQueueTimeout = 600 * time.Second

func newScheduler() *scheduler {
	return &scheduler{wake: make(chan struct{}, 1)}
}

// Enter schedules action to run after delay. A nil action terminates the
// run loop once its time arrives.
func (s *scheduler) Enter(delay time.Duration, action func()) {
	s.EnterAbs(time.Now().Add(delay), action)
}

// EnterAbs schedules action at an absolute time.
func (s *scheduler) EnterAbs(at time.Time, action func()) {
	s.mu.Lock()
	heap.Push(&s.queue, schedTask{at: at, action: action})
	first := s.queue[0].at.Equal(at)
	s.mu.Unlock()

	if first {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Run executes scheduled actions until a nil action is reached. Intended
// to run in its own goroutine.
func (s *scheduler) Run() {
	for {
		s.mu.Lock()
		var task *schedTask
		delay := emptyQueueTimeout
		if len(s.queue) > 0 {
			now := time.Now()
			if !s.queue[0].at.After(now) {
				t := heap.Pop(&s.queue).(schedTask)
				task = &t
			} else {
				delay = s.queue[0].at.Sub(now)
			}
		}
		s.mu.Unlock()

		if task != nil {
			if task.action == nil {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						logrus.Warnf("scheduled task run %p failed: %v", task.action, r)
					}
				}()
				task.action()
			}()
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}
