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

// Package wait drives resumable protocol operations against a socket.
//
// An operation is a state machine that advances in non-blocking steps and,
// whenever the socket would block, reports the readiness it needs. The
// functions here park the caller until the socket is ready and resume the
// machine, until it reports completion.
package wait

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// Wait is the readiness an operation is interested in.
type Wait int8

const (
	R  Wait = iota + 1 // readable
	W                  // writable
	RW                 // either
)

// Ready is what actually became ready on the socket. It is a bitmask so a
// single poll can report both directions.
type Ready int8

const (
	ReadyR Ready = 1 << iota
	ReadyW
)

// Op is a resumable operation. Step advances the machine as far as it can
// without blocking; done reports completion. Fd is consulted before every
// poll because the descriptor can change while a connection is being
// established.
type Op interface {
	Fd() int
	Step(ready Ready) (w Wait, done bool, err error)
}

// pollInterval bounds each poll so RunContext can observe cancellation.
// A timeout expiration is not an error by itself; the loop just polls again.
const pollInterval = 100 * time.Millisecond

// Run drives op to completion, blocking the calling goroutine on poll(2)
// between steps.
func Run(op Op) error {
	return run(op, nil)
}

// RunContext drives op to completion, returning ctx.Err() if the context is
// cancelled or its deadline passes while the operation is suspended.
func RunContext(ctx context.Context, op Op) error {
	if ctx.Done() == nil && ctx.Err() == nil {
		return run(op, nil)
	}
	return run(op, ctx)
}

func run(op Op, ctx context.Context) error {
	// The first step runs with no readiness: the machine attempts its
	// non-blocking calls and tells us what it is waiting for.
	w, done, err := op.Step(0)
	for {
		if err != nil || done {
			return err
		}
		var ready Ready
		ready, err = poll(op.Fd(), w, ctx)
		if err != nil {
			return err
		}
		if ready == 0 {
			continue // timeout slice, poll again
		}
		w, done, err = op.Step(ready)
	}
}

func poll(fd int, w Wait, ctx context.Context) (Ready, error) {
	var events int16
	switch w {
	case R:
		events = unix.POLLIN
	case W:
		events = unix.POLLOUT
	case RW:
		events = unix.POLLIN | unix.POLLOUT
	}
	timeout := -1
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		timeout = int(pollInterval / time.Millisecond)
		if dl, ok := ctx.Deadline(); ok {
			if until := time.Until(dl); until < pollInterval {
				if until <= 0 {
					return 0, context.DeadlineExceeded
				}
				timeout = int(until/time.Millisecond) + 1
			}
		}
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, timeout)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	var ready Ready
	re := fds[0].Revents
	if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		ready |= ReadyR
	}
	if re&(unix.POLLOUT|unix.POLLERR) != 0 {
		ready |= ReadyW
	}
	return ready, nil
}
