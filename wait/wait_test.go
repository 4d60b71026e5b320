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

package wait

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// readOp reads one byte from a pipe, yielding R until the fd is readable.
type readOp struct {
	fd   int
	got  []byte
	step int
}

func (o *readOp) Fd() int { return o.fd }

func (o *readOp) Step(ready Ready) (Wait, bool, error) {
	o.step++
	var buf [1]byte
	n, err := unix.Read(o.fd, buf[:])
	if n == 1 {
		o.got = append(o.got, buf[0])
		return 0, true, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return R, false, nil
	}
	return 0, false, err
}

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRunResumesOnReadable(t *testing.T) {
	r, w := pipe(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		unix.Write(w, []byte{'x'})
	}()

	op := &readOp{fd: r}
	require.NoError(t, Run(op))
	assert.Equal(t, []byte{'x'}, op.got)
	assert.GreaterOrEqual(t, op.step, 2, "the op must have been suspended at least once")
}

func TestRunImmediateCompletion(t *testing.T) {
	r, w := pipe(t)
	_, err := unix.Write(w, []byte{'y'})
	require.NoError(t, err)

	op := &readOp{fd: r}
	require.NoError(t, Run(op))
	assert.Equal(t, []byte{'y'}, op.got)
	assert.Equal(t, 1, op.step)
}

func TestRunContextCancellation(t *testing.T) {
	r, _ := pipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := RunContext(ctx, &readOp{fd: r})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunContextDeadline(t *testing.T) {
	r, _ := pipe(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	started := time.Now()
	err := RunContext(ctx, &readOp{fd: r})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestRunContextWithoutDeadlinePassesThrough(t *testing.T) {
	r, w := pipe(t)
	_, err := unix.Write(w, []byte{'z'})
	require.NoError(t, err)

	op := &readOp{fd: r}
	require.NoError(t, RunContext(context.Background(), op))
	assert.Equal(t, []byte{'z'}, op.got)
}
