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

package wire

import (
	"fmt"

	"github.com/apecloud/pgline/wait"
)

// The operations below are the suspendable protocol routines: each is a
// state machine satisfying wait.Op whose Step advances as far as the socket
// allows, reporting the readiness it needs next. They assume exclusive use
// of the Handle while running. Results are read from the op's fields after
// the waiter reports completion.

// ConnectOp drives the connection handshake to completion.
type ConnectOp struct {
	Handle *Handle
}

func (o *ConnectOp) Fd() int { return o.Handle.Fd() }

func (o *ConnectOp) Step(_ wait.Ready) (wait.Wait, bool, error) {
	switch o.Handle.ConnectPoll() {
	case PollOK:
		return 0, true, nil
	case PollReading:
		return wait.R, false, nil
	case PollWriting:
		return wait.W, false, nil
	case PollFailed:
		return 0, false, fmt.Errorf("connection failed: %s", o.Handle.ErrorMessage())
	default:
		return 0, false, fmt.Errorf("unexpected poll status")
	}
}

// SendOp drains the send buffer of a query already enqueued with one of the
// Handle.Send* methods. Incoming notice/notify chatter is consumed along
// the way so it cannot deadlock the send.
type SendOp struct {
	Handle *Handle
}

func (o *SendOp) Fd() int { return o.Handle.Fd() }

func (o *SendOp) Step(ready wait.Ready) (wait.Wait, bool, error) {
	if ready&wait.ReadyR != 0 {
		if err := o.Handle.ConsumeInput(); err != nil {
			return 0, false, err
		}
	}
	done, err := o.Handle.Flush()
	if err != nil {
		return 0, false, err
	}
	if done {
		return 0, true, nil
	}
	return wait.RW, false, nil
}

// FetchOp retrieves a single result. Res is nil when the batch is
// exhausted. Pending notifications are delivered to the handle's
// NotifyHandler as a side effect.
type FetchOp struct {
	Handle *Handle
	Res    *Result
}

func (o *FetchOp) Fd() int { return o.Handle.Fd() }

func (o *FetchOp) Step(_ wait.Ready) (wait.Wait, bool, error) {
	if err := o.Handle.ConsumeInput(); err != nil {
		return 0, false, err
	}
	if o.Handle.IsBusy() {
		return wait.R, false, nil
	}
	if o.Handle.NotifyHandler != nil {
		for {
			n := o.Handle.Notifies()
			if n == nil {
				break
			}
			o.Handle.NotifyHandler(n)
		}
	}
	o.Res = o.Handle.GetResult()
	return 0, true, nil
}

// FetchManyOp retrieves every result of the current batch. It stops early
// on a COPY result: once copy mode is entered the server would fabricate a
// phantom result for every further request.
type FetchManyOp struct {
	Handle *Handle
	Res    []*Result

	inner *FetchOp
}

func (o *FetchManyOp) Fd() int { return o.Handle.Fd() }

func (o *FetchManyOp) Step(ready wait.Ready) (wait.Wait, bool, error) {
	for {
		if o.inner == nil {
			o.inner = &FetchOp{Handle: o.Handle}
		}
		w, done, err := o.inner.Step(ready)
		if err != nil {
			return 0, false, err
		}
		if !done {
			return w, false, nil
		}
		res := o.inner.Res
		o.inner = nil
		ready = 0
		if res == nil {
			return 0, true, nil
		}
		o.Res = append(o.Res, res)
		switch res.Status {
		case CopyIn, CopyOut, CopyBoth:
			return 0, true, nil
		}
	}
}

// ExecuteOp is the standard request/response shape: drain the send buffer,
// then collect every result.
type ExecuteOp struct {
	Handle *Handle
	Res    []*Result

	send  SendOp
	fetch FetchManyOp
	sent  bool
}

func (o *ExecuteOp) Fd() int { return o.Handle.Fd() }

func (o *ExecuteOp) Step(ready wait.Ready) (wait.Wait, bool, error) {
	if !o.sent {
		o.send.Handle = o.Handle
		w, done, err := o.send.Step(ready)
		if err != nil {
			return 0, false, err
		}
		if !done {
			return w, false, nil
		}
		o.sent = true
		o.fetch.Handle = o.Handle
		ready = 0
	}
	w, done, err := o.fetch.Step(ready)
	if done {
		o.Res = o.fetch.Res
	}
	return w, done, err
}

// NotifiesOp waits for the socket to become readable once and drains the
// queued notifications.
type NotifiesOp struct {
	Handle *Handle
	Res    []*Notify

	waited bool
}

func (o *NotifiesOp) Fd() int { return o.Handle.Fd() }

func (o *NotifiesOp) Step(_ wait.Ready) (wait.Wait, bool, error) {
	if !o.waited {
		o.waited = true
		return wait.R, false, nil
	}
	if err := o.Handle.ConsumeInput(); err != nil {
		return 0, false, err
	}
	for {
		n := o.Handle.Notifies()
		if n == nil {
			break
		}
		o.Res = append(o.Res, n)
	}
	return 0, true, nil
}

// CopyFromOp reads one chunk of a COPY TO STDOUT stream. When the stream is
// over, Data is nil and Final holds the terminating result (which the
// caller must check for CommandOK).
type CopyFromOp struct {
	Handle *Handle
	Data   []byte
	Final  *Result

	fetch *FetchManyOp
}

func (o *CopyFromOp) Fd() int { return o.Handle.Fd() }

func (o *CopyFromOp) Step(ready wait.Ready) (wait.Wait, bool, error) {
	if o.fetch != nil {
		return o.stepFinal(ready)
	}
	if ready&wait.ReadyR != 0 {
		if err := o.Handle.ConsumeInput(); err != nil {
			return 0, false, err
		}
	}
	n, data, err := o.Handle.GetCopyData(true)
	if err != nil {
		return 0, false, err
	}
	switch {
	case n > 0:
		o.Data = data
		return 0, true, nil
	case n == 0:
		return wait.R, false, nil
	default:
		o.fetch = &FetchManyOp{Handle: o.Handle}
		return o.stepFinal(0)
	}
}

func (o *CopyFromOp) stepFinal(ready wait.Ready) (wait.Wait, bool, error) {
	w, done, err := o.fetch.Step(ready)
	if err != nil || !done {
		return w, done, err
	}
	if len(o.fetch.Res) > 0 {
		o.Final = o.fetch.Res[0]
	}
	return 0, true, nil
}

// CopyToOp feeds one chunk into a COPY FROM STDIN stream and drains it to
// the socket.
type CopyToOp struct {
	Handle *Handle
	Data   []byte

	queued bool
}

func (o *CopyToOp) Fd() int { return o.Handle.Fd() }

func (o *CopyToOp) Step(_ wait.Ready) (wait.Wait, bool, error) {
	if !o.queued {
		if _, err := o.Handle.PutCopyData(o.Data); err != nil {
			return 0, false, err
		}
		o.queued = true
	}
	done, err := o.Handle.Flush()
	if err != nil {
		return 0, false, err
	}
	if !done {
		return wait.W, false, nil
	}
	return 0, true, nil
}

// CopyEndOp terminates a COPY FROM STDIN stream (with an error message to
// abort it server side, or nil to complete it) and collects the
// terminating result into Final.
type CopyEndOp struct {
	Handle *Handle
	Err    []byte
	Final  *Result

	queued bool
	fetch  *FetchManyOp
}

func (o *CopyEndOp) Fd() int { return o.Handle.Fd() }

func (o *CopyEndOp) Step(ready wait.Ready) (wait.Wait, bool, error) {
	if o.fetch != nil {
		return o.stepFinal(ready)
	}
	if !o.queued {
		if _, err := o.Handle.PutCopyEnd(o.Err); err != nil {
			return 0, false, err
		}
		o.queued = true
	}
	done, err := o.Handle.Flush()
	if err != nil {
		return 0, false, err
	}
	if !done {
		return wait.W, false, nil
	}
	o.fetch = &FetchManyOp{Handle: o.Handle}
	return o.stepFinal(0)
}

func (o *CopyEndOp) stepFinal(ready wait.Ready) (wait.Wait, bool, error) {
	w, done, err := o.fetch.Step(ready)
	if err != nil || !done {
		return w, done, err
	}
	if len(o.fetch.Res) > 0 {
		o.Final = o.fetch.Res[0]
	}
	return 0, true, nil
}
