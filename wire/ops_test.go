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
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/apecloud/pgline/wait"
)

// socketHandle builds a handle over one end of a socketpair; the other
// end plays the server.
func socketHandle(t *testing.T) (*Handle, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	h := &Handle{
		fd:         fds[0],
		status:     StatusOK,
		parameters: make(map[string]string),
		txStatus:   TxIdle,
	}
	return h, fds[1]
}

func serverSend(t *testing.T, fd int, msgs ...pgproto3.BackendMessage) {
	t.Helper()
	var buf []byte
	for _, m := range msgs {
		var err error
		buf, err = m.Encode(buf)
		require.NoError(t, err)
	}
	_, err := unix.Write(fd, buf)
	require.NoError(t, err)
}

func TestExecuteOpEndToEnd(t *testing.T) {
	h, server := socketHandle(t)
	require.NoError(t, h.SendQuery([]byte("select 'hello'")))

	go func() {
		time.Sleep(10 * time.Millisecond)
		serverSend(t, server,
			rowDesc("greeting"),
			&pgproto3.DataRow{Values: [][]byte{[]byte("hello")}},
			&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
			&pgproto3.ReadyForQuery{TxStatus: 'I'},
		)
	}()

	op := &ExecuteOp{Handle: h}
	require.NoError(t, wait.Run(op))
	require.Len(t, op.Res, 1)
	assert.Equal(t, TuplesOK, op.Res[0].Status)
	v, null := op.Res[0].Value(0, 0)
	assert.False(t, null)
	assert.Equal(t, "hello", string(v))

	// the query really went out on the wire
	var raw [4096]byte
	n, err := unix.Read(server, raw[:])
	require.NoError(t, err)
	assert.Contains(t, string(raw[:n]), "select 'hello'")
}

func TestFetchManyStopsAtCopy(t *testing.T) {
	h, server := socketHandle(t)
	require.NoError(t, h.SendQuery([]byte("copy t to stdout")))
	_, err := h.Flush()
	require.NoError(t, err)

	serverSend(t, server,
		&pgproto3.CopyOutResponse{OverallFormat: 0, ColumnFormatCodes: []uint16{0}},
	)

	op := &FetchManyOp{Handle: h}
	require.NoError(t, wait.Run(op))
	require.Len(t, op.Res, 1)
	assert.Equal(t, CopyOut, op.Res[0].Status)
}

func TestCopyFromOpReadsChunksThenFinal(t *testing.T) {
	h, server := socketHandle(t)
	require.NoError(t, h.SendQuery([]byte("copy t to stdout")))
	_, err := h.Flush()
	require.NoError(t, err)

	serverSend(t, server,
		&pgproto3.CopyOutResponse{OverallFormat: 0, ColumnFormatCodes: []uint16{0}},
	)
	op := &FetchManyOp{Handle: h}
	require.NoError(t, wait.Run(op))

	go func() {
		time.Sleep(10 * time.Millisecond)
		serverSend(t, server,
			&pgproto3.CopyData{Data: []byte("row1\n")},
			&pgproto3.CopyDone{},
			&pgproto3.CommandComplete{CommandTag: []byte("COPY 1")},
			&pgproto3.ReadyForQuery{TxStatus: 'I'},
		)
	}()

	read := &CopyFromOp{Handle: h}
	require.NoError(t, wait.Run(read))
	assert.Equal(t, "row1\n", string(read.Data))

	final := &CopyFromOp{Handle: h}
	require.NoError(t, wait.Run(final))
	assert.Nil(t, final.Data)
	require.NotNil(t, final.Final)
	assert.Equal(t, CommandOK, final.Final.Status)
}

func TestNotifiesOp(t *testing.T) {
	h, server := socketHandle(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		serverSend(t, server,
			&pgproto3.NotificationResponse{PID: 7, Channel: "events", Payload: "ping"},
		)
	}()

	op := &NotifiesOp{Handle: h}
	require.NoError(t, wait.Run(op))
	require.Len(t, op.Res, 1)
	assert.Equal(t, "events", op.Res[0].Channel)
	assert.Equal(t, "ping", op.Res[0].Payload)
}
