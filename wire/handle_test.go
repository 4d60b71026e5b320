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

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHandle(t *testing.T) *Handle {
	t.Helper()
	return &Handle{
		fd:         -1,
		status:     StatusOK,
		parameters: make(map[string]string),
		txStatus:   TxIdle,
	}
}

// feed appends encoded backend messages to the receive buffer, as if they
// had been read from the socket.
func feed(t *testing.T, h *Handle, msgs ...pgproto3.BackendMessage) {
	t.Helper()
	for _, m := range msgs {
		buf, err := m.Encode(h.recvBuf)
		require.NoError(t, err)
		h.recvBuf = buf
	}
}

func rowDesc(names ...string) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(names))
	for i, n := range names {
		fields[i] = pgproto3.FieldDescription{
			Name:        []byte(n),
			DataTypeOID: 25,
			Format:      0,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func TestSimpleQueryResults(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendQuery([]byte("select 'a', 'b'")))
	assert.NotEmpty(t, h.sendBuf)

	assert.True(t, h.IsBusy())
	feed(t, h,
		rowDesc("x", "y"),
		&pgproto3.DataRow{Values: [][]byte{[]byte("a"), nil}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	assert.False(t, h.IsBusy())

	res := h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, TuplesOK, res.Status)
	assert.Equal(t, 1, res.NTuples())
	assert.Equal(t, 2, res.NFields())
	assert.Equal(t, "x", string(res.Fields()[0].Name))

	v, null := res.Value(0, 0)
	assert.False(t, null)
	assert.Equal(t, "a", string(v))
	_, null = res.Value(0, 1)
	assert.True(t, null)

	assert.Nil(t, h.GetResult())
}

func TestMultiStatementResults(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendQuery([]byte("select 1; select 2")))
	feed(t, h,
		rowDesc("a"),
		&pgproto3.DataRow{Values: [][]byte{[]byte("1")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		rowDesc("b"),
		&pgproto3.DataRow{Values: [][]byte{[]byte("2")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	first := h.GetResult()
	second := h.GetResult()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, "a", string(first.Fields()[0].Name))
	assert.Equal(t, "b", string(second.Fields()[0].Name))
	assert.Nil(t, h.GetResult())
}

func TestErrorResult(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendQuery([]byte("select broken")))
	feed(t, h,
		&pgproto3.ErrorResponse{
			Severity: "ERROR",
			Code:     "42703",
			Message:  `column "broken" does not exist`,
		},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	res := h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, FatalError, res.Status)
	assert.Equal(t, "42703", res.ErrorField(DiagSQLState))
	assert.Contains(t, res.ErrorMessage(), "does not exist")
	assert.Nil(t, h.GetResult())
}

func TestCommandTuples(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendQuery([]byte("insert into t values (1), (2)")))
	feed(t, h,
		&pgproto3.CommandComplete{CommandTag: []byte("INSERT 0 2")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	res := h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, CommandOK, res.Status)
	assert.Equal(t, 2, res.CommandTuples())
}

func TestTransactionStatusTracking(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendQuery([]byte("begin")))
	feed(t, h,
		&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")},
		&pgproto3.ReadyForQuery{TxStatus: 'T'},
	)
	_ = h.GetResult()
	_ = h.GetResult()
	assert.Equal(t, TxInTrans, h.TransactionStatus())
}

func TestSingleRowMode(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendQuery([]byte("select generate_series(1, 2)")))
	require.NoError(t, h.SetSingleRowMode())
	feed(t, h,
		rowDesc("n"),
		&pgproto3.DataRow{Values: [][]byte{[]byte("1")}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("2")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 2")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)

	res := h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, SingleTuple, res.Status)
	assert.Equal(t, 1, res.NTuples())

	res = h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, SingleTuple, res.Status)

	res = h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, TuplesOK, res.Status)
	assert.Equal(t, 0, res.NTuples())

	assert.Nil(t, h.GetResult())
}

func TestPrepareProducesCommandOK(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendPrepare("_pg3_1", []byte("select $1"), []uint32{23}))
	feed(t, h,
		&pgproto3.ParseComplete{},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	res := h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, CommandOK, res.Status)
	assert.Nil(t, h.GetResult())
}

func TestDescribePortalProducesFields(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendDescribePortal("curs"))
	feed(t, h,
		rowDesc("a", "b", "c"),
		&pgproto3.ReadyForQuery{TxStatus: 'T'},
	)
	res := h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, CommandOK, res.Status)
	assert.Equal(t, 3, res.NFields())
	assert.Equal(t, 0, res.NTuples())
}

func TestNoticeHandler(t *testing.T) {
	h := testHandle(t)
	var notices []*Result
	h.NoticeHandler = func(res *Result) { notices = append(notices, res) }

	require.NoError(t, h.SendQuery([]byte("select 1")))
	feed(t, h,
		&pgproto3.NoticeResponse{Severity: "NOTICE", Code: "00000", Message: "hello"},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 0")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	_ = h.GetResult()
	require.Len(t, notices, 1)
	assert.Equal(t, NonfatalError, notices[0].Status)
	assert.Equal(t, "hello", notices[0].ErrorField(DiagMessagePrimary))
}

func TestNotifies(t *testing.T) {
	h := testHandle(t)
	feed(t, h, &pgproto3.NotificationResponse{PID: 42, Channel: "chan", Payload: "pay"})

	n := h.Notifies()
	require.NotNil(t, n)
	assert.Equal(t, "chan", n.Channel)
	assert.Equal(t, "pay", n.Payload)
	assert.Equal(t, uint32(42), n.PID)
	assert.Nil(t, h.Notifies())
}

func TestParameterStatusUpdates(t *testing.T) {
	h := testHandle(t)
	feed(t, h, &pgproto3.ParameterStatus{Name: "TimeZone", Value: "UTC"})
	_ = h.pump()
	assert.Equal(t, "UTC", h.ParameterStatus("TimeZone"))

	h.parameters["server_version"] = "16.2"
	assert.Equal(t, 160002, h.ServerVersion())
	h.parameters["server_version"] = "14.11 (Debian)"
	assert.Equal(t, 140011, h.ServerVersion())
}

func TestCopyOutFlow(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendQuery([]byte("copy t to stdout")))
	feed(t, h,
		&pgproto3.CopyOutResponse{OverallFormat: 0, ColumnFormatCodes: []uint16{0, 0}},
		&pgproto3.CopyData{Data: []byte("1\tfoo\n")},
		&pgproto3.CopyDone{},
		&pgproto3.CommandComplete{CommandTag: []byte("COPY 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)

	res := h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, CopyOut, res.Status)
	assert.Equal(t, 2, res.NFields())

	n, data, err := h.GetCopyData(true)
	require.NoError(t, err)
	assert.Equal(t, len("1\tfoo\n"), n)
	assert.Equal(t, "1\tfoo\n", string(data))

	n, _, err = h.GetCopyData(true)
	require.NoError(t, err)
	assert.Equal(t, -1, n)

	final := h.GetResult()
	require.NotNil(t, final)
	assert.Equal(t, CommandOK, final.Status)
	assert.Equal(t, 1, final.CommandTuples())
	assert.Nil(t, h.GetResult())
}

func TestCopyInFlow(t *testing.T) {
	h := testHandle(t)
	require.NoError(t, h.SendQuery([]byte("copy t from stdin")))
	feed(t, h, &pgproto3.CopyInResponse{OverallFormat: 0, ColumnFormatCodes: []uint16{0}})

	res := h.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, CopyIn, res.Status)

	accepted, err := h.PutCopyData([]byte("1\n"))
	require.NoError(t, err)
	assert.True(t, accepted)
	accepted, err = h.PutCopyEnd(nil)
	require.NoError(t, err)
	assert.True(t, accepted)

	feed(t, h,
		&pgproto3.CommandComplete{CommandTag: []byte("COPY 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	final := h.GetResult()
	require.NotNil(t, final)
	assert.Equal(t, CommandOK, final.Status)
}

func TestSendOnBadHandle(t *testing.T) {
	h := testHandle(t)
	h.status = StatusBad
	assert.Error(t, h.SendQuery([]byte("select 1")))
	assert.Error(t, h.SendPrepare("x", []byte("select 1"), nil))
}
