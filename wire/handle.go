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

// Package wire implements the non-blocking protocol engine: a handle over a
// PostgreSQL server socket whose messages are encoded and decoded with
// pgproto3, plus the resumable operations that drive it.
package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/sys/unix"
)

// sendMode tracks which pipeline the last Send* enqueued, so the message
// pump knows how to fabricate results for responses that carry no
// CommandComplete of their own (Parse-only, Describe-only).
type sendMode int8

const (
	modeNone sendMode = iota
	modeSimple
	modeExtended
	modePrepare
	modeDescribe
)

// Handle is the wire handle: a value-adding shim over the protocol codec.
// All socket operations are non-blocking; callers drive progress through
// the resumable operations in this package and the wait package.
//
// A Handle must be used by one goroutine at a time.
type Handle struct {
	fd     int
	status ConnStatus

	network string // "tcp" or "unix"
	raddr   string

	settings   map[string]string
	parameters map[string]string
	backendPID uint32
	secretKey  uint32

	txStatus TransactionStatus

	sendBuf []byte
	recvBuf []byte

	mode      sendMode
	singleRow bool
	cur       *resultBuilder
	pending   []*Result
	batchDone bool
	failed    bool // ErrorResponse seen since last sync point

	inCopyIn  bool
	inCopyOut bool
	copyDone  bool
	copyData  [][]byte

	notifies []*Notify

	// NoticeHandler receives NONFATAL_ERROR results as they are pumped.
	NoticeHandler func(*Result)
	// NotifyHandler, when set, receives notifications drained by the fetch
	// operations. Unhandled notifications queue for Notifies().
	NotifyHandler func(*Notify)

	connect *connectState
	errMsg  string
}

type resultBuilder struct {
	fields []Field
	rows   [][][]byte
}

// Fd returns the socket file descriptor.
func (h *Handle) Fd() int { return h.fd }

// Status reports the connection status.
func (h *Handle) Status() ConnStatus { return h.status }

// TransactionStatus reports the backend transaction status as of the last
// ReadyForQuery.
func (h *Handle) TransactionStatus() TransactionStatus {
	if h.status != StatusOK {
		return TxUnknown
	}
	return h.txStatus
}

// ParameterStatus returns the current value of a session parameter reported
// by the server (client_encoding, DateStyle, TimeZone, ...).
func (h *Handle) ParameterStatus(name string) string {
	return h.parameters[name]
}

// BackendPID returns the server process id of the session.
func (h *Handle) BackendPID() uint32 { return h.backendPID }

// ServerVersion returns the server version as an integer, e.g. 160002 for
// 16.2, or 0 if unknown.
func (h *Handle) ServerVersion() int {
	v := h.parameters["server_version"]
	if v == "" {
		return 0
	}
	if i := strings.IndexAny(v, " ("); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	minor := 0
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major*10000 + minor
}

// ErrorMessage returns the last error reported on the handle.
func (h *Handle) ErrorMessage() string { return h.errMsg }

func (h *Handle) setBad(format string, a ...any) error {
	h.status = StatusBad
	h.errMsg = fmt.Sprintf(format, a...)
	return fmt.Errorf("%s", h.errMsg)
}

// enqueue appends encoded frontend messages to the send buffer.
func (h *Handle) enqueue(msgs ...pgproto3.FrontendMessage) error {
	buf := h.sendBuf
	for _, m := range msgs {
		var err error
		buf, err = m.Encode(buf)
		if err != nil {
			return err
		}
	}
	h.sendBuf = buf
	return nil
}

func (h *Handle) checkSendable() error {
	if h.status != StatusOK {
		return fmt.Errorf("the connection is closed or broken")
	}
	return nil
}

func (h *Handle) resetBatch(mode sendMode) {
	h.mode = mode
	h.singleRow = false
	h.cur = nil
	h.pending = h.pending[:0]
	h.batchDone = false
	h.failed = false
	h.inCopyIn = false
	h.inCopyOut = false
	h.copyDone = false
	h.copyData = nil
}

// SendQuery enqueues a simple-protocol query. Multiple statements separated
// by semicolons produce multiple results.
func (h *Handle) SendQuery(query []byte) error {
	if err := h.checkSendable(); err != nil {
		return err
	}
	h.resetBatch(modeSimple)
	return h.enqueue(&pgproto3.Query{String: string(query)})
}

// SendQueryParams enqueues an extended-protocol query with parameters.
func (h *Handle) SendQueryParams(query []byte, params [][]byte, oids []uint32, formats []Format, resultFormat Format) error {
	if err := h.checkSendable(); err != nil {
		return err
	}
	h.resetBatch(modeExtended)
	return h.enqueue(
		&pgproto3.Parse{Query: string(query), ParameterOIDs: oids},
		&pgproto3.Bind{
			Parameters:           params,
			ParameterFormatCodes: formatCodes(formats),
			ResultFormatCodes:    []int16{int16(resultFormat)},
		},
		&pgproto3.Describe{ObjectType: 'P'},
		&pgproto3.Execute{},
		&pgproto3.Sync{},
	)
}

// SendPrepare enqueues the preparation of a named statement.
func (h *Handle) SendPrepare(name string, query []byte, oids []uint32) error {
	if err := h.checkSendable(); err != nil {
		return err
	}
	h.resetBatch(modePrepare)
	return h.enqueue(
		&pgproto3.Parse{Name: name, Query: string(query), ParameterOIDs: oids},
		&pgproto3.Sync{},
	)
}

// SendQueryPrepared enqueues the execution of a previously prepared
// statement.
func (h *Handle) SendQueryPrepared(name string, params [][]byte, formats []Format, resultFormat Format) error {
	if err := h.checkSendable(); err != nil {
		return err
	}
	h.resetBatch(modeExtended)
	return h.enqueue(
		&pgproto3.Bind{
			PreparedStatement:    name,
			Parameters:           params,
			ParameterFormatCodes: formatCodes(formats),
			ResultFormatCodes:    []int16{int16(resultFormat)},
		},
		&pgproto3.Describe{ObjectType: 'P'},
		&pgproto3.Execute{},
		&pgproto3.Sync{},
	)
}

// SendDescribePortal asks for the row description of an open portal without
// fetching rows from it.
func (h *Handle) SendDescribePortal(name string) error {
	if err := h.checkSendable(); err != nil {
		return err
	}
	h.resetBatch(modeDescribe)
	return h.enqueue(
		&pgproto3.Describe{ObjectType: 'P', Name: name},
		&pgproto3.Sync{},
	)
}

func formatCodes(formats []Format) []int16 {
	if len(formats) == 0 {
		return nil
	}
	codes := make([]int16, len(formats))
	for i, f := range formats {
		codes[i] = int16(f)
	}
	return codes
}

// SetSingleRowMode requests that the results of the query just sent arrive
// one row at a time.
func (h *Handle) SetSingleRowMode() error {
	if h.mode == modeNone {
		return fmt.Errorf("no query in progress")
	}
	h.singleRow = true
	return nil
}

// Flush attempts to drain the send buffer. done is false if the socket
// would block with bytes still queued.
func (h *Handle) Flush() (done bool, err error) {
	for len(h.sendBuf) > 0 {
		n, err := unix.Write(h.fd, h.sendBuf)
		if n > 0 {
			h.sendBuf = h.sendBuf[n:]
			continue
		}
		switch err {
		case unix.EAGAIN:
			return false, nil
		case unix.EINTR:
			continue
		default:
			return false, h.setBad("could not send data to server: %v", err)
		}
	}
	return true, nil
}

// ConsumeInput reads whatever is available from the socket and parses any
// complete messages.
func (h *Handle) ConsumeInput() error {
	var tmp [8192]byte
	for {
		n, err := unix.Read(h.fd, tmp[:])
		if n > 0 {
			h.recvBuf = append(h.recvBuf, tmp[:n]...)
			if n == len(tmp) {
				continue
			}
			break
		}
		if n == 0 && err == nil {
			return h.setBad("server closed the connection unexpectedly")
		}
		switch err {
		case unix.EAGAIN:
			goto parsed
		case unix.EINTR:
			continue
		default:
			return h.setBad("could not receive data from server: %v", err)
		}
	}
parsed:
	return h.pump()
}

// nextMessage returns the next complete backend message in the receive
// buffer, or ok=false if a full message is not yet buffered.
func (h *Handle) nextMessage() (typ byte, payload []byte, ok bool) {
	if len(h.recvBuf) < 5 {
		return 0, nil, false
	}
	msgLen := int(binary.BigEndian.Uint32(h.recvBuf[1:5]))
	total := 1 + msgLen
	if len(h.recvBuf) < total {
		return 0, nil, false
	}
	typ = h.recvBuf[0]
	payload = append([]byte(nil), h.recvBuf[5:total]...)
	h.recvBuf = h.recvBuf[total:]
	return typ, payload, true
}

// pump parses every complete buffered message and advances the result
// machinery.
func (h *Handle) pump() error {
	for {
		typ, payload, ok := h.nextMessage()
		if !ok {
			return nil
		}
		if err := h.processMessage(typ, payload); err != nil {
			return err
		}
	}
}

func (h *Handle) processMessage(typ byte, payload []byte) error {
	switch typ {
	case 'T': // RowDescription
		var m pgproto3.RowDescription
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed RowDescription: %v", err)
		}
		fields := newFieldList(m.Fields)
		if h.mode == modeDescribe {
			h.pending = append(h.pending, &Result{Status: CommandOK, fields: fields})
		} else {
			h.cur = &resultBuilder{fields: fields}
		}

	case 'n': // NoData
		if h.mode == modeDescribe {
			h.pending = append(h.pending, &Result{Status: CommandOK})
		} else {
			h.cur = &resultBuilder{}
		}

	case 'D': // DataRow
		var m pgproto3.DataRow
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed DataRow: %v", err)
		}
		if h.cur == nil {
			break // data after an error, drop
		}
		row := make([][]byte, len(m.Values))
		for i, v := range m.Values {
			if v != nil {
				row[i] = append([]byte(nil), v...)
			}
		}
		if h.singleRow {
			h.pending = append(h.pending, &Result{
				Status: SingleTuple,
				fields: h.cur.fields,
				rows:   [][][]byte{row},
			})
		} else {
			h.cur.rows = append(h.cur.rows, row)
		}

	case 'C': // CommandComplete
		var m pgproto3.CommandComplete
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed CommandComplete: %v", err)
		}
		h.finishResult(string(m.CommandTag))

	case 'I': // EmptyQueryResponse
		h.cur = nil
		h.pending = append(h.pending, &Result{Status: EmptyQuery})

	case '1': // ParseComplete
		if h.mode == modePrepare {
			h.pending = append(h.pending, &Result{Status: CommandOK})
		}

	case '2', '3': // BindComplete, CloseComplete

	case 's': // PortalSuspended
		h.finishResult("")

	case 't': // ParameterDescription

	case 'G': // CopyInResponse
		var m pgproto3.CopyInResponse
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed CopyInResponse: %v", err)
		}
		h.inCopyIn = true
		h.pending = append(h.pending, &Result{Status: CopyIn, fields: copyFields(m.OverallFormat, m.ColumnFormatCodes)})

	case 'H': // CopyOutResponse
		var m pgproto3.CopyOutResponse
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed CopyOutResponse: %v", err)
		}
		h.inCopyOut = true
		h.copyDone = false
		h.pending = append(h.pending, &Result{Status: CopyOut, fields: copyFields(m.OverallFormat, m.ColumnFormatCodes)})

	case 'W': // CopyBothResponse
		h.pending = append(h.pending, &Result{Status: CopyBoth})

	case 'd': // CopyData
		var m pgproto3.CopyData
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed CopyData: %v", err)
		}
		h.copyData = append(h.copyData, append([]byte(nil), m.Data...))

	case 'c': // CopyDone
		h.copyDone = true
		h.inCopyOut = false

	case 'E': // ErrorResponse
		var m pgproto3.ErrorResponse
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed ErrorResponse: %v", err)
		}
		res := newErrorResult(FatalError, &m)
		h.errMsg = res.ErrorMessage()
		h.cur = nil
		h.failed = true
		h.copyDone = true
		h.inCopyIn = false
		h.inCopyOut = false
		h.pending = append(h.pending, res)

	case 'N': // NoticeResponse
		var m pgproto3.NoticeResponse
		if err := (*pgproto3.ErrorResponse)(&m).Decode(payload); err != nil {
			return h.setBad("malformed NoticeResponse: %v", err)
		}
		if h.NoticeHandler != nil {
			h.NoticeHandler(newErrorResult(NonfatalError, (*pgproto3.ErrorResponse)(&m)))
		}

	case 'A': // NotificationResponse
		var m pgproto3.NotificationResponse
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed NotificationResponse: %v", err)
		}
		h.notifies = append(h.notifies, &Notify{Channel: m.Channel, Payload: m.Payload, PID: m.PID})

	case 'S': // ParameterStatus
		var m pgproto3.ParameterStatus
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed ParameterStatus: %v", err)
		}
		h.parameters[m.Name] = m.Value

	case 'Z': // ReadyForQuery
		var m pgproto3.ReadyForQuery
		if err := m.Decode(payload); err != nil {
			return h.setBad("malformed ReadyForQuery: %v", err)
		}
		h.txStatus = txStatusFromByte(m.TxStatus)
		h.batchDone = true

	default:
		h.pending = append(h.pending, &Result{Status: BadResponse})
		return h.setBad("unexpected message type %q from server", typ)
	}
	return nil
}

func (h *Handle) finishResult(tag string) {
	if h.cur == nil {
		// a command with no result set, or the terminator of a COPY
		h.inCopyIn = false
		h.pending = append(h.pending, &Result{Status: CommandOK, tag: tag})
		return
	}
	status := CommandOK
	if h.cur.fields != nil {
		status = TuplesOK
	}
	if h.singleRow && h.cur.fields != nil {
		// the rows were already emitted one by one
		h.pending = append(h.pending, &Result{Status: TuplesOK, fields: h.cur.fields, tag: tag})
	} else {
		h.pending = append(h.pending, &Result{
			Status: status,
			fields: h.cur.fields,
			rows:   h.cur.rows,
			tag:    tag,
		})
	}
	h.cur = nil
}

func copyFields(overall byte, codes []uint16) []Field {
	fields := make([]Field, len(codes))
	for i, c := range codes {
		fields[i] = Field{Format: Format(c)}
	}
	if len(fields) == 0 && overall == 1 {
		fields = []Field{{Format: Binary}}
	}
	return fields
}

func txStatusFromByte(b byte) TransactionStatus {
	switch b {
	case 'I':
		return TxIdle
	case 'T':
		return TxInTrans
	case 'E':
		return TxInError
	default:
		return TxUnknown
	}
}

// IsBusy reports whether GetResult would have to wait for more input.
func (h *Handle) IsBusy() bool {
	if err := h.pump(); err != nil {
		return false
	}
	return len(h.pending) == 0 && !h.batchDone
}

// GetResult returns the next buffered result, or nil when the current batch
// is exhausted.
func (h *Handle) GetResult() *Result {
	_ = h.pump()
	if len(h.pending) > 0 {
		res := h.pending[0]
		h.pending = h.pending[1:]
		return res
	}
	if h.batchDone {
		h.batchDone = false
		h.mode = modeNone
		return nil
	}
	return nil
}

// Notifies pops a pending asynchronous notification, if any.
func (h *Handle) Notifies() *Notify {
	_ = h.pump()
	if len(h.notifies) == 0 {
		return nil
	}
	n := h.notifies[0]
	h.notifies = h.notifies[1:]
	return n
}

// GetCopyData pops the next chunk of a COPY TO stream. n > 0 carries data,
// n == 0 means no data is buffered yet, n == -1 means the copy is over and
// the terminating result should be fetched.
func (h *Handle) GetCopyData(async bool) (n int, data []byte, err error) {
	if err := h.pump(); err != nil {
		return -2, nil, err
	}
	if len(h.copyData) > 0 {
		data = h.copyData[0]
		h.copyData = h.copyData[1:]
		return len(data), data, nil
	}
	if h.copyDone {
		return -1, nil, nil
	}
	return 0, nil, nil
}

// PutCopyData feeds a chunk into a COPY FROM stream.
func (h *Handle) PutCopyData(data []byte) (accepted bool, err error) {
	if !h.inCopyIn {
		return false, fmt.Errorf("no COPY in progress")
	}
	if err := h.enqueue(&pgproto3.CopyData{Data: data}); err != nil {
		return false, err
	}
	return true, nil
}

// PutCopyEnd terminates a COPY FROM stream, with an error message to make
// the server abort the command, or nil to commit it.
func (h *Handle) PutCopyEnd(errMsg []byte) (accepted bool, err error) {
	if errMsg != nil {
		err = h.enqueue(&pgproto3.CopyFail{Message: string(errMsg)})
	} else {
		err = h.enqueue(&pgproto3.CopyDone{})
	}
	if err != nil {
		return false, err
	}
	h.inCopyIn = false
	return true, nil
}

// Close terminates the session and releases the socket. It is idempotent.
func (h *Handle) Close() error {
	if h.fd < 0 {
		return nil
	}
	if h.status == StatusOK {
		// best effort: the server cleans up anyway if this is lost
		if buf, err := (&pgproto3.Terminate{}).Encode(nil); err == nil {
			_, _ = unix.Write(h.fd, buf)
		}
	}
	err := unix.Close(h.fd)
	h.fd = -1
	h.status = StatusBad
	return err
}
