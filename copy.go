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

package pgline

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/apecloud/pgline/adapt"
	"github.com/apecloud/pgline/wire"
)

// copyBinarySignature opens every binary COPY stream: magic, zero flags,
// zero header extension length.
var copyBinarySignature = append([]byte("PGCOPY\n\xff\r\n\x00"),
	0, 0, 0, 0, 0, 0, 0, 0)

// Copy is the scoped handle of a COPY operation, valid inside the
// function passed to Cursor.Copy.
type Copy struct {
	cur    *Cursor
	ctx    context.Context
	out    bool // COPY ... TO STDOUT: reading
	binary bool

	wroteSignature bool
	readBuf        []byte
	readSigDone    bool
	eof            bool
	finalErr       error
}

// Copy runs a COPY ... FROM STDIN or COPY ... TO STDOUT statement and
// hands the data channel to fn. On clean return the stream is terminated
// and the server result checked; if fn fails, a COPY FROM is aborted server
// side, a COPY TO is drained to its end, and fn's error is returned.
func (c *Cursor) Copy(ctx context.Context, stmt string, fn func(*Copy) error, args ...any) error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	if err := c.beginOperation(ctx); err != nil {
		return err
	}
	if err := c.convert(stmt, paramsFromArgs(args)); err != nil {
		return err
	}

	conn := c.conn
	var err error
	if c.pq.Params == nil {
		err = conn.pgconn.SendQuery(c.pq.Query)
	} else {
		err = conn.pgconn.SendQueryParams(c.pq.Query, c.pq.Params, c.pq.Types, c.pq.Formats, wire.Text)
	}
	if err != nil {
		return newOperationalError("%v", err)
	}
	op := &wire.ExecuteOp{Handle: conn.pgconn}
	if err := conn.wait(ctx, op); err != nil {
		return err
	}
	if len(op.Res) == 0 {
		return newInternalError("got no result from the COPY statement")
	}
	res := op.Res[len(op.Res)-1]
	switch res.Status {
	case wire.CopyIn, wire.CopyOut:
	case wire.FatalError:
		return errorFromResult(res, conn.adaptContext())
	default:
		return newProgrammingError(
			"Copy should be used only with COPY ... TO STDOUT or COPY ... FROM STDIN statements")
	}

	cp := &Copy{
		cur:    c,
		ctx:    ctx,
		out:    res.Status == wire.CopyOut,
		binary: len(res.Fields()) > 0 && res.Fields()[0].Format == wire.Binary,
	}
	// until SetTypes is called rows load through the unknown-oid loader
	fields := res.Fields()
	oids := make([]uint32, len(fields))
	formats := make([]wire.Format, len(fields))
	for i, f := range fields {
		formats[i] = f.Format
	}
	if err := c.tr.SetRowTypes(oids, formats); err != nil {
		return newProgrammingError("%v", err)
	}

	fnErr := fn(cp)
	return cp.finish(fnErr)
}

func (cp *Copy) finish(fnErr error) error {
	conn := cp.cur.conn
	if cp.out {
		// the stream must be exhausted to make the connection usable again
		for !cp.eof {
			if _, err := cp.Read(); err != nil {
				if fnErr == nil {
					fnErr = err
				}
				break
			}
		}
		if fnErr != nil {
			return fnErr
		}
		return cp.finalErr
	}

	if fnErr != nil {
		msg, encErr := conn.adaptContext().EncodeText(fnErr.Error())
		if encErr != nil {
			msg = []byte("error during copy")
		}
		op := &wire.CopyEndOp{Handle: conn.pgconn, Err: msg}
		_ = conn.wait(cp.ctx, op)
		return fnErr
	}

	if cp.binary && cp.wroteSignature {
		var trailer [2]byte
		binary.BigEndian.PutUint16(trailer[:], 0xffff) // int16 -1
		op := &wire.CopyToOp{Handle: conn.pgconn, Data: trailer[:]}
		if err := conn.wait(cp.ctx, op); err != nil {
			return err
		}
	}
	end := &wire.CopyEndOp{Handle: conn.pgconn}
	if err := conn.wait(cp.ctx, end); err != nil {
		return err
	}
	if end.Final != nil && end.Final.Status != wire.CommandOK {
		return errorFromResult(end.Final, conn.adaptContext())
	}
	return nil
}

// Read returns the next raw chunk of a COPY TO stream, or nil at the end
// of the stream.
func (cp *Copy) Read() ([]byte, error) {
	if cp.eof {
		return nil, nil
	}
	conn := cp.cur.conn
	op := &wire.CopyFromOp{Handle: conn.pgconn}
	if err := conn.wait(cp.ctx, op); err != nil {
		return nil, err
	}
	if op.Data != nil {
		return op.Data, nil
	}
	cp.eof = true
	if op.Final != nil && op.Final.Status != wire.CommandOK {
		cp.finalErr = errorFromResult(op.Final, conn.adaptContext())
		return nil, cp.finalErr
	}
	return nil, nil
}

// Write feeds a raw chunk into a COPY FROM stream. The data must already
// be in the copy format, signature included for binary streams.
func (cp *Copy) Write(data []byte) error {
	if cp.out {
		return newProgrammingError("Write() on a COPY ... TO STDOUT operation")
	}
	if cp.binary && !cp.wroteSignature && bytes.HasPrefix(data, copyBinarySignature[:11]) {
		cp.wroteSignature = true
	}
	op := &wire.CopyToOp{Handle: cp.cur.conn.pgconn, Data: data}
	return cp.cur.conn.wait(cp.ctx, op)
}

// WriteString feeds a string chunk, encoded with the client encoding.
func (cp *Copy) WriteString(s string) error {
	data, err := cp.cur.conn.adaptContext().EncodeText(s)
	if err != nil {
		return newProgrammingError("%v", err)
	}
	return cp.Write(data)
}

// WriteRow formats one row and feeds it into a COPY FROM stream, using
// the copy format negotiated by the statement.
func (cp *Copy) WriteRow(values ...any) error {
	if cp.out {
		return newProgrammingError("WriteRow() on a COPY ... TO STDOUT operation")
	}
	if cp.binary {
		return cp.writeRowBinary(values)
	}
	return cp.writeRowText(values)
}

func (cp *Copy) writeRowText(values []any) error {
	var buf bytes.Buffer
	for i, v := range values {
		if i > 0 {
			buf.WriteByte('\t')
		}
		if v == nil {
			buf.WriteString(`\N`)
			continue
		}
		dumper, err := cp.cur.tr.GetDumper(v, adapt.Text)
		if err != nil {
			return newProgrammingError("%v", err)
		}
		data, err := dumper.Dump(v)
		if err != nil {
			return newProgrammingError("%v", err)
		}
		writeCopyEscaped(&buf, data)
	}
	buf.WriteByte('\n')
	op := &wire.CopyToOp{Handle: cp.cur.conn.pgconn, Data: buf.Bytes()}
	return cp.cur.conn.wait(cp.ctx, op)
}

func writeCopyEscaped(buf *bytes.Buffer, data []byte) {
	for _, b := range data {
		switch b {
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\v':
			buf.WriteString(`\v`)
		case '\f':
			buf.WriteString(`\f`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			buf.WriteByte(b)
		}
	}
}

func (cp *Copy) writeRowBinary(values []any) error {
	var buf bytes.Buffer
	if !cp.wroteSignature {
		buf.Write(copyBinarySignature)
		cp.wroteSignature = true
	}
	var n16 [2]byte
	binary.BigEndian.PutUint16(n16[:], uint16(len(values)))
	buf.Write(n16[:])
	var n32 [4]byte
	for _, v := range values {
		if v == nil {
			binary.BigEndian.PutUint32(n32[:], 0xffffffff) // int32 -1
			buf.Write(n32[:])
			continue
		}
		dumper, err := cp.cur.tr.GetDumper(v, adapt.Binary)
		if err != nil {
			return newProgrammingError("%v", err)
		}
		data, err := dumper.Dump(v)
		if err != nil {
			return newProgrammingError("%v", err)
		}
		binary.BigEndian.PutUint32(n32[:], uint32(len(data)))
		buf.Write(n32[:])
		buf.Write(data)
	}
	op := &wire.CopyToOp{Handle: cp.cur.conn.pgconn, Data: buf.Bytes()}
	return cp.cur.conn.wait(cp.ctx, op)
}

// SetTypes declares the column types of the rows read with ReadRow, so
// the cells load through the matching loaders instead of coming back raw.
func (cp *Copy) SetTypes(oids ...uint32) error {
	formats := make([]wire.Format, len(oids))
	for i := range formats {
		if cp.binary {
			formats[i] = wire.Binary
		}
	}
	return cp.cur.tr.SetRowTypes(oids, formats)
}

// ReadRow returns the next row of a COPY TO stream, or nil at the end.
func (cp *Copy) ReadRow() ([]any, error) {
	if cp.out == false {
		return nil, newProgrammingError("ReadRow() on a COPY ... FROM STDIN operation")
	}
	if cp.binary {
		return cp.readRowBinary()
	}
	return cp.readRowText()
}

func (cp *Copy) readRowText() ([]any, error) {
	for {
		if i := bytes.IndexByte(cp.readBuf, '\n'); i >= 0 {
			line := cp.readBuf[:i]
			cp.readBuf = cp.readBuf[i+1:]
			return cp.parseTextRow(line)
		}
		data, err := cp.Read()
		if err != nil {
			return nil, err
		}
		if data == nil {
			if len(cp.readBuf) > 0 {
				line := cp.readBuf
				cp.readBuf = nil
				return cp.parseTextRow(line)
			}
			return nil, nil
		}
		cp.readBuf = append(cp.readBuf, data...)
	}
}

func (cp *Copy) parseTextRow(line []byte) ([]any, error) {
	cells := bytes.Split(line, []byte{'\t'})
	record := make([][]byte, len(cells))
	for i, cell := range cells {
		if bytes.Equal(cell, []byte(`\N`)) {
			record[i] = nil
			continue
		}
		record[i] = unescapeCopyText(cell)
	}
	values, err := cp.cur.tr.LoadSequence(record)
	if err != nil {
		return nil, newProgrammingError("%v", err)
	}
	return values, nil
}

func unescapeCopyText(cell []byte) []byte {
	if !bytes.ContainsRune(cell, '\\') {
		return append([]byte(nil), cell...)
	}
	out := make([]byte, 0, len(cell))
	for i := 0; i < len(cell); i++ {
		if cell[i] != '\\' || i+1 >= len(cell) {
			out = append(out, cell[i])
			continue
		}
		i++
		switch cell[i] {
		case 'b':
			out = append(out, '\b')
		case 't':
			out = append(out, '\t')
		case 'n':
			out = append(out, '\n')
		case 'v':
			out = append(out, '\v')
		case 'f':
			out = append(out, '\f')
		case 'r':
			out = append(out, '\r')
		default:
			out = append(out, cell[i])
		}
	}
	return out
}

func (cp *Copy) readRowBinary() ([]any, error) {
	need := func(n int) error {
		for len(cp.readBuf) < n {
			data, err := cp.Read()
			if err != nil {
				return err
			}
			if data == nil {
				return newInternalError("truncated binary copy stream")
			}
			cp.readBuf = append(cp.readBuf, data...)
		}
		return nil
	}

	if !cp.readSigDone {
		if err := need(len(copyBinarySignature)); err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(cp.readBuf, copyBinarySignature[:11]) {
			return nil, newInternalError("malformed binary copy signature")
		}
		cp.readBuf = cp.readBuf[len(copyBinarySignature):]
		cp.readSigDone = true
	}

	if err := need(2); err != nil {
		return nil, err
	}
	nfields := int(int16(binary.BigEndian.Uint16(cp.readBuf)))
	cp.readBuf = cp.readBuf[2:]
	if nfields < 0 {
		return nil, nil // trailer
	}

	record := make([][]byte, nfields)
	for i := 0; i < nfields; i++ {
		if err := need(4); err != nil {
			return nil, err
		}
		size := int(int32(binary.BigEndian.Uint32(cp.readBuf)))
		cp.readBuf = cp.readBuf[4:]
		if size < 0 {
			record[i] = nil
			continue
		}
		if err := need(size); err != nil {
			return nil, err
		}
		record[i] = append([]byte(nil), cp.readBuf[:size]...)
		cp.readBuf = cp.readBuf[size:]
	}
	values, err := cp.cur.tr.LoadSequence(record)
	if err != nil {
		return nil, newProgrammingError("%v", err)
	}
	return values, nil
}
