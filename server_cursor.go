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
	"context"
	"strconv"

	"github.com/apecloud/pgline/sqlbuild"
	"github.com/apecloud/pgline/wire"
)

// ServerCursor is a named, server-side cursor: Execute declares a portal
// and the fetch operations pull rows from it on demand, so the result set
// never has to fit in client memory.
type ServerCursor struct {
	Cursor
	name      string
	described bool
}

// Name returns the cursor's server-side name.
func (sc *ServerCursor) Name() string { return sc.name }

// Execute declares the cursor for the given query and describes the
// portal, making the column metadata available before any fetch.
func (sc *ServerCursor) Execute(ctx context.Context, q string, args ...any) error {
	sc.conn.mu.Lock()
	defer sc.conn.mu.Unlock()

	if err := sc.beginOperation(ctx); err != nil {
		return err
	}
	if err := sc.convert(q, paramsFromArgs(args)); err != nil {
		return err
	}

	declare, err := sc.declareStatement()
	if err != nil {
		return err
	}

	conn := sc.conn
	if err := conn.pgconn.SendQueryParams(declare, sc.pq.Params, sc.pq.Types, sc.pq.Formats, wire.Text); err != nil {
		return newOperationalError("%v", err)
	}
	op := &wire.ExecuteOp{Handle: conn.pgconn}
	if err := conn.wait(ctx, op); err != nil {
		return err
	}
	for _, res := range op.Res {
		if res.Status == wire.FatalError {
			return errorFromResult(res, conn.adaptContext())
		}
	}

	if err := conn.pgconn.SendDescribePortal(sc.name); err != nil {
		return newOperationalError("%v", err)
	}
	desc := &wire.ExecuteOp{Handle: conn.pgconn}
	if err := conn.wait(ctx, desc); err != nil {
		return err
	}
	if len(desc.Res) == 0 {
		return newInternalError("got no result describing portal %q", sc.name)
	}
	res := desc.Res[0]
	if res.Status == wire.FatalError {
		return errorFromResult(res, conn.adaptContext())
	}
	sc.described = true
	sc.rowcount = -1
	return sc.setCurrent(res)
}

func (sc *ServerCursor) declareStatement() ([]byte, error) {
	var sb sqlbuild.Composed
	sb = append(sb, sqlbuild.SQL("declare "), sqlbuild.Identifier{sc.name})
	if sc.scrollable != nil {
		if *sc.scrollable {
			sb = append(sb, sqlbuild.SQL(" scroll"))
		} else {
			sb = append(sb, sqlbuild.SQL(" no scroll"))
		}
	}
	sb = append(sb, sqlbuild.SQL(" cursor"))
	if sc.withHold {
		sb = append(sb, sqlbuild.SQL(" with hold"))
	}
	sb = append(sb, sqlbuild.SQL(" for "))
	prefix, err := sb.Build(sc.conn.adaptContext())
	if err != nil {
		return nil, newProgrammingError("%v", err)
	}
	return append(prefix, sc.pq.Query...), nil
}

// fetchCommand runs a FETCH/MOVE against the portal and returns its
// terminal result.
func (sc *ServerCursor) fetchCommand(ctx context.Context, stmt []byte) (*wire.Result, error) {
	conn := sc.conn
	resFormat := wire.Text
	if sc.binary {
		resFormat = wire.Binary
	}
	if err := conn.pgconn.SendQueryParams(stmt, nil, nil, nil, resFormat); err != nil {
		return nil, newOperationalError("%v", err)
	}
	op := &wire.ExecuteOp{Handle: conn.pgconn}
	if err := conn.wait(ctx, op); err != nil {
		return nil, err
	}
	if len(op.Res) == 0 {
		return nil, newInternalError("got no result from %q", stmt)
	}
	res := op.Res[len(op.Res)-1]
	if res.Status == wire.FatalError {
		return nil, errorFromResult(res, conn.adaptContext())
	}
	return res, nil
}

func (sc *ServerCursor) verifyDeclared() error {
	if sc.closed {
		return newInterfaceError("the cursor is closed")
	}
	if !sc.described {
		return newProgrammingError("no result available: the cursor doesn't hold a portal; call Execute first")
	}
	return nil
}

func (sc *ServerCursor) fetchForward(ctx context.Context, howmany string) ([]any, error) {
	if err := sc.verifyDeclared(); err != nil {
		return nil, err
	}
	sc.conn.mu.Lock()
	defer sc.conn.mu.Unlock()

	stmt, err := buildSQL(sc.conn, "fetch forward "+howmany+" from {}", sqlbuild.Identifier{sc.name})
	if err != nil {
		return nil, err
	}
	res, err := sc.fetchCommand(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if err := sc.setCurrent(res); err != nil {
		return nil, err
	}
	return sc.tr.LoadRows(0, res.NTuples())
}

// Fetchone pulls the next row from the portal, or nil when exhausted.
func (sc *ServerCursor) Fetchone(ctx context.Context) (any, error) {
	rows, err := sc.fetchForward(ctx, "1")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Fetchmany pulls up to size rows from the portal; a negative size uses
// Arraysize, zero returns an empty batch.
func (sc *ServerCursor) Fetchmany(ctx context.Context, size int) ([]any, error) {
	if size < 0 {
		size = sc.arraysize
	}
	if size == 0 {
		return nil, nil
	}
	return sc.fetchForward(ctx, strconv.Itoa(size))
}

// Fetchall pulls every remaining row from the portal.
func (sc *ServerCursor) Fetchall(ctx context.Context) ([]any, error) {
	return sc.fetchForward(ctx, "all")
}

// Scroll moves the portal position with MOVE. The server gives no
// reliable out-of-bounds report for MOVE, so the position is trusted and
// updated unconditionally.
func (sc *ServerCursor) Scroll(ctx context.Context, value int, mode string) error {
	if err := sc.verifyDeclared(); err != nil {
		return err
	}
	sc.conn.mu.Lock()
	defer sc.conn.mu.Unlock()

	var prefix string
	switch mode {
	case "relative":
		prefix = "move "
	case "absolute":
		prefix = "move absolute "
	default:
		return newProgrammingError("bad scroll mode: %q; expected 'relative' or 'absolute'", mode)
	}
	stmt, err := buildSQL(sc.conn, prefix+strconv.Itoa(value)+" from {}", sqlbuild.Identifier{sc.name})
	if err != nil {
		return err
	}
	_, err = sc.fetchCommand(ctx, stmt)
	return err
}

// Executemany is not supported on server-side cursors.
func (sc *ServerCursor) Executemany(ctx context.Context, q string, paramsSeq ...any) error {
	return newNotSupportedError("executemany not supported on server-side cursors")
}

// Close closes the portal server side, if it still exists and the
// transaction is in a state where the server would still know it, then
// marks the cursor closed.
func (sc *ServerCursor) Close(ctx context.Context) error {
	if sc.closed || sc.conn.Closed() {
		sc.closed = true
		return nil
	}
	sc.conn.mu.Lock()
	defer sc.conn.mu.Unlock()
	defer func() {
		sc.closed = true
		sc.results = nil
	}()

	switch sc.conn.pgconn.TransactionStatus() {
	case wire.TxIdle, wire.TxInTrans:
	default:
		return nil
	}
	if !sc.described {
		return nil
	}

	check, err := sqlbuild.Composed{
		sqlbuild.SQL("select 1 from pg_cursors where name = "),
		sqlbuild.Literal{V: sc.name},
	}.Build(sc.conn.adaptContext())
	if err != nil {
		return newProgrammingError("%v", err)
	}
	res, err := sc.fetchCommand(ctx, check)
	if err != nil {
		return err
	}
	if res.NTuples() == 0 {
		return nil
	}
	stmt, err := buildSQL(sc.conn, "close {}", sqlbuild.Identifier{sc.name})
	if err != nil {
		return err
	}
	_, err = sc.fetchCommand(ctx, stmt)
	return err
}
