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
	"fmt"

	"github.com/apecloud/pgline/adapt"
	"github.com/apecloud/pgline/query"
	"github.com/apecloud/pgline/wire"
)

type cursorConfig struct {
	binary     bool
	rowFactory RowFactory
	scrollable *bool
	withHold   bool
}

// CursorOption customises Cursor and ServerCursor creation.
type CursorOption func(*cursorConfig)

// Binary requests binary-format results.
func Binary() CursorOption {
	return func(cfg *cursorConfig) { cfg.binary = true }
}

// RowsAs sets the cursor's row factory.
func RowsAs(f RowFactory) CursorOption {
	return func(cfg *cursorConfig) { cfg.rowFactory = f }
}

// Scrollable declares a server-side cursor SCROLL or NO SCROLL.
func Scrollable(on bool) CursorOption {
	return func(cfg *cursorConfig) { cfg.scrollable = &on }
}

// WithHold declares a server-side cursor WITH HOLD, surviving the commit
// of the transaction it was declared in.
func WithHold() CursorOption {
	return func(cfg *cursorConfig) { cfg.withHold = true }
}

// Cursor runs queries and iterates over their results.
//
// A cursor owns a transformer, renewed on every execution: dumper and
// loader lookups are cached for the span of one query.
type Cursor struct {
	conn *Connection
	cursorConfig

	closed     bool
	arraysize  int
	rowFactory RowFactory

	tr *adapt.Transformer
	pq *query.PostgresQuery

	results  []*wire.Result
	iresult  int
	pos      int
	rowcount int

	lastQuery []byte
}

// Connection returns the connection the cursor operates on.
func (c *Cursor) Connection() *Connection { return c.conn }

// Arraysize is the default Fetchmany batch size.
func (c *Cursor) Arraysize() int { return c.arraysize }

// SetArraysize adjusts the default Fetchmany batch size.
func (c *Cursor) SetArraysize(n int) {
	if n > 0 {
		c.arraysize = n
	}
}

// RowCount is the accumulated number of rows affected or returned by the
// last operation, or -1 if unknown.
func (c *Cursor) RowCount() int { return c.rowcount }

// Description returns the column metadata of the current result, or nil
// if the last operation returned no rows.
func (c *Cursor) Description() []wire.Field {
	if res := c.currentResult(); res != nil && res.NFields() > 0 {
		return res.Fields()
	}
	return nil
}

// Query returns the last query sent, after placeholder translation.
func (c *Cursor) Query() []byte { return c.lastQuery }

// Close releases the cursor's results. It is idempotent.
func (c *Cursor) Close(ctx context.Context) error {
	c.closed = true
	c.results = nil
	if c.tr != nil {
		_ = c.tr.SetResult(nil)
	}
	return nil
}

// Closed reports whether the cursor was closed.
func (c *Cursor) Closed() bool { return c.closed }

func (c *Cursor) currentResult() *wire.Result {
	if c.tr == nil {
		return nil
	}
	return c.tr.Result()
}

// paramsFromArgs interprets variadic query arguments: no arguments means
// no parameters, a single map is a set of named parameters, anything else
// is the positional list.
func paramsFromArgs(args []any) any {
	if len(args) == 0 {
		return nil
	}
	if len(args) == 1 {
		if m, ok := args[0].(map[string]any); ok {
			return m
		}
	}
	return args
}

// Execute runs a query. Pass positional parameters as extra arguments, or
// a single map[string]any for named placeholders.
func (c *Cursor) Execute(ctx context.Context, q string, args ...any) error {
	return c.execute(ctx, q, paramsFromArgs(args), nil)
}

// ExecutePrepared runs a query forcing the server-side prepare decision.
func (c *Cursor) ExecutePrepared(ctx context.Context, q string, prepare bool, args ...any) error {
	return c.execute(ctx, q, paramsFromArgs(args), &prepare)
}

func (c *Cursor) execute(ctx context.Context, q string, params any, prepare *bool) error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	if err := c.beginOperation(ctx); err != nil {
		return err
	}
	if err := c.convert(q, params); err != nil {
		return err
	}
	results, err := c.sendAndCollect(ctx, prepare)
	if err != nil {
		return err
	}
	c.rowcount = 0
	return c.storeResults(results)
}

// Executemany runs a query once per parameter set. After the first
// iteration the query is prepared server side so the later iterations
// amortise parsing. The rowcount accumulates the affected rows of every
// iteration.
func (c *Cursor) Executemany(ctx context.Context, q string, paramsSeq ...any) error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	if err := c.beginOperation(ctx); err != nil {
		return err
	}
	c.rowcount = 0
	force := true
	for i, params := range paramsSeq {
		if i == 0 {
			if err := c.convert(q, params); err != nil {
				return err
			}
		} else {
			if err := c.pq.Dump(params); err != nil {
				return newProgrammingError("%v", err)
			}
		}
		results, err := c.sendAndCollect(ctx, &force)
		if err != nil {
			return err
		}
		if err := c.storeResults(results); err != nil {
			return err
		}
	}
	return nil
}

// beginOperation validates the cursor state and opens the implicit
// transaction if needed. The connection lock must be held.
func (c *Cursor) beginOperation(ctx context.Context) error {
	if c.closed {
		return newInterfaceError("the cursor is closed")
	}
	if c.conn.closed {
		return newOperationalError("the connection is closed")
	}
	return c.conn.startQuery(ctx)
}

// convert builds a fresh transformer and translates the query.
func (c *Cursor) convert(q string, params any) error {
	actx := c.conn.adaptContext()
	c.tr = adapt.NewTransformer(actx)
	qb, err := actx.EncodeText(q)
	if err != nil {
		return newProgrammingError("cannot encode query: %v", err)
	}
	c.pq = query.New(c.tr)
	if err := c.pq.Convert(qb, params); err != nil {
		return newProgrammingError("%v", err)
	}
	c.lastQuery = c.pq.Query
	return nil
}

func prepKey(pq *query.PostgresQuery) string {
	key := string(pq.Query)
	for _, oid := range pq.Types {
		key += fmt.Sprintf("\x00%d", oid)
	}
	return key
}

// sendAndCollect sends the converted query through the appropriate
// pipeline (simple, extended, prepare + execute) and collects the
// results. The connection lock must be held.
func (c *Cursor) sendAndCollect(ctx context.Context, prepare *bool) ([]*wire.Result, error) {
	conn := c.conn
	pq := c.pq
	resFormat := wire.Text
	if c.binary {
		resFormat = wire.Binary
	}

	key := prepKey(pq)
	state, name := conn.prepared.get(key, prepare)

	var err error
	switch {
	case pq.Params == nil && state == prepNone && resFormat == wire.Text:
		err = conn.pgconn.SendQuery(pq.Query)
	case state == prepNone:
		err = conn.pgconn.SendQueryParams(pq.Query, pq.Params, pq.Types, pq.Formats, resFormat)
	case state == prepNeeded:
		if err = conn.pgconn.SendPrepare(name, pq.Query, pq.Types); err != nil {
			return nil, newOperationalError("%v", err)
		}
		op := &wire.ExecuteOp{Handle: conn.pgconn}
		if err = conn.wait(ctx, op); err != nil {
			return nil, err
		}
		for _, res := range op.Res {
			if res.Status == wire.FatalError {
				return nil, errorFromResult(res, conn.adaptContext())
			}
		}
		err = conn.pgconn.SendQueryPrepared(name, pq.Params, pq.Formats, resFormat)
	default: // prepReady
		err = conn.pgconn.SendQueryPrepared(name, pq.Params, pq.Formats, resFormat)
	}
	if err != nil {
		return nil, newOperationalError("%v", err)
	}

	op := &wire.ExecuteOp{Handle: conn.pgconn}
	if err := conn.wait(ctx, op); err != nil {
		return nil, err
	}

	for _, cmd := range conn.prepared.maintain(key, op.Res, state, name) {
		if _, err := conn.execCommand(ctx, cmd); err != nil {
			return nil, err
		}
	}
	return op.Res, nil
}

// storeResults classifies the results of an execution and makes the first
// one current. The rowcount accumulates across calls; Execute resets it
// first, Executemany lets it grow.
func (c *Cursor) storeResults(results []*wire.Result) error {
	if len(results) == 0 {
		return newInternalError("got no result from the query")
	}
	for _, res := range results {
		switch res.Status {
		case wire.TuplesOK, wire.CommandOK, wire.EmptyQuery, wire.SingleTuple:
		case wire.FatalError:
			return errorFromResult(res, c.conn.adaptContext())
		case wire.CopyIn, wire.CopyOut, wire.CopyBoth:
			return newProgrammingError("COPY cannot be used with execute(); use the cursor Copy method instead")
		default:
			return newInternalError("got unexpected result status %s", res.Status)
		}
	}
	c.results = results
	c.iresult = 0
	for _, res := range results {
		switch res.Status {
		case wire.TuplesOK:
			c.rowcount += res.NTuples()
		case wire.CommandOK:
			if n := res.CommandTuples(); n > 0 {
				c.rowcount += n
			}
		}
	}
	return c.setCurrent(results[0])
}

func (c *Cursor) setCurrent(res *wire.Result) error {
	if err := c.tr.SetResult(res); err != nil {
		return newProgrammingError("%v", err)
	}
	factory := c.rowFactory
	if factory == nil {
		factory = TupleRow
	}
	c.tr.MakeRow = factory(res.Fields())
	c.pos = 0
	return nil
}

// NextResult makes the next result of a multi-statement query current.
func (c *Cursor) NextResult() (bool, error) {
	if c.iresult+1 >= len(c.results) {
		return false, nil
	}
	c.iresult++
	return true, c.setCurrent(c.results[c.iresult])
}

func (c *Cursor) verifyFetchable() error {
	if c.closed {
		return newInterfaceError("the cursor is closed")
	}
	res := c.currentResult()
	if res == nil {
		return newProgrammingError("no result available")
	}
	if res.NFields() == 0 {
		return newProgrammingError("the last operation didn't produce a result")
	}
	return nil
}

// Fetchone returns the next row, or nil when the result is exhausted.
func (c *Cursor) Fetchone(ctx context.Context) (any, error) {
	if err := c.verifyFetchable(); err != nil {
		return nil, err
	}
	row, err := c.tr.LoadRow(c.pos)
	if err != nil {
		return nil, err
	}
	if row != nil {
		c.pos++
	}
	return row, nil
}

// Fetchmany returns up to size rows; size 0 returns an empty batch
// without moving the position, a negative size uses Arraysize.
func (c *Cursor) Fetchmany(ctx context.Context, size int) ([]any, error) {
	if err := c.verifyFetchable(); err != nil {
		return nil, err
	}
	if size < 0 {
		size = c.arraysize
	}
	res := c.currentResult()
	hi := c.pos + size
	if hi > res.NTuples() {
		hi = res.NTuples()
	}
	rows, err := c.tr.LoadRows(c.pos, hi)
	if err != nil {
		return nil, err
	}
	c.pos = hi
	return rows, nil
}

// Fetchall returns every remaining row of the current result.
func (c *Cursor) Fetchall(ctx context.Context) ([]any, error) {
	if err := c.verifyFetchable(); err != nil {
		return nil, err
	}
	res := c.currentResult()
	rows, err := c.tr.LoadRows(c.pos, res.NTuples())
	if err != nil {
		return nil, err
	}
	c.pos = res.NTuples()
	return rows, nil
}

// Scroll moves the row position. mode is "relative" (the default sense)
// or "absolute". Moving out of [0, ntuples] fails without changing the
// position.
func (c *Cursor) Scroll(ctx context.Context, value int, mode string) error {
	if err := c.verifyFetchable(); err != nil {
		return err
	}
	res := c.currentResult()
	var newpos int
	switch mode {
	case "relative":
		newpos = c.pos + value
	case "absolute":
		newpos = value
	default:
		return newProgrammingError("bad scroll mode: %q; expected 'relative' or 'absolute'", mode)
	}
	if newpos < 0 || newpos > res.NTuples() {
		return newInterfaceError("scroll index %d out of range", newpos)
	}
	c.pos = newpos
	return nil
}

// Stream runs a query in single-row mode, invoking fn for each row as it
// arrives instead of buffering the result set. If fn returns an error the
// query is cancelled and the error is returned.
func (c *Cursor) Stream(ctx context.Context, q string, fn func(row any) error, args ...any) error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	if err := c.beginOperation(ctx); err != nil {
		return err
	}
	if err := c.convert(q, paramsFromArgs(args)); err != nil {
		return err
	}

	conn := c.conn
	pq := c.pq
	resFormat := wire.Text
	if c.binary {
		resFormat = wire.Binary
	}
	var err error
	if pq.Params == nil && resFormat == wire.Text {
		err = conn.pgconn.SendQuery(pq.Query)
	} else {
		err = conn.pgconn.SendQueryParams(pq.Query, pq.Params, pq.Types, pq.Formats, resFormat)
	}
	if err != nil {
		return newOperationalError("%v", err)
	}
	if err := conn.pgconn.SetSingleRowMode(); err != nil {
		return newOperationalError("%v", err)
	}
	if err := conn.wait(ctx, &wire.SendOp{Handle: conn.pgconn}); err != nil {
		return err
	}

	first := true
	var fnErr error
	for {
		op := &wire.FetchOp{Handle: conn.pgconn}
		if err := conn.wait(ctx, op); err != nil {
			return err
		}
		res := op.Res
		if res == nil {
			break
		}
		switch res.Status {
		case wire.SingleTuple:
			if fnErr != nil {
				continue // draining after a consumer error
			}
			if first {
				if err := c.setCurrent(res); err != nil {
					return err
				}
				first = false
			} else if err := c.tr.SetResultKeepLoaders(res); err != nil {
				return newProgrammingError("%v", err)
			}
			row, err := c.tr.LoadRow(0)
			if err != nil {
				return err
			}
			c.rowcount++
			if err := fn(row); err != nil {
				fnErr = err
				_ = conn.pgconn.CancelToken().Cancel()
			}
		case wire.TuplesOK, wire.CommandOK, wire.EmptyQuery:
			// end of stream markers
		case wire.FatalError:
			resErr := errorFromResult(res, conn.adaptContext())
			if fnErr != nil && IsQueryCanceled(resErr) {
				continue
			}
			return resErr
		case wire.CopyIn, wire.CopyOut, wire.CopyBoth:
			return newProgrammingError("COPY cannot be used with Stream(); use the cursor Copy method instead")
		default:
			return newInternalError("got unexpected result status %s", res.Status)
		}
	}
	return fnErr
}
