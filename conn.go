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

// Package pgline is a client library for PostgreSQL-compatible servers:
// connections over a non-blocking protocol engine, cursor-oriented
// queries, value adaptation between Go and the server types, and (in the
// pool subpackage) connection pooling.
package pgline

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apecloud/pgline/adapt"
	"github.com/apecloud/pgline/sqlbuild"
	"github.com/apecloud/pgline/wait"
	"github.com/apecloud/pgline/wire"
)

// Notify is an asynchronous notification received with LISTEN.
type Notify = wire.Notify

// Connection is a database session. A Connection is safe for concurrent
// use: every operation serialises on an internal mutex, so callers block
// until the connection is free.
type Connection struct {
	pgconn   *wire.Handle
	adapters *adapt.Map

	mu         sync.Mutex
	autocommit bool
	rowFactory RowFactory
	prepared   *preparedManager

	// savepoints is the stack of active transaction scopes; "" is the
	// sentinel for the outermost scope.
	savepoints []string
	scopeDepth int

	noticeHandlers []func(*Diagnostic)
	notifyHandlers []func(Notify)
	notifyQueue    []Notify

	closed bool
}

type connectConfig struct {
	autocommit       bool
	rowFactory       RowFactory
	overrides        map[string]string
	prepareThreshold int
	preparedMax      int
}

// ConnectOption customises Connect.
type ConnectOption func(*connectConfig)

// WithAutocommit makes every statement take effect immediately instead of
// opening an implicit transaction.
func WithAutocommit(on bool) ConnectOption {
	return func(cfg *connectConfig) { cfg.autocommit = on }
}

// WithRowFactory sets the default row factory of cursors created on the
// connection.
func WithRowFactory(f RowFactory) ConnectOption {
	return func(cfg *connectConfig) { cfg.rowFactory = f }
}

// WithParam overrides one conninfo setting, e.g. WithParam("dbname", "x").
func WithParam(key, value string) ConnectOption {
	return func(cfg *connectConfig) { cfg.overrides[key] = value }
}

// WithPrepareThreshold sets how many executions of a query trigger a
// server-side prepare. The default is 5.
func WithPrepareThreshold(n int) ConnectOption {
	return func(cfg *connectConfig) { cfg.prepareThreshold = n }
}

// WithPreparedMax bounds the number of prepared statements kept per
// connection. The default is 100.
func WithPreparedMax(n int) ConnectOption {
	return func(cfg *connectConfig) { cfg.preparedMax = n }
}

// Connect establishes a new session. Keyword overrides are merged into the
// conninfo string, which is validated by parsing before dialing.
func Connect(ctx context.Context, conninfo string, opts ...ConnectOption) (*Connection, error) {
	cfg := connectConfig{
		overrides:        make(map[string]string),
		prepareThreshold: 5,
		preparedMax:      100,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	merged, err := MakeConninfo(conninfo, cfg.overrides)
	if err != nil {
		return nil, newProgrammingError("%v", err)
	}
	settings, err := ParseConninfo(merged)
	if err != nil {
		return nil, newProgrammingError("%v", err)
	}
	applyEnvDefaults(settings)

	if v := settings["connect_timeout"]; v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
			defer cancel()
		}
	}

	h, err := wire.ConnectStart(settings)
	if err != nil {
		return nil, newOperationalError("%v", err)
	}
	if err := wait.RunContext(ctx, &wire.ConnectOp{Handle: h}); err != nil {
		_ = h.Close()
		return nil, newOperationalError("%v", err)
	}

	conn := &Connection{
		pgconn:     h,
		adapters:   adapt.NewMap(nil),
		autocommit: cfg.autocommit,
		rowFactory: cfg.rowFactory,
		prepared:   newPreparedManager(cfg.prepareThreshold, cfg.preparedMax),
	}
	if conn.rowFactory == nil {
		conn.rowFactory = TupleRow
	}
	h.NoticeHandler = conn.dispatchNotice
	h.NotifyHandler = conn.dispatchNotify
	return conn, nil
}

// Wire exposes the underlying wire handle for introspection. Using its
// send methods directly bypasses the connection lock.
func (c *Connection) Wire() *wire.Handle { return c.pgconn }

// Adapters is the connection's adapter registry, layered over the global
// one; registrations here affect this connection only.
func (c *Connection) Adapters() *adapt.Map { return c.adapters }

// TransactionStatus reports the server-side transaction status.
func (c *Connection) TransactionStatus() wire.TransactionStatus {
	return c.pgconn.TransactionStatus()
}

// BackendPID returns the server process id of the session.
func (c *Connection) BackendPID() uint32 { return c.pgconn.BackendPID() }

// ServerVersion returns the server version number, e.g. 160002.
func (c *Connection) ServerVersion() int { return c.pgconn.ServerVersion() }

// ParameterStatus returns the value of a session parameter reported by
// the server.
func (c *Connection) ParameterStatus(name string) string {
	return c.pgconn.ParameterStatus(name)
}

// ClientEncoding returns the session's client_encoding.
func (c *Connection) ClientEncoding() string {
	if enc := c.pgconn.ParameterStatus("client_encoding"); enc != "" {
		return enc
	}
	return "UTF8"
}

// SetClientEncoding changes the session's client_encoding.
func (c *Connection) SetClientEncoding(ctx context.Context, name string) error {
	if !adapt.KnownEncoding(name) {
		return newProgrammingError("encoding %q not supported", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stmt, err := sqlbuild.Composed{
		sqlbuild.SQL("select set_config('client_encoding', "),
		sqlbuild.Literal{V: name},
		sqlbuild.SQL(", false)"),
	}.Build(c.adaptContext())
	if err != nil {
		return newProgrammingError("%v", err)
	}
	_, err = c.execCommand(ctx, stmt)
	return err
}

// Autocommit reports whether the connection is in autocommit mode.
func (c *Connection) Autocommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autocommit
}

// SetAutocommit flips autocommit mode. It is forbidden inside a
// transaction scope or while a transaction is in progress.
func (c *Connection) SetAutocommit(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scopeDepth > 0 {
		return newProgrammingError(
			"autocommit cannot be changed inside a transaction scope; exit the scope first")
	}
	if status := c.pgconn.TransactionStatus(); status != wire.TxIdle {
		return newProgrammingError(
			"autocommit cannot be changed while a transaction is in progress (status %s)", status)
	}
	c.autocommit = on
	return nil
}

// Cursor returns a new client-side cursor.
func (c *Connection) Cursor(opts ...CursorOption) *Cursor {
	cur := &Cursor{conn: c, arraysize: 1, rowFactory: c.rowFactory}
	for _, opt := range opts {
		opt(&cur.cursorConfig)
	}
	if cur.cursorConfig.rowFactory != nil {
		cur.rowFactory = cur.cursorConfig.rowFactory
	}
	return cur
}

// ServerCursor returns a new server-side (named) cursor.
func (c *Connection) ServerCursor(name string, opts ...CursorOption) *ServerCursor {
	return &ServerCursor{Cursor: *c.Cursor(opts...), name: name}
}

// Execute is a shortcut creating a cursor and executing on it.
func (c *Connection) Execute(ctx context.Context, query string, args ...any) (*Cursor, error) {
	cur := c.Cursor()
	if err := cur.Execute(ctx, query, args...); err != nil {
		return nil, err
	}
	return cur, nil
}

// Commit commits the current transaction, if any.
func (c *Connection) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scopeDepth > 0 {
		return newProgrammingError(
			"explicit commit() forbidden inside a transaction scope; the scope commits on exit")
	}
	if c.pgconn.TransactionStatus() == wire.TxIdle {
		return nil
	}
	_, err := c.execCommand(ctx, []byte("commit"))
	return err
}

// Rollback rolls back the current transaction, if any.
func (c *Connection) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scopeDepth > 0 {
		return newProgrammingError(
			"explicit rollback() forbidden inside a transaction scope; raise Rollback instead")
	}
	if c.pgconn.TransactionStatus() == wire.TxIdle {
		return nil
	}
	_, err := c.execCommand(ctx, []byte("rollback"))
	return err
}

// Cancel aborts the query in flight, if any. It is safe to call from any
// goroutine, including while another one holds the connection.
func (c *Connection) Cancel() error {
	if err := c.pgconn.CancelToken().Cancel(); err != nil {
		return newOperationalError("%v", err)
	}
	return nil
}

// Notifies blocks until at least one notification is available and
// returns the pending batch.
func (c *Connection) Notifies(ctx context.Context) ([]Notify, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.notifyQueue) == 0 {
		op := &wire.NotifiesOp{Handle: c.pgconn}
		if err := c.wait(ctx, op); err != nil {
			return nil, err
		}
		for _, n := range op.Res {
			c.notifyQueue = append(c.notifyQueue, *n)
		}
	}
	batch := c.notifyQueue
	c.notifyQueue = nil
	return batch, nil
}

// AddNotifyHandler registers a callback invoked for every notification
// received while the connection processes queries.
func (c *Connection) AddNotifyHandler(f func(Notify)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandlers = append(c.notifyHandlers, f)
}

// RemoveNotifyHandler removes a previously added handler.
func (c *Connection) RemoveNotifyHandler(f func(Notify)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ptr := reflect.ValueOf(f).Pointer()
	for i := range c.notifyHandlers {
		if reflect.ValueOf(c.notifyHandlers[i]).Pointer() == ptr {
			c.notifyHandlers = append(c.notifyHandlers[:i], c.notifyHandlers[i+1:]...)
			return
		}
	}
}

// AddNoticeHandler registers a callback for server notices.
func (c *Connection) AddNoticeHandler(f func(*Diagnostic)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noticeHandlers = append(c.noticeHandlers, f)
}

// RemoveNoticeHandler removes a previously added handler.
func (c *Connection) RemoveNoticeHandler(f func(*Diagnostic)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ptr := reflect.ValueOf(f).Pointer()
	for i := range c.noticeHandlers {
		if reflect.ValueOf(c.noticeHandlers[i]).Pointer() == ptr {
			c.noticeHandlers = append(c.noticeHandlers[:i], c.noticeHandlers[i+1:]...)
			return
		}
	}
}

// Close terminates the session. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.pgconn.Close()
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// dispatchNotice fans a notice out to the registered handlers, shielding
// each from the others' panics.
func (c *Connection) dispatchNotice(res *wire.Result) {
	diag := diagnosticFromResult(res, c.adaptContext())
	for _, f := range c.noticeHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.Errorf("error processing notice callback %p: %v", f, r)
				}
			}()
			f(diag)
		}()
	}
}

func (c *Connection) dispatchNotify(n *wire.Notify) {
	c.notifyQueue = append(c.notifyQueue, *n)
	for _, f := range c.notifyHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.Errorf("error processing notify callback %p: %v", f, r)
				}
			}()
			f(*n)
		}()
	}
}

// adaptContext builds the adaptation context from the current session
// parameters.
func (c *Connection) adaptContext() *adapt.Context {
	enc := c.pgconn.ParameterStatus("client_encoding")
	if enc == "" {
		enc = "UTF8"
	}
	loc := time.UTC
	if tz := c.pgconn.ParameterStatus("TimeZone"); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return &adapt.Context{
		Map:       c.adapters,
		Encoding:  enc,
		TimeZone:  loc,
		DateStyle: c.pgconn.ParameterStatus("DateStyle"),
	}
}

// wait drives op under the connection, translating plain wire errors into
// the taxonomy.
func (c *Connection) wait(ctx context.Context, op wait.Op) error {
	if err := wait.RunContext(ctx, op); err != nil {
		switch err.(type) {
		case *OperationalError, *ProgrammingError, *InternalError, *DatabaseError:
			return err
		}
		if ctx.Err() != nil {
			return newOperationalError("%v", ctx.Err())
		}
		return newOperationalError("%v", err)
	}
	return nil
}

// execCommand runs a single command outside the query path (begin,
// commit, savepoints, deallocate) and checks its result.
func (c *Connection) execCommand(ctx context.Context, command []byte) (*wire.Result, error) {
	if c.closed {
		return nil, newOperationalError("the connection is closed")
	}
	if err := c.pgconn.SendQuery(command); err != nil {
		return nil, newOperationalError("%v", err)
	}
	op := &wire.ExecuteOp{Handle: c.pgconn}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	if len(op.Res) == 0 {
		return nil, newInternalError("got no result after executing %q", command)
	}
	res := op.Res[len(op.Res)-1]
	switch res.Status {
	case wire.CommandOK, wire.TuplesOK, wire.EmptyQuery:
		return res, nil
	case wire.FatalError:
		return nil, errorFromResult(res, c.adaptContext())
	}
	return nil, newInternalError("unexpected result %s from command %q", res.Status, command)
}

// startQuery opens the implicit transaction when autocommit is off.
func (c *Connection) startQuery(ctx context.Context) error {
	if c.autocommit {
		return nil
	}
	if c.pgconn.TransactionStatus() != wire.TxIdle {
		return nil
	}
	_, err := c.execCommand(ctx, []byte("begin"))
	return err
}
