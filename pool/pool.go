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

// Package pool provides a bounded connection pool over pgline
// connections, with FIFO waiter handoff, background maintenance workers,
// a delay scheduler, lifetime and idle eviction, and reconnection with
// backoff.
package pool

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/apecloud/pgline"
	"github.com/apecloud/pgline/wire"
)

// Config is the pool configuration. Zero values take the documented
// defaults.
type Config struct {
	// Conninfo and ConnectOptions are passed to pgline.Connect.
	Conninfo       string
	ConnectOptions []pgline.ConnectOption

	// Name identifies the pool in logs and errors.
	Name string

	// MinSize connections are kept open; the pool grows up to MaxSize on
	// demand. MaxSize 0 means MaxSize = MinSize.
	MinSize int
	MaxSize int

	// Timeout bounds how long Getconn waits for a connection. Default 30s.
	Timeout time.Duration

	// MaxWaiting caps the waiting queue; 0 means unbounded.
	MaxWaiting int

	// MaxLifetime retires connections after this long, jittered by -5..0%
	// to avoid mass reconnection. Default 1h.
	MaxLifetime time.Duration

	// MaxIdle is the period of the shrink check. Default 10min.
	MaxIdle time.Duration

	// ReconnectTimeout is how long a reconnection keeps retrying before
	// giving up. Default 5min.
	ReconnectTimeout time.Duration

	// NumWorkers is the number of maintenance workers. Default 3.
	NumWorkers int

	// Configure runs on each new connection before it enters the pool; it
	// must leave the connection idle.
	Configure func(ctx context.Context, conn *pgline.Connection) error

	// Reset runs on each returned connection; it must leave the
	// connection idle.
	Reset func(ctx context.Context, conn *pgline.Connection) error

	// ReconnectFailed is invoked when a reconnection attempt gives up.
	ReconnectFailed func(p *Pool)
}

var poolNum int32

func (cfg *Config) withDefaults() (Config, error) {
	out := *cfg
	if out.MaxSize == 0 {
		out.MaxSize = out.MinSize
	}
	if out.MinSize < 0 {
		return out, errors.New("min_size cannot be negative")
	}
	if out.MaxSize < out.MinSize {
		return out, errors.New("max_size must be greater or equal than min_size")
	}
	if out.MinSize == 0 && out.MaxSize == 0 {
		return out, errors.New("if min_size is 0 max_size must be greater than 0")
	}
	if out.Timeout == 0 {
		out.Timeout = 30 * time.Second
	}
	if out.MaxLifetime == 0 {
		out.MaxLifetime = time.Hour
	}
	if out.MaxIdle == 0 {
		out.MaxIdle = 10 * time.Minute
	}
	if out.ReconnectTimeout == 0 {
		out.ReconnectTimeout = 5 * time.Minute
	}
	if out.NumWorkers == 0 {
		out.NumWorkers = 3
	}
	if out.NumWorkers < 1 {
		return out, errors.New("num_workers must be at least 1")
	}
	if out.Name == "" {
		poolNum++
		out.Name = fmt.Sprintf("pool-%d", poolNum)
	}
	return out, nil
}

// connEntry is the pool's reverse index over owned connections: ownership
// check, expiry date and checkout time without a back-pointer on the
// connection itself.
type connEntry struct {
	expireAt   time.Time
	checkedOut time.Time
}

type idleConn struct {
	conn       *pgline.Connection
	returnedAt time.Time
}

// waitingClient is the one-shot rendezvous between a Getconn caller and
// the connection (or error) handed to it.
type waitingClient struct {
	mu   sync.Mutex
	done bool
	conn *pgline.Connection
	err  error
	ch   chan struct{}
}

func newWaitingClient() *waitingClient {
	return &waitingClient{ch: make(chan struct{})}
}

// set hands a connection over; false if the client already gave up.
func (w *waitingClient) set(conn *pgline.Connection) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	w.conn = conn
	close(w.ch)
	return true
}

// fail delivers an error instead; false if a connection won the race.
func (w *waitingClient) fail(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	w.err = err
	close(w.ch)
	return true
}

// Pool is a bounded connection pool. Connections are created by
// background workers, handed FIFO to waiting clients, health-checked and
// reset on return, retired on expiry, and replaced with backoff when the
// server is unreachable.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	idle     []idleConn
	waiting  []*waitingClient
	owned    map[*pgline.Connection]*connEntry
	nconns   int
	nconnsMin int
	growing  bool
	opened   bool
	closed   bool

	filled     chan struct{}
	fillOnce   sync.Once

	queue   *taskQueue
	sched   *scheduler
	workers sync.WaitGroup

	stats stats
}

// New creates a pool; no connection is attempted until Open.
func New(cfg Config) (*Pool, error) {
	full, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Pool{
		cfg:    full,
		owned:  make(map[*pgline.Connection]*connEntry),
		filled: make(chan struct{}),
		queue:  newTaskQueue(),
		sched:  newScheduler(),
	}, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// MinSize returns the configured floor.
func (p *Pool) MinSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MinSize
}

// MaxSize returns the configured ceiling.
func (p *Pool) MaxSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxSize
}

// Closed reports whether the pool is closed (or not yet opened).
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed || !p.opened
}

// Open starts the workers and begins filling the pool to MinSize. It is
// idempotent on an open pool; a closed pool cannot be reused.
func (p *Pool) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened && !p.closed {
		return nil
	}
	if p.closed {
		return errors.Newf("the pool %q has already been closed and cannot be reused", p.cfg.Name)
	}
	p.opened = true
	p.nconns = p.cfg.MinSize
	p.nconnsMin = p.cfg.MinSize
	if p.cfg.MinSize == 0 {
		p.fillOnce.Do(func() { close(p.filled) })
	}

	go p.sched.Run()
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	for i := 0; i < p.cfg.MinSize; i++ {
		p.queue.Push(addConnection{})
	}
	p.sched.Enter(p.cfg.MaxIdle, func() { p.queue.Push(shrinkPool{}) })
	return nil
}

// Wait blocks until the initial fill reaches MinSize, or fails with
// PoolTimeout.
func (p *Pool) Wait(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = p.cfg.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.filled:
		return nil
	case <-ctx.Done():
		return newPoolTimeout("pool initialization incomplete: %v", ctx.Err())
	case <-timer.C:
		return newPoolTimeout("pool initialization incomplete after %v", timeout)
	}
}

// Close fails the waiting clients, closes the idle connections, stops the
// workers and the scheduler, and joins the workers for up to timeout.
// Closing a closed pool is a no-op.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiting := p.waiting
	p.waiting = nil
	idle := p.idle
	p.idle = nil
	for _, ic := range idle {
		delete(p.owned, ic.conn)
	}
	p.mu.Unlock()

	for _, w := range waiting {
		w.fail(newPoolClosed("the pool %q is closed", p.cfg.Name))
	}
	for _, ic := range idle {
		_ = ic.conn.Close()
	}
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.queue.Push(stopWorker{})
	}
	p.sched.Enter(0, nil)

	if timeout == 0 {
		timeout = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logrus.Warnf("pool %q workers did not stop within %v", p.cfg.Name, timeout)
	}
	return nil
}

// Getconn checks a connection out of the pool, waiting up to the
// configured timeout for one to become available.
func (p *Pool) Getconn(ctx context.Context) (*pgline.Connection, error) {
	return p.GetconnTimeout(ctx, p.cfg.Timeout)
}

// GetconnTimeout is Getconn with an explicit wait bound.
func (p *Pool) GetconnTimeout(ctx context.Context, timeout time.Duration) (*pgline.Connection, error) {
	p.stats.requestsNum.Add(1)

	p.mu.Lock()
	if p.closed || !p.opened {
		p.mu.Unlock()
		p.stats.requestsErrors.Add(1)
		return nil, newPoolClosed("the pool %q is not open", p.cfg.Name)
	}

	if len(p.idle) > 0 {
		ic := p.idle[0]
		p.idle = p.idle[1:]
		if len(p.idle) < p.nconnsMin {
			p.nconnsMin = len(p.idle)
		}
		p.checkout(ic.conn)
		p.mu.Unlock()
		return ic.conn, nil
	}

	if p.cfg.MaxWaiting > 0 && len(p.waiting) >= p.cfg.MaxWaiting {
		p.mu.Unlock()
		p.stats.requestsErrors.Add(1)
		return nil, newTooManyRequests(
			"the pool %q has already %d requests waiting", p.cfg.Name, p.cfg.MaxWaiting)
	}

	w := newWaitingClient()
	p.waiting = append(p.waiting, w)
	p.stats.requestsQueued.Add(1)
	if !p.growing && p.nconns < p.cfg.MaxSize {
		p.growing = true
		p.nconns++
		p.queue.Push(addConnection{growing: true})
	}
	p.mu.Unlock()

	started := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.ch:
	case <-ctx.Done():
		if w.fail(newPoolTimeout("couldn't get a connection from pool %q: %v", p.cfg.Name, ctx.Err())) {
			p.stats.requestsErrors.Add(1)
		}
		<-w.ch
	case <-timer.C:
		if w.fail(newPoolTimeout("couldn't get a connection from pool %q after %v", p.cfg.Name, timeout)) {
			p.stats.requestsErrors.Add(1)
		}
		<-w.ch
	}
	p.stats.requestsWaitMs.Add(time.Since(started).Milliseconds())

	if w.err != nil {
		return nil, w.err
	}
	p.mu.Lock()
	p.checkout(w.conn)
	p.mu.Unlock()
	return w.conn, nil
}

// checkout stamps the checkout time; the lock must be held.
func (p *Pool) checkout(conn *pgline.Connection) {
	if e := p.owned[conn]; e != nil {
		e.checkedOut = time.Now()
	}
}

// Putconn returns a connection to the pool. Only connections obtained
// from this pool are accepted.
func (p *Pool) Putconn(conn *pgline.Connection) error {
	p.mu.Lock()
	e, ok := p.owned[conn]
	if !ok {
		p.mu.Unlock()
		return errors.Newf(
			"can't return connection to pool %q: it doesn't come from any pool", p.cfg.Name)
	}
	if !e.checkedOut.IsZero() {
		p.stats.usageMs.Add(time.Since(e.checkedOut).Milliseconds())
		e.checkedOut = time.Time{}
	}
	if p.closed {
		delete(p.owned, conn)
		p.nconns--
		p.mu.Unlock()
		return conn.Close()
	}
	p.mu.Unlock()

	if p.cfg.Reset != nil {
		p.queue.Push(returnConnection{conn: conn})
		return nil
	}
	p.returnConnection(conn)
	return nil
}

// Connection checks a connection out, runs fn with it and returns it to
// the pool, even on error.
func (p *Pool) Connection(ctx context.Context, fn func(conn *pgline.Connection) error) error {
	conn, err := p.Getconn(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Putconn(conn); err != nil {
			logrus.WithError(err).Warnf("returning connection to pool %q failed", p.cfg.Name)
		}
	}()
	return fn(conn)
}

// returnConnection resets a returned connection and re-adds it to the
// pool, replacing it if it is broken or expired.
func (p *Pool) returnConnection(conn *pgline.Connection) {
	p.resetConnection(conn)

	if conn.TransactionStatus() == wire.TxUnknown || conn.Closed() {
		// connection no longer in working state: replace it
		p.stats.returnsBad.Add(1)
		p.mu.Lock()
		delete(p.owned, conn)
		p.mu.Unlock()
		_ = conn.Close()
		p.queue.Push(addConnection{})
		return
	}

	p.mu.Lock()
	e := p.owned[conn]
	expired := e != nil && time.Now().After(e.expireAt)
	if expired {
		delete(p.owned, conn)
	}
	p.mu.Unlock()
	if expired {
		logrus.Infof("discarding expired connection in pool %q", p.cfg.Name)
		_ = conn.Close()
		p.queue.Push(addConnection{})
		return
	}

	p.addToPool(conn)
}

// resetConnection brings a returned connection back to idle, or closes it
// when no safe recovery exists.
func (p *Pool) resetConnection(conn *pgline.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch conn.TransactionStatus() {
	case wire.TxIdle:
	case wire.TxInTrans, wire.TxInError:
		if err := conn.Rollback(ctx); err != nil {
			logrus.WithError(err).Warnf("rollback failed returning connection to pool %q", p.cfg.Name)
			_ = conn.Close()
			return
		}
	case wire.TxActive:
		// the caller left a query mid-flight; there is no safe recovery
		_ = conn.Close()
		return
	default:
		return
	}

	if p.cfg.Reset != nil {
		if err := p.cfg.Reset(ctx, conn); err != nil {
			logrus.WithError(err).Warnf("reset hook failed in pool %q", p.cfg.Name)
			_ = conn.Close()
			return
		}
		if conn.TransactionStatus() != wire.TxIdle {
			logrus.Warnf("reset hook of pool %q left the connection in status %s; discarding it",
				p.cfg.Name, conn.TransactionStatus())
			_ = conn.Close()
		}
	}
}

// addToPool hands a connection to the first waiting client still there,
// or parks it in the idle deque.
func (p *Pool) addToPool(conn *pgline.Connection) {
	p.mu.Lock()
	for len(p.waiting) > 0 {
		w := p.waiting[0]
		p.waiting = p.waiting[1:]
		if w.set(conn) {
			p.mu.Unlock()
			return
		}
	}
	p.idle = append(p.idle, idleConn{conn: conn, returnedAt: time.Now()})
	ready := len(p.idle)
	p.mu.Unlock()

	if ready >= p.cfg.MinSize {
		p.fillOnce.Do(func() { close(p.filled) })
	}
}

// connect dials and configures one new connection.
func (p *Pool) connect() (*pgline.Connection, error) {
	started := time.Now()
	secs := int(p.cfg.Timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	opts := append([]pgline.ConnectOption{}, p.cfg.ConnectOptions...)
	opts = append(opts, pgline.WithParam("connect_timeout", strconv.Itoa(secs)))

	conn, err := pgline.Connect(context.Background(), p.cfg.Conninfo, opts...)
	p.stats.connectionsNum.Add(1)
	p.stats.connectionsMs.Add(time.Since(started).Milliseconds())
	if err != nil {
		p.stats.connectionsErrors.Add(1)
		return nil, err
	}

	if p.cfg.Configure != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		err := p.cfg.Configure(ctx, conn)
		cancel()
		if err != nil {
			_ = conn.Close()
			p.stats.connectionsErrors.Add(1)
			return nil, err
		}
		if conn.TransactionStatus() != wire.TxIdle {
			_ = conn.Close()
			p.stats.connectionsErrors.Add(1)
			return nil, errors.Newf(
				"configure hook of pool %q didn't return the connection to idle state", p.cfg.Name)
		}
	}

	p.mu.Lock()
	p.owned[conn] = &connEntry{
		expireAt: time.Now().Add(jitter(p.cfg.MaxLifetime, -0.05, 0.0)),
	}
	p.mu.Unlock()
	return conn, nil
}

// addConnection is the growth/reconnection task body.
func (p *Pool) addConnection(t addConnection) {
	conn, err := p.connect()
	if err != nil {
		logrus.WithError(err).Warnf("error connecting in pool %q", p.cfg.Name)
		att := t.attempt
		if att == nil {
			att = &attempt{}
		}
		now := time.Now()
		att.updateDelay(now, p.cfg.ReconnectTimeout)
		if att.timeToGiveUp(now) {
			logrus.Warnf("reconnection attempts in pool %q gave up after %v", p.cfg.Name, p.cfg.ReconnectTimeout)
			p.mu.Lock()
			p.nconns--
			if t.growing {
				p.growing = false
			}
			p.mu.Unlock()
			if p.cfg.ReconnectFailed != nil {
				p.cfg.ReconnectFailed(p)
			}
			return
		}
		p.sched.Enter(att.delay, func() {
			p.queue.Push(addConnection{attempt: att, growing: t.growing})
		})
		return
	}

	p.addToPool(conn)

	if t.growing {
		p.mu.Lock()
		if p.nconns < p.cfg.MaxSize && len(p.waiting) > 0 {
			p.nconns++
			p.queue.Push(addConnection{growing: true})
		} else {
			p.growing = false
		}
		p.mu.Unlock()
	}
}

// shrink drops one idle connection if at least one connection stayed idle
// through the whole last MaxIdle window.
func (p *Pool) shrink() {
	p.mu.Lock()
	windowMin := p.nconnsMin
	p.nconnsMin = len(p.idle)

	var victim *pgline.Connection
	left := p.nconns
	if windowMin > 0 && p.nconns > p.cfg.MinSize && len(p.idle) > 0 {
		ic := p.idle[0]
		p.idle = p.idle[1:]
		p.nconns--
		left = p.nconns
		delete(p.owned, ic.conn)
		victim = ic.conn
	}
	p.mu.Unlock()

	if victim != nil {
		logrus.Infof("shrinking pool %q to %d connections", p.cfg.Name, left)
		_ = victim.Close()
	}
}

// Resize changes the pool bounds. Growing the floor enqueues the missing
// connections right away.
func (p *Pool) Resize(minSize, maxSize int) error {
	if maxSize == 0 {
		maxSize = minSize
	}
	if minSize < 0 || maxSize < minSize {
		return errors.New("bad resize: max_size must be greater or equal than min_size")
	}

	p.mu.Lock()
	ngrow := minSize - p.cfg.MinSize
	p.cfg.MinSize = minSize
	p.cfg.MaxSize = maxSize
	if ngrow > 0 {
		p.nconns += ngrow
	}
	p.mu.Unlock()

	for i := 0; i < ngrow; i++ {
		p.queue.Push(addConnection{})
	}
	return nil
}

// Check probes every idle connection, discarding the broken ones and
// replacing them.
func (p *Pool) Check(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, ic := range idle {
		conn := ic.conn
		healthy := true
		if _, err := conn.Execute(ctx, "select 1"); err != nil {
			healthy = false
		} else if conn.TransactionStatus() == wire.TxInTrans {
			if err := conn.Rollback(ctx); err != nil {
				healthy = false
			}
		}
		if healthy {
			p.addToPool(conn)
			continue
		}
		logrus.Warnf("discarding broken connection in pool %q", p.cfg.Name)
		p.stats.connectionsLost.Add(1)
		p.mu.Lock()
		delete(p.owned, conn)
		p.mu.Unlock()
		_ = conn.Close()
		p.queue.Push(addConnection{})
	}
	return nil
}
