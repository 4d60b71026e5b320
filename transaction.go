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
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apecloud/pgline/sqlbuild"
	"github.com/apecloud/pgline/wire"
)

// Tx represents one transaction scope entered with Connection.Transaction.
type Tx struct {
	conn          *Connection
	savepointName string
	outer         bool
}

// Connection returns the connection the scope runs on.
func (tx *Tx) Connection() *Connection { return tx.conn }

// SavepointName returns the scope's savepoint name, or "" for an
// outermost scope without one.
func (tx *Tx) SavepointName() string { return tx.savepointName }

// rollbackError is the sentinel requesting a rollback without an error.
type rollbackError struct {
	tx *Tx
}

func (e *rollbackError) Error() string {
	if e.tx == nil {
		return "transaction rollback requested"
	}
	return fmt.Sprintf("rollback of transaction scope %q requested", e.tx.savepointName)
}

// Rollback returns the sentinel error that makes a transaction scope roll
// back and swallow the error. With a nil tx the innermost scope swallows
// it; with a specific tx the sentinel propagates until that scope.
func Rollback(tx *Tx) error {
	return &rollbackError{tx: tx}
}

type txConfig struct {
	savepointName string
	forceRollback bool
}

// TxOption customises Connection.Transaction.
type TxOption func(*txConfig)

// WithSavepointName names the scope's savepoint explicitly.
func WithSavepointName(name string) TxOption {
	return func(cfg *txConfig) { cfg.savepointName = name }
}

// WithForceRollback makes the scope roll back on exit even without an
// error, useful for tests running against real data.
func WithForceRollback() TxOption {
	return func(cfg *txConfig) { cfg.forceRollback = true }
}

// Transaction runs fn inside a transaction scope. Scopes nest: the
// outermost one opens the transaction and commits or rolls back on exit,
// inner ones manage savepoints. Returning the Rollback sentinel rolls the
// scope back without surfacing an error.
func (c *Connection) Transaction(ctx context.Context, fn func(*Tx) error, opts ...TxOption) error {
	var cfg txConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	tx, err := c.txEnter(ctx, cfg)
	if err != nil {
		return err
	}

	fnErr := runTxBody(tx, fn)
	if cfg.forceRollback && fnErr == nil {
		fnErr = Rollback(tx)
	}
	return c.txExit(ctx, tx, fnErr)
}

func runTxBody(tx *Tx, fn func(*Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in transaction scope: %v", r)
		}
	}()
	return fn(tx)
}

func (c *Connection) txEnter(ctx context.Context, cfg txConfig) (*Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := &Tx{conn: c, savepointName: cfg.savepointName}
	if c.pgconn.TransactionStatus() == wire.TxIdle {
		tx.outer = true
		if _, err := c.execCommand(ctx, []byte("begin")); err != nil {
			return nil, err
		}
	} else if tx.savepointName == "" {
		tx.savepointName = fmt.Sprintf("_pg3_%d", len(c.savepoints)+1)
	}

	if tx.savepointName != "" {
		stmt, err := buildSQL(c, "savepoint {}", sqlbuild.Identifier{tx.savepointName})
		if err != nil {
			return nil, err
		}
		if _, err := c.execCommand(ctx, stmt); err != nil {
			return nil, err
		}
	}
	c.savepoints = append(c.savepoints, tx.savepointName)
	c.scopeDepth++
	return tx, nil
}

func (c *Connection) txExit(ctx context.Context, tx *Tx, fnErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.popSavepoint(tx); err != nil {
		return err
	}
	c.scopeDepth--

	var rb *rollbackError
	isRollback := errors.As(fnErr, &rb)
	if isRollback {
		logrus.Debugf("explicit rollback from transaction scope %q", tx.savepointName)
	}

	if fnErr == nil {
		if tx.savepointName != "" {
			stmt, err := buildSQL(c, "release savepoint {}", sqlbuild.Identifier{tx.savepointName})
			if err != nil {
				return err
			}
			if _, err := c.execCommand(ctx, stmt); err != nil {
				return err
			}
		}
		if tx.outer {
			if len(c.savepoints) != 0 {
				return outOfOrderErr()
			}
			if _, err := c.execCommand(ctx, []byte("commit")); err != nil {
				return err
			}
		}
		return nil
	}

	// error path: roll the scope back
	if tx.savepointName != "" {
		stmt, err := buildSQL(c,
			"rollback to savepoint {n}; release savepoint {n}",
			map[string]sqlbuild.Composable{"n": sqlbuild.Identifier{tx.savepointName}})
		if err != nil {
			return err
		}
		if _, err := c.execCommand(ctx, stmt); err != nil {
			return err
		}
	}
	if tx.outer {
		if len(c.savepoints) != 0 {
			return outOfOrderErr()
		}
		if _, err := c.execCommand(ctx, []byte("rollback")); err != nil {
			return err
		}
	}

	if isRollback && (rb.tx == nil || rb.tx == tx) {
		return nil // swallowed by the scope it names
	}
	return fnErr
}

func (c *Connection) popSavepoint(tx *Tx) (string, error) {
	if len(c.savepoints) == 0 {
		return "", outOfOrderErr()
	}
	top := c.savepoints[len(c.savepoints)-1]
	if top != tx.savepointName {
		return "", outOfOrderErr()
	}
	c.savepoints = c.savepoints[:len(c.savepoints)-1]
	return top, nil
}

func outOfOrderErr() error {
	return newProgrammingError(
		"out-of-order transaction scope exits; scopes must exit innermost first")
}

// buildSQL renders a composed statement in the connection's encoding.
func buildSQL(c *Connection, format string, args ...any) ([]byte, error) {
	composed, err := sqlbuild.SQL(format).Format(args...)
	if err != nil {
		return nil, newProgrammingError("%v", err)
	}
	stmt, err := composed.Build(c.adaptContext())
	if err != nil {
		return nil, newProgrammingError("%v", err)
	}
	return stmt, nil
}
