// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"strconv"

	"github.com/tilecache/sqlite/sqliteh"
)

// TxMode is the locking behavior of BEGIN.
// https://sqlite.org/lang_transaction.html
type TxMode int

const (
	Deferred TxMode = iota
	Immediate
	Exclusive
)

func (m TxMode) String() string {
	switch m {
	case Deferred:
		return "DEFERRED"
	case Immediate:
		return "IMMEDIATE"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return "TxMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Tx is a transaction started by Conn.Begin.
//
// A Tx ends with exactly one of Commit or Rollback. Close rolls back a
// Tx that has not ended, so it is safe to defer Close right after Begin.
type Tx struct {
	conn    *Conn
	mode    TxMode
	pending bool // no Commit or Rollback attempted yet
}

// Begin starts a transaction in the given mode.
// If BEGIN fails no Tx is returned and nothing needs rolling back.
func (c *Conn) Begin(mode TxMode) (*Tx, error) {
	if c.closed.Load() {
		UsesAfterClose.Add("Conn.Begin", 1)
		return nil, ErrClosed
	}
	if mode < Deferred || mode > Exclusive {
		return nil, newError(KindExec, sqliteh.SQLITE_MISUSE, "Conn.Begin", "", "unknown transaction mode "+mode.String())
	}
	err := c.Exec("BEGIN " + mode.String() + " TRANSACTION")
	if c.tracer != nil {
		c.tracer.BeginTx(sqliteh.TraceConnID(c.id), mode.String(), err)
	}
	if err != nil {
		return nil, err
	}
	return &Tx{conn: c, mode: mode, pending: true}, nil
}

// Mode reports the mode the transaction was started with.
func (tx *Tx) Mode() TxMode { return tx.mode }

// Commit commits the transaction.
//
// Once Commit is called the Tx is finished, even if COMMIT fails;
// Close will not attempt a rollback.
func (tx *Tx) Commit() error {
	if !tx.pending {
		return ErrTxDone
	}
	tx.pending = false
	err := tx.conn.Exec("COMMIT TRANSACTION")
	if tx.conn.tracer != nil {
		tx.conn.tracer.Commit(sqliteh.TraceConnID(tx.conn.id), err)
	}
	return err
}

// Rollback rolls back the transaction.
func (tx *Tx) Rollback() error {
	if !tx.pending {
		return ErrTxDone
	}
	tx.pending = false
	err := tx.conn.Exec("ROLLBACK TRANSACTION")
	if tx.conn.tracer != nil {
		tx.conn.tracer.Rollback(sqliteh.TraceConnID(tx.conn.id), err)
	}
	return err
}

// Close rolls back the transaction if neither Commit nor Rollback has
// been called. A rollback failure is passed to the connection's cleanup
// error handler; Close itself never fails.
func (tx *Tx) Close() {
	if !tx.pending {
		return
	}
	if err := tx.Rollback(); err != nil {
		tx.conn.onCleanup(err)
	}
}
