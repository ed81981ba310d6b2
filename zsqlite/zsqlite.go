// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zsqlite

import (
	"fmt"
	"time"

	"github.com/tilecache/sqlite/sqliteh"
	"zombiezen.com/go/sqlite"
)

// DB is an sqlite3* database connection object.
// https://sqlite.org/c3ref/sqlite3.html
type DB struct {
	conn *sqlite.Conn

	errMsg string // message of the most recent failure
}

// Stmt is an sqlite3_stmt* prepared statement object.
// https://sqlite.org/c3ref/stmt.html
type Stmt struct {
	db    *DB
	stmt  *sqlite.Stmt
	query string
}

var (
	_ sqliteh.OpenFunc = Open
	_ sqliteh.DB       = (*DB)(nil)
	_ sqliteh.Stmt     = (*Stmt)(nil)
)

// Open is sqlite3_open_v2.
//
// On failure the returned handle is non-nil and carries the engine
// message in ErrMsg. Closing it is a no-op.
//
// https://sqlite.org/c3ref/open.html
func Open(filename string, flags sqliteh.OpenFlags) (sqliteh.DB, error) {
	conn, err := sqlite.OpenConn(filename, openFlags(flags))
	if err != nil {
		db := &DB{}
		return db, db.reserr(err)
	}
	// zombiezen connections block on busy by default.
	// SQLite's own default is to fail at once.
	conn.SetBusyTimeout(0)
	return &DB{conn: conn}, nil
}

func openFlags(flags sqliteh.OpenFlags) sqlite.OpenFlags {
	var f sqlite.OpenFlags
	if flags&sqliteh.SQLITE_OPEN_READONLY != 0 {
		f |= sqlite.OpenReadOnly
	}
	if flags&sqliteh.SQLITE_OPEN_READWRITE != 0 {
		f |= sqlite.OpenReadWrite
	}
	if flags&sqliteh.SQLITE_OPEN_CREATE != 0 {
		f |= sqlite.OpenCreate
	}
	if flags&sqliteh.SQLITE_OPEN_URI != 0 {
		f |= sqlite.OpenURI
	}
	if flags&sqliteh.SQLITE_OPEN_MEMORY != 0 {
		f |= sqlite.OpenMemory
	}
	if flags&sqliteh.SQLITE_OPEN_NOMUTEX != 0 {
		f |= sqlite.OpenNoMutex
	}
	if flags&sqliteh.SQLITE_OPEN_FULLMUTEX != 0 {
		f |= sqlite.OpenFullMutex
	}
	if flags&sqliteh.SQLITE_OPEN_SHAREDCACHE != 0 {
		f |= sqlite.OpenSharedCache
	}
	if flags&sqliteh.SQLITE_OPEN_PRIVATECACHE != 0 {
		f |= sqlite.OpenPrivateCache
	}
	return f
}

// reserr records the message of err and reduces it to an sqliteh.ErrCode.
func (db *DB) reserr(err error) error {
	if err == nil {
		return nil
	}
	db.errMsg = err.Error()
	code := sqliteh.Code(sqlite.ErrCode(err))
	if code == sqliteh.SQLITE_OK {
		code = sqliteh.SQLITE_ERROR
	}
	return sqliteh.CodeAsError(code)
}

func (db *DB) misuse(code sqliteh.Code, format string, args ...any) error {
	db.errMsg = fmt.Sprintf(format, args...)
	return sqliteh.CodeAsError(code)
}

// Close is sqlite3_close.
// https://sqlite.org/c3ref/close.html
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return db.reserr(err)
}

// ErrMsg is sqlite3_errmsg.
// https://sqlite.org/c3ref/errcode.html
func (db *DB) ErrMsg() string { return db.errMsg }

// Changes is sqlite3_changes.
// https://sqlite.org/c3ref/changes.html
func (db *DB) Changes() int { return db.conn.Changes() }

// LastInsertRowid is sqlite3_last_insert_rowid.
// https://sqlite.org/c3ref/last_insert_rowid.html
func (db *DB) LastInsertRowid() int64 { return db.conn.LastInsertRowID() }

// BusyTimeout is sqlite3_busy_timeout.
// https://www.sqlite.org/c3ref/busy_timeout.html
func (db *DB) BusyTimeout(d time.Duration) { db.conn.SetBusyTimeout(d) }

// Autocommit is sqlite3_get_autocommit.
// https://sqlite.org/c3ref/get_autocommit.html
func (db *DB) Autocommit() bool { return db.conn.AutocommitEnabled() }

// Prepare is sqlite3_prepare_v3 without SQLITE_PREPARE_PERSISTENT.
// https://www.sqlite.org/c3ref/prepare.html
func (db *DB) Prepare(query string) (stmt sqliteh.Stmt, remainingQuery string, err error) {
	s, trailing, err := db.conn.PrepareTransient(query)
	if err != nil {
		return nil, "", db.reserr(err)
	}
	remainingQuery = query[len(query)-trailing:]
	if s == nil {
		return nil, remainingQuery, db.misuse(sqliteh.SQLITE_MISUSE, "empty query: %q", query)
	}
	return &Stmt{db: db, stmt: s, query: query[:len(query)-trailing]}, remainingQuery, nil
}

// SQL is sqlite3_sql.
// https://www.sqlite.org/c3ref/expanded_sql.html
func (s *Stmt) SQL() string { return s.query }

// Reset is sqlite3_reset.
// https://www.sqlite.org/c3ref/reset.html
func (s *Stmt) Reset() error { return s.db.reserr(s.stmt.Reset()) }

// ClearBindings is sqlite3_clear_bindings.
// https://www.sqlite.org/c3ref/clear_bindings.html
func (s *Stmt) ClearBindings() error { return s.db.reserr(s.stmt.ClearBindings()) }

// Finalize is sqlite3_finalize.
// https://sqlite.org/c3ref/finalize.html
func (s *Stmt) Finalize() error { return s.db.reserr(s.stmt.Finalize()) }

// Step is sqlite3_step.
// https://www.sqlite.org/c3ref/step.html
func (s *Stmt) Step() (row bool, err error) {
	row, err = s.stmt.Step()
	if err != nil {
		return false, s.db.reserr(err)
	}
	return row, nil
}

// checkParam reports SQLITE_RANGE for an ordinal the query does not have.
// zombiezen defers bind failures to the next Step; checking here keeps
// them attached to the bind call.
func (s *Stmt) checkParam(col int) error {
	if n := s.stmt.BindParamCount(); col < 1 || col > n {
		return s.db.misuse(sqliteh.SQLITE_RANGE, "bind index %d out of range [1,%d]", col, n)
	}
	return nil
}

// BindDouble is sqlite3_bind_double.
// https://sqlite.org/c3ref/bind_blob.html
func (s *Stmt) BindDouble(col int, val float64) error {
	if err := s.checkParam(col); err != nil {
		return err
	}
	s.stmt.BindFloat(col, val)
	return nil
}

// BindInt64 is sqlite3_bind_int64.
// https://sqlite.org/c3ref/bind_blob.html
func (s *Stmt) BindInt64(col int, val int64) error {
	if err := s.checkParam(col); err != nil {
		return err
	}
	s.stmt.BindInt64(col, val)
	return nil
}

// BindNull is sqlite3_bind_null.
// https://sqlite.org/c3ref/bind_blob.html
func (s *Stmt) BindNull(col int) error {
	if err := s.checkParam(col); err != nil {
		return err
	}
	s.stmt.BindNull(col)
	return nil
}

// BindText64 is sqlite3_bind_text64.
// https://sqlite.org/c3ref/bind_blob.html
func (s *Stmt) BindText64(col int, val string) error {
	if err := s.checkParam(col); err != nil {
		return err
	}
	s.stmt.BindText(col, val)
	return nil
}

// BindZeroBlob64 is sqlite3_bind_zeroblob64.
// https://sqlite.org/c3ref/bind_blob.html
func (s *Stmt) BindZeroBlob64(col int, n uint64) error {
	if err := s.checkParam(col); err != nil {
		return err
	}
	s.stmt.BindZeroBlob(col, int64(n))
	return nil
}

// BindBlob64 is sqlite3_bind_blob64 with SQLITE_TRANSIENT:
// the engine takes its own copy of val.
// https://sqlite.org/c3ref/bind_blob.html
func (s *Stmt) BindBlob64(col int, val []byte) error {
	if err := s.checkParam(col); err != nil {
		return err
	}
	s.stmt.BindBytes(col, val)
	return nil
}

// BindParameterCount is sqlite3_bind_parameter_count.
// https://sqlite.org/c3ref/bind_parameter_count.html
func (s *Stmt) BindParameterCount() int { return s.stmt.BindParamCount() }

// ColumnCount is sqlite3_column_count.
// https://sqlite.org/c3ref/column_count.html
func (s *Stmt) ColumnCount() int { return s.stmt.ColumnCount() }

// ColumnName is sqlite3_column_name.
// https://sqlite.org/c3ref/column_name.html
func (s *Stmt) ColumnName(col int) string { return s.stmt.ColumnName(col) }

// ColumnType is sqlite3_column_type.
// https://www.sqlite.org/c3ref/column_blob.html
func (s *Stmt) ColumnType(col int) sqliteh.ColumnType {
	switch s.stmt.ColumnType(col) {
	case sqlite.TypeInteger:
		return sqliteh.SQLITE_INTEGER
	case sqlite.TypeFloat:
		return sqliteh.SQLITE_FLOAT
	case sqlite.TypeText:
		return sqliteh.SQLITE_TEXT
	case sqlite.TypeBlob:
		return sqliteh.SQLITE_BLOB
	default:
		return sqliteh.SQLITE_NULL
	}
}

// ColumnInt64 is sqlite3_column_int64.
// https://sqlite.org/c3ref/column_blob.html
func (s *Stmt) ColumnInt64(col int) int64 { return s.stmt.ColumnInt64(col) }

// ColumnDouble is sqlite3_column_double.
// https://sqlite.org/c3ref/column_blob.html
func (s *Stmt) ColumnDouble(col int) float64 { return s.stmt.ColumnFloat(col) }

// ColumnText is sqlite3_column_text.
// https://sqlite.org/c3ref/column_blob.html
func (s *Stmt) ColumnText(col int) string { return s.stmt.ColumnText(col) }

// ColumnLen is sqlite3_column_bytes.
// https://sqlite.org/c3ref/column_blob.html
func (s *Stmt) ColumnLen(col int) int { return s.stmt.ColumnLen(col) }

// ColumnBytes is sqlite3_column_blob copied into buf.
// https://sqlite.org/c3ref/column_blob.html
func (s *Stmt) ColumnBytes(col int, buf []byte) int { return s.stmt.ColumnBytes(col, buf) }
