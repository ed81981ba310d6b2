// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"errors"
	"expvar"
	"strings"

	"github.com/tilecache/sqlite/sqliteh"
)

// UsesAfterClose is a metric that is incremented every time an operation is
// attempted on a connection or statement after Close has already been called.
// The keys are internal identifiers for the code path that incremented a
// counter.
var UsesAfterClose expvar.Map

// ErrClosed is returned when an operation is attempted on a connection or
// statement after Close has already been called.
var ErrClosed = errors.New("sqlite: already closed")

// ErrTxDone is returned by Commit or Rollback on a transaction that has
// already been committed or rolled back.
var ErrTxDone = errors.New("sqlite: transaction already committed or rolled back")

// ErrNoRow is returned by column reads when the statement is not
// positioned on a row.
var ErrNoRow = errors.New("sqlite: no current row")

// Kind classifies an Error by the operation that produced it.
type Kind int

const (
	KindOpen    Kind = iota + 1 // opening a connection
	KindPrepare                 // compiling a statement
	KindBind                    // binding a parameter
	KindExec                    // stepping, resetting or reading a statement
	KindRange                   // a value too large for the engine
	KindClose                   // closing a connection or statement
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindPrepare:
		return "prepare"
	case KindBind:
		return "bind"
	case KindExec:
		return "exec"
	case KindRange:
		return "range"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Error is the error returned for every failed engine call.
type Error struct {
	Kind  Kind
	Code  sqliteh.Code // SQLite extended error code (SQLITE_OK is an invalid value)
	Loc   string       // method name that generated the error
	Query string       // SQL text of the statement or script fragment
	Msg   string       // value of sqlite3_errmsg at the time of failure

	cause error // a package sentinel, if any
}

func (err *Error) Error() string {
	b := new(strings.Builder)
	b.WriteString("sqlite")
	if err.Loc != "" {
		b.WriteByte('.')
		b.WriteString(err.Loc)
	}
	b.WriteString(": ")
	b.WriteString(err.Code.String())
	if err.Msg != "" {
		b.WriteString(": ")
		b.WriteString(err.Msg)
	}
	if err.Query != "" {
		b.WriteString(" (")
		b.WriteString(err.Query)
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the engine code as an error, so
//
//	errors.Is(err, sqliteh.ErrCode(sqliteh.SQLITE_BUSY))
//
// reports whether err is an exact SQLITE_BUSY.
// Errors not produced by the engine also unwrap to their sentinel,
// such as ErrNoRow.
func (err *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if code := sqliteh.CodeAsError(err.Code); code != nil {
		errs = append(errs, code)
	}
	if err.cause != nil {
		errs = append(errs, err.cause)
	}
	return errs
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.Kind, true
}

// CodeOf reports the engine code of the first *Error in err's chain,
// or SQLITE_OK if there is none.
func CodeOf(err error) sqliteh.Code {
	var e *Error
	if !errors.As(err, &e) {
		return sqliteh.SQLITE_OK
	}
	return e.Code
}

// reserr converts an engine failure into an *Error, reading the engine
// message at the moment of failure.
func reserr(db sqliteh.DB, kind Kind, loc, query string, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{
		Kind:  kind,
		Code:  sqliteh.SQLITE_ERROR,
		Loc:   loc,
		Query: query,
	}
	var code sqliteh.ErrCode
	if errors.As(err, &code) {
		e.Code = sqliteh.Code(code)
	}
	if db != nil {
		e.Msg = db.ErrMsg()
	}
	if e.Msg == "" {
		e.Msg = err.Error()
	}
	return e
}

// newError builds an *Error that did not come from the engine.
func newError(kind Kind, code sqliteh.Code, loc, query, msg string) *Error {
	return &Error{Kind: kind, Code: code, Loc: loc, Query: query, Msg: msg}
}
