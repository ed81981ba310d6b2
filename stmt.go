// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"database/sql"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/tilecache/sqlite/sqliteh"
)

type cursorState int

const (
	cursorNotRun cursorState = iota
	cursorOnRow
	cursorDone
)

// Stmt is a prepared statement on a Conn.
//
// Parameters are bound by 1-based ordinal and columns are read by 0-based
// index. Bound values are handed to the engine by Run; until then a value
// bound with a NoCopy constructor borrows the caller's buffer.
//
// A Stmt is not safe for concurrent use and must not outlive its Conn.
type Stmt struct {
	conn   *Conn
	stmt   sqliteh.Stmt
	query  string
	closed atomic.Bool

	pending []Value // indexed by ordinal-1; TypeUnbound means nothing new to push
	dirty   bool    // some element of pending is bound
	state   cursorState
	stepErr bool // the last Step failed and the engine has not been reset since

	lastInsertID int64
	changes      int
}

func (s *Stmt) reserr(kind Kind, loc string, err error) error {
	return reserr(s.conn.db, kind, loc, s.query, err)
}

// reset rewinds the engine statement. The engine reports the failure of
// the last Step again on reset; that error was already returned to the
// caller and is dropped here.
func (s *Stmt) reset(loc string) error {
	err := s.stmt.Reset()
	repeat := s.stepErr
	s.stepErr = false
	if err == nil || repeat {
		return nil
	}
	return s.reserr(KindExec, loc, err)
}

func (s *Stmt) usedAfterClose(loc string) bool {
	if s.closed.Load() {
		UsesAfterClose.Add(loc, 1)
		return true
	}
	return false
}

// SQL reports the query text the statement was prepared from.
func (s *Stmt) SQL() string { return s.query }

// ParamCount reports the number of parameters in the query.
func (s *Stmt) ParamCount() int { return len(s.pending) }

// ColumnCount reports the number of columns in the result set.
func (s *Stmt) ColumnCount() int {
	if s.usedAfterClose("Stmt.ColumnCount") {
		return 0
	}
	return s.stmt.ColumnCount()
}

// ColumnName reports the name of the 0-based column col.
func (s *Stmt) ColumnName(col int) string {
	if s.usedAfterClose("Stmt.ColumnName") {
		return ""
	}
	return s.stmt.ColumnName(col)
}

// Bind sets the parameter at the 1-based ordinal to v.
// Binding the same ordinal again replaces the previous value.
// The zero Value binds NULL.
func (s *Stmt) Bind(ordinal int, v Value) error {
	if s.usedAfterClose("Stmt.Bind") {
		return ErrClosed
	}
	if ordinal < 1 || ordinal > len(s.pending) {
		return newError(KindBind, sqliteh.SQLITE_RANGE, "Stmt.Bind", s.query,
			fmt.Sprintf("bind index %d out of range [1,%d]", ordinal, len(s.pending)))
	}
	if n := v.byteLen(); n > maxBindLen {
		return newError(KindRange, sqliteh.SQLITE_TOOBIG, "Stmt.Bind", s.query,
			fmt.Sprintf("bind index %d: %d bytes exceeds the maximum of %d", ordinal, n, maxBindLen))
	}
	if v.typ == TypeUnbound {
		v = Null()
	}
	s.pending[ordinal-1] = v
	s.dirty = true
	return nil
}

// BindNull binds NULL.
func (s *Stmt) BindNull(ordinal int) error { return s.Bind(ordinal, Null()) }

// BindInt8 binds v as an INTEGER.
func (s *Stmt) BindInt8(ordinal int, v int8) error { return s.Bind(ordinal, Int8(v)) }

// BindInt16 binds v as an INTEGER.
func (s *Stmt) BindInt16(ordinal int, v int16) error { return s.Bind(ordinal, Int16(v)) }

// BindInt32 binds v as an INTEGER.
func (s *Stmt) BindInt32(ordinal int, v int32) error { return s.Bind(ordinal, Int32(v)) }

// BindInt64 binds v as an INTEGER.
func (s *Stmt) BindInt64(ordinal int, v int64) error { return s.Bind(ordinal, Int64(v)) }

// BindUint8 binds v as an INTEGER.
func (s *Stmt) BindUint8(ordinal int, v uint8) error { return s.Bind(ordinal, Uint8(v)) }

// BindUint16 binds v as an INTEGER.
func (s *Stmt) BindUint16(ordinal int, v uint16) error { return s.Bind(ordinal, Uint16(v)) }

// BindUint32 binds v as an INTEGER.
func (s *Stmt) BindUint32(ordinal int, v uint32) error { return s.Bind(ordinal, Uint32(v)) }

// BindUint64 binds the bit pattern of v; see Uint64.
func (s *Stmt) BindUint64(ordinal int, v uint64) error { return s.Bind(ordinal, Uint64(v)) }

// BindDouble binds v as a REAL. SQLite stores NaN as NULL.
func (s *Stmt) BindDouble(ordinal int, v float64) error { return s.Bind(ordinal, Double(v)) }

// BindBool binds 1 or 0.
func (s *Stmt) BindBool(ordinal int, v bool) error { return s.Bind(ordinal, Bool(v)) }

// BindText binds v as text. The string is not copied.
func (s *Stmt) BindText(ordinal int, v string) error { return s.Bind(ordinal, Text(v)) }

// BindTime binds v as Unix seconds. Sub-second precision is dropped.
func (s *Stmt) BindTime(ordinal int, v time.Time) error { return s.Bind(ordinal, Time(v)) }

// BindTextBytes binds a copy of b as text.
func (s *Stmt) BindTextBytes(ordinal int, b []byte) error { return s.Bind(ordinal, TextBytes(b)) }

// BindTextBytesNoCopy binds b as text without copying it.
// b must not be modified until the next Run or Close.
func (s *Stmt) BindTextBytesNoCopy(ordinal int, b []byte) error {
	return s.Bind(ordinal, TextBytesNoCopy(b))
}

// BindBlob binds a copy of b.
func (s *Stmt) BindBlob(ordinal int, b []byte) error { return s.Bind(ordinal, Blob(b)) }

// BindBlobNoCopy binds b without copying it.
// b must not be modified until the next Run or Close.
func (s *Stmt) BindBlobNoCopy(ordinal int, b []byte) error {
	return s.Bind(ordinal, BlobNoCopy(b))
}

// BindNullText binds v.V, or NULL if v is not valid.
func (s *Stmt) BindNullText(ordinal int, v sql.Null[string]) error {
	if !v.Valid {
		return s.BindNull(ordinal)
	}
	return s.BindText(ordinal, v.V)
}

// BindNullInt64 binds v.V, or NULL if v is not valid.
func (s *Stmt) BindNullInt64(ordinal int, v sql.Null[int64]) error {
	if !v.Valid {
		return s.BindNull(ordinal)
	}
	return s.BindInt64(ordinal, v.V)
}

// BindNullDouble binds v.V, or NULL if v is not valid.
func (s *Stmt) BindNullDouble(ordinal int, v sql.Null[float64]) error {
	if !v.Valid {
		return s.BindNull(ordinal)
	}
	return s.BindDouble(ordinal, v.V)
}

// BindNullTime binds v.V, or NULL if v is not valid.
func (s *Stmt) BindNullTime(ordinal int, v sql.Null[time.Time]) error {
	if !v.Valid {
		return s.BindNull(ordinal)
	}
	return s.BindTime(ordinal, v.V)
}

// push hands the values bound since the last Run to the engine.
// The engine keeps its own copy, so borrowed buffers are released here.
func (s *Stmt) push() error {
	if !s.dirty {
		return nil
	}
	for i, v := range s.pending {
		if v.typ == TypeUnbound {
			continue
		}
		if err := s.pushOne(i+1, v); err != nil {
			return s.reserr(KindBind, fmt.Sprintf("Stmt.Run(Bind:%d:%v)", i+1, v.typ), err)
		}
		s.pending[i] = Value{}
	}
	s.dirty = false
	return nil
}

func (s *Stmt) pushOne(ordinal int, v Value) error {
	switch v.typ {
	case TypeNull:
		return s.stmt.BindNull(ordinal)
	case TypeDouble:
		return s.stmt.BindDouble(ordinal, v.f)
	case TypeText:
		return s.stmt.BindText64(ordinal, v.Text())
	case TypeBlob:
		if len(v.b) == 0 {
			return s.stmt.BindZeroBlob64(ordinal, 0)
		}
		return s.stmt.BindBlob64(ordinal, v.b)
	default:
		return s.stmt.BindInt64(ordinal, int64(v.x))
	}
}

// Run executes the statement from the start with the current bindings
// and positions it on the first result row.
// It reports whether a row is available.
//
// Calling Run again re-executes the statement. Use Next to read the
// rows after the first.
func (s *Stmt) Run() (row bool, err error) {
	if s.usedAfterClose("Stmt.Run") {
		return false, ErrClosed
	}
	s.state = cursorDone
	if err := s.reset("Stmt.Run(Reset)"); err != nil {
		return false, err
	}
	if err := s.push(); err != nil {
		return false, err
	}

	start := time.Now()
	row, err = s.stmt.Step()
	err = s.reserr(KindExec, "Stmt.Run", err)
	s.conn.traceQuery(s.query, time.Since(start), err)
	if err != nil {
		s.stepErr = true
		return false, err
	}
	s.lastInsertID = s.conn.db.LastInsertRowid()
	s.changes = s.conn.db.Changes()
	if row {
		s.state = cursorOnRow
	}
	return row, nil
}

// Next advances to the following row of the current execution.
// It reports false once the result set is exhausted.
func (s *Stmt) Next() (row bool, err error) {
	if s.usedAfterClose("Stmt.Next") {
		return false, ErrClosed
	}
	switch s.state {
	case cursorNotRun:
		return false, newError(KindExec, sqliteh.SQLITE_MISUSE, "Stmt.Next", s.query, "Next called before Run")
	case cursorDone:
		return false, nil
	}
	row, err = s.stmt.Step()
	if err != nil {
		s.state = cursorDone
		s.stepErr = true
		return false, s.reserr(KindExec, "Stmt.Next", err)
	}
	if !row {
		s.state = cursorDone
	}
	return row, nil
}

// Reset returns the statement to its not-yet-run state.
// Bindings are kept. The failure of a previous Run or Next is not
// reported again.
func (s *Stmt) Reset() error {
	if s.usedAfterClose("Stmt.Reset") {
		return ErrClosed
	}
	s.state = cursorNotRun
	return s.reset("Stmt.Reset")
}

// ClearBindings sets every parameter back to NULL.
// Like Reset, it returns the statement to its not-yet-run state.
func (s *Stmt) ClearBindings() error {
	if s.usedAfterClose("Stmt.ClearBindings") {
		return ErrClosed
	}
	s.state = cursorNotRun
	clear(s.pending)
	s.dirty = false
	rerr := s.reset("Stmt.ClearBindings(Reset)")
	if err := s.reserr(KindBind, "Stmt.ClearBindings", s.stmt.ClearBindings()); err != nil {
		return err
	}
	return rerr
}

// LastInsertRowID reports the rowid of the most recent insert on the
// connection, as of the statement's last Run.
func (s *Stmt) LastInsertRowID() int64 { return s.lastInsertID }

// Changes reports the number of rows modified by the statement's last Run.
// For statements other than INSERT, UPDATE or DELETE it reports the
// count of the most recent such statement on the connection.
func (s *Stmt) Changes() int { return s.changes }

// narrowRange holds the bounds of the integer types narrower than 64 bits.
var narrowRange = map[Type][2]int64{
	TypeInt8:   {math.MinInt8, math.MaxInt8},
	TypeInt16:  {math.MinInt16, math.MaxInt16},
	TypeInt32:  {math.MinInt32, math.MaxInt32},
	TypeUint8:  {0, math.MaxUint8},
	TypeUint16: {0, math.MaxUint16},
	TypeUint32: {0, math.MaxUint32},
}

// Get reads the 0-based column col of the current row as type t.
// A NULL column reads as Null() whatever t is.
// An integer that does not fit in a type narrower than 64 bits is an
// SQLITE_RANGE error; TypeUint64 reads any integer as its bit pattern.
func (s *Stmt) Get(col int, t Type) (Value, error) {
	if s.usedAfterClose("Stmt.Get") {
		return Value{}, ErrClosed
	}
	if s.state != cursorOnRow {
		e := newError(KindExec, sqliteh.SQLITE_MISUSE, "Stmt.Get", s.query, ErrNoRow.Error())
		e.cause = ErrNoRow
		return Value{}, e
	}
	if n := s.stmt.ColumnCount(); col < 0 || col >= n {
		return Value{}, newError(KindExec, sqliteh.SQLITE_RANGE, "Stmt.Get", s.query,
			fmt.Sprintf("column index %d out of range [0,%d)", col, n))
	}
	if s.stmt.ColumnType(col) == sqliteh.SQLITE_NULL {
		return Null(), nil
	}
	if r, ok := narrowRange[t]; ok {
		if x := s.stmt.ColumnInt64(col); x < r[0] || x > r[1] {
			return Value{}, newError(KindExec, sqliteh.SQLITE_RANGE, "Stmt.Get", s.query,
				fmt.Sprintf("column %d: %d does not fit in %v", col, x, t))
		}
	}
	switch t {
	case TypeInt8:
		return Int8(int8(s.stmt.ColumnInt64(col))), nil
	case TypeInt16:
		return Int16(int16(s.stmt.ColumnInt64(col))), nil
	case TypeInt32:
		return Int32(int32(s.stmt.ColumnInt64(col))), nil
	case TypeInt64:
		return Int64(s.stmt.ColumnInt64(col)), nil
	case TypeUint8:
		return Uint8(uint8(s.stmt.ColumnInt64(col))), nil
	case TypeUint16:
		return Uint16(uint16(s.stmt.ColumnInt64(col))), nil
	case TypeUint32:
		return Uint32(uint32(s.stmt.ColumnInt64(col))), nil
	case TypeUint64:
		return Uint64(uint64(s.stmt.ColumnInt64(col))), nil
	case TypeDouble:
		return Double(s.stmt.ColumnDouble(col)), nil
	case TypeBool:
		return Bool(s.stmt.ColumnInt64(col) != 0), nil
	case TypeText:
		return Text(s.stmt.ColumnText(col)), nil
	case TypeBlob:
		buf := make([]byte, s.stmt.ColumnLen(col))
		n := s.stmt.ColumnBytes(col, buf)
		return Value{typ: TypeBlob, b: buf[:n]}, nil
	case TypeTime:
		return Time(time.Unix(s.stmt.ColumnInt64(col), 0)), nil
	}
	return Value{}, newError(KindExec, sqliteh.SQLITE_MISUSE, "Stmt.Get", s.query,
		fmt.Sprintf("column %d: cannot read as %v", col, t))
}

// ColumnInt8 reads col as an int8. See Get for out-of-range values.
func (s *Stmt) ColumnInt8(col int) (int8, error) {
	v, err := s.Get(col, TypeInt8)
	return int8(v.Int64()), err
}

// ColumnInt16 reads col as an int16.
func (s *Stmt) ColumnInt16(col int) (int16, error) {
	v, err := s.Get(col, TypeInt16)
	return int16(v.Int64()), err
}

// ColumnInt32 reads col as an int32.
func (s *Stmt) ColumnInt32(col int) (int32, error) {
	v, err := s.Get(col, TypeInt32)
	return int32(v.Int64()), err
}

// ColumnInt64 reads col as an int64. A NULL column reads as 0.
func (s *Stmt) ColumnInt64(col int) (int64, error) {
	v, err := s.Get(col, TypeInt64)
	return v.Int64(), err
}

// ColumnUint8 reads col as a uint8. Negative values are a range error.
func (s *Stmt) ColumnUint8(col int) (uint8, error) {
	v, err := s.Get(col, TypeUint8)
	return uint8(v.Uint64()), err
}

// ColumnUint16 reads col as a uint16.
func (s *Stmt) ColumnUint16(col int) (uint16, error) {
	v, err := s.Get(col, TypeUint16)
	return uint16(v.Uint64()), err
}

// ColumnUint32 reads col as a uint32.
func (s *Stmt) ColumnUint32(col int) (uint32, error) {
	v, err := s.Get(col, TypeUint32)
	return uint32(v.Uint64()), err
}

// ColumnUint64 reads col's bits as a uint64, undoing BindUint64.
func (s *Stmt) ColumnUint64(col int) (uint64, error) {
	v, err := s.Get(col, TypeUint64)
	return v.Uint64(), err
}

// ColumnDouble reads col as a float64.
func (s *Stmt) ColumnDouble(col int) (float64, error) {
	v, err := s.Get(col, TypeDouble)
	return v.Float64(), err
}

// ColumnBool reports whether col is a nonzero integer.
func (s *Stmt) ColumnBool(col int) (bool, error) {
	v, err := s.Get(col, TypeBool)
	return v.Bool(), err
}

// ColumnText reads col as text. A NULL column reads as "".
func (s *Stmt) ColumnText(col int) (string, error) {
	v, err := s.Get(col, TypeText)
	return v.Text(), err
}

// ColumnBlob returns a copy of the column's bytes.
// A NULL column reads as nil, an empty blob as a non-nil empty slice.
func (s *Stmt) ColumnBlob(col int) ([]byte, error) {
	v, err := s.Get(col, TypeBlob)
	if err != nil || v.IsNull() {
		return nil, err
	}
	return v.b, nil
}

// ColumnTime interprets the column as Unix seconds.
// A NULL column reads as the zero time.Time.
func (s *Stmt) ColumnTime(col int) (time.Time, error) {
	v, err := s.Get(col, TypeTime)
	if err != nil || v.IsNull() {
		return time.Time{}, err
	}
	return v.Time(), nil
}

// ColumnNullText reads col, reporting Valid false for NULL.
func (s *Stmt) ColumnNullText(col int) (sql.Null[string], error) {
	v, err := s.Get(col, TypeText)
	if err != nil || v.IsNull() {
		return sql.Null[string]{}, err
	}
	return sql.Null[string]{V: v.Text(), Valid: true}, nil
}

// ColumnNullInt64 reads col, reporting Valid false for NULL.
func (s *Stmt) ColumnNullInt64(col int) (sql.Null[int64], error) {
	v, err := s.Get(col, TypeInt64)
	if err != nil || v.IsNull() {
		return sql.Null[int64]{}, err
	}
	return sql.Null[int64]{V: v.Int64(), Valid: true}, nil
}

// ColumnNullDouble reads col, reporting Valid false for NULL.
func (s *Stmt) ColumnNullDouble(col int) (sql.Null[float64], error) {
	v, err := s.Get(col, TypeDouble)
	if err != nil || v.IsNull() {
		return sql.Null[float64]{}, err
	}
	return sql.Null[float64]{V: v.Float64(), Valid: true}, nil
}

// ColumnNullTime reads col as Unix seconds, reporting Valid false for NULL.
func (s *Stmt) ColumnNullTime(col int) (sql.Null[time.Time], error) {
	v, err := s.Get(col, TypeTime)
	if err != nil || v.IsNull() {
		return sql.Null[time.Time]{}, err
	}
	return sql.Null[time.Time]{V: v.Time(), Valid: true}, nil
}

// Close finalizes the statement.
// Closing a statement twice, or after its Conn is closed, is a no-op.
func (s *Stmt) Close() error {
	if s.conn.closed.Load() {
		UsesAfterClose.Add("Stmt.Close_conn", 1)
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		UsesAfterClose.Add("Stmt.Close", 1)
		return nil
	}
	delete(s.conn.stmts, s)
	s.pending = nil
	// Finalize would otherwise repeat the last execution's error.
	rerr := s.reset("Stmt.Close(Reset)")
	if err := s.reserr(KindClose, "Stmt.Close", s.stmt.Finalize()); err != nil {
		return err
	}
	return rerr
}
