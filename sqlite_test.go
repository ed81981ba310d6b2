// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/tilecache/sqlite/sqliteh"
	"github.com/tilecache/sqlite/zsqlite"
)

func openTestConn(t testing.TB, opts ...Option) *Conn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	return openTestConnPath(t, path, ReadWrite|Create, opts...)
}

func openTestConnPath(t testing.TB, path string, flags OpenFlags, opts ...Option) *Conn {
	t.Helper()
	opts = append([]Option{WithLogger(log.NewNopLogger())}, opts...)
	conn, err := Open(path, flags, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func exec(t testing.TB, conn *Conn, script string) {
	t.Helper()
	if err := conn.Exec(script); err != nil {
		t.Fatal(err)
	}
}

func queryInt64(t testing.TB, conn *Conn, query string) int64 {
	t.Helper()
	stmt, err := conn.Prepare(query)
	if err != nil {
		t.Fatal(err)
	}
	defer stmt.Close()
	row, err := stmt.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !row {
		t.Fatalf("%s: no row", query)
	}
	v, err := stmt.ColumnInt64(0)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// wantErr checks that err is an *Error of the given kind whose primary
// result code is code.
func wantErr(t testing.TB, err error, kind Kind, code sqliteh.Code) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("err=nil, want %v error with %v", kind, code)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err=%v (%T), want *Error", err, err)
	}
	if e.Kind != kind {
		t.Errorf("Kind=%v, want %v (err=%v)", e.Kind, kind, err)
	}
	if e.Code.Primary() != code {
		t.Errorf("Code=%v, want %v (err=%v)", e.Code, code, err)
	}
	return e
}

func TestOpenFlags(t *testing.T) {
	tests := []struct {
		flags OpenFlags
		want  OpenFlags
		str   string
	}{
		{0, ReadWrite, "SQLITE_OPEN_READWRITE"},
		{Create, ReadWrite | Create, "SQLITE_OPEN_READWRITE|SQLITE_OPEN_CREATE"},
		{ReadOnly, ReadOnly, "SQLITE_OPEN_READONLY"},
		{ReadOnly | ReadWrite | Create, ReadOnly, "SQLITE_OPEN_READONLY"},
		{ReadOnly | SharedCache, ReadOnly | SharedCache, "SQLITE_OPEN_READONLY|SQLITE_OPEN_SHAREDCACHE"},
		{SharedCache, ReadWrite | SharedCache, "SQLITE_OPEN_READWRITE|SQLITE_OPEN_SHAREDCACHE"},
	}
	for _, tt := range tests {
		got := tt.flags.normalize()
		if got != tt.want {
			t.Errorf("%v.normalize()=%v, want %v", tt.flags, got, tt.want)
		}
		if got.String() != tt.str {
			t.Errorf("%v.normalize().String()=%q, want %q", tt.flags, got.String(), tt.str)
		}
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	conn := openTestConnPath(t, path, Create|SharedCache, WithBusyTimeout(250*time.Millisecond))
	if conn.Path() != path {
		t.Errorf("Path=%q, want %q", conn.Path(), path)
	}
	if want := ReadWrite | Create | SharedCache; conn.Flags() != want {
		t.Errorf("Flags=%v, want %v", conn.Flags(), want)
	}
	if got := conn.BusyTimeout(); got != 250*time.Millisecond {
		t.Errorf("BusyTimeout=%v, want 250ms", got)
	}
	if conn.ID() == "" {
		t.Error("empty connection ID")
	}
	exec(t, conn, "CREATE TABLE t (c);")
	if conn.TxnActive() {
		t.Error("TxnActive=true after autocommit statement")
	}
}

func TestOpenMissingReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	conn, err := Open(path, ReadOnly, WithLogger(log.NewNopLogger()))
	if conn != nil {
		t.Error("Open returned a Conn on failure")
	}
	e := wantErr(t, err, KindOpen, sqliteh.SQLITE_CANTOPEN)
	if e.Loc != "Open" {
		t.Errorf("Loc=%q, want Open", e.Loc)
	}
}

func TestConnIDsAreUnique(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	seen := make(map[string]bool)
	for range 5 {
		conn := openTestConnPath(t, path, Create)
		if seen[conn.ID()] {
			t.Fatalf("duplicate connection ID %q", conn.ID())
		}
		seen[conn.ID()] = true
	}
}

func TestReadOnlyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	rw := openTestConnPath(t, path, Create)
	exec(t, rw, "CREATE TABLE t (c); INSERT INTO t VALUES (1);")

	ro := openTestConnPath(t, path, ReadOnly)
	if got := queryInt64(t, ro, "SELECT count(*) FROM t"); got != 1 {
		t.Errorf("count=%d, want 1", got)
	}
	err := ro.Exec("INSERT INTO t VALUES (2)")
	wantErr(t, err, KindExec, sqliteh.SQLITE_READONLY)

	stmt, err := ro.Prepare("INSERT INTO t VALUES (?)")
	if err != nil {
		t.Fatal(err)
	}
	defer stmt.Close()
	stmt.BindInt64(1, 3)
	_, err = stmt.Run()
	wantErr(t, err, KindExec, sqliteh.SQLITE_READONLY)

	if got := queryInt64(t, rw, "SELECT count(*) FROM t"); got != 1 {
		t.Errorf("count=%d after failed writes, want 1", got)
	}
}

func TestExec(t *testing.T) {
	conn := openTestConn(t)
	exec(t, conn, `
		-- a comment; with a semicolon
		CREATE TABLE t (c TEXT);;
		/* another; comment */
		INSERT INTO t VALUES ('a;b');
		INSERT INTO t VALUES ('c');
		;
		CREATE TABLE log (msg TEXT);
		CREATE TRIGGER t_log AFTER INSERT ON t
		BEGIN
			INSERT INTO log VALUES (NEW.c);
			INSERT INTO log VALUES ('second');
		END;
		INSERT INTO t VALUES ('d')`)
	if got := queryInt64(t, conn, "SELECT count(*) FROM t"); got != 3 {
		t.Errorf("count(t)=%d, want 3", got)
	}
	if got := queryInt64(t, conn, "SELECT count(*) FROM log"); got != 2 {
		t.Errorf("count(log)=%d, want 2", got)
	}
	if got := queryInt64(t, conn, "SELECT count(*) FROM t WHERE c = 'a;b'"); got != 1 {
		t.Errorf("quoted semicolon split the statement")
	}

	if err := conn.Exec(""); err != nil {
		t.Errorf("empty script: %v", err)
	}
	if err := conn.Exec("  ;\n -- nothing\n ; "); err != nil {
		t.Errorf("blank script: %v", err)
	}
}

func TestExecPartialFailure(t *testing.T) {
	conn := openTestConn(t)
	exec(t, conn, "CREATE TABLE t (c INTEGER);")

	err := conn.Exec("INSERT INTO t VALUES (1); INSERT INTO nope VALUES (2); INSERT INTO t VALUES (3);")
	e := wantErr(t, err, KindExec, sqliteh.SQLITE_ERROR)
	if want := "INSERT INTO nope VALUES (2);"; e.Query != want {
		t.Errorf("Query=%q, want %q", e.Query, want)
	}
	if !strings.Contains(e.Msg, "no such table") {
		t.Errorf("Msg=%q, want it to mention the missing table", e.Msg)
	}
	if got := queryInt64(t, conn, "SELECT count(*) FROM t"); got != 1 {
		t.Errorf("count=%d, want the first insert applied and the third not run", got)
	}

	exec(t, conn, "CREATE TABLE u (c INTEGER PRIMARY KEY);")
	err = conn.Exec("INSERT INTO u VALUES (1);\nINSERT INTO u VALUES (1);")
	e = wantErr(t, err, KindExec, sqliteh.SQLITE_CONSTRAINT)
	if want := "INSERT INTO u VALUES (1);"; e.Query != want {
		t.Errorf("Query=%q, want %q", e.Query, want)
	}
}

// allStatements calls nextStatement until script is used up.
func allStatements(script string) []string {
	var stmts []string
	for {
		stmt, rest, ok := nextStatement(script)
		if !ok {
			return stmts
		}
		stmts = append(stmts, stmt)
		script = rest
	}
}

func TestNextStatement(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{" ; ;\n", nil},
		{"-- only a comment", nil},
		{"/* unterminated", nil},
		{"SELECT 1", []string{"SELECT 1"}},
		{"SELECT 1;SELECT 2;", []string{"SELECT 1;", "SELECT 2;"}},
		{"  SELECT 1 ;\n\n SELECT 2  ", []string{"SELECT 1 ;", "SELECT 2  "}},
		{"SELECT ';'; SELECT \";\"", []string{"SELECT ';';", "SELECT \";\""}},
		{"SELECT 'it''s;'; SELECT 2", []string{"SELECT 'it''s;';", "SELECT 2"}},
		{"SELECT [a;b] FROM t; SELECT `c;d`", []string{"SELECT [a;b] FROM t;", "SELECT `c;d`"}},
		{"SELECT 1 -- x;y\n; SELECT 2", []string{"SELECT 1 -- x;y\n;", "SELECT 2"}},
		{"SELECT /* ; */ 1; /* ; */", []string{"SELECT /* ; */ 1;"}},
		{"SELECT 4-2; SELECT 4/2", []string{"SELECT 4-2;", "SELECT 4/2"}},
		{
			"CREATE TRIGGER tr AFTER INSERT ON t BEGIN INSERT INTO l VALUES (1); DELETE FROM l; END; SELECT 1;",
			[]string{"CREATE TRIGGER tr AFTER INSERT ON t BEGIN INSERT INTO l VALUES (1); DELETE FROM l; END;", "SELECT 1;"},
		},
		{
			"create temp trigger tr after delete on t begin select 1; end ; select 2;",
			[]string{"create temp trigger tr after delete on t begin select 1; end ;", "select 2;"},
		},
		{
			"CREATE TABLE trigger_log (c); CREATE TABLE x (end_at);",
			[]string{"CREATE TABLE trigger_log (c);", "CREATE TABLE x (end_at);"},
		},
	}
	for _, tt := range tests {
		got := allStatements(tt.in)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("nextStatement(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

// prepareSizeDB records the longest query handed to the engine.
type prepareSizeDB struct {
	sqliteh.DB
	max int
}

func (db *prepareSizeDB) Prepare(query string) (sqliteh.Stmt, string, error) {
	db.max = max(db.max, len(query))
	return db.DB.Prepare(query)
}

func insertScript(n int) string {
	var b strings.Builder
	b.WriteString("BEGIN;\n")
	for i := range n {
		fmt.Fprintf(&b, "INSERT INTO t VALUES (%d);\n", i)
	}
	b.WriteString("COMMIT;\n")
	return b.String()
}

func TestExecPrepareInputIsBounded(t *testing.T) {
	var db *prepareSizeDB
	open := func(filename string, flags sqliteh.OpenFlags) (sqliteh.DB, error) {
		inner, err := zsqlite.Open(filename, flags)
		db = &prepareSizeDB{DB: inner}
		return db, err
	}
	conn := openTestConn(t, WithEngine(open))
	exec(t, conn, "CREATE TABLE t (c INTEGER);")

	db.max = 0
	exec(t, conn, insertScript(5000))
	if got := queryInt64(t, conn, "SELECT count(*) FROM t"); got != 5000 {
		t.Errorf("count=%d, want 5000", got)
	}
	if db.max > 100 {
		t.Errorf("engine was handed %d bytes at once, want one statement at a time", db.max)
	}
}

func TestExecScalesLinearly(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	run := func(n int) time.Duration {
		best := time.Duration(math.MaxInt64)
		for range 3 {
			conn := openTestConn(t)
			exec(t, conn, "CREATE TABLE t (c INTEGER);")
			script := insertScript(n)
			start := time.Now()
			exec(t, conn, script)
			best = min(best, time.Since(start))
		}
		return best
	}
	small, large := run(2000), run(16000)
	// Eight times the statements; quadratic work would take ~64 times as long.
	if ratio := float64(large) / float64(small); ratio > 24 {
		t.Errorf("Exec of 16000 statements took %v, %.1f times 2000 statements (%v)", large, ratio, small)
	}
}

func TestPrepareErrors(t *testing.T) {
	conn := openTestConn(t)

	_, err := conn.Prepare("SELEKT 1")
	e := wantErr(t, err, KindPrepare, sqliteh.SQLITE_ERROR)
	if !strings.Contains(e.Msg, "syntax error") {
		t.Errorf("Msg=%q, want a syntax error", e.Msg)
	}

	_, err = conn.Prepare("SELECT * FROM nope")
	wantErr(t, err, KindPrepare, sqliteh.SQLITE_ERROR)

	_, err = conn.Prepare("SELECT 1; SELECT 2;")
	e = wantErr(t, err, KindPrepare, sqliteh.SQLITE_MISUSE)
	if !strings.Contains(e.Error(), "trailing text") {
		t.Errorf("err=%v, want it to mention trailing text", e)
	}

	stmt, err := conn.Prepare("SELECT 1; -- trailing comment")
	if err != nil {
		t.Fatalf("trailing comment: %v", err)
	}
	stmt.Close()
}

func TestClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := Open(path, Create, WithLogger(log.NewNopLogger()))
	if err != nil {
		t.Fatal(err)
	}
	exec(t, conn, "CREATE TABLE t (c);")
	stmt, err := conn.Prepare("SELECT c FROM t")
	if err != nil {
		t.Fatal(err)
	}

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	before := usesAfterClose("Conn.Close")
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if got := usesAfterClose("Conn.Close"); got != before+1 {
		t.Errorf("UsesAfterClose[Conn.Close]=%d, want %d", got, before+1)
	}

	if err := conn.Exec("SELECT 1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Exec after Close: %v, want ErrClosed", err)
	}
	if _, err := conn.Prepare("SELECT 1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Prepare after Close: %v, want ErrClosed", err)
	}
	if _, err := conn.Begin(Deferred); !errors.Is(err, ErrClosed) {
		t.Errorf("Begin after Close: %v, want ErrClosed", err)
	}
	if err := conn.SetBusyTimeout(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("SetBusyTimeout after Close: %v, want ErrClosed", err)
	}
	if _, err := stmt.Run(); !errors.Is(err, ErrClosed) {
		t.Errorf("Stmt.Run after Conn.Close: %v, want ErrClosed", err)
	}
	if err := stmt.Close(); err != nil {
		t.Errorf("Stmt.Close after Conn.Close: %v", err)
	}
}

func usesAfterClose(key string) int64 {
	v := UsesAfterClose.Get(key)
	if v == nil {
		return 0
	}
	return v.(interface{ Value() int64 }).Value()
}

// fakeDB is an engine handle that only opens and closes.
type fakeDB struct {
	errMsg   string
	closeErr error
	closed   int
}

func (db *fakeDB) Close() error              { db.closed++; return db.closeErr }
func (db *fakeDB) ErrMsg() string            { return db.errMsg }
func (db *fakeDB) Changes() int              { return 0 }
func (db *fakeDB) LastInsertRowid() int64    { return 0 }
func (db *fakeDB) BusyTimeout(time.Duration) {}
func (db *fakeDB) Autocommit() bool          { return true }
func (db *fakeDB) Prepare(string) (sqliteh.Stmt, string, error) {
	db.errMsg = "fake engine cannot prepare"
	return nil, "", sqliteh.ErrCode(sqliteh.SQLITE_MISUSE)
}

func TestOpenEngineFailure(t *testing.T) {
	db := &fakeDB{errMsg: "unable to open database file"}
	var gotFlags sqliteh.OpenFlags
	open := func(filename string, flags sqliteh.OpenFlags) (sqliteh.DB, error) {
		gotFlags = flags
		return db, sqliteh.ErrCode(sqliteh.SQLITE_CANTOPEN)
	}
	conn, err := Open("file:nowhere.db", ReadOnly|SharedCache, WithEngine(open), WithLogger(log.NewNopLogger()))
	if conn != nil {
		t.Error("Open returned a Conn on failure")
	}
	e := wantErr(t, err, KindOpen, sqliteh.SQLITE_CANTOPEN)
	if e.Msg != db.errMsg {
		t.Errorf("Msg=%q, want %q", e.Msg, db.errMsg)
	}
	if db.closed != 1 {
		t.Errorf("engine handle closed %d times, want 1", db.closed)
	}
	want := sqliteh.SQLITE_OPEN_READONLY | sqliteh.SQLITE_OPEN_SHAREDCACHE | sqliteh.SQLITE_OPEN_URI
	if gotFlags != want {
		t.Errorf("engine flags=%v, want %v", gotFlags, want)
	}
}

func TestCloseError(t *testing.T) {
	db := &fakeDB{closeErr: sqliteh.ErrCode(sqliteh.SQLITE_BUSY)}
	open := func(string, sqliteh.OpenFlags) (sqliteh.DB, error) { return db, nil }
	conn, err := Open("fake.db", 0, WithEngine(open), WithLogger(log.NewNopLogger()))
	if err != nil {
		t.Fatal(err)
	}
	db.errMsg = "unable to close due to unfinalized statements"
	err = conn.Close()
	e := wantErr(t, err, KindClose, sqliteh.SQLITE_BUSY)
	if e.Msg != db.errMsg {
		t.Errorf("Msg=%q, want %q", e.Msg, db.errMsg)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if db.closed != 1 {
		t.Errorf("engine Close called %d times, want 1", db.closed)
	}
}

func TestBusyTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	c1 := openTestConnPath(t, path, Create)
	exec(t, c1, "CREATE TABLE t (c); INSERT INTO t VALUES (1);")
	c2 := openTestConnPath(t, path, ReadWrite)

	tx, err := c1.Begin(Exclusive)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()

	err = c2.Exec("SELECT * FROM t")
	wantErr(t, err, KindExec, sqliteh.SQLITE_BUSY)

	const timeout = 100 * time.Millisecond
	if err := c2.SetBusyTimeout(timeout); err != nil {
		t.Fatal(err)
	}
	if c2.BusyTimeout() != timeout {
		t.Errorf("BusyTimeout=%v, want %v", c2.BusyTimeout(), timeout)
	}
	if c2.Flags() != ReadWrite {
		t.Errorf("Flags=%v after SetBusyTimeout, want %v", c2.Flags(), ReadWrite)
	}
	start := time.Now()
	err = c2.Exec("SELECT * FROM t")
	wantErr(t, err, KindExec, sqliteh.SQLITE_BUSY)
	if d := time.Since(start); d < timeout/2 {
		t.Errorf("busy failure after %v, want about %v", d, timeout)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if got := queryInt64(t, c2, "SELECT count(*) FROM t"); got != 1 {
		t.Errorf("count=%d, want 1", got)
	}
}

func TestErrorFormat(t *testing.T) {
	err := &Error{
		Kind:  KindExec,
		Code:  sqliteh.SQLITE_CONSTRAINT_UNIQUE,
		Loc:   "Stmt.Run",
		Query: "INSERT INTO t VALUES (1)",
		Msg:   "UNIQUE constraint failed: t.c",
	}
	want := "sqlite.Stmt.Run: SQLITE_CONSTRAINT_UNIQUE: UNIQUE constraint failed: t.c (INSERT INTO t VALUES (1))"
	if got := err.Error(); got != want {
		t.Errorf("Error()=%q, want %q", got, want)
	}
	if !errors.Is(err, sqliteh.ErrCode(sqliteh.SQLITE_CONSTRAINT_UNIQUE)) {
		t.Error("errors.Is does not see the engine code")
	}
	if kind, ok := KindOf(err); !ok || kind != KindExec {
		t.Errorf("KindOf=%v, %v, want %v, true", kind, ok, KindExec)
	}
	if _, ok := KindOf(errors.New("other")); ok {
		t.Error("KindOf reported a kind for a foreign error")
	}
	if got := CodeOf(err); got != sqliteh.SQLITE_CONSTRAINT_UNIQUE {
		t.Errorf("CodeOf=%v", got)
	}
}

type traceEvent struct {
	kind  string
	query string
	err   error
}

type recordingTracer struct {
	events []traceEvent
	ids    map[sqliteh.TraceConnID]bool
}

func (t *recordingTracer) record(id sqliteh.TraceConnID, ev traceEvent) {
	if t.ids == nil {
		t.ids = make(map[sqliteh.TraceConnID]bool)
	}
	t.ids[id] = true
	t.events = append(t.events, ev)
}

func (t *recordingTracer) Query(id sqliteh.TraceConnID, query string, duration time.Duration, err error) {
	t.record(id, traceEvent{"query", query, err})
}

func (t *recordingTracer) BeginTx(id sqliteh.TraceConnID, mode string, err error) {
	t.record(id, traceEvent{"begin", mode, err})
}

func (t *recordingTracer) Commit(id sqliteh.TraceConnID, err error) {
	t.record(id, traceEvent{"commit", "", err})
}

func (t *recordingTracer) Rollback(id sqliteh.TraceConnID, err error) {
	t.record(id, traceEvent{"rollback", "", err})
}

func TestTrace(t *testing.T) {
	tracer := &recordingTracer{}
	conn := openTestConn(t, WithTracer(tracer))
	exec(t, conn, "CREATE TABLE t (c INTEGER PRIMARY KEY); INSERT INTO t VALUES (1)")

	stmt, err := conn.Prepare("INSERT INTO t VALUES (?)")
	if err != nil {
		t.Fatal(err)
	}
	defer stmt.Close()
	stmt.BindInt64(1, 1)
	if _, err := stmt.Run(); err == nil {
		t.Fatal("duplicate insert succeeded")
	}

	tx, err := conn.Begin(Immediate)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	got := make([]string, 0, len(tracer.events))
	for _, ev := range tracer.events {
		s := ev.kind + " " + ev.query
		if ev.err != nil {
			s += " !"
		}
		got = append(got, s)
	}
	want := []string{
		"query CREATE TABLE t (c INTEGER PRIMARY KEY);",
		"query INSERT INTO t VALUES (1)",
		"query INSERT INTO t VALUES (?) !",
		"query BEGIN IMMEDIATE TRANSACTION",
		"begin IMMEDIATE",
		"query COMMIT TRANSACTION",
		"commit ",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trace events mismatch (-want +got):\n%s", diff)
	}
	if len(tracer.ids) != 1 || !tracer.ids[sqliteh.TraceConnID(conn.ID())] {
		t.Errorf("trace IDs=%v, want only %q", tracer.ids, conn.ID())
	}
}
