// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sqlite is a small synchronous access layer for SQLite.
//
// A Conn owns one engine handle. Statements are prepared on it, bound by
// 1-based ordinal, run, and read by 0-based column:
//
//	conn, err := sqlite.Open(path, sqlite.ReadWrite|sqlite.Create)
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	stmt, err := conn.Prepare("SELECT name FROM tiles WHERE z = ?")
//	if err != nil {
//		return err
//	}
//	defer stmt.Close()
//	stmt.BindInt64(1, 14)
//	row, err := stmt.Run()
//	for ; row && err == nil; row, err = stmt.Next() {
//		name, _ := stmt.ColumnText(0)
//		fmt.Println(name)
//	}
//
// # Transactions
//
// Begin issues BEGIN and returns a Tx. A Tx that is neither committed nor
// rolled back is rolled back by Close, so the usual pattern is:
//
//	tx, err := conn.Begin(sqlite.Immediate)
//	if err != nil {
//		return err
//	}
//	defer tx.Close()
//	... // work
//	return tx.Commit()
//
// A failed rollback in Close cannot be returned. It is passed to the
// handler set with WithCleanupErrorHandler, which logs it by default.
//
// # Errors
//
// Every failure reported by the engine is returned as an *Error carrying
// a Kind, the SQLite extended result code and the engine's message.
// Use KindOf to classify it, or errors.Is with an sqliteh.ErrCode to test
// for a specific code.
//
// # Engines
//
// The engine is reached only through the interfaces in package sqliteh.
// The default is package zsqlite; WithEngine selects another.
package sqlite

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/tilecache/sqlite/sqliteh"
	"github.com/tilecache/sqlite/zsqlite"
)

// OpenFlags control how Open opens a database.
type OpenFlags int

const (
	ReadOnly    = OpenFlags(sqliteh.SQLITE_OPEN_READONLY)
	ReadWrite   = OpenFlags(sqliteh.SQLITE_OPEN_READWRITE)
	Create      = OpenFlags(sqliteh.SQLITE_OPEN_CREATE)
	SharedCache = OpenFlags(sqliteh.SQLITE_OPEN_SHAREDCACHE)
)

func (f OpenFlags) String() string { return sqliteh.OpenFlags(f).String() }

// normalize applies the flag rules: ReadOnly excludes ReadWrite and
// Create, and a database that is not ReadOnly is ReadWrite.
func (f OpenFlags) normalize() OpenFlags {
	if f&ReadOnly != 0 {
		return f &^ (ReadWrite | Create)
	}
	return f | ReadWrite
}

// Option configures a Conn.
type Option func(*options)

type options struct {
	open        sqliteh.OpenFunc
	logger      log.Logger
	tracer      sqliteh.Tracer
	onCleanup   func(error)
	busyTimeout time.Duration
}

// WithEngine opens the database with open instead of zsqlite.Open.
func WithEngine(open sqliteh.OpenFunc) Option {
	return func(o *options) { o.open = open }
}

// WithLogger sets the logger. The default logs logfmt to stderr at
// level info and above.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer reports queries and transactions to tracer.
func WithTracer(tracer sqliteh.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithCleanupErrorHandler sets the function that receives errors from
// cleanup paths that cannot return them, such as the rollback done by
// Tx.Close. The default logs them at level warn.
func WithCleanupErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onCleanup = fn }
}

// WithBusyTimeout sets the initial busy timeout. See Conn.SetBusyTimeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

func defaultLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return level.NewFilter(logger, level.AllowInfo())
}

// Conn is a connection to a database.
//
// A Conn is not safe for concurrent use. Its statements and
// transactions must be used from the same goroutine as the Conn.
type Conn struct {
	db     sqliteh.DB
	id     string
	path   string
	flags  OpenFlags
	closed atomic.Bool

	busyTimeout time.Duration
	logger      log.Logger
	tracer      sqliteh.Tracer
	onCleanup   func(error)

	stmts map[*Stmt]struct{} // open statements, finalized by Close
}

// Open opens the database at path.
//
// URI filenames are always enabled. If flags has neither ReadOnly nor
// ReadWrite, ReadWrite is implied. ReadOnly takes precedence over
// ReadWrite and Create.
//
// On failure the engine handle is released and an *Error of KindOpen
// is returned.
func Open(path string, flags OpenFlags, opts ...Option) (*Conn, error) {
	o := options{open: zsqlite.Open}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}

	flags = flags.normalize()
	db, err := o.open(path, sqliteh.OpenFlags(flags)|sqliteh.SQLITE_OPEN_URI)
	if err != nil {
		err = reserr(db, KindOpen, "Open", "", err)
		if db != nil {
			db.Close()
		}
		level.Debug(o.logger).Log("msg", "open failed", "path", path, "flags", flags, "err", err)
		return nil, err
	}

	c := &Conn{
		db:        db,
		id:        uuid.NewString(),
		path:      path,
		flags:     flags,
		logger:    o.logger,
		tracer:    o.tracer,
		onCleanup: o.onCleanup,
		stmts:     make(map[*Stmt]struct{}),
	}
	if c.onCleanup == nil {
		c.onCleanup = c.logCleanupError
	}
	if o.busyTimeout > 0 {
		c.SetBusyTimeout(o.busyTimeout)
	}
	level.Debug(c.logger).Log("msg", "opened database", "conn", c.id, "path", path, "flags", flags)
	return c, nil
}

func (c *Conn) logCleanupError(err error) {
	level.Warn(c.logger).Log("msg", "cleanup failed", "conn", c.id, "path", c.path, "err", err)
}

// ID reports the connection's identifier, unique for the process lifetime.
func (c *Conn) ID() string { return c.id }

// Path reports the path the connection was opened with.
func (c *Conn) Path() string { return c.path }

// Flags reports the open flags after ReadOnly/ReadWrite resolution.
func (c *Conn) Flags() OpenFlags { return c.flags }

// BusyTimeout reports the current busy timeout.
func (c *Conn) BusyTimeout() time.Duration { return c.busyTimeout }

// SetBusyTimeout sets how long an operation waits on a locked database
// before failing with SQLITE_BUSY. Zero or negative fails immediately.
//
// The timeout is applied to the open handle; the open flags are kept.
func (c *Conn) SetBusyTimeout(d time.Duration) error {
	if c.closed.Load() {
		UsesAfterClose.Add("Conn.SetBusyTimeout", 1)
		return ErrClosed
	}
	if d < 0 {
		d = 0
	}
	c.db.BusyTimeout(d)
	c.busyTimeout = d
	return nil
}

// TxnActive reports whether a transaction is open on the connection.
func (c *Conn) TxnActive() bool {
	if c.closed.Load() {
		UsesAfterClose.Add("Conn.TxnActive", 1)
		return false
	}
	return !c.db.Autocommit()
}

func (c *Conn) traceQuery(query string, d time.Duration, err error) {
	if c.tracer != nil {
		c.tracer.Query(sqliteh.TraceConnID(c.id), query, d, err)
	}
}

// Exec executes each statement of script in order.
// Statements have no parameters and their rows are discarded.
//
// Exec stops at the first failure and returns an *Error of KindExec
// whose Query is the failing statement. Statements before it stay
// applied.
func (c *Conn) Exec(script string) error {
	if c.closed.Load() {
		UsesAfterClose.Add("Conn.Exec", 1)
		return ErrClosed
	}
	for {
		next, rest, ok := nextStatement(script)
		if !ok {
			return nil
		}
		start := time.Now()
		query, tail, err := c.execOne(next)
		c.traceQuery(query, time.Since(start), err)
		if err != nil {
			return err
		}
		script = rest
		if strings.TrimSpace(tail) != "" {
			script = tail + rest
		}
	}
}

// execOne runs next, one statement found by nextStatement, to completion.
// Only next is handed to the engine. Anything the engine leaves unparsed
// is returned as tail.
func (c *Conn) execOne(next string) (query, tail string, err error) {
	stmt, tail, err := c.db.Prepare(next)
	if err != nil {
		query = statementName(next)
		return query, "", reserr(c.db, KindExec, "Conn.Exec(Prepare)", query, err)
	}
	query = strings.TrimSpace(stmt.SQL())
	for {
		row, err := stmt.Step()
		if err != nil {
			err = reserr(c.db, KindExec, "Conn.Exec", query, err)
			stmt.Finalize()
			return query, "", err
		}
		if !row {
			break
		}
	}
	return query, tail, reserr(c.db, KindExec, "Conn.Exec(Finalize)", query, stmt.Finalize())
}

// Prepare compiles query, which must be a single statement.
func (c *Conn) Prepare(query string) (*Stmt, error) {
	if c.closed.Load() {
		UsesAfterClose.Add("Conn.Prepare", 1)
		return nil, ErrClosed
	}
	query = strings.TrimSpace(query)
	start := time.Now()
	stmt, rest, err := c.db.Prepare(query)
	if err != nil {
		err = reserr(c.db, KindPrepare, "Conn.Prepare", query, err)
		c.traceQuery(query, time.Since(start), err)
		return nil, err
	}
	if _, _, ok := nextStatement(rest); ok {
		stmt.Finalize()
		err := newError(KindPrepare, sqliteh.SQLITE_MISUSE, "Conn.Prepare", query,
			"trailing text after statement: "+strings.TrimSpace(rest))
		c.traceQuery(query, time.Since(start), err)
		return nil, err
	}
	s := &Stmt{
		conn:    c,
		stmt:    stmt,
		query:   stmt.SQL(),
		pending: make([]Value, stmt.BindParameterCount()),
	}
	c.stmts[s] = struct{}{}
	return s, nil
}

// Close finalizes the connection's open statements and closes it.
// Closing a closed Conn returns nil.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		UsesAfterClose.Add("Conn.Close", 1)
		return nil
	}
	for s := range c.stmts {
		s.stmt.Finalize()
		s.closed.Store(true)
		delete(c.stmts, s)
	}
	err := reserr(c.db, KindClose, "Conn.Close", "", c.db.Close())
	if err != nil {
		level.Warn(c.logger).Log("msg", "close failed", "conn", c.id, "path", c.path, "err", err)
		return err
	}
	level.Debug(c.logger).Log("msg", "closed database", "conn", c.id, "path", c.path)
	return nil
}

// nextStatement returns the first statement of script, from its first
// byte of content through the ';' that ends it, and the text after it.
// Semicolons inside quotes, bracketed identifiers and comments do not end
// a statement, and a CREATE TRIGGER statement runs through the ';' that
// follows its END. Leading fragments holding only whitespace and comments
// are skipped; ok is false when nothing else is left.
//
// Only the bytes up to the end of the statement are scanned.
func nextStatement(script string) (stmt, rest string, ok bool) {
	var (
		start   = -1
		words   []string // first words of the statement, upper-cased
		trigger bool
		last    string // word right before the current byte, if any
	)
	for i := 0; i < len(script); i++ {
		ch := script[i]
		if isWordByte(ch) {
			j := i + 1
			for j < len(script) && isWordByte(script[j]) {
				j++
			}
			if start < 0 {
				start = i
			}
			last = script[i:j]
			if len(words) < 3 {
				words = append(words, strings.ToUpper(last))
				trigger = isCreateTrigger(words)
			}
			i = j - 1
			continue
		}
		switch ch {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			continue
		case ';':
			if start < 0 {
				continue
			}
			if trigger && !strings.EqualFold(last, "END") {
				last = ""
				continue
			}
			return script[start : i+1], script[i+1:], true
		case '-':
			if strings.HasPrefix(script[i:], "--") {
				j := strings.IndexByte(script[i:], '\n')
				if j < 0 {
					i = len(script)
				} else {
					i += j
				}
				continue
			}
		case '/':
			if strings.HasPrefix(script[i:], "/*") {
				j := strings.Index(script[i+2:], "*/")
				if j < 0 {
					i = len(script)
				} else {
					i += j + 3
				}
				continue
			}
		case '\'', '"', '`', '[':
			if start < 0 {
				start = i
			}
			end := ch
			if ch == '[' {
				end = ']'
			}
			j := strings.IndexByte(script[i+1:], end)
			if j < 0 {
				i = len(script)
			} else {
				i += j + 1
			}
			last = ""
			continue
		}
		if start < 0 {
			start = i
		}
		last = ""
	}
	if start < 0 {
		return "", "", false
	}
	return script[start:], "", true
}

func isWordByte(ch byte) bool {
	return ch == '_' || ch == '$' || ch >= 0x80 ||
		'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || '0' <= ch && ch <= '9'
}

// isCreateTrigger reports whether the leading words are
// CREATE [TEMP|TEMPORARY] TRIGGER.
func isCreateTrigger(words []string) bool {
	if len(words) < 2 || words[0] != "CREATE" {
		return false
	}
	if words[1] == "TRIGGER" {
		return true
	}
	return len(words) == 3 && (words[1] == "TEMP" || words[1] == "TEMPORARY") && words[2] == "TRIGGER"
}

// statementName is how a statement from nextStatement is named in errors
// and traces when the engine could not compile it.
func statementName(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if !strings.HasSuffix(stmt, ";") {
		stmt += ";"
	}
	return stmt
}
