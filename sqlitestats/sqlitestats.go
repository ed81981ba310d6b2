// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sqlitestats implements an sqliteh.Tracer for collecting debug
// statistics about transactions.
package sqlitestats

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tilecache/sqlite/sqliteh"
)

// Stats tracks and reports connection stats.
//
// Stats implements sqliteh.Tracer and http.Handler.
type Stats struct {
	curTxs sync.Map // sqliteh.TraceConnID -> *txStats

	commits   atomic.Int64
	rollbacks atomic.Int64
	failures  atomic.Int64 // failed BEGIN, COMMIT or ROLLBACK
}

var _ sqliteh.Tracer = (*Stats)(nil)

type txStats struct {
	id      sqliteh.TraceConnID
	mode    string
	start   time.Time
	queries atomic.Int64
	last    atomic.Pointer[string]
}

// TxInfo describes a transaction that is still open.
type TxInfo struct {
	Conn      sqliteh.TraceConnID
	Mode      string
	Start     time.Time
	Queries   int64  // statements run since BEGIN
	LastQuery string // most recent statement, if any
}

// Totals counts finished transactions.
type Totals struct {
	Commits   int64
	Rollbacks int64
	Failures  int64
}

// Active reports the open transactions, oldest first.
func (s *Stats) Active() []TxInfo {
	var txs []TxInfo
	s.curTxs.Range(func(_, value any) bool {
		tx := value.(*txStats)
		info := TxInfo{
			Conn:    tx.id,
			Mode:    tx.mode,
			Start:   tx.start,
			Queries: tx.queries.Load(),
		}
		if q := tx.last.Load(); q != nil {
			info.LastQuery = *q
		}
		txs = append(txs, info)
		return true
	})
	slices.SortFunc(txs, func(a, b TxInfo) int { return a.Start.Compare(b.Start) })
	return txs
}

// Totals reports how many transactions have ended, and how.
func (s *Stats) Totals() Totals {
	return Totals{
		Commits:   s.commits.Load(),
		Rollbacks: s.rollbacks.Load(),
		Failures:  s.failures.Load(),
	}
}

func (s *Stats) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	txs := s.Active()
	totals := s.Totals()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "<html><head><title>sqlite active transactions</title></head><body><pre>\n")
	fmt.Fprintf(w, "sqlite transactions: %d committed, %d rolled back, %d failed\n",
		totals.Commits, totals.Rollbacks, totals.Failures)
	fmt.Fprintf(w, "sqlite active transactions (%d):", len(txs))
	now := time.Now()
	for _, tx := range txs {
		fmt.Fprintf(w, "\n\t%s\t%s\t%v\t%d queries\t%s",
			tx.Conn, tx.Mode, now.Sub(tx.Start).Round(time.Millisecond),
			tx.Queries, html.EscapeString(tx.LastQuery))
	}
	io.WriteString(w, "\n</pre></body></html>")
}

func (s *Stats) Query(id sqliteh.TraceConnID, query string, duration time.Duration, err error) {
	v, ok := s.curTxs.Load(id)
	if !ok {
		return
	}
	tx := v.(*txStats)
	tx.queries.Add(1)
	tx.last.Store(&query)
}

func (s *Stats) BeginTx(id sqliteh.TraceConnID, mode string, err error) {
	if err != nil {
		// Not actually in tx.
		s.failures.Add(1)
		return
	}
	s.curTxs.Store(id, &txStats{
		id:    id,
		mode:  mode,
		start: time.Now(),
	})
}

func (s *Stats) Commit(id sqliteh.TraceConnID, err error) {
	s.txEnd(id, err, &s.commits)
}

func (s *Stats) Rollback(id sqliteh.TraceConnID, err error) {
	s.txEnd(id, err, &s.rollbacks)
}

// txEnd forgets the transaction on id. Either way the decision ends it:
// a failed COMMIT or ROLLBACK leaves nothing for the Tx to retry.
func (s *Stats) txEnd(id sqliteh.TraceConnID, err error, counter *atomic.Int64) {
	s.curTxs.Delete(id)
	if err != nil {
		s.failures.Add(1)
		return
	}
	counter.Add(1)
}
