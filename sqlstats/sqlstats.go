// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sqlstats implements an SQLite Tracer that collects query stats.
//
// The Tracer serves a debug HTML table and is a prometheus.Collector:
//
//	tracer := &sqlstats.Tracer{}
//	prometheus.MustRegister(tracer)
//	http.HandleFunc("/debug/sqlite", tracer.Handle)
//	conn, err := sqlite.Open(path, sqlite.Create, sqlite.WithTracer(tracer))
package sqlstats

import (
	"fmt"
	"html"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tilecache/sqlite/sqliteh"
)

// Tracer implements sqliteh.Tracer and collects query stats.
//
// Queries are keyed by their normalized text, so statements differing only
// in the literal members of an IN list share a row.
type Tracer struct {
	// Once a query has been seen once, only the read lock
	// is required to update stats.
	mu      sync.RWMutex
	queries map[string]*queryStats // normalized query -> stats
}

var (
	_ sqliteh.Tracer       = (*Tracer)(nil)
	_ prometheus.Collector = (*Tracer)(nil)
)

type queryStats struct {
	count    atomic.Int64
	errors   atomic.Int64
	duration atomic.Int64 // time.Duration
}

// QueryStats is a snapshot of the stats for one normalized query.
type QueryStats struct {
	Query    string
	Count    int64
	Errors   int64
	Duration time.Duration // total
	Mean     time.Duration
}

func (t *Tracer) queryStats(query string) *queryStats {
	t.mu.RLock()
	stats := t.queries[query]
	t.mu.RUnlock()

	if stats != nil {
		return stats
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queries == nil {
		t.queries = make(map[string]*queryStats)
	}
	stats = t.queries[query]
	if stats == nil {
		stats = &queryStats{}
		t.queries[query] = stats
	}
	return stats
}

// Stats reports a snapshot of every query seen since the last Reset,
// in no particular order.
func (t *Tracer) Stats() []*QueryStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]*QueryStats, 0, len(t.queries))
	for query, s := range t.queries {
		row := &QueryStats{
			Query:    query,
			Count:    s.count.Load(),
			Errors:   s.errors.Load(),
			Duration: time.Duration(s.duration.Load()),
		}
		if row.Count > 0 {
			row.Mean = row.Duration / time.Duration(row.Count)
		}
		rows = append(rows, row)
	}
	return rows
}

// Reset forgets all collected stats.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queries = nil
}

func (t *Tracer) Query(id sqliteh.TraceConnID, query string, duration time.Duration, err error) {
	stats := t.queryStats(normalizeQuery(query))

	stats.count.Add(1)
	stats.duration.Add(int64(duration))
	if err != nil {
		stats.errors.Add(1)
	}
}

func (t *Tracer) BeginTx(id sqliteh.TraceConnID, mode string, err error) {}
func (t *Tracer) Commit(id sqliteh.TraceConnID, err error)               {}
func (t *Tracer) Rollback(id sqliteh.TraceConnID, err error)             {}

var (
	inListLiteral = `(?:[-+]?[0-9][0-9.eE+-]*|\?[0-9]*|[:@$][A-Za-z_][A-Za-z0-9_]*|'(?:[^']|'')*'|NULL)`
	inListRE      = regexp.MustCompile(`(?i)\bIN\s*\(\s*` + inListLiteral + `(?:\s*,\s*` + inListLiteral + `)*\s*\)`)
)

// normalizeQuery collapses IN lists of literals or parameters to
// "IN (...)". Subqueries are left alone.
func normalizeQuery(q string) string {
	if !strings.Contains(strings.ToUpper(q), "IN") {
		return q
	}
	return inListRE.ReplaceAllLiteralString(q, "IN (...)")
}

var (
	queriesDesc = prometheus.NewDesc(
		"sqlite_queries_total",
		"Number of statements executed, by normalized query.",
		[]string{"query"}, nil)
	errorsDesc = prometheus.NewDesc(
		"sqlite_query_errors_total",
		"Number of statements that failed, by normalized query.",
		[]string{"query"}, nil)
	durationDesc = prometheus.NewDesc(
		"sqlite_query_duration_seconds_total",
		"Time spent executing statements, by normalized query.",
		[]string{"query"}, nil)
)

// Describe implements prometheus.Collector.
func (t *Tracer) Describe(ch chan<- *prometheus.Desc) {
	ch <- queriesDesc
	ch <- errorsDesc
	ch <- durationDesc
}

// Collect implements prometheus.Collector.
func (t *Tracer) Collect(ch chan<- prometheus.Metric) {
	for _, row := range t.Stats() {
		ch <- prometheus.MustNewConstMetric(queriesDesc, prometheus.CounterValue, float64(row.Count), row.Query)
		ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(row.Errors), row.Query)
		ch <- prometheus.MustNewConstMetric(durationDesc, prometheus.CounterValue, row.Duration.Seconds(), row.Query)
	}
}

func (t *Tracer) Handle(w http.ResponseWriter, r *http.Request) {
	sortParam := strings.TrimSpace(r.URL.Query().Get("sort"))
	rows := t.Stats()

	switch sortParam {
	case "", "count":
		slices.SortFunc(rows, func(a, b *QueryStats) int { return cmpDesc(a.Count, b.Count) })
	case "query":
		slices.SortFunc(rows, func(a, b *QueryStats) int { return strings.Compare(a.Query, b.Query) })
	case "duration":
		slices.SortFunc(rows, func(a, b *QueryStats) int { return cmpDesc(a.Duration, b.Duration) })
	case "errors":
		slices.SortFunc(rows, func(a, b *QueryStats) int { return cmpDesc(a.Errors, b.Errors) })
	case "mean":
		slices.SortFunc(rows, func(a, b *QueryStats) int { return cmpDesc(a.Mean, b.Mean) })
	default:
		http.Error(w, fmt.Sprintf("unknown sort: %q", sortParam), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html><html><body>
	<p>Trace of SQLite queries.</p>
	<table border="1">
	<tr>
	<th><a href="?sort=query">Query</a></th>
	<th><a href="?sort=count">Count</a></th>
	<th><a href="?sort=duration">Duration</a></th>
	<th><a href="?sort=mean">Mean</a></th>
	<th><a href="?sort=errors">Errors</a></th>
	</tr>
	`)
	for _, row := range rows {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%d</td><td>%s</td><td>%s</td><td>%d</td></tr>\n",
			html.EscapeString(row.Query),
			row.Count,
			row.Duration.Round(time.Millisecond),
			row.Mean.Round(time.Microsecond),
			row.Errors,
		)
	}
	fmt.Fprintf(w, "</table></body></html>")
}

func cmpDesc[T int64 | time.Duration](a, b T) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
