// Package report provides observers that receive query and result set reports
// from the proxies and forward them to logs or external sinks.
package report

import (
	"fmt"
	"time"

	"github.com/fyerfyer/dbproxy/proxy"
)

// Observer receives both query and result set reports.
type Observer interface {
	proxy.QueryObserver
	proxy.ResultSetObserver
}

// Kind distinguishes the two report types in serialized entries.
type Kind string

const (
	KindQuery     Kind = "query"
	KindResultSet Kind = "result_set"
)

// Entry is the serialized form of a report.
type Entry struct {
	Kind      Kind      `json:"kind"`
	Time      time.Time `json:"time"`
	Pool      string    `json:"pool"`
	Query     string    `json:"query"`
	Params    []string  `json:"params,omitempty"`
	ElapsedMS float64   `json:"elapsed_ms"`
	Slow      bool      `json:"slow,omitempty"`
	Error     string    `json:"error,omitempty"`
	Rows      int64     `json:"rows,omitempty"`
}

// QueryEntry converts a query report into an Entry.
func QueryEntry(r proxy.QueryReport, now time.Time) Entry {
	e := Entry{
		Kind:      KindQuery,
		Time:      now,
		Pool:      r.Pool,
		Query:     r.Query,
		Params:    formatParams(r.Params),
		ElapsedMS: millis(r.Elapsed),
		Slow:      r.Slow,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	return e
}

// ResultSetEntry converts a result set report into an Entry.
func ResultSetEntry(r proxy.ResultSetReport, now time.Time) Entry {
	return Entry{
		Kind:      KindResultSet,
		Time:      now,
		Pool:      r.Pool,
		Query:     r.Query,
		Params:    formatParams(r.Params),
		ElapsedMS: millis(r.Elapsed),
		Rows:      r.Rows,
	}
}

func formatParams(params []any) []string {
	if len(params) == 0 {
		return nil
	}
	out := make([]string, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case nil:
			out[i] = "NULL"
		case []byte:
			out[i] = fmt.Sprintf("<%d bytes>", len(v))
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
