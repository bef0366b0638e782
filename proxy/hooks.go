package proxy

import "time"

// QueryReport describes one statement execution.
type QueryReport struct {
	Pool    string
	Query   string
	Params  []any
	Elapsed time.Duration
	Slow    bool
	Err     error
}

// ResultSetReport describes a result set at the moment it was closed.
type ResultSetReport struct {
	Pool   string
	Query  string
	Params []any
	// Rows is the number of rows the caller advanced over. The position before
	// the first row is not counted, and a result set closed without advancing
	// reports 0.
	Rows int64
	// Elapsed is the time between the query returning and the result set closing.
	Elapsed time.Duration
}

// QueryObserver is notified after every statement execution.
type QueryObserver interface {
	OnQueryExecution(r QueryReport)
}

// ResultSetObserver is notified once for every closed result set.
type ResultSetObserver interface {
	OnResultSetRetrieval(r ResultSetReport)
}

// QueryObserverFunc adapts a function to QueryObserver.
type QueryObserverFunc func(r QueryReport)

func (f QueryObserverFunc) OnQueryExecution(r QueryReport) { f(r) }

// ResultSetObserverFunc adapts a function to ResultSetObserver.
type ResultSetObserverFunc func(r ResultSetReport)

func (f ResultSetObserverFunc) OnResultSetRetrieval(r ResultSetReport) { f(r) }
