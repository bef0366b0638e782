package proxy

import (
	"time"

	"go.uber.org/zap"
)

// ResultSet 是结果集游标的代理，关闭时向观察者报告读取的行数
type ResultSet struct {
	child[*Statement]
	raw    Rows
	query  string
	params []any
	opened time.Time

	// nexts 统计 Next 的调用次数，包括最后一次返回 false 的调用
	nexts int64
}

var _ Rows = (*ResultSet)(nil)

func (r *ResultSet) Statement() (Stmt, error) {
	s, err := r.parentAccess()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *ResultSet) Columns() ([]string, error) {
	return invoke(&r.dispatcher, CallColumns, r.raw.Columns)
}

func (r *ResultSet) Next() (bool, error) {
	return invoke(&r.dispatcher, CallNext, func() (bool, error) {
		r.nexts++
		return r.raw.Next()
	})
}

func (r *ResultSet) Scan(dest ...any) error {
	return r.do(CallScan, func() error { return r.raw.Scan(dest...) })
}

// Close 报告行数后关闭原始结果集，重复调用无副作用
func (r *ResultSet) Close() error {
	if !r.markClosed() {
		return nil
	}
	r.parentProxy.forget(r)
	r.report()
	return r.record(r.raw.Close())
}

func (r *ResultSet) IsClosed() bool {
	return r.isClosed()
}

// Size 返回已读取的行数，游标位于首行之前时不计数
func (r *ResultSet) Size() int64 {
	if r.nexts == 0 {
		return 0
	}
	return r.nexts - 1
}

func (r *ResultSet) report() {
	cfg := r.cfg
	size := r.Size()
	cfg.Metrics.ResultSetRows(size)

	if cfg.LargeResultThreshold >= 0 && size >= cfg.LargeResultThreshold {
		cfg.Logger.Warn("large result set",
			zap.String("pool", cfg.poolName()),
			zap.Int64("rows", size),
			zap.String("sql", FormatSQL(r.query, r.params)))
	}

	if len(cfg.ResultSetObservers) == 0 {
		return
	}
	rep := ResultSetReport{
		Pool:    cfg.poolName(),
		Query:   r.query,
		Params:  r.params,
		Rows:    size,
		Elapsed: time.Since(r.opened),
	}
	for _, o := range cfg.ResultSetObservers {
		o.OnResultSetRetrieval(rep)
	}
}
