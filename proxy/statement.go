package proxy

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// Statement 是语句的代理
type Statement struct {
	child[*Connection]
	holder *StatementHolder
	query  string

	// params 是通过 SetParam 绑定的参数，只在 IncludeQueryParams 开启时记录
	params []any

	rows children
}

var _ Stmt = (*Statement)(nil)

// Cached 报告底层语句是否由缓存管理
func (s *Statement) Cached() bool {
	return s.holder.Cached()
}

// Raw 返回原始语句
func (s *Statement) Raw() Stmt {
	return s.holder.Raw()
}

func (s *Statement) raw() Stmt {
	return s.holder.raw
}

func (s *Statement) Connection() (Conn, error) {
	conn, err := s.parentAccess()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Statement) SetParam(index int, value any) error {
	return s.do(CallSetParam, func() error {
		if s.cfg.IncludeQueryParams && index > 0 {
			for len(s.params) < index {
				s.params = append(s.params, nil)
			}
			s.params[index-1] = value
		}
		return s.raw().SetParam(index, value)
	})
}

func (s *Statement) ClearParams() error {
	return s.do(CallClearParams, func() error {
		s.params = s.params[:0]
		return s.raw().ClearParams()
	})
}

func (s *Statement) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	return timed(s, CallExec, s.query, args, func() (sql.Result, error) {
		return s.raw().Exec(ctx, args...)
	})
}

func (s *Statement) Query(ctx context.Context, args ...any) (Rows, error) {
	raw, err := timed(s, CallQuery, s.query, args, func() (Rows, error) {
		return s.raw().Query(ctx, args...)
	})
	if err != nil {
		return nil, err
	}
	return s.newResultSet(raw, s.query, args)
}

func (s *Statement) ExecSQL(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return timed(s, CallExecSQL, query, args, func() (sql.Result, error) {
		return s.raw().ExecSQL(ctx, query, args...)
	})
}

func (s *Statement) QuerySQL(ctx context.Context, query string, args ...any) (Rows, error) {
	raw, err := timed(s, CallQuerySQL, query, args, func() (Rows, error) {
		return s.raw().QuerySQL(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return s.newResultSet(raw, query, args)
}

func (s *Statement) newResultSet(raw Rows, query string, args []any) (Rows, error) {
	if raw == nil {
		return nil, s.record(internalError("driver returned nil rows for %q", query))
	}
	rs := &ResultSet{
		child:  newChild[*Statement]("resultSet", s, &s.dispatcher),
		raw:    raw,
		query:  query,
		params: s.reportParams(args),
		opened: time.Now(),
	}
	s.rows.add(rs)
	return rs, nil
}

// Cancel 取消执行并将语句移出缓存，被取消的语句不再复用
func (s *Statement) Cancel() error {
	return s.do(CallCancel, func() error {
		if s.cfg.StatementCache != nil {
			s.cfg.StatementCache.Remove(s.raw())
		}
		return s.raw().Cancel()
	})
}

func (s *Statement) ClearWarnings() error {
	return s.do(CallClearWarnings, s.raw().ClearWarnings)
}

func (s *Statement) Warnings() ([]string, error) {
	return invoke(&s.dispatcher, CallWarnings, s.raw().Warnings)
}

func (s *Statement) SetMaxRows(n int) error {
	return s.do(CallSetMaxRows, func() error { return s.raw().SetMaxRows(n) })
}

// Close 配置了缓存时将语句放回缓存，否则关闭原始语句
func (s *Statement) Close() error {
	if !s.markClosed() {
		return nil
	}
	s.rows.closeAll(s.cfg.Logger)
	s.parentProxy.forget(s)

	if s.cfg.StatementCache != nil {
		s.cfg.StatementCache.Restore(s.holder, s.cfg.ClearWarnings)
		return nil
	}
	return s.record(s.raw().Close())
}

func (s *Statement) IsClosed() bool {
	return s.isClosed()
}

func (s *Statement) forget(rs *ResultSet) {
	s.rows.remove(rs)
}

// reportParams 显式传入的参数优先于 SetParam 绑定的参数
func (s *Statement) reportParams(args []any) []any {
	if !s.cfg.IncludeQueryParams {
		return nil
	}
	if len(args) > 0 {
		return append([]any(nil), args...)
	}
	if len(s.params) > 0 {
		return append([]any(nil), s.params...)
	}
	return nil
}

// timed 对执行类调用计时，记录慢查询并通知观察者
func timed[T any](s *Statement, call Call, query string, args []any, fn func() (T, error)) (T, error) {
	if err := s.check(call); err != nil {
		var zero T
		return zero, err
	}

	start := time.Now()
	v, err := fn()
	elapsed := time.Since(start)

	cfg := s.cfg
	cfg.Metrics.QueryDuration(elapsed.Seconds(), err != nil)
	if err != nil {
		disqualifying := s.errs.Add(err)
		cfg.Metrics.DriverError(disqualifying)
		cfg.Logger.Debug("statement execution failed",
			zap.String("pool", cfg.poolName()),
			zap.Stringer("call", call),
			zap.String("sql", FormatSQL(query, s.reportParams(args))),
			zap.Bool("disqualifying", disqualifying),
			zap.Error(err))
	}

	slow := cfg.SlowQueryThreshold >= 0 && elapsed >= cfg.SlowQueryThreshold
	if slow {
		cfg.Metrics.SlowQuery()
		fields := []zap.Field{
			zap.String("pool", cfg.poolName()),
			zap.Duration("elapsed", elapsed),
			zap.String("sql", FormatSQL(query, s.reportParams(args))),
		}
		if cfg.LogStackTraceForSlowQuery {
			fields = append(fields, zap.StackSkip("stack", 2))
		}
		cfg.Logger.Warn("slow query", fields...)
	}

	if len(cfg.QueryObservers) > 0 {
		r := QueryReport{
			Pool:    cfg.poolName(),
			Query:   query,
			Params:  s.reportParams(args),
			Elapsed: elapsed,
			Slow:    slow,
			Err:     err,
		}
		for _, o := range cfg.QueryObservers {
			o.OnQueryExecution(r)
		}
	}
	return v, err
}
