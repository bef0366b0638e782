package report

import (
	"go.uber.org/zap"

	"github.com/fyerfyer/dbproxy/proxy"
)

// LogObserver 把报告写入日志，失败与慢查询使用 Warn，其余使用 Debug
type LogObserver struct {
	logger *zap.Logger
}

var _ Observer = (*LogObserver)(nil)

// NewLogObserver 创建日志观察者
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger.With(zap.String("component", "report"))}
}

func (o *LogObserver) OnQueryExecution(r proxy.QueryReport) {
	fields := []zap.Field{
		zap.String("pool", r.Pool),
		zap.String("sql", proxy.FormatSQL(r.Query, r.Params)),
		zap.Duration("elapsed", r.Elapsed),
	}
	switch {
	case r.Err != nil:
		o.logger.Warn("query failed", append(fields, zap.Error(r.Err))...)
	case r.Slow:
		o.logger.Warn("slow query", fields...)
	default:
		o.logger.Debug("query executed", fields...)
	}
}

func (o *LogObserver) OnResultSetRetrieval(r proxy.ResultSetReport) {
	o.logger.Debug("result set closed",
		zap.String("pool", r.Pool),
		zap.String("sql", proxy.FormatSQL(r.Query, r.Params)),
		zap.Int64("rows", r.Rows),
		zap.Duration("elapsed", r.Elapsed))
}
