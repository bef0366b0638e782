package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fyerfyer/dbproxy/config"
	"github.com/fyerfyer/dbproxy/datasource"
	"github.com/fyerfyer/dbproxy/internal/logging"
	"github.com/fyerfyer/dbproxy/metrics"
	"github.com/fyerfyer/dbproxy/pool/adapters"
	"github.com/fyerfyer/dbproxy/report"
)

// app 保存所有命令共享的数据源及其依赖
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	ds       *datasource.DataSource
	factory  *adapters.SQLConnectionFactory
	async    *report.Async
}

var (
	// 当前进程的应用实例，交互模式下在命令之间共享
	current *app

	// 交互模式下子命令不关闭数据源
	inShell bool
)

// rootCmd 表示CLI工具的根命令
var rootCmd = &cobra.Command{
	Use:   "dbproxy",
	Short: "Run SQL through a pooled, instrumented connection proxy",
	Long: `dbproxy executes SQL through a connection pool wrapped in statement-caching,
instrumenting proxies. Slow queries, large result sets and broken connections are
reported the same way they would be inside an application.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if current != nil || !needsDataSource(cmd) {
			return nil
		}
		a, err := newApp(viper.GetViper())
		if err != nil {
			return err
		}
		current = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if inShell || current == nil {
			return nil
		}
		err := current.close()
		current = nil
		return err
	},
}

// Execute 运行根命令并处理任何错误
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file path (YAML)")
	flags.String("driver", "", "database/sql driver name (pgx, postgres, mysql)")
	flags.String("dsn", "", "data source name")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Int("cache-size", -1, "statement cache size, 0 disables caching")
	flags.Duration("slow-query", 0, "slow query threshold, negative disables")

	for _, name := range []string{"config", "driver", "dsn", "log-level", "cache-size", "slow-query"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.SetEnvPrefix("DBPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// needsDataSource 报告命令是否需要连接数据库
func needsDataSource(cmd *cobra.Command) bool {
	return cmd.Annotations["datasource"] != "none"
}

// resolveConfig 读取配置文件并叠加命令行与环境变量
func resolveConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if s := v.GetString("driver"); s != "" {
		cfg.Driver = s
	}
	if s := v.GetString("dsn"); s != "" {
		cfg.DSN = s
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Log.Level = s
	}
	if n := v.GetInt("cache-size"); n >= 0 {
		cfg.Proxy.StatementCacheSize = n
	}
	if d := v.GetDuration("slow-query"); d != 0 {
		cfg.Proxy.SlowQueryThreshold = d
	}
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("driver and dsn are required (flags, DBPROXY_DRIVER/DBPROXY_DSN or config file)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(v *viper.Viper) (*app, error) {
	cfg, err := resolveConfig(v)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return nil, err
	}
	factory, err := adapters.NewSQLConnectionFactory(adapters.DefaultSQLConfig(cfg.Driver, cfg.DSN))
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		factory:  factory,
	}
	opts := cfg.DataSourceOptions(logger, metrics.New(a.registry, "dbproxy"))
	opts = append(opts, datasource.WithQueryObserver(report.NewLogObserver(logger)))
	if cfg.Report.RedisAddr != "" {
		sink := report.NewRedisSink(report.NewRedisClient(cfg.Report.RedisAddr), report.RedisSinkOptions{
			Key:          cfg.Report.RedisKey,
			MaxEntries:   cfg.Report.MaxEntries,
			WriteTimeout: time.Second,
			Logger:       logger,
		})
		a.async = report.NewAsync(sink, cfg.Report.AsyncBuffer, logger)
		opts = append(opts,
			datasource.WithQueryObserver(a.async),
			datasource.WithResultSetObserver(a.async))
	}
	a.ds = datasource.New(factory, opts...)
	return a, nil
}

// close 依次关闭数据源、报告协程与驱动
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := a.ds.Close(ctx); err != nil && !errors.Is(err, datasource.ErrTerminated) {
		errs = append(errs, err)
	}
	if a.async != nil {
		if err := a.async.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.factory.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
