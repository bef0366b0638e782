package adapters

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fyerfyer/dbproxy/proxy"
)

// dialect 描述不同数据库在元数据查询上的差异
type dialect struct {
	name         string
	versionQuery string
	tablesQuery  string
}

var (
	postgresDialect = dialect{
		name:         "postgres",
		versionQuery: "SHOW server_version",
		tablesQuery: "SELECT table_name FROM information_schema.tables " +
			"WHERE table_schema NOT IN ('pg_catalog', 'information_schema') AND table_name LIKE $1 ORDER BY table_name",
	}
	mysqlDialect = dialect{
		name:         "mysql",
		versionQuery: "SELECT VERSION()",
		tablesQuery: "SELECT table_name FROM information_schema.tables " +
			"WHERE table_schema = DATABASE() AND table_name LIKE ? ORDER BY table_name",
	}
	genericDialect = dialect{
		name:         "generic",
		versionQuery: "",
		tablesQuery:  "SELECT table_name FROM information_schema.tables WHERE table_name LIKE ? ORDER BY table_name",
	}
)

func dialectOf(driverName string) dialect {
	switch driverName {
	case "pgx", "pgx/v5", "postgres", "postgresql":
		return postgresDialect
	case "mysql":
		return mysqlDialect
	}
	return genericDialect
}

var kvPassword = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)

// redactDSN 隐藏连接字符串中的密码
func redactDSN(d dialect, dsn string) string {
	switch {
	case d.name == "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return ""
		}
		if cfg.Passwd != "" {
			cfg.Passwd = "xxxxx"
		}
		return cfg.FormatDSN()
	case strings.Contains(dsn, "://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		return u.Redacted()
	}
	return kvPassword.ReplaceAllString(dsn, "${1}xxxxx")
}

// dsnUser 从连接字符串中解析用户名
func dsnUser(d dialect, dsn string) (string, error) {
	switch d.name {
	case "postgres":
		cfg, err := pgconn.ParseConfig(dsn)
		if err != nil {
			return "", fmt.Errorf("failed to parse postgres dsn: %w", err)
		}
		return cfg.User, nil
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("failed to parse mysql dsn: %w", err)
		}
		return cfg.User, nil
	}
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.User.Username(), nil
	}
	return "", nil
}

// sqlMetaData 实现 proxy.MetaData
type sqlMetaData struct {
	conn *SQLConnection
}

func (m *sqlMetaData) Connection() (proxy.Conn, error) {
	return m.conn, nil
}

func (m *sqlMetaData) ProductName() (string, error) {
	return m.conn.factory.dialect.name, nil
}

func (m *sqlMetaData) ProductVersion() (string, error) {
	q := m.conn.factory.dialect.versionQuery
	if q == "" {
		return "", nil
	}
	ex, _, err := m.conn.current()
	if err != nil {
		return "", err
	}
	rows, err := ex.QueryContext(context.Background(), q)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var version string
	if rows.Next() {
		if err := rows.Scan(&version); err != nil {
			return "", err
		}
	}
	return version, rows.Err()
}

func (m *sqlMetaData) DriverName() (string, error) {
	return fmt.Sprintf("%T", m.conn.factory.db.Driver()), nil
}

func (m *sqlMetaData) URL() (string, error) {
	f := m.conn.factory
	return redactDSN(f.dialect, f.config.DataSourceName), nil
}

func (m *sqlMetaData) UserName() (string, error) {
	f := m.conn.factory
	return dsnUser(f.dialect, f.config.DataSourceName)
}

// Tables 使用 LIKE 模式列出表名，空模式匹配全部
func (m *sqlMetaData) Tables(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "%"
	}
	ex, _, err := m.conn.current()
	if err != nil {
		return nil, err
	}
	rows, err := ex.QueryContext(ctx, m.conn.factory.dialect.tablesQuery, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}
