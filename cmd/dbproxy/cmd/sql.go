package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyerfyer/dbproxy/datasource"
	"github.com/fyerfyer/dbproxy/proxy"
)

// queryCmd 表示query命令，用于执行查询并以表格输出结果
var queryCmd = &cobra.Command{
	Use:   "query <sql> [args...]",
	Short: "Run a query and print the result set",
	Long: `Run a query through a prepared, cached statement and print the result set.
Additional arguments are bound to the statement's placeholders in order.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), current.ds, cmd.OutOrStdout(), args[0], args[1:])
	},
}

// execCmd 表示exec命令，用于执行更新语句
var execCmd = &cobra.Command{
	Use:   "exec <sql> [args...]",
	Short: "Execute a statement and print the number of affected rows",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExec(cmd.Context(), current.ds, cmd.OutOrStdout(), args[0], args[1:])
	},
}

// tablesCmd 表示tables命令，用于列出表名
var tablesCmd = &cobra.Command{
	Use:   "tables [pattern]",
	Short: "List tables matching a LIKE pattern",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := "%"
		if len(args) == 1 {
			pattern = args[0]
		}
		return runTables(cmd.Context(), current.ds, cmd.OutOrStdout(), pattern)
	},
}

func init() {
	rootCmd.AddCommand(queryCmd, execCmd, tablesCmd)
}

func toArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

// withConn 借出一个连接执行 fn，结束后归还
func withConn(ctx context.Context, ds *datasource.DataSource, fn func(c *proxy.Connection) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := ds.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer c.Close()
	return fn(c)
}

func runQuery(ctx context.Context, ds *datasource.DataSource, w io.Writer, query string, args []string) error {
	return withConn(ctx, ds, func(c *proxy.Connection) error {
		stmt, err := c.PrepareStatement(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		rows, err := stmt.Query(ctx, toArgs(args)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return printRows(w, rows)
	})
}

func runExec(ctx context.Context, ds *datasource.DataSource, w io.Writer, query string, args []string) error {
	return withConn(ctx, ds, func(c *proxy.Connection) error {
		stmt, err := c.PrepareStatement(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		res, err := stmt.Exec(ctx, toArgs(args)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			fmt.Fprintln(w, "OK")
			return nil
		}
		fmt.Fprintf(w, "%d rows affected\n", n)
		return nil
	})
}

func runTables(ctx context.Context, ds *datasource.DataSource, w io.Writer, pattern string) error {
	return withConn(ctx, ds, func(c *proxy.Connection) error {
		md, err := c.MetaData()
		if err != nil {
			return err
		}
		tables, err := md.Tables(ctx, pattern)
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Fprintln(w, t)
		}
		return nil
	})
}

// printRows 以制表符对齐的表格输出结果集
func printRows(w io.Writer, rows proxy.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, c)
	}
	fmt.Fprintln(tw)

	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	count := 0
	for {
		ok, err := rows.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		for i, v := range values {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, formatValue(v))
		}
		fmt.Fprintln(tw)
		count++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "(%d rows)\n", count)
	return nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}
