package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyerfyer/dbproxy/healthcheck"
)

// healthCmd 表示health命令，探测数据库或查询远端健康服务
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the database or a running health endpoint",
	Long: `Without flags, take a connection, validate it and print the result.
With --listen, keep probing and serve the result over the gRPC health protocol.
With --addr, query a running dbproxy health endpoint instead of the database.`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			return nil
		}
		return rootCmd.PersistentPreRunE(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out := cmd.OutOrStdout()
		addr, _ := cmd.Flags().GetString("addr")
		listen, _ := cmd.Flags().GetString("listen")

		if addr != "" {
			service := "dbproxy"
			if current != nil {
				service = current.cfg.Health.Service
			}
			st, err := healthcheck.CheckRemote(ctx, addr, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, st)
			return nil
		}

		cfg := current.cfg.Health
		r := healthcheck.NewReporter(current.ds, healthcheck.Options{
			Service:  cfg.Service,
			Interval: cfg.Interval,
			Logger:   current.logger,
		})
		if listen == "" {
			listen = cfg.Listen
		}
		if listen == "" {
			if err := r.Check(ctx); err != nil {
				fmt.Fprintf(out, "NOT_SERVING: %v\n", err)
				return err
			}
			fmt.Fprintln(out, "SERVING")
			return nil
		}

		lis, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listen, err)
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		go r.Run(ctx)
		fmt.Fprintf(out, "serving health for %q on %s\n", cfg.Service, lis.Addr())
		return r.Serve(ctx, lis)
	},
}

func init() {
	healthCmd.Flags().String("addr", "", "address of a running health endpoint to query")
	healthCmd.Flags().String("listen", "", "address to serve the gRPC health endpoint on")
	rootCmd.AddCommand(healthCmd)
}
