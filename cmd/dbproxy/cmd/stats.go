package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/fyerfyer/dbproxy/datasource"
)

// statsCmd 表示stats命令，用于显示连接池、语句缓存与指标
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display pool, statement cache and proxy statistics",
	Long: `Display statistics of the data source. In the interactive shell the numbers
accumulate across commands, which shows statement cache reuse and connection churn.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStats(cmd.OutOrStdout(), current.ds, current.registry)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func printStats(w io.Writer, ds *datasource.DataSource, reg prometheus.Gatherer) error {
	s := ds.Stats()
	fmt.Fprintf(w, "Pool %s\n\n", ds.PoolName())
	fmt.Fprintf(w, "  active:            %d\n", s.Pool.Active)
	fmt.Fprintf(w, "  idle:              %d\n", s.Pool.Idle)
	fmt.Fprintf(w, "  acquired:          %d\n", s.Pool.Acquired)
	fmt.Fprintf(w, "  released:          %d\n", s.Pool.Released)
	fmt.Fprintf(w, "  destroyed:         %d\n", s.Pool.Destroyed)
	fmt.Fprintf(w, "  timeouts:          %d\n", s.Pool.Timeouts)
	fmt.Fprintf(w, "  errors:            %d\n", s.Pool.Errors)
	fmt.Fprintf(w, "  cached statements: %d\n", s.CachedStatements)

	if reg == nil {
		return nil
	}
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	if len(families) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nMetrics")
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			lines = append(lines, fmt.Sprintf("  %s%s %s", mf.GetName(), formatLabels(m.GetLabel()), formatMetric(m)))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	return nil
}

func formatLabels(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatMetric(m *dto.Metric) string {
	switch {
	case m.Counter != nil:
		return fmt.Sprintf("%g", m.GetCounter().GetValue())
	case m.Gauge != nil:
		return fmt.Sprintf("%g", m.GetGauge().GetValue())
	case m.Histogram != nil:
		h := m.GetHistogram()
		return fmt.Sprintf("count=%d sum=%g", h.GetSampleCount(), h.GetSampleSum())
	}
	return "-"
}
