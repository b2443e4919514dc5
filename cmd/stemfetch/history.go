package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"stemfetch/internal/store"
	"stemfetch/internal/ui"
)

func newHistoryCmd() *cobra.Command {
	var f store.Filter
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return runHistory(cmd.Context(), st, f, os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&f.Status, "status", "s", "", "Only show jobs with this status")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "Maximum rows to show (0 = all)")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "Rows to skip")
	cmd.Flags().StringVar(&f.Order, "order", "desc", "Sort by creation time: asc|desc")
	return cmd
}

func runHistory(ctx context.Context, st *store.Store, f store.Filter, out io.Writer) error {
	records, err := st.List(ctx, f)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	counts, err := st.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, ui.FDetail("No downloads recorded"))
	} else {
		fmt.Fprintln(out, ui.RenderHistory(records))
	}
	fmt.Fprintln(out, formatCounts(counts))
	return nil
}

// formatCounts renders "completed: 3  failed: 1" in a stable order.
func formatCounts(counts map[string]int64) string {
	statuses := make([]string, 0, len(counts))
	var total int64
	for s, n := range counts {
		statuses = append(statuses, s)
		total += n
	}
	slices.Sort(statuses)
	parts := make([]string, 0, len(statuses)+1)
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s: %d", s, counts[s]))
	}
	parts = append(parts, fmt.Sprintf("total: %d", total))
	return strings.Join(parts, "  ")
}
