package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"stemfetch/internal/store"
	"stemfetch/internal/ui"
)

func newCleanCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove partial files left behind by failed downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return runClean(cmd.Context(), st, dryRun, os.Stdout)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the files without removing them")
	return cmd
}

// runClean removes the partial file of every failed, uncleaned job and marks
// it cleaned. A file that is already gone still counts as cleaned.
func runClean(ctx context.Context, st *store.Store, dryRun bool, out io.Writer) error {
	records, err := st.FailedUncleaned(ctx)
	if err != nil {
		return fmt.Errorf("list failed downloads: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, ui.FDetail("Nothing to clean"))
		return nil
	}

	var errs []error
	removed := 0
	for _, r := range records {
		if dryRun {
			fmt.Fprintf(out, "%s %s\n", ui.StyleSymbols["arrow"], r.DestinationPath)
			continue
		}
		if err := os.Remove(r.DestinationPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", r.DestinationPath, err))
			continue
		}
		if err := st.MarkCleaned(ctx, r.Token); err != nil {
			errs = append(errs, fmt.Errorf("mark %s cleaned: %w", ui.ShortID(r.Token), err))
			continue
		}
		removed++
		fmt.Fprintf(out, "%s %s\n", ui.FSuccess(ui.StyleSymbols["pass"]), r.DestinationPath)
	}
	if !dryRun {
		fmt.Fprintln(out, ui.FSuccess(fmt.Sprintf("Removed %d of %d partial files", removed, len(records))))
	}
	return errors.Join(errs...)
}
