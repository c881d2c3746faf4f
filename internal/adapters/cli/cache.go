package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the document cache",
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Remove entries unused for the configured number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := a.svc.Cache.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep cache: %w", err)
			}
			cmd.Printf("removed %d expired entries\n", removed)
			return nil
		},
	}

	var tableJSON bool
	table := &cobra.Command{
		Use:   "table",
		Short: "Print the cache as a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := a.svc.Cache.Table(cmd.Context())
			if err != nil {
				return fmt.Errorf("load cache table: %w", err)
			}
			if tableJSON {
				data, err := json.MarshalIndent(t, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal table: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}
			if len(t.Rows) == 0 {
				cmd.Println("Cache is empty.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			writeTabRow(tw, t.Header)
			for _, row := range t.Rows {
				writeTabRow(tw, summarizeRow(t.Header, row))
			}
			return tw.Flush()
		},
	}
	table.Flags().BoolVar(&tableJSON, "json", false, "output the full table as JSON")

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the cache table to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			if err := a.svc.Cache.ExportXLSX(cmd.Context(), f); err != nil {
				f.Close()
				return fmt.Errorf("export cache: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", out, err)
			}
			cmd.Printf("wrote %s\n", out)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "cache.xlsx", "output file")

	vote := &cobra.Command{
		Use:   "vote [id] [up|down]",
		Short: "Record feedback on one cached document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.svc.Cache.SubmitVote(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("submit vote: %w", err)
			}
			cmd.Printf("vote %s recorded for %s\n", args[1], args[0])
			return nil
		},
	}

	cmd.AddCommand(sweep, table, export, vote)
	return cmd
}

// summarizeRow truncates the rendered document column for terminal output.
func summarizeRow(header, row []string) []string {
	out := make([]string, len(row))
	copy(out, row)
	for i, h := range header {
		if h == "data" && i < len(out) {
			out[i] = truncate(out[i], 40)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func writeTabRow(tw *tabwriter.Writer, cols []string) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, c)
	}
	fmt.Fprintln(tw)
}
