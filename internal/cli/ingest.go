package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var ingestFormat string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Load extracted statement records from CSV, JSON or XLSX feeds",
	Long: `Load extracted statement records. The format is taken from --format or
from each file's extension. A feed that was already ingested is skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			format := ingestFormat
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
			}
			res, err := a.ingestion.Ingest(cmd.Context(), data, format, filepath.Base(path))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if res.AlreadyIngested {
				fmt.Fprintf(out, "%s: already ingested as batch %s\n", path, res.BatchID)
				continue
			}
			fmt.Fprintf(out, "%s: %d records ingested, %d duplicates skipped (batch %s)\n",
				path, res.RecordsIngested, res.DuplicatesSkipped, res.BatchID)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFormat, "format", "f", "", "feed format: csv, json or xlsx")
}
