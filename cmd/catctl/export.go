package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/pai-cat/internal/app"
	"github.com/p-n-ai/pai-cat/internal/attempt"
	"github.com/p-n-ai/pai-cat/internal/platform/config"
	"github.com/p-n-ai/pai-cat/internal/report"
)

func newExportCmd() *cobra.Command {
	var (
		out    string
		filter attempt.ListFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export attempts and their responses to an XLSX workbook",
		Long: "Export attempts from the configured store (LEARN_DATABASE_*) to an XLSX workbook.\n" +
			"The --driver, --sqlite and --database-url flags override the environment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if v, _ := flags.GetString("driver"); v != "" {
				cfg.Database.Driver = v
			}
			if v, _ := flags.GetString("sqlite"); v != "" {
				cfg.Database.SQLitePath = v
			}
			if v, _ := flags.GetString("database-url"); v != "" {
				cfg.Database.URL = v
			}
			filter.Status = attempt.Status(status)

			storage, err := app.OpenStorage(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer storage.Close()

			attempts, err := storage.Store.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("listing attempts: %w", err)
			}

			if out == "-" {
				return report.WriteXLSX(cmd.OutOrStdout(), attempts)
			}
			if err := writeFile(out, attempts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d attempts to %s\n", len(attempts), out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "attempts.xlsx", "Output file, or - for stdout")
	f.String("driver", "", "Store driver: postgres, sqlite or memory")
	f.String("sqlite", "", "SQLite database path")
	f.String("database-url", "", "PostgreSQL connection URL")
	f.StringVar(&filter.SubjectID, "subject", "", "Only attempts by this subject")
	f.StringVar(&filter.ItemPoolID, "pool", "", "Only attempts on this pool")
	f.StringVar(&status, "status", "", "Only attempts in this status")
	f.IntVar(&filter.Limit, "limit", 0, "Maximum attempts to export")
	return cmd
}

func writeFile(path string, attempts []*attempt.Attempt) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteXLSX(f, attempts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
