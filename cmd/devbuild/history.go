package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/altuslabsxyz/devbuild/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit      int
		configID   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent builds",
		Long: `Show recent builds of the project, newest first.

Examples:
  devbuild history
  devbuild history --limit 5 --config release
  devbuild history --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				out.SetJSONMode(true)
				defer out.SetJSONMode(false)
			}

			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			store := proj.History()
			if store == nil {
				return errors.New("build history is unavailable")
			}

			records, err := store.List(cmd.Context(), history.ListOptions{ConfigID: configID})
			if err != nil {
				return err
			}
			records = filterProject(records, proj.Name(), limit)

			if jsonOutput {
				data, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			if len(records) == 0 {
				out.Info("No builds recorded yet")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tCONFIG\tDEVICE\tOPERATION\tPHASE\tRESULT\tDURATION\tERRORS\tWARNINGS")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
					r.StartedAt.Local().Format(time.DateTime),
					r.ConfigID,
					r.DeviceID,
					r.Operation,
					r.Phase,
					r.Result,
					r.Duration.Round(time.Millisecond),
					r.Errors,
					r.Warnings)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of builds to show (0 = all)")
	cmd.Flags().StringVar(&configID, "config", "", "Only show builds of this configuration")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

// filterProject keeps the records of project, at most limit of them when
// limit is positive. The history database is shared by every project.
func filterProject(records []*history.BuildRecord, project string, limit int) []*history.BuildRecord {
	kept := make([]*history.BuildRecord, 0, len(records))
	for _, r := range records {
		if r.Project != "" && r.Project != project {
			continue
		}
		kept = append(kept, r)
		if limit > 0 && len(kept) == limit {
			break
		}
	}
	return kept
}
