package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/altuslabsxyz/devbuild/internal/output"
)

func newRuntimeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runtime",
		Aliases: []string{"runtimes"},
		Short:   "Inspect and install runtimes",
	}
	cmd.AddCommand(newRuntimeListCmd(), newRuntimeEnsureCmd())
	return cmd
}

func newRuntimeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List available runtimes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tVERSION")
			for _, rt := range proj.Runtimes().List() {
				version := rt.Version
				if version == "" {
					version = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rt.ID(), rt.DisplayName, rt.Category, version)
			}
			return w.Flush()
		},
	}
}

func newRuntimeEnsureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure [id]",
		Short: "Make a runtime available, installing it if needed",
		Long: `Make a runtime available. Without an id the runtime of the current
configuration is used.

Examples:
  devbuild runtime ensure
  devbuild runtime ensure go@1.24`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			id := proj.Configs().Current().RuntimeID()
			if len(args) == 1 {
				id = args[0]
			}

			spinner := output.NewStatusSpinnerTo(out.ErrWriter(), output.DefaultSpinnerInterval)
			spinner.Start(fmt.Sprintf("Ensuring runtime %s", id))
			rt, err := proj.Runtimes().EnsureAvailable(cmd.Context(), id)
			spinner.Stop()
			if err != nil {
				return err
			}

			out.Success("Runtime %s is available (%s)", rt.ID(), rt.DisplayName)
			return nil
		},
	}
}
