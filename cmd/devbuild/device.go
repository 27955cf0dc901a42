package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/altuslabsxyz/devbuild/internal/interactive"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "device",
		Aliases: []string{"devices"},
		Short:   "List and select target devices",
	}
	cmd.AddCommand(newDeviceListCmd(), newDeviceUseCmd())
	return cmd
}

func newDeviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List devices",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CURRENT\tID\tNAME\tKIND\tSYSTEM")
			for _, item := range interactive.DeviceItems(proj.Devices()) {
				marker := ""
				if item.Current {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", marker, item.ID, item.DisplayName, item.Kind, item.System)
			}
			return w.Flush()
		},
	}
}

func newDeviceUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use [id]",
		Short: "Select the target device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			var id string
			if len(args) == 1 {
				id = args[0]
			}
			id, err = interactive.NewSelector().ChooseDevice(proj.Devices(), id)
			if err != nil {
				return err
			}
			if err := proj.SelectDevice(cmd.Context(), id); err != nil {
				return err
			}
			out.Success("Using device %s", id)
			return nil
		},
	}
}
