package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/interactive"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Aliases: []string{"configs"},
		Short:   "Manage build configurations",
		Long: `Manage the project's build configurations.

Configurations live in .devbuild.yaml (and optionally .devbuild.hcl) in the
project directory. New configurations are written to .devbuild.yaml.`,
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigShowCmd(),
		newConfigUseCmd(),
		newConfigAddCmd(),
		newConfigRemoveCmd(),
		newConfigDuplicateCmd(),
		newConfigSetCmd(),
	)
	return cmd
}

// configSummary is one row of `config list --json`.
type configSummary struct {
	Current bool   `json:"current"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Runtime string `json:"runtime"`
	Device  string `json:"device"`
	Source  string `json:"source"`
	Ready   bool   `json:"ready"`
}

func newConfigListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configurations",
		Args:    cobra.NoArgs,
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

			configs := proj.Configs()
			current := configs.Current()

			rows := make([]configSummary, 0, len(configs.List()))
			for _, c := range configs.List() {
				source := "-"
				if p := configs.ProviderOf(c); p != nil {
					source = p.Name()
				}
				rows = append(rows, configSummary{
					Current: c == current,
					ID:      c.ID(),
					Name:    c.DisplayName(),
					Runtime: c.RuntimeID(),
					Device:  c.DeviceID(),
					Source:  source,
					Ready:   c.Ready(),
				})
			}

			if jsonOutput {
				data, err := json.MarshalIndent(rows, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CURRENT\tID\tNAME\tRUNTIME\tDEVICE\tSOURCE\tREADY")
			for _, r := range rows {
				marker := ""
				if r.Current {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
					marker, r.ID, r.Name, r.Runtime, r.Device, r.Source, r.Ready)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a configuration (default: the current one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			c := proj.Configs().Current()
			if len(args) == 1 {
				if c = proj.Configs().Get(args[0]); c == nil {
					return fmt.Errorf("configuration %q not found", args[0])
				}
			}
			printConfiguration(cmd, c)
			return nil
		},
	}
}

func printConfiguration(cmd *cobra.Command, c *configuration.Configuration) {
	s := c.Settings()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "id:\t%s\n", s.ID)
	fmt.Fprintf(w, "name:\t%s\n", s.DisplayName)
	fmt.Fprintf(w, "runtime:\t%s\n", s.RuntimeID)
	fmt.Fprintf(w, "device:\t%s\n", s.DeviceID)
	fmt.Fprintf(w, "app-id:\t%s\n", s.AppID)
	fmt.Fprintf(w, "prefix:\t%s\n", s.Prefix)
	fmt.Fprintf(w, "config-opts:\t%s\n", s.ConfigOpts)
	fmt.Fprintf(w, "parallelism:\t%d\n", s.Parallelism)
	fmt.Fprintf(w, "debug:\t%t\n", s.Debug)
	fmt.Fprintf(w, "locality:\t%s\n", s.Locality)
	fmt.Fprintf(w, "ready:\t%t\n", c.Ready())
	printList(w, "config-commands", s.ConfigCommands)
	printList(w, "build-commands", s.BuildCommands)
	printList(w, "post-install-commands", s.PostInstallCommands)

	if len(s.Env) > 0 {
		fmt.Fprintln(w, "env:\t")
		keys := make([]string, 0, len(s.Env))
		for k := range s.Env {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%s\n", k, s.Env[k])
		}
	}

	if keys := c.InternalKeys(); len(keys) > 0 {
		fmt.Fprintln(w, "internal:\t")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%s\n", k, formatInternal(c, k))
		}
	}
	w.Flush()
}

func printList(w *tabwriter.Writer, name string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\t\n", name)
	for _, v := range values {
		fmt.Fprintf(w, "  - %s\t\n", v)
	}
}

func formatInternal(c *configuration.Configuration, key string) string {
	v := c.InternalValue(key)
	if !v.IsKnown() || v.IsNull() {
		return "null"
	}
	ty := v.Type()
	switch {
	case ty == cty.Bool:
		return fmt.Sprintf("%t", v.True())
	case ty == cty.Number:
		return v.AsBigFloat().Text('f', -1)
	case ty == cty.String:
		return v.AsString()
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		return "[" + strings.Join(c.InternalStrings(key), ", ") + "]"
	default:
		return ty.FriendlyName()
	}
}

func newConfigUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use [id]",
		Short: "Select the current configuration",
		Long: `Select the configuration that build commands use.

Without an id an interactive selector is shown when running in a terminal.
The selection is remembered for the project.`,
		Args: cobra.MaximumNArgs(1),
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
			c, err := interactive.NewSelector().ChooseConfiguration(proj.Configs(), id)
			if err != nil {
				return err
			}
			if err := proj.SelectConfiguration(cmd.Context(), c); err != nil {
				return err
			}
			if !c.Ready() {
				out.Warn("Runtime %q is not available yet; run 'devbuild runtime ensure %s'", c.RuntimeID(), c.RuntimeID())
			}
			out.Success("Using configuration %s (%s)", c.ID(), c.DisplayName())
			return nil
		},
	}
}

func newConfigAddCmd() *cobra.Command {
	var (
		name    string
		runtime string
		use     bool
	)

	cmd := &cobra.Command{
		Use:   "add [id]",
		Short: "Add a configuration",
		Long: `Add a configuration with default settings to .devbuild.yaml.

Examples:
  devbuild config add release --name "Release" --runtime go@1.24
  devbuild config set release build-commands "go build -trimpath ./..."`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			configs := proj.Configs()
			taken := make([]string, 0, configs.Len())
			for _, c := range configs.List() {
				taken = append(taken, c.ID())
			}

			var id string
			if len(args) == 1 {
				id = args[0]
			} else {
				if !interactive.IsInteractive() {
					return fmt.Errorf("a configuration id is required: %w", interactive.ErrNotInteractive)
				}
				if id, err = interactive.PromptConfigID("", taken); err != nil {
					return err
				}
			}
			if slices.Contains(taken, id) {
				return fmt.Errorf("configuration %q already exists", id)
			}

			c := configuration.New(id)
			c.BlockChanged()
			if name != "" {
				c.SetDisplayName(name)
			}
			if runtime != "" {
				c.SetRuntimeID(runtime)
			}
			if appCfg.Build.Parallelism > 0 {
				c.SetParallelism(appCfg.Build.Parallelism)
			}
			c.UnblockChanged()

			configs.Add(c)
			if err := configs.SaveAll(cmd.Context()); err != nil {
				return err
			}
			if use {
				if err := proj.SelectConfiguration(cmd.Context(), c); err != nil {
					return err
				}
			}
			out.Success("Added configuration %s", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&runtime, "runtime", "", "Runtime id (default: host)")
	cmd.Flags().BoolVar(&use, "use", false, "Select the new configuration")
	return cmd
}

func newConfigRemoveCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a configuration",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			c := proj.Configs().Get(args[0])
			if c == nil {
				return fmt.Errorf("configuration %q not found", args[0])
			}

			if !yes && interactive.IsInteractive() {
				ok, err := interactive.Confirm(fmt.Sprintf("Remove configuration %s", c.ID()))
				if err != nil {
					return err
				}
				if !ok {
					out.Info("Aborted")
					return nil
				}
			}

			if err := proj.Configs().Delete(cmd.Context(), c); err != nil {
				return err
			}
			out.Success("Removed configuration %s", c.ID())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newConfigDuplicateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "duplicate <id>",
		Aliases: []string{"dup"},
		Short:   "Copy a configuration under a new id",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			c := proj.Configs().Get(args[0])
			if c == nil {
				return fmt.Errorf("configuration %q not found", args[0])
			}
			dup, err := proj.Configs().Duplicate(cmd.Context(), c)
			if err != nil {
				return err
			}
			out.Success("Created configuration %s (%s)", dup.ID(), dup.DisplayName())
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <key> <value>",
		Short: "Change a configuration setting",
		Long: fmt.Sprintf(`Change a configuration setting.

Keys: %s, env.NAME, internal.NAME

Command lists are separated by ";". An empty env or internal value removes
the entry.

Examples:
  devbuild config set dev parallelism 4
  devbuild config set dev build-commands "go generate ./...;go build ./..."
  devbuild config set dev env.CGO_ENABLED 0
  devbuild config set dev internal.export.enabled true`, strings.Join(configuration.SettableKeys, ", ")),
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd, false)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			c := proj.Configs().Get(args[0])
			if c == nil {
				return fmt.Errorf("configuration %q not found", args[0])
			}
			if err := c.Set(args[1], args[2]); err != nil {
				return err
			}
			if err := proj.Configs().SaveAll(cmd.Context()); err != nil {
				return err
			}
			out.Success("Set %s on %s", args[1], c.ID())
			return nil
		},
	}
}
