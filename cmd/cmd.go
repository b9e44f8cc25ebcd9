package cmd

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/graphboost/graphboost/api"
	"github.com/graphboost/graphboost/envconfig"
	"github.com/graphboost/graphboost/progress"
	"github.com/graphboost/graphboost/version"
)

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}
	if _, err := client.Version(cmd.Context()); err != nil {
		return fmt.Errorf("could not connect to the graphboost server, run 'graphboost serve' to start it: %w", err)
	}
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func configHandler(cmd *cobra.Command, _ []string) error {
	if example, _ := cmd.Flags().GetBool("example"); example {
		_, err := fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return err
	}

	vars := envconfig.AsMap()
	table := newTable(cmd.OutOrStdout(), "NAME", "VALUE", "DESCRIPTION")
	for _, name := range slices.Sorted(maps.Keys(vars)) {
		v := vars[name]
		table.Append([]string{name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	table.Render()

	if path := envconfig.ConfigPath(); path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nconfig file: %s\n", path)
	}
	return nil
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:     "graphboost",
		Short:   "Compiled graph cache for diffusion model modules",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the admin server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
	serveCmd.Flags().Int("capacity", 0, "Compiled graphs kept per module (default $GRAPHBOOST_CACHE_CAPACITY)")

	psCmd := &cobra.Command{
		Use:     "ps",
		Short:   "List compiled graphs held by the server",
		PreRunE: checkServerHeartbeat,
		RunE:    ListRunningHandler,
	}

	capacityCmd := &cobra.Command{
		Use:     "capacity N",
		Short:   "Change the number of graphs kept per module",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    CapacityHandler,
	}

	graphsCmd := &cobra.Command{
		Use:   "graphs",
		Short: "Manage graph files",
	}

	graphsListCmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List graph files",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    ListGraphsHandler,
	}

	graphsRemoveCmd := &cobra.Command{
		Use:     "rm ROLE CHECKPOINT NAME",
		Short:   "Remove a graph file",
		Args:    cobra.ExactArgs(3),
		PreRunE: checkServerHeartbeat,
		RunE:    DeleteGraphHandler,
	}

	graphsInspectCmd := &cobra.Command{
		Use:   "inspect PATH",
		Short: "Show the header of a graph file",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectGraphHandler,
	}

	graphsCmd.AddCommand(graphsListCmd, graphsRemoveCmd, graphsInspectCmd)

	compileCmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile and run the demo module through an optimizer",
		Args:  cobra.ExactArgs(0),
		RunE:  CompileHandler,
	}
	compileCmd.Flags().String("name", "demo", "Checkpoint or cache name")
	compileCmd.Flags().String("optimizer", "basic", "Optimizer: basic, deepcache, quantization or patch")
	compileCmd.Flags().StringArray("set", nil, "Optimizer option as key=value, repeatable")
	compileCmd.Flags().String("calibrate", "", "Calibrate info file for quantization")
	compileCmd.Flags().String("compiler", "reference", "Compiler backend")
	compileCmd.Flags().Int("capacity", 0, "Compiled graphs kept per module (default $GRAPHBOOST_CACHE_CAPACITY)")
	compileCmd.Flags().Int("hidden", 64, "Hidden width of the demo module")
	compileCmd.Flags().IntSlice("batch", []int{1}, "Batch sizes to run, one signature each")
	compileCmd.Flags().Int("steps", 4, "Denoising steps per batch size")
	compileCmd.Flags().Bool("save", false, "Save the first graph under $GRAPHBOOST_GRAPHS, or load it when present")
	compileCmd.Flags().Bool("progress", progress.IsTerminal(os.Stderr), "Show progress on stderr")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.ExactArgs(0),
		RunE:  configHandler,
	}
	configCmd.Flags().Bool("example", false, "Print an example config file")

	rootCmd.AddCommand(
		serveCmd,
		psCmd,
		capacityCmd,
		graphsCmd,
		compileCmd,
		configCmd,
	)

	return rootCmd
}
