package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "Reshape-Engine"
)

var rootCmd = &cobra.Command{
	Use:   "reshape [command] (flags)",
	Short: "columnar list reshaping server and tool",
	Long: `
Reshape serves the list reshaping functions (get_offsets, implode_with_offsets,
implode_with_lengths, implode_like, flatten and cast_arr_to_struct) over TCP,
Arrow Flight and ZeroMQ, and applies expression pipelines to Arrow IPC files.
`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", Name, Version)
	},
}

func main() {
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		newServeCmd(),
		newApplyCmd(),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
