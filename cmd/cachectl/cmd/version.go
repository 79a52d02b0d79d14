package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version, BuildDate, and GitCommit are set at build time via -ldflags.
	Version   string
	BuildDate string
	GitCommit string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cachectl version",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := Version
		if v == "" {
			v = "dev"
		}
		fmt.Printf("cachectl %s (commit %s, built %s)\n", v, GitCommit, BuildDate)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
