package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata variables, set by -ldflags at compile time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "faceroll %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Commit:   %s\n", CommitSHA)
		fmt.Fprintf(cmd.OutOrStdout(), "  Built:    %s\n", BuildDate)
		fmt.Fprintf(cmd.OutOrStdout(), "  Platform: %s/%s %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
