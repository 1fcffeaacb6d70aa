package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskhook/internal/task"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  `Print the version information for taskctl.`,
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		if outputJSON {
			printOutput(w, map[string]any{
				"version":      Version,
				"gitCommit":    GitCommit,
				"buildTime":    BuildTime,
				"codecVersion": task.CodecVersion,
				"goVersion":    runtime.Version(),
				"goos":         runtime.GOOS,
				"goarch":       runtime.GOARCH,
			})
			return
		}
		fmt.Fprintf(w, "taskctl version %s\n", Version)
		fmt.Fprintf(w, "Git commit: %s\n", GitCommit)
		fmt.Fprintf(w, "Built: %s\n", BuildTime)
		fmt.Fprintf(w, "Payload codec: v%d\n", task.CodecVersion)
		fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
		fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
