// Mementod is the memento memory daemon: a multi-tenant HTTP service giving
// autonomous agents persistent memories, working memory, a skip list, and an
// identity crystal per workspace.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag value shared by subcommands.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mementod",
	Short: "Memory daemon for autonomous agents",
	Long: `mementod serves per-workspace agent memory over HTTP: ranked recall,
working-memory sections, a time-expiring skip list, consolidation, and
identity crystals, with envelope encryption at rest.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("mementod\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n",
			version, gitCommit, buildDate)
	},
}
