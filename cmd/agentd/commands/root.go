// Package commands provides the agentd CLI: serve starts the websocket
// server, inspect reads a session's persisted state without it.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sandboxhaven/agentd/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

var (
	printLogs bool
	logLevel  string
	logFile   bool
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "agentd - autonomous coding agent server",
	Long: `agentd hosts a reasoning loop that plans, calls tools against a
sandboxed filesystem, and talks to an external model host over a
websocket bridge.

Run 'agentd serve' to start the server, or 'agentd inspect' to read a
session's persisted state directly.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to a timestamped file in /tmp")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
