// Sanduku — sandbox session manager for isolated command execution.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — isolated sandbox sessions for running untrusted commands.",
	Long: `Sanduku manages isolated sandbox sessions: each session owns a
resource-bounded execution context where commands run and files live,
with automatic reclamation of abandoned sessions. It exposes an HTTP API
and an MCP server for AI agent tool-calling.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
