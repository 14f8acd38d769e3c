package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the uibridge application.
var rootCmd = &cobra.Command{
	Use:   "uibridge",
	Short: "Bridge browser frontends to MCP consumers",
	Long: `uibridge multiplexes browser frontend sessions behind a single MCP
endpoint. Frontends connect over a websocket and register tools,
resources and prompts; MCP consumers (assistants, agents) list and call
them over JSON-RPC, and agent queries stream their lifecycle back to the
originating frontend.`,
	SilenceUsage: true,
}

// SetVersion injects the build version into the root command. Called
// from main before Execute.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "uibridge version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
