package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"uibridge/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveConfigPath specifies a custom configuration directory. When empty
// the default ~/.config/uibridge is used.
var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge server",
	Long: `Starts the bridge: the frontend websocket endpoint, the MCP consumer
endpoint, and the query lifecycle endpoints, all on one HTTP listener.

The server runs until interrupted (Ctrl+C / SIGTERM), then drains
in-flight requests and closes frontend channels cleanly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := app.NewApplication(app.Config{
			Debug:      serveDebug,
			ConfigPath: serveConfigPath,
		}, rootCmd.Version)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return application.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Configuration directory (default ~/.config/uibridge)")
	rootCmd.AddCommand(serveCmd)
}
