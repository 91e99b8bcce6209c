// -- cmd/serve.go --
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pagepilot/internal/app"
	"github.com/xkilldash9x/pagepilot/internal/observability"
	"github.com/xkilldash9x/pagepilot/internal/prompt"
	"github.com/xkilldash9x/pagepilot/internal/server"
)

const httpSender = "http"

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket prompt surface and HTTP control API",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, map[string]string{
				"listen":   "server.listen_addr",
				"url":      "browser.start_url",
				"script":   "decision.script_file",
				"headless": "browser.headless",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(ctx, cfg, app.Options{}, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			hub := prompt.NewHub(a.Bus, cfg.Server, logger)
			srv, err := server.New(cfg.Server, prompt.NewControls(a.Bus, httpSender), a.Coordinator, hub, logger)
			if err != nil {
				return err
			}
			return a.Run(ctx, srv.Run, hub.Run)
		},
	}

	serveCmd.Flags().String("listen", "", "address to listen on (default server.listen_addr)")
	serveCmd.Flags().String("url", "", "URL to open before starting (default browser.start_url)")
	serveCmd.Flags().String("script", "", "replay decisions from a JSON script instead of calling the decision service")
	serveCmd.Flags().Bool("headless", true, "run the browser without a window")
	return serveCmd
}
