// -- cmd/run.go --
package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/pagepilot/internal/app"
	"github.com/xkilldash9x/pagepilot/internal/observability"
	"github.com/xkilldash9x/pagepilot/internal/prompt"
)

// newRunCmd runs one objective, or an interactive terminal prompt when no
// objective is given.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [objective...]",
		Short: "Open a page and work toward an objective from the terminal",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, map[string]string{
				"url":       "browser.start_url",
				"script":    "decision.script_file",
				"headless":  "browser.headless",
				"max-steps": "engine.max_steps",
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

			term := prompt.NewTerminal(a.Bus, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			objective := strings.TrimSpace(strings.Join(args, " "))
			if objective == "" {
				return a.Run(ctx, term.Run)
			}
			return a.Run(ctx, func(ctx context.Context) error {
				return term.RunObjective(ctx, objective)
			})
		},
	}

	runCmd.Flags().String("url", "", "URL to open before starting (default browser.start_url)")
	runCmd.Flags().String("script", "", "replay decisions from a JSON script instead of calling the decision service")
	runCmd.Flags().Bool("headless", true, "run the browser without a window")
	runCmd.Flags().Int("max-steps", 50, "maximum decision rounds per run")
	return runCmd
}

// bindFlags binds each flag to its viper key. Only flags the user set
// override config, so defaults in the config file still apply.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}
