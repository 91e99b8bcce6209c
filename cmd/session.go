// -- cmd/session.go --
package cmd

import (
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pagepilot/internal/app"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

func newSessionCmd() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or clear the persisted session",
	}
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current session, if any",
		Args:  cobra.NoArgs,
		RunE:  runSessionShow,
	})
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the current session",
		Args:  cobra.NoArgs,
		RunE:  runSessionClear,
	})
	return sessionCmd
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sessions, kv, err := app.OpenSessions(ctx, cfg, nil, observability.GetLogger())
	if err != nil {
		return err
	}
	defer kv.Close()

	s, ok, err := sessions.Current(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "No active session.")
		return nil
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sessions, kv, err := app.OpenSessions(ctx, cfg, nil, observability.GetLogger())
	if err != nil {
		return err
	}
	defer kv.Close()

	if err := sessions.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Session cleared.")
	return nil
}
