package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the local file to the remote store and the gateway",
	Long: `Write the local accounts file to the remote store and reload the gateway
without refreshing anything. Use it after a run reported that the remote
store diverged from the local file.

Example:
  cookie-refresh sync`,
	RunE: runSync,
}

// SyncReport is the JSON output of the sync command.
type SyncReport struct {
	Pushed       bool   `json:"pushed"`
	Reloaded     bool   `json:"reloaded"`
	RemoteError  string `json:"remote_error,omitempty"`
	GatewayError string `json:"gateway_error,omitempty"`
}

func init() {
	RootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	a, err := newStorage(cmd.Context(), cfg, logger, appOptions{push: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.remote == nil && a.gateway == nil {
		return fmt.Errorf("nothing to sync: neither a remote store nor a gateway is configured")
	}

	result, err := a.reconciler.Sync(cmd.Context())
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	a.writeTextfile()

	report := SyncReport{Pushed: result.Pushed, Reloaded: result.Reloaded}
	if result.RemoteErr != nil {
		report.RemoteError = result.RemoteErr.Error()
	}
	if result.GatewayErr != nil {
		report.GatewayError = result.GatewayErr.Error()
	}

	out := cmd.OutOrStdout()
	if globalFlags.JSON {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Remote store: %s\n", syncState(a.remote != nil, report.Pushed, report.RemoteError))
		fmt.Fprintf(out, "Gateway:      %s\n", syncState(a.gateway != nil, report.Reloaded, report.GatewayError))
	}

	if report.RemoteError != "" {
		return fmt.Errorf("remote store write failed: %s", report.RemoteError)
	}
	return nil
}

func syncState(configured, ok bool, errMsg string) string {
	switch {
	case !configured:
		return "not configured"
	case ok:
		return "✓ updated"
	case errMsg != "":
		return "✗ " + errMsg
	default:
		return "unchanged"
	}
}
