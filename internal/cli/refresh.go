package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
	"github.com/spf13/cobra"
)

// refreshCmd represents the refresh command
var refreshCmd = &cobra.Command{
	Use:     "refresh",
	Aliases: []string{"r", "run"},
	Short:   "Refresh every account close to expiry",
	Long: `Refresh the session cookies of every account whose credentials expire
within the configured threshold.

Accounts are processed one at a time with a randomised pause between
attempts. A failed account keeps its previous record. The population is
written to the local file once at the end of the run; with --push it is also
written to the remote store and the gateway is reloaded.

Example:
  cookie-refresh refresh --push
  cookie-refresh refresh --force --json`,
	RunE: runRefresh,
}

var refreshFlags struct {
	Force bool
	Push  bool
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshFlags.Force, "force", false, "Refresh every account regardless of expiry")
	refreshCmd.Flags().BoolVar(&refreshFlags.Push, "push", false, "Write the result to the remote store and reload the gateway")

	RootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{push: refreshFlags.Push})
	if err != nil {
		return err
	}
	defer a.Close()

	summary, runErr := a.runner.RunAll(ctx, refreshFlags.Force)
	a.writeTextfile()
	if runErr != nil {
		return fmt.Errorf("refresh run failed: %w", runErr)
	}
	return outputSummary(cmd.OutOrStdout(), summary)
}

func outputSummary(w io.Writer, s *models.Summary) error {
	if globalFlags.JSON {
		return writeJSON(w, s)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if len(s.Attempts) > 0 {
		fmt.Fprintln(tw, "ACCOUNT\tOUTCOME\tSTAGE\tTRIES\tREASON\tEXPIRES")
		for _, a := range s.Attempts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				a.AccountID,
				a.Outcome,
				a.Stage,
				a.AttemptCount,
				dash(a.Reason),
				dash(a.Record.ExpiresAt),
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Run %s: %d accounts, %d due, %d refreshed, %d skipped, %d failed (%s)\n",
		s.RunID, s.Total, s.Due, s.Succeeded, s.Skipped, s.Failed,
		s.FinishedAt.Sub(s.StartedAt).Truncate(time.Second))
	if s.Divergent {
		fmt.Fprintln(w, "! Remote store was not updated; run sync once it is reachable.")
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
