package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st", "ls"},
	Short:   "Show the population and the last attempts",
	Long: `List every account of the local file with its expiry, the time left
before it is due and the outcome of its last refresh attempt. Secrets are
never printed.

Example:
  cookie-refresh status
  cookie-refresh status --json`,
	RunE: runStatus,
}

// AccountStatus is one row of the status output.
type AccountStatus struct {
	models.AccountView
	LastOutcome string     `json:"last_outcome,omitempty"`
	LastReason  string     `json:"last_reason,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

var statusNow = time.Now

func init() {
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	a, err := newStorage(cmd.Context(), cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	pop, found, err := a.local.Load()
	if err != nil {
		return fmt.Errorf("failed to read accounts: %w", err)
	}
	if !found {
		fmt.Fprintf(cmd.OutOrStdout(), "No accounts file at %s\n", a.local.Path())
		return nil
	}

	last := a.lastAttempts(cmd.Context())
	now := statusNow()
	rows := make([]AccountStatus, 0, len(pop))
	for _, acc := range pop {
		view := acc.Redacted()
		if remaining, ok := a.policy.Remaining(acc, now); ok {
			view.Remaining = remaining.Truncate(time.Minute).String()
		}
		view.Due = a.policy.IsDue(acc, now, false)

		row := AccountStatus{AccountView: view}
		if at, ok := last[acc.ID]; ok {
			row.LastOutcome = string(at.Outcome)
			row.LastReason = at.Reason
			finished := at.FinishedAt
			row.LastAttempt = &finished
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Due && !rows[j].Due
	})

	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	return outputStatusTable(cmd.OutOrStdout(), rows)
}

func outputStatusTable(w io.Writer, rows []AccountStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tEXPIRES\tREMAINING\tDUE\tLAST\tREASON")

	due := 0
	for _, r := range rows {
		mark := ""
		if r.Due {
			mark = "yes"
			due++
		}
		if !r.Complete {
			mark = "incomplete"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			dash(r.ExpiresAt),
			dash(r.Remaining),
			dash(mark),
			dash(r.LastOutcome),
			dash(r.LastReason),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d accounts, %d due\n", len(rows), due)
	return nil
}
