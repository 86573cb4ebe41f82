package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"c", "health", "doctor"},
	Short:   "Check connectivity to every collaborator",
	Long: `Perform a health check of everything a refresh run depends on.

This command checks:
- Configuration validity
- Local accounts file and attempt journal
- Remote store reachability
- WebDriver endpoint readiness
- Mailbox provider reachability
- Gateway reachability
- Egress proxy selection

Nothing is written and no account is refreshed.

Example:
  cookie-refresh check`,
	RunE: runCheck,
}

var checkFlags struct {
	Timeout time.Duration
}

func init() {
	checkCmd.Flags().DurationVar(&checkFlags.Timeout, "timeout", 30*time.Second, "Timeout for each network check")

	RootCmd.AddCommand(checkCmd)
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Check statuses.
const (
	CheckOK      = "OK"
	CheckWarning = "WARNING"
	CheckFail    = "FAIL"
	CheckSkipped = "SKIPPED"
)

func runCheck(cmd *cobra.Command, args []string) error {
	results := []CheckResult{}

	cfg, err := newLoader().Load()
	if err != nil {
		results = append(results, CheckResult{
			Name:    "Configuration",
			Status:  CheckFail,
			Message: fmt.Sprintf("Failed to load configuration: %v", err),
		})
		return outputCheckResults(cmd.OutOrStdout(), results)
	}
	results = append(results, CheckResult{
		Name:    "Configuration",
		Status:  CheckOK,
		Message: fmt.Sprintf("Configuration valid (%s)", globalFlags.Config),
		Details: fmt.Sprintf("threshold %s, timezone %s", cfg.Refresh.Threshold, cfg.Refresh.Location()),
	})

	logger := newLogger(cfg)
	a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
	if err != nil {
		results = append(results, CheckResult{
			Name:    "Storage",
			Status:  CheckFail,
			Message: err.Error(),
		})
		return outputCheckResults(cmd.OutOrStdout(), results)
	}
	defer a.Close()

	results = append(results, a.checkLocal(), a.checkJournal())
	for _, check := range []func(context.Context) CheckResult{
		a.checkRemote,
		a.checkWebDriver,
		a.checkMailbox,
		a.checkGateway,
		a.checkProxy,
	} {
		ctx, cancel := context.WithTimeout(cmd.Context(), checkFlags.Timeout)
		results = append(results, check(ctx))
		cancel()
	}

	return outputCheckResults(cmd.OutOrStdout(), results)
}

func (a *app) checkLocal() CheckResult {
	result := CheckResult{Name: "Accounts file", Status: CheckOK}

	pop, found, err := a.local.Load()
	switch {
	case err != nil:
		result.Status = CheckFail
		result.Message = fmt.Sprintf("Failed to read %s: %v", a.local.Path(), err)
		return result
	case !found:
		result.Status = CheckWarning
		result.Message = fmt.Sprintf("%s does not exist yet", a.local.Path())
		return result
	}

	now := time.Now()
	due, incomplete := 0, 0
	for _, acc := range pop {
		if a.policy.IsDue(acc, now, false) {
			due++
		}
		if !acc.IsComplete() {
			incomplete++
		}
	}
	result.Message = fmt.Sprintf("%d accounts, %d due", len(pop), due)
	if incomplete > 0 {
		result.Status = CheckWarning
		result.Details = fmt.Sprintf("%d accounts without credentials", incomplete)
	}
	return result
}

func (a *app) checkJournal() CheckResult {
	result := CheckResult{Name: "Journal", Status: CheckOK}
	if a.journal == nil {
		result.Status = CheckSkipped
		result.Message = "Attempt journal disabled"
		return result
	}
	stats := a.journal.Stats()
	result.Message = fmt.Sprintf("Journal open at %s", a.cfg.Storage.JournalPath)
	result.Details = fmt.Sprintf("%d attempts, %d runs", stats.Attempts, stats.Runs)
	return result
}

func (a *app) checkRemote(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Remote store", Status: CheckOK}
	if a.remote == nil {
		result.Status = CheckSkipped
		result.Message = "No remote store configured"
		return result
	}

	pop, found, err := a.remote.Get(ctx)
	switch {
	case err != nil:
		result.Status = CheckFail
		result.Message = fmt.Sprintf("%s unreachable: %v", a.remote.Name(), err)
	case !found:
		result.Status = CheckWarning
		result.Message = fmt.Sprintf("%s reachable, nothing stored yet", a.remote.Name())
	default:
		result.Message = fmt.Sprintf("%s reachable, %d accounts stored", a.remote.Name(), len(pop))
	}
	return result
}

func (a *app) checkWebDriver(ctx context.Context) CheckResult {
	result := CheckResult{Name: "WebDriver", Status: CheckOK}

	ready, message, err := a.webdriver.Status(ctx)
	switch {
	case err != nil:
		result.Status = CheckFail
		result.Message = fmt.Sprintf("%s unreachable: %v", a.cfg.Login.WebDriverURL, err)
	case !ready:
		result.Status = CheckFail
		result.Message = "Driver not ready"
		result.Details = message
	default:
		result.Message = "Driver ready"
		result.Details = message
	}
	return result
}

func (a *app) checkMailbox(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Mailbox", Status: CheckOK}

	domains, err := a.mailbox.Domains(ctx)
	switch {
	case err != nil:
		result.Status = CheckFail
		result.Message = fmt.Sprintf("%s unreachable: %v", a.cfg.Mailbox.BaseURL, err)
	case len(domains) == 0:
		result.Status = CheckWarning
		result.Message = "Provider reachable, no active domains"
	default:
		result.Message = fmt.Sprintf("Provider reachable, %d active domains", len(domains))
		result.Details = strings.Join(domains, ", ")
	}
	return result
}

func (a *app) checkGateway(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Gateway", Status: CheckOK}
	if a.gateway == nil {
		result.Status = CheckSkipped
		result.Message = "No gateway configured"
		return result
	}

	status, latency, err := a.gateway.Ping(ctx)
	switch {
	case err != nil:
		result.Status = CheckFail
		result.Message = fmt.Sprintf("%s unreachable: %v", a.cfg.Gateway.URL, err)
	case status >= 500:
		result.Status = CheckWarning
		result.Message = fmt.Sprintf("Gateway answered HTTP %d", status)
	default:
		result.Message = fmt.Sprintf("Gateway answered HTTP %d", status)
		result.Details = latency.Truncate(time.Millisecond).String()
	}
	return result
}

func (a *app) checkProxy(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Proxy", Status: CheckOK}

	if err := a.proxy.Start(ctx); err != nil {
		result.Status = CheckFail
		result.Message = fmt.Sprintf("Proxy did not start: %v", err)
		return result
	}
	node, err := a.proxy.FindHealthyNode(ctx)
	if err != nil {
		result.Status = CheckFail
		result.Message = err.Error()
		return result
	}
	result.Message = fmt.Sprintf("Egress via %s", node)
	result.Details = dash(a.proxy.ProxyURL())
	return result
}

func outputCheckResults(w io.Writer, results []CheckResult) error {
	if globalFlags.JSON {
		if err := writeJSON(w, results); err != nil {
			return err
		}
	} else if err := outputCheckResultsTable(w, results); err != nil {
		return err
	}

	for _, r := range results {
		if r.Status == CheckFail {
			return fmt.Errorf("health check failed")
		}
	}
	return nil
}

func outputCheckResultsTable(w io.Writer, results []CheckResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tMESSAGE\tDETAILS")

	allPassed := true
	for _, r := range results {
		statusIcon := "✓"
		switch r.Status {
		case CheckFail:
			statusIcon = "✗"
			allPassed = false
		case CheckWarning:
			statusIcon = "!"
		case CheckSkipped:
			statusIcon = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.Name,
			statusIcon+" "+r.Status,
			r.Message,
			dash(r.Details),
		)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	// Summary
	fmt.Fprintln(w)
	if allPassed {
		fmt.Fprintln(w, "✓ All checks passed!")
	} else {
		fmt.Fprintln(w, "✗ Some checks failed. Please review the output above.")
	}
	return nil
}
