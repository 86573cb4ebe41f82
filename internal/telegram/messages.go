package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// formatSummary formats a run summary
func formatSummary(s *models.Summary, loc *time.Location) string {
	emoji := "🟢"
	switch {
	case s.Failed > 0 && s.Succeeded == 0:
		emoji = "🔴"
	case s.Failed > 0 || s.Divergent:
		emoji = "🟡"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s <b>Cookie refresh finished</b>\n\n", emoji))
	sb.WriteString(fmt.Sprintf("📊 <b>Accounts:</b> %d (due %d)\n", s.Total, s.Due))
	sb.WriteString(fmt.Sprintf("✅ <b>Refreshed:</b> %d\n", s.Succeeded))
	sb.WriteString(fmt.Sprintf("⏭ <b>Skipped:</b> %d\n", s.Skipped))
	sb.WriteString(fmt.Sprintf("❌ <b>Failed:</b> %d\n", s.Failed))

	var failures []string
	for _, a := range s.Attempts {
		if a.Outcome != models.OutcomeFailed {
			continue
		}
		failures = append(failures, fmt.Sprintf("• <code>%s</code> %s",
			html.EscapeString(a.AccountID), html.EscapeString(a.Reason)))
	}
	if len(failures) > 0 {
		sb.WriteString("\n<b>Failures</b>\n")
		sb.WriteString(strings.Join(failures, "\n"))
		sb.WriteString("\n")
	}

	if s.Divergent {
		sb.WriteString("\n⚠️ Remote store write failed, local file is newer\n")
	}

	sb.WriteString(fmt.Sprintf("\n⏱ %s · 🕒 %s",
		formatDuration(s.FinishedAt.Sub(s.StartedAt)),
		s.FinishedAt.In(loc).Format("2006-01-02 15:04:05"),
	))
	return sb.String()
}

func formatRunError(err error) string {
	return fmt.Sprintf("🔴 <b>Cookie refresh run failed</b>\n\n<code>%s</code>", html.EscapeString(err.Error()))
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		if seconds > 0 {
			return fmt.Sprintf("%dm %ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if minutes > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dh", hours)
}
