// Package output provides styled terminal output helpers (success, error,
// warning, record and report formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[models.SyncStatus]lipgloss.Style{
		models.StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusSyncing: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusSynced:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// FormatStatus formats a sync status with color
func FormatStatus(s models.SyncStatus) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// StatusBadge returns a status indicator with symbol
// e.g., "○ PENDING", "▶ SYNCING", "✓ SYNCED", "✗ FAILED"
func StatusBadge(status models.SyncStatus) string {
	symbols := map[models.SyncStatus]string{
		models.StatusPending: "○",
		models.StatusSyncing: "▶",
		models.StatusSynced:  "✓",
		models.StatusFailed:  "✗",
	}
	symbol, ok := symbols[status]
	if !ok {
		symbol = "?"
	}
	style, hasStyle := statusStyles[status]
	if hasStyle {
		return style.Render(fmt.Sprintf("%s %s", symbol, status))
	}
	return fmt.Sprintf("%s %s", symbol, status)
}

// FormatRecordShort formats a record in one line for list output
func FormatRecordShort(rec *models.Record) string {
	var parts []string
	parts = append(parts, titleStyle.Render(ShortID(rec.LocalID)))
	parts = append(parts, subtleStyle.Render(rec.EntityType))
	if rec.RemoteID != "" {
		parts = append(parts, subtleStyle.Render("→ "+rec.RemoteID))
	}
	if rec.Deleted {
		parts = append(parts, errorStyle.Render("[deleted]"))
	}
	parts = append(parts, FormatStatus(rec.Status))
	if rec.Attempts > 0 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d attempts", rec.Attempts)))
	}
	return strings.Join(parts, "  ")
}

// FormatRecordLong formats a record with full sync detail
func FormatRecordLong(rec *models.Record) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(rec.LocalID))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Status: %s\n", FormatStatus(rec.Status)))
	sb.WriteString(fmt.Sprintf("Org unit: %s | Entity: %s", rec.OrgUnit, rec.EntityType))
	if rec.RemoteID != "" {
		sb.WriteString(fmt.Sprintf(" | Remote: %s", rec.RemoteID))
	}
	if rec.Deleted {
		sb.WriteString(" | " + errorStyle.Render("deleted"))
	}
	sb.WriteString("\n")

	if !rec.LastLocalMutationAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Last edited: %s\n", FormatTimeAgo(rec.LastLocalMutationAt)))
	}
	if !rec.LastSyncAttemptAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Last sync attempt: %s", FormatTimeAgo(rec.LastSyncAttemptAt)))
		if rec.Attempts > 0 {
			sb.WriteString(fmt.Sprintf(" (attempt %d)", rec.Attempts))
		}
		sb.WriteString("\n")
	}
	if !rec.NextAttemptAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Next attempt: %s\n", rec.NextAttemptAt.Local().Format("2006-01-02 15:04:05")))
	}
	if rec.LastSyncError != "" {
		sb.WriteString(errorStyle.Render("Last error: " + rec.LastSyncError))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatReport renders one sync run for the terminal
func FormatReport(report *models.SyncReport) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(fmt.Sprintf("Sync %s", report.OrgUnit)))
	sb.WriteString(subtleStyle.Render(fmt.Sprintf("  (%s)", report.Duration.Round(time.Millisecond))))
	sb.WriteString("\n")

	line := fmt.Sprintf("  pushed %d", report.Succeeded)
	if report.Failed > 0 {
		line += errorStyle.Render(fmt.Sprintf("  failed %d", report.Failed))
	}
	if report.Skipped > 0 {
		line += warningStyle.Render(fmt.Sprintf("  skipped %d", report.Skipped))
	}
	line += fmt.Sprintf("  pulled %d", report.Pulled)
	sb.WriteString(line)
	sb.WriteString("\n")

	for _, failure := range report.Failures {
		sb.WriteString(fmt.Sprintf("    %s  %s\n",
			ShortID(failure.LocalID),
			errorStyle.Render(failure.Message)))
	}
	if report.PullErr != "" {
		sb.WriteString(warningStyle.Render("  pull failed: " + report.PullErr))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// ShortID shortens a local UUID to its first 8 characters for display
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SupportMark renders a capability check result
func SupportMark(supported bool) string {
	if supported {
		return successStyle.Render("✓")
	}
	return errorStyle.Render("✗")
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nFAILURES:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
