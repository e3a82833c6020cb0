package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks gateway health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	var statusText string
	switch {
	case !health.Connected:
		statusText = theme.StatusOffline.Render("CONNECTING")
	case health.Status == "ok":
		statusText = theme.StatusOK.Render("HEALTHY")
	default:
		statusText = theme.StatusFailed.Render(strings.ToUpper(health.Status))
	}

	lastEvent := "never"
	if !activity.Last().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.Last()).Round(time.Second))
	}

	title := " TEXGW WATCH"
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  renders/10s: %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		activity.Recent(),
	)
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
