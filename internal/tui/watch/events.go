package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/texgw/internal/events"
)

const shownEvents = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= shownEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeRenderCompleted:
		typeStyle = theme.StatusOK
	case events.TypeRenderRetry:
		typeStyle = theme.StatusRetry
	case events.TypeRenderFailed, events.TypeRenderTimedOut, events.TypeSlotFailed:
		typeStyle = theme.StatusFailed
	case events.TypeRenderRejected:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-17s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent summarises the payload fields the gateway publishes.
func describeEvent(e events.Event) string {
	var data map[string]any
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id, ok := data["request_id"].(string); ok {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	if name, ok := data["pool"].(string); ok {
		parts = append(parts, name)
	}
	if slot, ok := data["slot"].(float64); ok {
		parts = append(parts, fmt.Sprintf("slot=%d", int64(slot)))
	}
	if attempt, ok := data["attempt"].(float64); ok {
		parts = append(parts, fmt.Sprintf("attempt=%d", int64(attempt)))
	}
	if outcome, ok := data["outcome"].(string); ok {
		parts = append(parts, outcome)
	}
	if reason, ok := data["reason"].(string); ok {
		parts = append(parts, reason)
	}
	if n, ok := data["bytes"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%dB", int64(n)))
	}
	if ms, ok := data["duration_ms"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%dms", int64(ms)))
	}
	if msg, ok := data["error"].(string); ok {
		parts = append(parts, msg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
