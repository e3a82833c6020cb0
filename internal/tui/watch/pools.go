package watch

import (
	"sort"
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/texgw/internal/pool"
)

func newPoolTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Pool", Width: 10},
			{Title: "Size", Width: 5},
			{Title: "Depth", Width: 6},
			{Title: "Ready", Width: 6},
			{Title: "Renders", Width: 8},
			{Title: "Retries", Width: 8},
			{Title: "Timeouts", Width: 9},
			{Title: "Doc err", Width: 8},
			{Title: "Backend err", Width: 12},
			{Title: "Slot fail", Width: 10},
		}),
		table.WithHeight(6),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)
	return t
}

// poolRows returns one row per pool ordered by name.
func poolRows(pools map[string]pool.Stats) []table.Row {
	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		s := pools[name]
		rows = append(rows, table.Row{
			name,
			strconv.Itoa(s.Size),
			strconv.Itoa(s.Depth),
			strconv.Itoa(s.Ready),
			strconv.FormatInt(s.Renders, 10),
			strconv.FormatInt(s.Retries, 10),
			strconv.FormatInt(s.Timeouts, 10),
			strconv.FormatInt(s.DocumentErrors, 10),
			strconv.FormatInt(s.BackendErrors+s.Exhausted, 10),
			strconv.FormatInt(s.SlotFailures, 10),
		})
	}
	return rows
}

func renderPools(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("POOLS"),
		t.View(),
	)
	return theme.Border.Width(width - 4).Render(content)
}
