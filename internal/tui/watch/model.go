package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/texgw/internal/api"
	"github.com/mattjoyce/texgw/internal/events"
)

const (
	healthInterval   = 2 * time.Second
	reconnectDelay   = 3 * time.Second
	maxEventLog      = 50
	eventChannelSize = 100
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type sseDisconnectedMsg struct{ err error }

type reconnectMsg struct{}

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health      HealthState
	pools       table.Model
	eventLog    []events.Event
	lastEventID int64
	resync      bool
	activity    Activity

	theme     Theme
	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a watch model for the gateway at apiURL.
func New(apiURL, token string) *Model {
	return &Model{
		client:    NewClient(apiURL, token),
		pools:     newPoolTable(),
		hubEvents: make(chan events.Event, eventChannelSize),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

// Run starts the TUI and blocks until the operator quits.
func Run(apiURL, token string) error {
	_, err := tea.NewProgram(New(apiURL, token), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.activity.Prune(time.Time(msg))
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		if m.resync {
			m.resync = false
			// A restarted gateway numbers its events from 1 again.
			if e.ID > 0 && e.ID <= m.lastEventID {
				m.lastEventID = 0
			}
		}
		if e.ID > 0 && e.ID <= m.lastEventID {
			return m, receiveNextEvent(m.hubEvents)
		}
		if e.ID > 0 {
			m.lastEventID = e.ID
		}

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		if isRenderOutcome(e.Type) {
			m.activity.Record(m.now())
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.pools.SetRows(poolRows(msg.Pools))
		m.lastError = ""
		return m, pollAfter(m.client, healthInterval)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, pollAfter(m.client, healthInterval)

	case sseDisconnectedMsg:
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps reading the shared channel.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		m.resync = true
		return m, subscribe(m.client, m.lastEventID, m.hubEvents)
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to gateway..."
	}

	parts := []string{
		renderHeader(m.health, m.activity, m.theme, m.width, m.now()),
		renderPools(m.pools, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func isRenderOutcome(eventType string) bool {
	return strings.HasPrefix(eventType, "render.") && eventType != events.TypeRenderRetry
}

// --- Commands ---

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchHealth(c *Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(h)
	}
}

func pollAfter(c *Client, d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return fetchHealth(c)()
	})
}

// subscribe follows the event stream into ch and reports when it ends.
func subscribe(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		return sseDisconnectedMsg{err: c.Stream(context.Background(), lastID, ch)}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
