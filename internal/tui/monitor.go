// Package tui is the live terminal monitor behind `quarry system watch`. It
// tails the engine's event stream and health endpoint over HTTP.
package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/quarry/internal/events"
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	stateReady = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	stateBusy  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	stateError = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	stateOther = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	kernels  map[string]string // workspace -> state
	eventLog []events.Event
	incoming chan events.Event

	health struct {
		Status        string
		UptimeSeconds int64
	}

	kernelTable table.Model
}

type eventMsg events.Event
type errMsg error
type healthMsg struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Kernels       map[string]string `json:"kernels"`
}

func NewModel(apiURL, apiKey string) Model {
	cols := []table.Column{
		{Title: "", Width: 3},
		{Title: "Workspace", Width: 28},
		{Title: "State", Width: 12},
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(8))
	return Model{
		apiURL:      strings.TrimRight(apiURL, "/"),
		apiKey:      apiKey,
		kernels:     make(map[string]string),
		incoming:    make(chan events.Event, 100),
		kernelTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.pollHealth(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.kernelTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, m.receiveNextEvent()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		for ws, state := range msg.Kernels {
			m.kernels[ws] = state
		}
		m.updateTable()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return m.fetchHealth()
		})

	case errMsg:
		// Transient fetch failure; the next poll retries.
	}

	m.kernelTable, cmd = m.kernelTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > 50 {
		m.eventLog = m.eventLog[:50]
	}

	if e.Stage != "kernel" || e.WorkspaceID == "" {
		return
	}
	switch {
	case strings.Contains(e.Message, "ready"):
		m.kernels[e.WorkspaceID] = "ready"
	case strings.Contains(e.Message, "starting"), strings.Contains(e.Message, "resetting"):
		m.kernels[e.WorkspaceID] = "starting"
	case strings.Contains(e.Message, "stopped"):
		delete(m.kernels, e.WorkspaceID)
	}
	if e.Type == events.TypeError {
		m.kernels[e.WorkspaceID] = "error"
	}
}

func (m *Model) updateTable() {
	ids := make([]string, 0, len(m.kernels))
	for id := range m.kernels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rows []table.Row
	for _, id := range ids {
		state := m.kernels[id]
		sym := stateOther.Render("○")
		switch state {
		case "ready":
			sym = stateReady.Render("●")
		case "busy", "starting":
			sym = stateBusy.Render("◉")
		case "error":
			sym = stateError.Render("∅")
		}
		rows = append(rows, table.Row{sym, id, state})
	}
	m.kernelTable.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	kernelsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Kernels"),
			m.kernelTable.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.renderHeader(),
			kernelsView,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := stateReady.Render("RUNNING")
	if m.health.Status != "ok" && m.health.Status != "" {
		status = stateError.Render("DEGRADED")
	}
	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Kernels: %d", len(m.kernels)),
	}
	third := (m.width - 4) / 3
	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width(third).Render(items[0]),
			lipgloss.NewStyle().Width(third).Render(items[1]),
			lipgloss.NewStyle().Width(third).Render(items[2]),
		),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		ws := e.WorkspaceID
		if ws == "" {
			ws = "-"
		}
		lines = append(lines, fmt.Sprintf("%s | %-9s | %-12s | %s", ts, e.Type, ws, e.Message))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m Model) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{}
		req, _ := http.NewRequest("GET", m.apiURL+"/events", nil)
		if m.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+m.apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				var ev events.Event
				if err := json.Unmarshal([]byte(line[6:]), &ev); err == nil {
					m.incoming <- ev
				}
			}
		}
		return nil
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.incoming)
	}
}

func (m Model) pollHealth() tea.Cmd {
	return func() tea.Msg {
		return m.fetchHealth()
	}
}

func (m Model) fetchHealth() tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, _ := http.NewRequest("GET", m.apiURL+"/healthz", nil)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
