package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chirino/meshkeeper-sub000/internal/events"
	"github.com/chirino/meshkeeper-sub000/internal/launch"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	baseURL string
	token   string

	width  int
	height int

	// State
	health   HealthState
	members  map[string]*MemberState
	sessions map[string]*SessionState
	eventLog []events.Event
	lastID   int64

	// Live indicators
	ticker   Ticker
	activity Activity

	// UI state
	theme       Theme
	memberTable table.Model

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a watch model for the registry service at baseURL.
func New(baseURL, token string) *Model {
	return &Model{
		baseURL:     baseURL,
		token:       token,
		members:     make(map[string]*MemberState),
		sessions:    make(map[string]*SessionState),
		eventLog:    make([]events.Event, 0),
		hubEvents:   make(chan events.Event, 100),
		ticker:      NewTicker(),
		activity:    NewActivity(),
		theme:       NewDefaultTheme(),
		memberTable: newMemberTable(),
	}
}

var watchedRoots = []string{launch.LaunchersPath, launch.ClientsPath}

func (m Model) refreshMembers() tea.Cmd {
	cmds := make([]tea.Cmd, 0, len(watchedRoots))
	for _, root := range watchedRoots {
		cmds = append(cmds, fetchChildren(m.baseURL, m.token, root))
	}
	return tea.Batch(cmds...)
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.baseURL, m.token, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.baseURL, m.token) },
		m.refreshMembers(),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshMembers()
		}
		var cmd tea.Cmd
		m.memberTable, cmd = m.memberTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(time.Time(msg))
		m.memberTable.SetRows(memberRows(m.members))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}

		m.activity.OnEvent(time.Now())
		updateSessionState(m.sessions, e)

		m.health.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if e.Type == events.ChildrenChanged {
			for _, root := range watchedRoots {
				if e.Path() == root {
					cmds = append(cmds, fetchChildren(m.baseURL, m.token, root))
				}
			}
		}
		return m, tea.Batch(cmds...)

	case childrenMsg:
		syncMembers(m.members, msg.Path, msg.Children)
		m.memberTable.SetRows(memberRows(m.members))

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Subscribers = msg.Subscribers
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.baseURL, m.token)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel, so the
		// new subscription needs no new receiver.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		// Membership may have changed while disconnected.
		return m, tea.Batch(
			subscribeToEvents(m.baseURL, m.token, m.lastID, m.hubEvents),
			m.refreshMembers(),
		)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.baseURL, m.token)
		})
	}

	return m, nil
}

func (m Model) counts() Counts {
	return Counts{
		Agents:   countMembers(m.members, "agent"),
		Clients:  countMembers(m.members, "client"),
		Sessions: openSessions(m.sessions),
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to registry..."
	}

	counts := m.counts()
	header := renderHeader(m.health, counts, m.ticker, m.activity, m.theme, m.width)
	members := renderMembers(m.memberTable, counts, m.theme, m.width)
	sessions := renderSessions(m.sessions, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Navigate Members")

	parts := []string{header, members, sessions, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
