package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chirino/meshkeeper-sub000/internal/events"
)

// SessionState tracks one registry session seen on the event stream.
type SessionState struct {
	ID       string
	Owner    string
	Status   string // open, closed, expired
	LastSeen time.Time
}

const maxEndedSessions = 5

func updateSessionState(sessions map[string]*SessionState, e events.Event) {
	if sessions == nil {
		return
	}
	var status string
	switch e.Type {
	case events.SessionOpened:
		status = "open"
	case events.SessionClosed:
		status = "closed"
	case events.SessionExpired:
		status = "expired"
	default:
		return
	}

	var p events.SessionPayload
	if err := json.Unmarshal(e.Data, &p); err != nil || p.Session == "" {
		return
	}
	state, ok := sessions[p.Session]
	if !ok {
		state = &SessionState{ID: p.Session}
		sessions[p.Session] = state
	}
	if p.Owner != "" {
		state.Owner = p.Owner
	}
	state.Status = status
	state.LastSeen = time.Now()

	pruneEndedSessions(sessions)
}

// pruneEndedSessions keeps only the most recent ended sessions.
func pruneEndedSessions(sessions map[string]*SessionState) {
	var ended []*SessionState
	for _, s := range sessions {
		if s.Status != "open" {
			ended = append(ended, s)
		}
	}
	if len(ended) <= maxEndedSessions {
		return
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].LastSeen.After(ended[j].LastSeen) })
	for _, s := range ended[maxEndedSessions:] {
		delete(sessions, s.ID)
	}
}

func openSessions(sessions map[string]*SessionState) int {
	n := 0
	for _, s := range sessions {
		if s.Status == "open" {
			n++
		}
	}
	return n
}

func renderSessions(sessions map[string]*SessionState, theme Theme, width int) string {
	innerWidth := width - 4
	if len(sessions) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SESSIONS"),
			theme.Dim.Render("  No session activity yet"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	sorted := make([]*SessionState, 0, len(sessions))
	for _, s := range sessions {
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LastSeen.After(sorted[j].LastSeen) })

	var lines []string
	for _, s := range sorted {
		style := theme.StatusOK
		switch s.Status {
		case "expired":
			style = theme.StatusFailed
		case "closed":
			style = theme.StatusDead
		}
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		owner := s.Owner
		if owner == "" {
			owner = "-"
		}
		lines = append(lines, fmt.Sprintf("%s %-8s %-24s %s",
			style.Render(fmt.Sprintf("%-7s", s.Status)), id, owner,
			theme.Dim.Render(s.LastSeen.Format("15:04:05"))))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("SESSIONS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
