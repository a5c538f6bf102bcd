package watch

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/chirino/meshkeeper-sub000/internal/launch"
)

// MemberState is one agent or client seen under the registry roots.
type MemberState struct {
	Kind  string // "agent" or "client"
	Name  string
	Since time.Time
}

func memberKind(root string) string {
	if root == launch.LaunchersPath {
		return "agent"
	}
	return "client"
}

// syncMembers replaces the members under root with names. Members that stay
// keep their first-seen time.
func syncMembers(members map[string]*MemberState, root string, names []string) {
	kind := memberKind(root)
	keep := make(map[string]bool, len(names))
	for _, name := range names {
		key := path.Join(root, name)
		keep[key] = true
		if _, ok := members[key]; !ok {
			members[key] = &MemberState{Kind: kind, Name: name, Since: time.Now()}
		}
	}
	for key := range members {
		if strings.HasPrefix(key, root+"/") && !keep[key] {
			delete(members, key)
		}
	}
}

func countMembers(members map[string]*MemberState, kind string) int {
	n := 0
	for _, m := range members {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func newMemberTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Kind", Width: 7},
			{Title: "Name", Width: 32},
			{Title: "Seen", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// memberRows sorts agents before clients, then by name.
func memberRows(members map[string]*MemberState) []table.Row {
	sorted := make([]*MemberState, 0, len(members))
	for _, m := range members {
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Kind != sorted[j].Kind {
			return sorted[i].Kind == "agent"
		}
		return sorted[i].Name < sorted[j].Name
	})

	rows := make([]table.Row, 0, len(sorted))
	for _, m := range sorted {
		rows = append(rows, table.Row{m.Kind, m.Name, formatDuration(time.Since(m.Since))})
	}
	return rows
}

func renderMembers(t table.Model, counts Counts, theme Theme, width int) string {
	innerWidth := width - 4
	body := t.View()
	if len(t.Rows()) == 0 {
		body = theme.Dim.Render("  No agents or clients registered")
	}
	legend := theme.Agent.Render(fmt.Sprintf("%d agents", counts.Agents)) + theme.Dim.Render(" · ") +
		theme.Client.Render(fmt.Sprintf("%d clients", counts.Clients))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("MEMBERS")+" "+legend,
		body,
	)
	return theme.Border.Width(innerWidth).Render(content)
}
