package watch

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/meshkeeper-sub000/internal/events"
	"github.com/chirino/meshkeeper-sub000/internal/launch"
)

func TestParseSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: node.created",
		`data: {"path":"/launchers/A"}`,
		"",
		"id: 8",
		"event: session.opened",
		`data: {"session":"abc","owner":"A"}`,
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	parseSSE(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.NodeCreated, got[0].Type)
	assert.Equal(t, "/launchers/A", got[0].Path())
	assert.Equal(t, events.SessionOpened, got[1].Type)
}

func TestSyncMembersKeepsFirstSeen(t *testing.T) {
	members := map[string]*MemberState{}
	syncMembers(members, launch.LaunchersPath, []string{"A", "B"})
	syncMembers(members, launch.ClientsPath, []string{"alice0000000001"})
	first := members["/launchers/A"].Since

	time.Sleep(5 * time.Millisecond)
	syncMembers(members, launch.LaunchersPath, []string{"A"})

	assert.Len(t, members, 2)
	assert.Equal(t, first, members["/launchers/A"].Since)
	assert.Equal(t, 1, countMembers(members, "agent"))
	assert.Equal(t, 1, countMembers(members, "client"))

	rows := memberRows(members)
	require.Len(t, rows, 2)
	assert.Equal(t, "agent", rows[0][0])
	assert.Equal(t, "client", rows[1][0])
}

func sessionEvent(t *testing.T, typ, id, owner string) events.Event {
	t.Helper()
	data, err := json.Marshal(events.SessionPayload{Session: id, Owner: owner})
	require.NoError(t, err)
	return events.Event{Type: typ, Data: data}
}

func TestSessionLifecycle(t *testing.T) {
	sessions := map[string]*SessionState{}
	updateSessionState(sessions, sessionEvent(t, events.SessionOpened, "s1", "AGENT1"))
	updateSessionState(sessions, sessionEvent(t, events.SessionOpened, "s2", "alice"))
	assert.Equal(t, 2, openSessions(sessions))

	updateSessionState(sessions, sessionEvent(t, events.SessionExpired, "s1", ""))
	assert.Equal(t, 1, openSessions(sessions))
	assert.Equal(t, "expired", sessions["s1"].Status)
	assert.Equal(t, "AGENT1", sessions["s1"].Owner)

	updateSessionState(sessions, events.Event{Type: events.NodeCreated, Data: []byte(`{"path":"/x"}`)})
	assert.Len(t, sessions, 2)
}

func TestEndedSessionsArePruned(t *testing.T) {
	sessions := map[string]*SessionState{}
	for i := 0; i < maxEndedSessions+3; i++ {
		id := string(rune('a' + i))
		updateSessionState(sessions, sessionEvent(t, events.SessionClosed, id, ""))
	}
	assert.Len(t, sessions, maxEndedSessions)
}

func TestFetchChildren(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/children", r.URL.Path)
		assert.Equal(t, launch.LaunchersPath, r.URL.Query().Get("path"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"path": launch.LaunchersPath, "children": []string{"A"}, "version": 3})
	}))
	defer srv.Close()

	msg := fetchChildren(srv.URL, "tok", launch.LaunchersPath)()
	got, ok := msg.(childrenMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, []string{"A"}, got.Children)
}

func TestUpdateRefreshesOnChildrenChanged(t *testing.T) {
	m := New("http://127.0.0.1:1", "")
	data, _ := json.Marshal(events.PathPayload{Path: launch.LaunchersPath})

	next, cmd := m.Update(eventMsg(events.Event{ID: 4, Type: events.ChildrenChanged, Data: data}))
	model := next.(Model)
	assert.Equal(t, int64(4), model.lastID)
	assert.Len(t, model.eventLog, 1)
	assert.NotNil(t, cmd)

	next, _ = model.Update(childrenMsg{Path: launch.LaunchersPath, Children: []string{"A"}})
	model = next.(Model)
	assert.Equal(t, 1, model.counts().Agents)
	assert.Len(t, model.memberTable.Rows(), 1)
}

func TestActivityDecaysAndCounts(t *testing.T) {
	a := NewActivity()
	start := time.Now()
	a.OnEvent(start)
	a.OnEvent(start.Add(time.Second))
	assert.Equal(t, 2, a.PerMinute())

	a.Decay(start.Add(5 * time.Second))
	assert.Equal(t, 3, a.dots)

	a.Decay(start.Add(2 * time.Minute))
	assert.Equal(t, 0, a.dots)
	assert.Equal(t, 0, a.PerMinute())
}
