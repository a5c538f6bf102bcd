package sqltree

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/meshkeeper-sub000/internal/events"
	"github.com/chirino/meshkeeper-sub000/internal/registry"
	"github.com/chirino/meshkeeper-sub000/internal/storage"
)

func newTree(t *testing.T) *Tree {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, events.NewHub(64))
}

func TestAddDataAndChildren(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	got, err := tr.AddData(ctx, "", "/launchers/A", false, []byte("stub"))
	require.NoError(t, err)
	assert.Equal(t, "/launchers/A", got)

	data, err := tr.GetData(ctx, "/launchers/A")
	require.NoError(t, err)
	assert.Equal(t, []byte("stub"), data)

	data, err = tr.GetData(ctx, "/launchers")
	require.NoError(t, err)
	assert.Nil(t, data)

	names, v1, err := tr.Children(ctx, "/launchers")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, names)
	assert.Positive(t, v1)

	_, err = tr.AddData(ctx, "", "/launchers/B", false, nil)
	require.NoError(t, err)
	names, v2, err := tr.Children(ctx, "/launchers")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names)
	assert.Greater(t, v2, v1)

	_, err = tr.AddData(ctx, "", "/launchers/A", false, nil)
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)

	names, v, err := tr.Children(ctx, "/nothing/here")
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Zero(t, v)
}

func TestSequentialNamesIncrease(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	a, err := tr.AddData(ctx, "", "/clients/c-", true, nil)
	require.NoError(t, err)
	b, err := tr.AddData(ctx, "", "/clients/c-", true, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
	assert.Len(t, a, len("/clients/c-")+registry.SequenceDigits)
}

func TestRemoveSemantics(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	_, err := tr.AddData(ctx, "", "/a/b/c", false, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Remove(ctx, "/a/b", false), registry.ErrNotEmpty)
	assert.ErrorIs(t, tr.Remove(ctx, "/", true), registry.ErrInvalidPath)
	require.NoError(t, tr.Remove(ctx, "/missing", false))

	require.NoError(t, tr.Remove(ctx, "/a/b/c", false))
	root, _, err := tr.Children(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, root, "scaffolding is pruned")

	_, err = tr.AddData(ctx, "", "/x/y/1", false, nil)
	require.NoError(t, err)
	_, err = tr.AddData(ctx, "", "/x/y/2", false, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Remove(ctx, "/x", true))
	root, _, err = tr.Children(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, root)
}

func TestSessionCloseReleasesEphemeralNodes(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	owner, err := tr.CreateSession(ctx, "agent", time.Minute)
	require.NoError(t, err)
	other, err := tr.CreateSession(ctx, "other", time.Minute)
	require.NoError(t, err)

	_, err = tr.AddData(ctx, owner.ID, "/launchers/A", false, []byte("a"))
	require.NoError(t, err)
	_, err = tr.AddData(ctx, other.ID, "/launchers/A/ports/1", false, []byte("p"))
	require.NoError(t, err)
	_, err = tr.AddData(ctx, other.ID, "/launchers/B", false, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, tr.CloseSession(ctx, owner.ID))

	// A lost its data but still holds another session's child.
	data, err := tr.GetData(ctx, "/launchers/A")
	require.NoError(t, err)
	assert.Nil(t, data)
	names, _, err := tr.Children(ctx, "/launchers")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names)

	require.NoError(t, tr.CloseSession(ctx, other.ID))
	names, _, err = tr.Children(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, names)

	assert.ErrorIs(t, tr.CloseSession(ctx, other.ID), ErrSessionNotFound)
	assert.ErrorIs(t, tr.TouchSession(ctx, other.ID), ErrSessionNotFound)
	_, err = tr.AddData(ctx, other.ID, "/z", false, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpireSessions(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	now := time.Now()
	tr.now = func() time.Time { return now }

	s, err := tr.CreateSession(ctx, "agent", time.Second)
	require.NoError(t, err)
	_, err = tr.AddData(ctx, s.ID, "/launchers/A", false, nil)
	require.NoError(t, err)

	expired, err := tr.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	tr.now = func() time.Time { return now.Add(2 * time.Second) }
	expired, err = tr.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, expired)

	names, _, err := tr.Children(ctx, "/launchers")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestWatchPinsScaffolding(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	s, err := tr.CreateSession(ctx, "client", time.Minute)
	require.NoError(t, err)
	require.NoError(t, tr.AddWatch(ctx, s.ID, "/launchers"))

	_, err = tr.AddData(ctx, "", "/launchers/A", false, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Remove(ctx, "/launchers/A", false))

	names, _, err := tr.Children(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"launchers"}, names)

	require.NoError(t, tr.RemoveWatch(ctx, s.ID, "/launchers"))
	names, _, err = tr.Children(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestChangesArePublishedAfterCommit(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()
	ch, cancel := tr.Hub().Subscribe(32)
	defer cancel()

	_, err := tr.AddData(ctx, "", "/launchers/A", false, nil)
	require.NoError(t, err)

	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for !seen[events.ChildrenChanged+"/launchers"] {
		select {
		case ev := <-ch:
			seen[ev.Type+ev.Path()] = true
			if ev.Type == events.ChildrenChanged && ev.Path() == "/launchers" {
				names, _, err := tr.Children(ctx, "/launchers")
				require.NoError(t, err)
				assert.Equal(t, []string{"A"}, names)
			}
		case <-deadline:
			t.Fatalf("missing children.changed for /launchers, saw %v", seen)
		}
	}
	assert.True(t, seen[events.NodeCreated+"/launchers/A"])
}
