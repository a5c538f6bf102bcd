package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/meshkeeper-sub000/internal/auth"
	"github.com/chirino/meshkeeper-sub000/internal/events"
	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/registry/sqltree"
	"github.com/chirino/meshkeeper-sub000/internal/storage"
)

func newTestServer(t *testing.T, cfg Config) (*Server, http.Handler) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(cfg, sqltree.New(db, events.NewHub(64)), log.Discard())
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t, Config{APIKey: "secret"})
	rr := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[HealthzResponse](t, rr).Status)
}

func TestNodeLifecycle(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rr := do(t, h, http.MethodPost, "/v1/nodes", AddNodeRequest{Path: "/launchers/A", Data: []byte("stub")})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "/launchers/A", decode[NodeResponse](t, rr).Path)

	rr = do(t, h, http.MethodPost, "/v1/nodes", AddNodeRequest{Path: "/launchers/A"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, CodeAlreadyExists, decode[ErrorResponse](t, rr).Code)

	rr = do(t, h, http.MethodGet, "/v1/nodes?path=/launchers/A", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	node := decode[NodeResponse](t, rr)
	assert.True(t, node.HasData)
	assert.Equal(t, []byte("stub"), node.Data)

	rr = do(t, h, http.MethodGet, "/v1/children?path=/launchers", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"A"}, decode[ChildrenResponse](t, rr).Children)

	rr = do(t, h, http.MethodDelete, "/v1/nodes?path=/launchers", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, CodeNotEmpty, decode[ErrorResponse](t, rr).Code)

	rr = do(t, h, http.MethodDelete, "/v1/nodes?path=/launchers&recursive=true", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/nodes?path=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeInvalidPath, decode[ErrorResponse](t, rr).Code)
}

func TestSessionLifecycle(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rr := do(t, h, http.MethodPost, "/v1/sessions", CreateSessionRequest{Owner: "agent", TTLMS: 60000})
	require.Equal(t, http.StatusCreated, rr.Code)
	sess := decode[SessionResponse](t, rr)
	require.NotEmpty(t, sess.ID)

	rr = do(t, h, http.MethodPost, "/v1/nodes", AddNodeRequest{Path: "/launchers/A", Session: sess.ID})
	require.Equal(t, http.StatusCreated, rr.Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/v1/sessions/"+sess.ID, nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/sessions/"+sess.ID, nil).Code)

	rr = do(t, h, http.MethodGet, "/v1/children?path=/launchers", nil)
	assert.Empty(t, decode[ChildrenResponse](t, rr).Children, "ephemeral node removed with its session")

	rr = do(t, h, http.MethodPut, "/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeSessionNotFound, decode[ErrorResponse](t, rr).Code)

	rr = do(t, h, http.MethodPost, "/v1/sessions", CreateSessionRequest{Owner: "agent"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChildrenLongPollWakesOnChange(t *testing.T) {
	_, h := newTestServer(t, Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	rr := do(t, h, http.MethodGet, "/v1/children?path=/launchers", nil)
	version := decode[ChildrenResponse](t, rr).Version

	type result struct {
		resp ChildrenResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/v1/children?path=/launchers&since=" + strconv.FormatInt(version, 10) + "&wait=5s")
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var out ChildrenResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		done <- result{resp: out, err: err}
	}()

	// Give the poll a moment to park, then change the tree.
	time.Sleep(50 * time.Millisecond)
	rr = do(t, h, http.MethodPost, "/v1/nodes", AddNodeRequest{Path: "/launchers/A"})
	require.Equal(t, http.StatusCreated, rr.Code)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, []string{"A"}, res.resp.Children)
		assert.NotEqual(t, version, res.resp.Version)
	case <-time.After(3 * time.Second):
		t.Fatal("long-poll did not wake")
	}
}

func TestChildrenLongPollTimesOut(t *testing.T) {
	_, h := newTestServer(t, Config{})
	rr := do(t, h, http.MethodGet, "/v1/children?path=/x&since=0&wait=20ms", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[ChildrenResponse](t, rr)
	assert.Empty(t, resp.Children)
	assert.Zero(t, resp.Version)
}

func TestScopesEnforced(t *testing.T) {
	_, h := newTestServer(t, Config{Tokens: []auth.TokenConfig{{Token: "reader", Scopes: []string{auth.ScopeRegistryRO}}}})

	req := httptest.NewRequest(http.MethodPost, "/v1/nodes", strings.NewReader(`{"path":"/a"}`))
	auth.SetBearer(req, "reader")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/children?path=/", nil)
	auth.SetBearer(req, "reader")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/children?path=/", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestEventsStreamReplaysBuffered(t *testing.T) {
	_, h := newTestServer(t, Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	rr := do(t, h, http.MethodPost, "/v1/nodes", AddNodeRequest{Path: "/launchers/A"})
	require.Equal(t, http.StatusCreated, rr.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	var got strings.Builder
	for !strings.Contains(got.String(), "event: "+events.NodeCreated) {
		n, err := resp.Body.Read(buf)
		got.Write(buf[:n])
		require.NoError(t, err)
	}
	assert.Contains(t, got.String(), `"path":"/launchers/A"`)
}
