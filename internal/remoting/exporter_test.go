package remoting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/meshkeeper-sub000/internal/auth"
)

var errBusy = errors.New("busy")

func init() {
	RegisterError("test_busy", errBusy)
}

type echoService struct{}

type echoArgs struct {
	Text string `json:"text"`
}

func (s *echoService) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case "echo":
		var a echoArgs
		if err := DecodeArgs(args, &a); err != nil {
			return nil, err
		}
		return a, nil
	case "busy":
		return nil, errBusy
	case "slow":
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	default:
		return nil, NoSuchMethod(method)
	}
}

func startExporter(t *testing.T, cfg ExporterConfig) *HTTPExporter {
	t.Helper()
	e := NewHTTPExporter(cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestExportAndCall(t *testing.T) {
	e := startExporter(t, ExporterConfig{})
	stub, err := e.Export(&echoService{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stub.Address, "http://127.0.0.1:"))

	c := NewCaller("", nil)
	var out echoArgs
	require.NoError(t, c.Call(context.Background(), stub, "echo", echoArgs{Text: "hello"}, &out))
	assert.Equal(t, "hello", out.Text)
}

func TestErrorsSurviveTheWire(t *testing.T) {
	e := startExporter(t, ExporterConfig{})
	stub, err := e.Export(&echoService{})
	require.NoError(t, err)
	c := NewCaller("", nil)
	ctx := context.Background()

	err = c.Call(ctx, stub, "busy", nil, nil)
	assert.ErrorIs(t, err, errBusy)

	err = c.Call(ctx, stub, "nope", nil, nil)
	assert.ErrorIs(t, err, ErrNoSuchMethod)

	err = c.Call(ctx, stub, "echo", "not an object", nil)
	assert.ErrorIs(t, err, ErrBadArguments)

	require.NoError(t, e.Unexport(stub.ID))
	err = c.Call(ctx, stub, "echo", nil, nil)
	assert.ErrorIs(t, err, ErrNoSuchObject)
}

func TestCallHonorsDeadline(t *testing.T) {
	e := startExporter(t, ExporterConfig{})
	stub, err := e.Export(&echoService{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = NewCaller("", nil).Call(ctx, stub, "slow", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExportBeforeStartFails(t *testing.T) {
	e := NewHTTPExporter(ExporterConfig{})
	_, err := e.Export(&echoService{})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestExporterRequiresToken(t *testing.T) {
	e := NewHTTPExporter(ExporterConfig{Tokens: []auth.TokenConfig{{Token: "caller", Scopes: []string{auth.ScopeObjects}}}})
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()
	e.objects["obj"] = &echoService{}

	stub := Stub{ID: "obj", Address: srv.URL}
	err := NewCaller("", nil).Call(context.Background(), stub, "echo", echoArgs{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Authorization")

	require.NoError(t, NewCaller("caller", nil).Call(context.Background(), stub, "echo", echoArgs{}, nil))
}

func TestDecodeReplyValidation(t *testing.T) {
	_, err := DecodeReply(strings.NewReader(`{}`))
	assert.ErrorContains(t, err, "status")
	_, err = DecodeReply(strings.NewReader(`{"status":"error"}`))
	assert.ErrorContains(t, err, "no error message")
	_, err = DecodeReply(strings.NewReader(`{"status":"maybe"}`))
	assert.ErrorContains(t, err, "invalid status")

	res, err := DecodeReply(strings.NewReader(`{"status":"ok","result":{"a":1}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(res))
}
