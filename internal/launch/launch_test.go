package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/meshkeeper-sub000/internal/expr"
)

func TestDescriptionRoundTrip(t *testing.T) {
	d := NewDescription(expr.Lit("sh"), expr.Lit("-c")).
		Add(expr.Concat(expr.Lit("echo "), expr.Prop("launch.pid"))).
		SetEnv("HOME_DIR", expr.Prop("user.home")).
		SetWorkDir(expr.File(expr.Prop("launch.tmp.dir"))).
		AddTask(Install("org.example:tool:1.0", expr.Prop("launch.tmp.dir"))).
		AddTask(SubLaunch(NewDescription(expr.Lit("true")), time.Second))
	require.NoError(t, d.Validate())

	b, err := json.Marshal(d)
	require.NoError(t, err)
	var back Description
	require.NoError(t, json.Unmarshal(b, &back))
	require.NoError(t, back.Validate())

	props := expr.Properties{"launch.pid": "7", "user.home": "/home/u", "launch.tmp.dir": "/tmp/x", expr.FileSeparator: "/"}
	assert.Equal(t, []string{"sh", "-c", "echo 7"}, expr.EvaluateAll(expr.Unwrap(back.Command), props))
	assert.Equal(t, "/home/u", back.Env["HOME_DIR"].Evaluate(props))
	assert.Equal(t, "/tmp/x", back.WorkDir.Evaluate(props))
	require.Len(t, back.Tasks, 2)
	assert.Equal(t, "org.example:tool:1.0", back.Tasks[0].Install.Artifact)
	assert.Equal(t, time.Second, back.Tasks[1].SubLaunch.Timeout)
}

func TestValidateRejects(t *testing.T) {
	assert.ErrorIs(t, (&Description{}).Validate(), ErrLaunchFailure)
	d := NewDescription(expr.Lit("x")).AddTask(Task{})
	assert.ErrorIs(t, d.Validate(), ErrLaunchFailure)
	d = NewDescription(expr.Lit("x")).AddTask(Install("", expr.Lit("/tmp")))
	assert.ErrorIs(t, d.Validate(), ErrLaunchFailure)
}

func TestTimeoutMapping(t *testing.T) {
	assert.NoError(t, Timeout("bind", nil))
	err := Timeout("bind", fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, ErrTimeout)
	other := errors.New("boom")
	assert.Equal(t, other, Timeout("bind", other))
}

func TestLocalResolver(t *testing.T) {
	repo := t.TempDir()
	dir := filepath.Join(repo, "org", "example", "tool", "1.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tool-1.0.jar"), []byte("jar"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "script.sh"), []byte("#!/bin/sh"), 0o755))

	r := LocalResolver{Dir: repo}
	ctx := context.Background()

	files, err := r.Resolve(ctx, "org.example:tool:1.0")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "tool-1.0.jar")}, files)

	files, err = r.Resolve(ctx, "script.sh")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = r.Resolve(ctx, "org.example:missing:1.0")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	_, err = r.Resolve(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestAgentPath(t *testing.T) {
	assert.Equal(t, "/launchers/AGENT1", AgentPath("AGENT1"))
}
