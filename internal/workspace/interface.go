package workspace

import (
	"context"
	"time"
)

// Workspace is the private temp directory of one launch. Its path is
// published to the launched process as the launch.tmp.dir property.
type Workspace struct {
	ID  string
	Dir string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs per-launch temp directory lifecycle under an agent's data
// directory.
type Manager interface {
	// Create initializes a new workspace for id.
	Create(ctx context.Context, id string) (Workspace, error)

	// Open resolves an existing workspace for id.
	Open(ctx context.Context, id string) (Workspace, error)

	// Remove deletes the workspace for id. A missing workspace is not an error.
	Remove(ctx context.Context, id string) error

	// Sweep removes every workspace for which keep returns false. A nil keep
	// removes them all.
	Sweep(ctx context.Context, keep func(id string) bool) (CleanupReport, error)

	// Cleanup removes workspaces older than olderThan for which keep returns
	// false. A nil keep considers every workspace.
	Cleanup(ctx context.Context, olderThan time.Duration, keep func(id string) bool) (CleanupReport, error)
}
