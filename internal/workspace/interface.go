package workspace

import (
	"context"
	"path/filepath"
	"time"
)

// Workspace is the scratch directory of one render job. The typesetter and
// rasterizer read and write only inside Dir.
type Workspace struct {
	JobID string
	Dir   string
}

// Path returns name resolved inside the workspace.
func (w Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs render job workspace lifecycle.
type Manager interface {
	// Create initializes a new, empty workspace for jobID.
	Create(ctx context.Context, jobID string) (Workspace, error)

	// Remove deletes the workspace for jobID. Removing a missing workspace is
	// not an error.
	Remove(jobID string) error

	// Cleanup removes stale workspaces older than olderThan, such as those
	// left behind by a crash.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
