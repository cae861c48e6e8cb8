package tool

import (
	"context"

	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/internal/vectorstore"
	"github.com/sandboxhaven/agentd/internal/worker"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// Toolset bundles the dependencies every handler may need: the sandbox and
// project roots path-guarded operations are confined to, the vector store
// backing session persistence, and the session registry used by the
// session-management actions. One Toolset is shared by every connection.
type Toolset struct {
	SandboxDir          string
	ProjectRoot         string
	AllowedProjectFiles []string

	Store            *vectorstore.Store
	Sessions         *session.Registry
	SegmentThreshold int

	// Pool bounds concurrent blocking handler work (file I/O, script
	// execution, patch application, store access) process-wide. Nil is
	// valid — Dispatch then runs the handler directly on the caller's
	// goroutine, which is what every handler-level unit test does.
	Pool *worker.Pool
}

// Handler executes one parsed Command against a specific session. Dispatch
// turns a returned PathEscape, InvalidArgument, NotFound or
// PatchNotApplicable error (e.g. "no such file") into a ToolResult with
// Status "error" that is rendered back to the model exactly like a success;
// any other returned error (a store failure, for instance) is passed up to
// the reasoning loop, which ends on it.
type Handler func(ctx context.Context, ts *Toolset, sess *session.ActiveSession, cmd Command) (types.ToolResult, error)
