package tool

import (
	"context"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/patch"
	"github.com/sandboxhaven/agentd/internal/pathguard"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// handleApplyPatch resolves the patch's target file from the unified diff's
// own "--- a/..." / "+++ b/..." header before handing the rest to
// internal/patch.Apply, so the target path is path-guarded exactly like
// every other filesystem action.
func handleApplyPatch(_ context.Context, ts *Toolset, _ *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(ApplyPatch)

	target, err := patch.TargetFile(c.DiffContent)
	if err != nil {
		return types.ToolResult{}, err
	}

	path, err := pathguard.SafePath(target, ts.SandboxDir)
	if err != nil {
		return types.ToolResult{}, err
	}

	if err := patch.Apply(path, c.DiffContent); err != nil {
		if apierr.Is(err, apierr.PatchNotApplicable) || apierr.Is(err, apierr.NotFound) {
			return types.ToolResult{}, err
		}
		return types.ToolResult{}, apierr.Wrap(apierr.Unknown, "applying patch", err)
	}

	return types.Success("patch applied", map[string]string{"filename": target}), nil
}
