package tool

import (
	"context"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// Registry is a static action-name -> Handler map, built once at startup.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds the registry of every action the spec names.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{
		"create_file":                 handleCreateFile,
		"read_file":                   handleReadFile,
		"read_project_file":           handleReadProjectFile,
		"list_allowed_project_files":  handleListAllowedProjectFiles,
		"list_directory":              handleListDirectory,
		"delete_file":                 handleDeleteFile,
		"execute_python_script":       handleExecutePythonScript,
		"apply_patch":                 handleApplyPatch,
		"list_sessions":               handleListSessions,
		"load_session":                handleLoadSession,
		"save_session":                handleSaveSession,
		"delete_session":              handleDeleteSession,
		"task_complete":               handleTaskComplete,
	}}
}

// Dispatch parses raw into its typed Command and runs the matching handler.
// An unrecognized action or a parameter-validation failure is reported as a
// ToolResult{Status: "error"} rather than an error, so the model sees its
// mistake and can correct course within the same loop.
func (r *Registry) Dispatch(ctx context.Context, ts *Toolset, sess *session.ActiveSession, raw types.ToolCommand) (types.ToolResult, error) {
	cmd, known, err := ParseCommand(raw)
	if err != nil {
		return types.Error("invalid parameters for action " + raw.Action + ": " + err.Error()), nil
	}
	if !known {
		return types.Error("unknown action: " + raw.Action), nil
	}

	handler, ok := r.handlers[raw.Action]
	if !ok {
		return types.Error("unknown action: " + raw.Action), nil
	}

	var result types.ToolResult
	if ts.Pool != nil {
		err = ts.Pool.Do(ctx, func(ctx context.Context) error {
			var handlerErr error
			result, handlerErr = handler(ctx, ts, sess, cmd)
			return handlerErr
		})
	} else {
		result, err = handler(ctx, ts, sess, cmd)
	}
	if err != nil {
		if apierr.Is(err, apierr.PathEscape) || apierr.Is(err, apierr.InvalidArgument) || apierr.Is(err, apierr.NotFound) || apierr.Is(err, apierr.PatchNotApplicable) {
			// Domain-shaped failures the model can see and react to, not a
			// reason to tear down the loop.
			return types.Error(err.Error()), nil
		}
		return types.ToolResult{}, err
	}
	return result, nil
}
