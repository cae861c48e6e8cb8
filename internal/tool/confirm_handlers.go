package tool

import (
	"context"

	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// request_confirmation never reaches Registry.Dispatch: the reasoning
// loop's Execute type-switches on the parsed command and handles
// tool.RequestConfirmation itself (handleConfirmation in
// internal/reasoning/loop.go) before the default case that calls Dispatch
// is ever reached. The confirmation flow has exactly one implementation;
// it lives there, not here.

// handleTaskComplete is the terminal action: it carries no side effect of
// its own, it only exists so the reasoning loop has a DONE signal distinct
// from "no command was parsed."
func handleTaskComplete(_ context.Context, _ *Toolset, _ *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(TaskComplete)
	return types.Success("task complete", c.Answer), nil
}
