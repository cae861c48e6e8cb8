// Package tool implements the tool registry and its handlers: a static map
// from action name to handler, each with signature (parameters, context) ->
// ToolResult. Commands are represented as a tagged sum (one concrete type
// per action), validated at parse time from the untyped wire shape, per the
// "dynamic JSON command shape" design note — handlers receive typed
// parameters rather than an untyped map.
package tool

import (
	"fmt"

	"github.com/sandboxhaven/agentd/pkg/types"
)

// Command is the typed-variant marker every parsed action implements.
type Command interface {
	commandAction() string
}

type CreateFile struct{ Filename, Content string }
type ReadFile struct{ Filename string }
type ReadProjectFile struct{ Filename string }
type ListAllowedProjectFiles struct{}
type ListDirectory struct{ Path string }
type DeleteFile struct{ Filename string }
type ExecutePythonScript struct{ Script string }
type ApplyPatch struct{ DiffContent string }
type ListSessions struct{}
type LoadSession struct{ SessionName string }
type SaveSession struct{ SessionName string }
type DeleteSession struct{ SessionName string }
type RequestConfirmation struct{ Prompt string }
type TaskComplete struct{ Answer string }

func (CreateFile) commandAction() string               { return "create_file" }
func (ReadFile) commandAction() string                 { return "read_file" }
func (ReadProjectFile) commandAction() string           { return "read_project_file" }
func (ListAllowedProjectFiles) commandAction() string   { return "list_allowed_project_files" }
func (ListDirectory) commandAction() string             { return "list_directory" }
func (DeleteFile) commandAction() string                { return "delete_file" }
func (ExecutePythonScript) commandAction() string       { return "execute_python_script" }
func (ApplyPatch) commandAction() string                { return "apply_patch" }
func (ListSessions) commandAction() string              { return "list_sessions" }
func (LoadSession) commandAction() string                { return "load_session" }
func (SaveSession) commandAction() string                { return "save_session" }
func (DeleteSession) commandAction() string              { return "delete_session" }
func (RequestConfirmation) commandAction() string        { return "request_confirmation" }
func (TaskComplete) commandAction() string                { return "task_complete" }

// ParseCommand validates raw's parameters for its action and returns the
// corresponding typed Command. An unrecognized action returns ok=false so
// the caller can report "unknown action: X" rather than silently no-op.
func ParseCommand(raw types.ToolCommand) (Command, bool, error) {
	str := func(key string) (string, error) {
		v, ok := raw.Parameters[key]
		if !ok {
			return "", fmt.Errorf("missing required parameter %q", key)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("parameter %q must be a string", key)
		}
		return s, nil
	}
	optStr := func(key, def string) string {
		v, ok := raw.Parameters[key]
		if !ok {
			return def
		}
		if s, ok := v.(string); ok {
			return s
		}
		return def
	}

	switch raw.Action {
	case "create_file":
		filename, err := str("filename")
		if err != nil {
			return nil, true, err
		}
		content, err := str("content")
		if err != nil {
			return nil, true, err
		}
		return CreateFile{Filename: filename, Content: content}, true, nil
	case "read_file":
		filename, err := str("filename")
		if err != nil {
			return nil, true, err
		}
		return ReadFile{Filename: filename}, true, nil
	case "read_project_file":
		filename, err := str("filename")
		if err != nil {
			return nil, true, err
		}
		return ReadProjectFile{Filename: filename}, true, nil
	case "list_allowed_project_files":
		return ListAllowedProjectFiles{}, true, nil
	case "list_directory":
		return ListDirectory{Path: optStr("path", "")}, true, nil
	case "delete_file":
		filename, err := str("filename")
		if err != nil {
			return nil, true, err
		}
		return DeleteFile{Filename: filename}, true, nil
	case "execute_python_script":
		script, err := str("script")
		if err != nil {
			return nil, true, err
		}
		return ExecutePythonScript{Script: script}, true, nil
	case "apply_patch":
		diff, err := str("diff_content")
		if err != nil {
			return nil, true, err
		}
		return ApplyPatch{DiffContent: diff}, true, nil
	case "list_sessions":
		return ListSessions{}, true, nil
	case "load_session":
		name, err := str("session_name")
		if err != nil {
			return nil, true, err
		}
		return LoadSession{SessionName: name}, true, nil
	case "save_session":
		name, err := str("session_name")
		if err != nil {
			return nil, true, err
		}
		return SaveSession{SessionName: name}, true, nil
	case "delete_session":
		name, err := str("session_name")
		if err != nil {
			return nil, true, err
		}
		return DeleteSession{SessionName: name}, true, nil
	case "request_confirmation":
		prompt, err := str("prompt")
		if err != nil {
			return nil, true, err
		}
		return RequestConfirmation{Prompt: prompt}, true, nil
	case "task_complete":
		answer, err := str("answer")
		if err != nil {
			return nil, true, err
		}
		return TaskComplete{Answer: answer}, true, nil
	default:
		return nil, false, nil
	}
}
