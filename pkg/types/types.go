// Package types holds the data model shared across the agent server:
// memory records, tool commands/results, parsed model responses, and
// the per-connection active session bundle.
package types

// Role identifies who produced a turn in the conversational buffer.
type Role string

const (
	RoleUser      Role = "user"
	RoleModel     Role = "model"
	RoleToolObs   Role = "tool_observation"
)

// Well-known metadata keys recognized on a MemoryRecord.
const (
	MetaAugmentedPrompt = "augmented_prompt"
	MetaToolName        = "tool_name"
	MetaIsSummary       = "is_summary"

	// MetaLogType tags a model or tool_observation turn with the outbound
	// log_message sub-type it should replay as (see internal/event's LogType
	// constants), since a raw RoleModel record alone can't distinguish a
	// plain info turn from a final answer, and a RoleToolObs record alone
	// can't distinguish a tool observation from a resolved confirmation.
	MetaLogType = "log_type"
)

// MemoryRecord is immutable once stored. Records within a collection are
// totally ordered by Timestamp; ID is unique per collection.
type MemoryRecord struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToolResult is the normative response shape every tool handler returns.
// Content may be a string, list, or structured object depending on action.
type ToolResult struct {
	Status  string `json:"status"` // "success" | "error"
	Message string `json:"message"`
	Content any    `json:"content,omitempty"`
}

func Success(message string, content any) ToolResult {
	return ToolResult{Status: "success", Message: message, Content: content}
}

func Error(message string) ToolResult {
	return ToolResult{Status: "error", Message: message}
}

// ParsedAgentResponse is the output of the response parser: prose to render
// plus an optional structured command. Either may be empty; both empty is
// an error surfaced as an observation to the model.
type ParsedAgentResponse struct {
	Prose   string
	Command *ToolCommand
}

// ToolCommand is the wire shape parsed from model text: an action name plus
// its per-action parameters. Handlers receive it already validated into a
// typed variant (see internal/tool.Command); this shape is the untyped
// on-the-wire form used by the parser and by replay/logging.
type ToolCommand struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}
