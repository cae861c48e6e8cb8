package tool

import (
	"testing"

	"github.com/sandboxhaven/agentd/pkg/types"
)

func TestParseCommand_CreateFile(t *testing.T) {
	cmd, ok, err := ParseCommand(types.ToolCommand{
		Action:     "create_file",
		Parameters: map[string]any{"filename": "a.txt", "content": "hello"},
	})
	if err != nil || !ok {
		t.Fatalf("ParseCommand() = %v, ok=%v, err=%v", cmd, ok, err)
	}
	cf, ok := cmd.(CreateFile)
	if !ok {
		t.Fatalf("expected CreateFile, got %T", cmd)
	}
	if cf.Filename != "a.txt" || cf.Content != "hello" {
		t.Fatalf("unexpected fields: %+v", cf)
	}
}

func TestParseCommand_MissingRequiredParameter(t *testing.T) {
	_, ok, err := ParseCommand(types.ToolCommand{
		Action:     "create_file",
		Parameters: map[string]any{"filename": "a.txt"},
	})
	if !ok {
		t.Fatalf("expected action to be recognized")
	}
	if err == nil {
		t.Fatalf("expected error for missing content parameter")
	}
}

func TestParseCommand_UnknownAction(t *testing.T) {
	_, ok, err := ParseCommand(types.ToolCommand{Action: "launch_missiles"})
	if ok {
		t.Fatalf("expected unknown action to be rejected")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseCommand_ListDirectoryDefaultsPath(t *testing.T) {
	cmd, ok, err := ParseCommand(types.ToolCommand{Action: "list_directory"})
	if err != nil || !ok {
		t.Fatalf("ParseCommand() ok=%v, err=%v", ok, err)
	}
	ld := cmd.(ListDirectory)
	if ld.Path != "" {
		t.Fatalf("expected default path \"\", got %q", ld.Path)
	}
}
