package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestHandleApplyPatch(t *testing.T) {
	ts := newTestToolset(t)
	ctx := context.Background()

	original := "line one\nline two\nline three\n"
	if _, err := handleCreateFile(ctx, ts, nil, CreateFile{Filename: "f.txt", Content: original}); err != nil {
		t.Fatalf("create_file: %v", err)
	}

	diff := "--- a/f.txt\n+++ b/f.txt\n@@ -1,3 +1,3 @@\n line one\n-line two\n+line TWO\n line three\n"

	res, err := handleApplyPatch(ctx, ts, nil, ApplyPatch{DiffContent: diff})
	if err != nil {
		t.Fatalf("apply_patch: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("expected success, got %+v", res)
	}

	got, err := os.ReadFile(filepath.Join(ts.SandboxDir, "f.txt"))
	if err != nil {
		t.Fatalf("reading patched file: %v", err)
	}
	want := "line one\nline TWO\nline three\n"
	if string(got) != want {
		t.Fatalf("patched content = %q, want %q", got, want)
	}
}
