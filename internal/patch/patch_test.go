package patch

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "target.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestApply_CleanPatch(t *testing.T) {
	original := "line1\nline2\nline3\n"
	path := writeTempFile(t, original)

	diff := "--- a/target.txt\n+++ b/target.txt\n@@ -1,3 +1,3 @@\n line1\n-line2\n+line2 changed\n line3\n"

	err := Apply(path, diff)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2 changed\nline3\n", string(got))
}

func TestApply_LineNumberSelfCorrection(t *testing.T) {
	lines := make([]string, 0, 20)
	for i := 1; i <= 20; i++ {
		lines = append(lines, "l"+strconv.Itoa(i))
	}
	original := strings.Join(lines, "\n") + "\n"
	path := writeTempFile(t, original)

	// Header claims the hunk starts at line 10, but the matching body
	// (l12, l13, l14) actually lives at lines 12-14.
	diff := "--- a/target.txt\n+++ b/target.txt\n@@ -10,3 +10,3 @@\n l12\n-l13\n+l13-changed\n l14\n"

	err := Apply(path, diff)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(got), "l13-changed")
	assert.NotContains(t, string(got), "\nl13\n")
}

func TestApply_UnmatchedPreImageLeavesFileUnchanged(t *testing.T) {
	original := "alpha\nbeta\ngamma\n"
	path := writeTempFile(t, original)

	diff := "--- a/target.txt\n+++ b/target.txt\n@@ -1,3 +1,3 @@\n nomatch1\n-nomatch2\n+changed\n nomatch3\n"

	err := Apply(path, diff)
	require.Error(t, err)
	assert.Equal(t, apierr.PatchNotApplicable, apierr.KindOf(err))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(got))
}

func TestTargetFile_FromPlusPlusPlusHeader(t *testing.T) {
	diff := "--- a/old/name.txt\n+++ b/src/target.txt\n@@ -1 +1 @@\n-x\n+y\n"
	name, err := TargetFile(diff)
	require.NoError(t, err)
	assert.Equal(t, "src/target.txt", name)
}

func TestTargetFile_FallsBackToMinusMinusMinusHeader(t *testing.T) {
	diff := "--- a/only/minus.txt\n@@ -1 +1 @@\n-x\n+y\n"
	name, err := TargetFile(diff)
	require.NoError(t, err)
	assert.Equal(t, "only/minus.txt", name)
}

func TestTargetFile_NoHeaders(t *testing.T) {
	_, err := TargetFile("not a diff at all")
	require.Error(t, err)
	assert.Equal(t, apierr.ParseError, apierr.KindOf(err))
}
