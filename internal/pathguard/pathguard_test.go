package pathguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafePath_WithinSandbox(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "sandbox")

	got, err := SafePath("notes/todo.txt", base)
	require.NoError(t, err)

	realBase, err := filepath.EvalSymlinks(base)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, realBase))
	assert.Equal(t, filepath.Join(realBase, "notes", "todo.txt"), got)
}

func TestSafePath_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "sandbox")
	require.NoError(t, os.MkdirAll(base, 0755))

	_, err := SafePath("../../etc/passwd", base)
	require.Error(t, err)
	assert.Equal(t, apierr.PathEscape, apierr.KindOf(err))
}

func TestSafePath_RejectsAbsolute(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "sandbox")

	_, err := SafePath("/etc/passwd", base)
	require.Error(t, err)
	assert.Equal(t, apierr.PathEscape, apierr.KindOf(err))
}

func TestSafePath_RejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "sandbox")

	_, err := SafePath("   ", base)
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidArgument, apierr.KindOf(err))
}

func TestSafePath_RejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "sandbox")
	require.NoError(t, os.MkdirAll(base, 0755))

	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.MkdirAll(outside, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0644))

	link := filepath.Join(base, "escape")
	require.NoError(t, os.Symlink(outside, link))

	_, err := SafePath("escape/secret.txt", base)
	require.Error(t, err)
	assert.Equal(t, apierr.PathEscape, apierr.KindOf(err))
}

func TestSafePath_AllowsNotYetCreatedFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "sandbox")

	got, err := SafePath("new/file.txt", base)
	require.NoError(t, err)
	assert.Contains(t, got, "new")
	assert.Contains(t, got, "file.txt")
}
