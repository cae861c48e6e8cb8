package tool

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/pathguard"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// skipDirPatterns names the directories a recursive list_directory never
// descends into, matched with doublestar the same way the teacher's
// matchWildcard helper matches agent file-pattern globs.
var skipDirPatterns = []string{
	".*", "vendor", "node_modules", "__pycache__", "dist", "build",
}

func skipDir(name string) bool {
	for _, pattern := range skipDirPatterns {
		if matched, _ := doublestar.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

func handleCreateFile(_ context.Context, ts *Toolset, _ *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(CreateFile)
	path, err := pathguard.SafePath(c.Filename, ts.SandboxDir)
	if err != nil {
		return types.ToolResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return types.ToolResult{}, apierr.Wrap(apierr.Unknown, "creating parent directory", err)
	}
	if err := os.WriteFile(path, []byte(c.Content), 0644); err != nil {
		return types.ToolResult{}, apierr.Wrap(apierr.Unknown, "writing file", err)
	}
	return types.Success("file created", map[string]string{"filename": c.Filename}), nil
}

func handleReadFile(_ context.Context, ts *Toolset, _ *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(ReadFile)
	path, err := pathguard.SafePath(c.Filename, ts.SandboxDir)
	if err != nil {
		return types.ToolResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ToolResult{}, apierr.Wrap(apierr.NotFound, "no such file: "+c.Filename, err)
		}
		return types.ToolResult{}, apierr.Wrap(apierr.Unknown, "reading file", err)
	}
	return types.Success("file read", string(data)), nil
}

// handleReadProjectFile serves a file from the server's own project tree,
// restricted to the configured allow-list rather than the sandbox — the
// model may inspect its own source but never write to it.
func handleReadProjectFile(_ context.Context, ts *Toolset, _ *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(ReadProjectFile)
	if !isAllowedProjectFile(c.Filename, ts.AllowedProjectFiles) {
		return types.ToolResult{}, apierr.New(apierr.PathEscape, "file not in allowed project file list: "+c.Filename)
	}
	path, err := pathguard.SafePath(c.Filename, ts.ProjectRoot)
	if err != nil {
		return types.ToolResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ToolResult{}, apierr.Wrap(apierr.NotFound, "no such project file: "+c.Filename, err)
		}
		return types.ToolResult{}, apierr.Wrap(apierr.Unknown, "reading project file", err)
	}
	return types.Success("project file read", string(data)), nil
}

func handleListAllowedProjectFiles(_ context.Context, ts *Toolset, _ *session.ActiveSession, _ Command) (types.ToolResult, error) {
	list := make([]string, len(ts.AllowedProjectFiles))
	copy(list, ts.AllowedProjectFiles)
	sort.Strings(list)
	return types.Success("allowed project files", list), nil
}

// handleListDirectory walks path recursively, skipping hidden and vendor
// directories (per skipDirPatterns), and returns every file and directory
// path relative to path, directories suffixed with "/".
func handleListDirectory(_ context.Context, ts *Toolset, _ *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(ListDirectory)
	dir := c.Path
	if dir == "" {
		dir = "." // no path given: list the sandbox root
	}
	root, err := pathguard.SafePath(dir, ts.SandboxDir)
	if err != nil {
		return types.ToolResult{}, err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return types.ToolResult{}, apierr.Wrap(apierr.NotFound, "no such directory: "+c.Path, err)
		}
		return types.ToolResult{}, apierr.Wrap(apierr.Unknown, "listing directory", err)
	}

	var names []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			names = append(names, rel+"/")
			return nil
		}
		names = append(names, rel)
		return nil
	})
	if walkErr != nil {
		return types.ToolResult{}, apierr.Wrap(apierr.Unknown, "listing directory", walkErr)
	}

	sort.Strings(names)
	return types.Success("directory listed", names), nil
}

func handleDeleteFile(_ context.Context, ts *Toolset, _ *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(DeleteFile)
	path, err := pathguard.SafePath(c.Filename, ts.SandboxDir)
	if err != nil {
		return types.ToolResult{}, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return types.ToolResult{}, apierr.Wrap(apierr.NotFound, "no such file: "+c.Filename, err)
		}
		return types.ToolResult{}, apierr.Wrap(apierr.Unknown, "deleting file", err)
	}
	return types.Success("file deleted", map[string]string{"filename": c.Filename}), nil
}

// isAllowedProjectFile reports whether filename (cleaned) exactly matches a
// cleaned entry of allowed, per the whitelist-not-glob rule: the project
// file surface is a short, explicit list, not a pattern match.
func isAllowedProjectFile(filename string, allowed []string) bool {
	clean := filepath.Clean(filename)
	for _, a := range allowed {
		if filepath.Clean(a) == clean {
			return true
		}
	}
	return false
}
