// Package pathguard resolves user-supplied paths against a fixed sandbox
// root and rejects traversal. Symlinks are resolved before the containment
// check, including dangling symlinks, following the chained-symlink
// resolution approach used by goclaw's filesystem tools.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandboxhaven/agentd/internal/apierr"
)

// SafePath joins baseDirName (resolved relative to the server's working
// directory, created if absent) with userPath, canonicalizes the result to
// an absolute path, and fails with apierr.PathEscape if the canonical
// result does not have the canonical base as a prefix.
func SafePath(userPath, baseDirName string) (string, error) {
	if strings.TrimSpace(userPath) == "" {
		return "", apierr.New(apierr.InvalidArgument, "path must not be empty")
	}

	base, err := ensureBase(baseDirName)
	if err != nil {
		return "", apierr.Wrap(apierr.Unknown, "resolving sandbox base", err)
	}

	if filepath.IsAbs(userPath) {
		return "", apierr.New(apierr.PathEscape, fmt.Sprintf("absolute path not allowed: %q", userPath))
	}

	candidate := filepath.Clean(filepath.Join(base, userPath))

	real, err := resolveCanonical(candidate)
	if err != nil {
		return "", apierr.Wrap(apierr.PathEscape, "resolving path", err)
	}

	if !isInside(real, base) {
		return "", apierr.New(apierr.PathEscape, fmt.Sprintf("path escapes sandbox: %q", userPath))
	}

	return real, nil
}

// ensureBase canonicalizes baseDirName relative to the current working
// directory, creating it if it does not exist, and returns its resolved
// (symlink-free) absolute form.
func ensureBase(baseDirName string) (string, error) {
	abs, err := filepath.Abs(baseDirName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return real, nil
}

// resolveCanonical resolves path to its canonical form, following symlink
// chains even when the path (or an ancestor) does not yet exist — the
// create_file handler must be able to validate a path before the file it
// names has been written.
func resolveCanonical(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// path doesn't exist: resolve through the deepest existing ancestor and
	// re-append the remaining components, so a not-yet-created file still
	// canonicalizes under any symlinked ancestor directory.
	return resolveThroughExistingAncestors(path)
}

func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	// A dangling symlink is followed to its (not yet existing) destination
	// rather than accepted as the final path component.
	for hops := 0; hops < 40; hops++ {
		fi, err := os.Lstat(target)
		if err != nil || fi.Mode()&os.ModeSymlink == 0 {
			break
		}
		dest, err := os.Readlink(target)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(filepath.Dir(target), dest)
		}
		target = filepath.Clean(dest)
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

// isInside reports whether child is equal to or nested under parent.
func isInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
