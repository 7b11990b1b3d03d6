package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateComponent checks that name can be used as a single path element:
// non-empty, no separators, and not a dot segment.
func ValidateComponent(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty path component")
	case name == "." || name == "..":
		return fmt.Errorf("invalid path component %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("path component %q must not contain separators", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("path component %q contains NUL", name)
	}
	return nil
}

// ValidatePathWithinDirectory checks that filePath resolves inside safeDir.
// Symlinks are resolved on the nearest existing ancestor of filePath, so a
// link under safeDir pointing elsewhere is rejected even when the leaf does
// not exist yet.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	relPath, err := filepath.Rel(canonicalSafeDir, canonicalize(absPath))
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s escapes %s", filePath, safeDir)
	}
	return nil
}

// canonicalize resolves symlinks in the longest existing prefix of path.
func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, path)
			return filepath.Join(resolved, rel)
		}
		if parent := filepath.Dir(dir); parent == dir {
			return path
		}
	}
}
