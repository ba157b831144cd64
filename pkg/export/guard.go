// Package export writes finished conversations to files under a contained
// export root.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultExportDirName = ".fathom/exports"

// ErrOutsideRoot is returned when a resolved target path escapes the
// export root.
var ErrOutsideRoot = errors.New("resolved path escapes export root")

// Guard resolves and validates export file paths against a single root
// directory.
type Guard struct {
	rootPath string
}

// NewGuard resolves an export root and ensures the directory exists. An
// empty path falls back to ~/.fathom/exports.
func NewGuard(rootPath string) (*Guard, error) {
	resolved, err := resolveRoot(rootPath)
	if err != nil {
		return nil, err
	}

	return &Guard{rootPath: resolved}, nil
}

// Root returns the normalized absolute export root path.
func (g *Guard) Root() string {
	if g == nil {
		return ""
	}

	return g.rootPath
}

// ResolvePath validates a file name and returns its canonical absolute path
// inside the export root.
func (g *Guard) ResolvePath(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New("export file name must not be empty")
	}

	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.rootPath, candidate)
	}

	cleanPath := filepath.Clean(candidate)
	if !isWithin(g.rootPath, cleanPath) {
		return "", ErrOutsideRoot
	}

	return cleanPath, nil
}

func resolveRoot(rootPath string) (string, error) {
	trimmed := strings.TrimSpace(rootPath)
	if trimmed == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed = filepath.Join(homeDir, defaultExportDirName)
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute export path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", fmt.Errorf("resolve export root: %w", err)
	}

	return filepath.Clean(resolved), nil
}

func expandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}
