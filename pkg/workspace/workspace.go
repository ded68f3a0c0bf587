// Package workspace normalizes session working directories.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolve normalizes a working directory path: ${VAR} references are
// expanded from the environment, a leading ~ becomes the home
// directory, and relative paths are made absolute. An empty path
// resolves to the process working directory.
func Resolve(path string) (string, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		return cwd, nil
	}

	path = envVarPattern.ReplaceAllStringFunc(path, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand ~: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", path, err)
	}
	return abs, nil
}

// Ensure makes sure the directory exists, creating it when missing.
// A path occupied by a regular file is rejected.
func Ensure(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create workspace directory: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace path %s is not a directory", path)
	}
	return nil
}

// Prepare resolves and ensures a working directory in one step.
func Prepare(path string) (string, error) {
	resolved, err := Resolve(path)
	if err != nil {
		return "", err
	}
	if err := Ensure(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}
