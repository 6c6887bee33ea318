// Package util provides shared utility functions.
package util

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrBinaryNotFound is returned when no candidate location holds an
// executable.
var ErrBinaryNotFound = errors.New("binary not found")

// FindBinary searches for an executable binary by name.
// Search order:
//  1. configured, when non-empty (a path from the config file)
//  2. Environment variable (if envVar is non-empty and set)
//  3. ./name (current directory, useful for development)
//  4. name on PATH (via exec.LookPath)
//
// A configured path that is not executable is an error rather than a
// fall-through, so a typo in the config is not masked by a PATH binary.
func FindBinary(name, envVar, configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: configured %s path %q is not executable", ErrBinaryNotFound, name, configured)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	// LookPath already verifies executability.
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	// Any of owner/group/other.
	return info.Mode()&0o111 != 0
}
