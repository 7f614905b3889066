package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/stevecastle/wiggle/platform"
)

// ErrNotFound is returned when an executable is neither configured,
// provisioned nor on PATH.
var ErrNotFound = errors.New("executable not found")

var (
	overrideMu sync.RWMutex
	overrides  = map[string]string{}
)

// SetOverride pins exeName to an explicit path, typically from config.
// An empty path removes the override.
func SetOverride(exeName, path string) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	if path == "" {
		delete(overrides, exeName)
		return
	}
	overrides[exeName] = path
}

// Resolve finds exeName by checking, in order, the configured override, the
// provisioned tools directory and PATH.
func Resolve(exeName string) (string, error) {
	overrideMu.RLock()
	p, ok := overrides[exeName]
	overrideMu.RUnlock()
	if ok {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%w: configured %s path %s: %v", ErrNotFound, exeName, p, err)
		}
		return p, nil
	}

	local := filepath.Join(GetDepsDir(exeName), GetExecutableName(exeName))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	sys, err := exec.LookPath(exeName)
	if err != nil {
		return "", fmt.Errorf("%w: %s (looked in %s and PATH)", ErrNotFound, exeName, filepath.Dir(local))
	}
	return sys, nil
}

// Command builds a context-bound command for exeName. Cancelling ctx kills
// the process.
func Command(ctx context.Context, exeName string, args ...string) (*exec.Cmd, error) {
	path, err := Resolve(exeName)
	if err != nil {
		return nil, err
	}
	return CommandPath(ctx, path, args...), nil
}

// CommandPath is Command for an already resolved executable.
func CommandPath(ctx context.Context, path string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, args...)
	configureSysProcAttr(cmd)
	return cmd
}

// GetExecutableName appends the platform's binary extension.
func GetExecutableName(base string) string {
	return base + platform.BinaryExtension()
}
