// Package deps locates and provisions the external tools wiggle shells out
// to. ffmpeg is the only one today; the registry keeps the shape open for
// more.
package deps

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Status is the installation state reported by /health and the CLI.
type Status string

const (
	StatusNotInstalled Status = "not_installed"
	StatusInstalled    Status = "installed"
)

// LogFunc receives human-readable progress lines.
type LogFunc func(line string)

// Dependency is an external tool that can be checked and installed.
type Dependency struct {
	ID          string
	Name        string
	Description string
	TargetDir   string
	DownloadURL string

	// Check reports whether the tool is usable and its version.
	Check func(ctx context.Context) (exists bool, version string, err error)
	// Install downloads and unpacks the tool into TargetDir.
	Install func(ctx context.Context, log LogFunc) error
}

// Info is a point-in-time snapshot of a dependency.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

var (
	mu       sync.RWMutex
	registry = map[string]*Dependency{}
)

// Register adds or replaces a dependency.
func Register(dep *Dependency) {
	mu.Lock()
	defer mu.Unlock()
	registry[dep.ID] = dep
}

// Get looks a dependency up by ID.
func Get(id string) (*Dependency, bool) {
	mu.RLock()
	defer mu.RUnlock()
	dep, ok := registry[id]
	return dep, ok
}

// GetAll returns every registered dependency ordered by ID.
func GetAll() []*Dependency {
	mu.RLock()
	out := make([]*Dependency, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Inspect runs each dependency's Check.
func Inspect(ctx context.Context) []Info {
	var infos []Info
	for _, d := range GetAll() {
		info := Info{ID: d.ID, Name: d.Name, Status: StatusNotInstalled}
		ok, version, err := d.Check(ctx)
		if err != nil {
			info.Error = err.Error()
		}
		if ok {
			info.Status = StatusInstalled
			info.Version = version
		}
		infos = append(infos, info)
	}
	return infos
}

// EnsureAvailable fails when the dependency is missing. It never downloads;
// installation is an explicit job.
func EnsureAvailable(ctx context.Context, id string) error {
	dep, ok := Get(id)
	if !ok {
		return fmt.Errorf("unknown dependency: %s", id)
	}
	exists, _, err := dep.Check(ctx)
	if err != nil {
		return fmt.Errorf("check %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%s is not installed; run the download-%s job or set its path in config", dep.Name, id)
	}
	return nil
}
