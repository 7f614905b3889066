package tasks

import (
	"sync"

	"github.com/stevecastle/wiggle/capability"
	"github.com/stevecastle/wiggle/export"
	"github.com/stevecastle/wiggle/session"
	"github.com/stevecastle/wiggle/share"
)

// Env is the server state tasks work against. It is set once at startup;
// the capability is replaced after ffmpeg is installed.
type Env struct {
	Sessions   *session.Manager
	Capability capability.Descriptor
	// Depth is nil when no depth service key is configured.
	Depth session.DepthFetcher
	// Sharer is nil when no share target is configured.
	Sharer share.Sharer
	// Starter overrides how ffmpeg is launched; nil runs the real binary.
	Starter export.Starter
}

var (
	envMu sync.RWMutex
	env   Env
)

func SetEnv(e Env) {
	envMu.Lock()
	env = e
	envMu.Unlock()
}

// SetCapability swaps in a freshly detected runtime descriptor.
func SetCapability(d capability.Descriptor) {
	envMu.Lock()
	env.Capability = d
	envMu.Unlock()
}

func currentEnv() Env {
	envMu.RLock()
	defer envMu.RUnlock()
	return env
}

// Capability returns the descriptor tasks currently encode with.
func Capability() capability.Descriptor {
	return currentEnv().Capability
}
