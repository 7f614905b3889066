// Package platform resolves per-OS locations for wiggle's config, cache and
// scratch files, and opens finished artifacts with the desktop's handler.
package platform

import (
	"os"

	"github.com/pkg/browser"
)

const (
	// AppName names the data and cache directories on Unix-like systems.
	AppName = "wiggle"
	// AppDisplayName names the data directory on Windows and macOS.
	AppDisplayName = "Wiggle"
)

// GetDataDir holds config.json, the job database and the default output dir.
//
//	Linux:   $XDG_DATA_HOME/wiggle or ~/.local/share/wiggle
//	macOS:   ~/Library/Application Support/Wiggle
//	Windows: %APPDATA%\Wiggle
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir holds provisioned tools such as ffmpeg.
func GetCacheDir() string {
	return getCacheDir()
}

// GetTempDir holds in-progress export artifacts.
func GetTempDir() string {
	return getTempDir()
}

// BinaryExtension is ".exe" on Windows and empty elsewhere.
func BinaryExtension() string {
	return binaryExtension()
}

// OpenFile hands path to the default application.
func OpenFile(path string) error {
	return browser.OpenFile(path)
}

// OpenURL opens url in the default browser.
func OpenURL(url string) error {
	return browser.OpenURL(url)
}

// EnsureExecutable sets the executable bits where the OS uses them.
func EnsureExecutable(path string) error {
	return ensureExecutable(path)
}

// UserHomeDir falls back to "." when no home directory is known.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
