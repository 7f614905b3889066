//go:build windows

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		return filepath.Join(UserHomeDir(), "."+AppName)
	}
	return filepath.Join(appData, AppDisplayName)
}

// Cache and data share a root on Windows.
func getCacheDir() string {
	return filepath.Join(getDataDir(), "cache")
}

func getTempDir() string {
	return filepath.Join(os.TempDir(), AppDisplayName)
}

func binaryExtension() string { return ".exe" }

func ensureExecutable(path string) error { return nil }
