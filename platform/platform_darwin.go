//go:build darwin

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	return filepath.Join(UserHomeDir(), "Library", "Application Support", AppDisplayName)
}

func getCacheDir() string {
	return filepath.Join(UserHomeDir(), "Library", "Caches", AppName)
}

func getTempDir() string {
	return filepath.Join(os.TempDir(), AppName)
}

func binaryExtension() string { return "" }

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode()|0o111)
}
