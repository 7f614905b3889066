package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestDirsIncludeAppName(t *testing.T) {
	for name, dir := range map[string]string{
		"data":  GetDataDir(),
		"cache": GetCacheDir(),
		"temp":  GetTempDir(),
	} {
		if !strings.Contains(strings.ToLower(dir), AppName) {
			t.Errorf("%s dir %q does not contain %q", name, dir, AppName)
		}
	}
}

func TestEnsureExecutable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tool")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := EnsureExecutable(p); err != nil {
		t.Fatalf("EnsureExecutable: %v", err)
	}
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0o111 == 0 {
		t.Errorf("mode = %v; want executable bits", info.Mode())
	}
}
