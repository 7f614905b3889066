package deps

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/bodgit/sevenzip"
	"github.com/stevecastle/wiggle/platform"
	"github.com/ulikunitz/xz"
)

// Selector decides which archive entries to keep. It returns the file name
// to write under the destination directory.
type Selector func(entry string) (name string, keep bool)

// SelectBinaries keeps entries whose base name is one of the given tools,
// flattening them into the destination directory.
func SelectBinaries(tools ...string) Selector {
	want := make(map[string]bool, len(tools))
	for _, t := range tools {
		want[GetExecutableName(t)] = true
		want[t] = true
	}
	return func(entry string) (string, bool) {
		base := path.Base(filepath.ToSlash(entry))
		return base, want[base]
	}
}

// ErrNothingExtracted means the selector matched no archive entries.
var ErrNothingExtracted = errors.New("no matching files in archive")

// Extract unpacks archivePath into destDir according to kind ("zip",
// "tar.xz" or "7z") and returns the written paths.
func Extract(kind, archivePath, destDir string, sel Selector) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	var (
		written []string
		err     error
	)
	switch kind {
	case "zip":
		written, err = extractZip(archivePath, destDir, sel)
	case "tar.xz":
		written, err = extractTarXz(archivePath, destDir, sel)
	case "7z":
		written, err = extract7z(archivePath, destDir, sel)
	default:
		return nil, fmt.Errorf("unsupported archive type %q", kind)
	}
	if err != nil {
		return written, err
	}
	if len(written) == 0 {
		return nil, ErrNothingExtracted
	}
	return written, nil
}

func extractZip(archivePath, destDir string, sel Selector) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	var written []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, keep := sel(f.Name)
		if !keep {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return written, fmt.Errorf("open %s in archive: %w", f.Name, err)
		}
		dest := filepath.Join(destDir, name)
		err = writeEntry(dest, rc)
		rc.Close()
		if err != nil {
			return written, err
		}
		written = append(written, dest)
	}
	return written, nil
}

func extractTarXz(archivePath, destDir string, sel Selector) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}
	tr := tar.NewReader(xr)

	var written []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, keep := sel(hdr.Name)
		if !keep {
			continue
		}
		dest := filepath.Join(destDir, name)
		if err := writeEntry(dest, tr); err != nil {
			return written, err
		}
		written = append(written, dest)
	}
	return written, nil
}

func extract7z(archivePath, destDir string, sel Selector) ([]string, error) {
	r, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open 7z: %w", err)
	}
	defer r.Close()

	var written []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, keep := sel(f.Name)
		if !keep {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return written, fmt.Errorf("open %s in archive: %w", f.Name, err)
		}
		dest := filepath.Join(destDir, name)
		err = writeEntry(dest, rc)
		rc.Close()
		if err != nil {
			return written, err
		}
		written = append(written, dest)
	}
	return written, nil
}

func writeEntry(dest string, r io.Reader) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", filepath.Base(dest), err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return platform.EnsureExecutable(dest)
}
