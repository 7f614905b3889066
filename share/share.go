// Package share hands a finished artifact to the user. A configured share
// target is tried first; when it is missing or fails, the artifact is copied
// into the output directory instead. A cancelled share counts as delivered.
package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevecastle/wiggle/export"
)

// ErrCancelled means the user dismissed the share. It is not a failure.
var ErrCancelled = errors.New("share cancelled")

// ErrUnavailable means the target cannot take this artifact.
var ErrUnavailable = errors.New("share target unavailable")

// Sharer offers an artifact through some hand-off surface.
type Sharer interface {
	Share(ctx context.Context, art *export.Artifact) (string, error)
}

// Method names how an artifact was delivered.
type Method string

const (
	MethodShare     Method = "share"
	MethodDownload  Method = "download"
	MethodCancelled Method = "cancelled"
)

// Result describes a delivery.
type Result struct {
	Method Method `json:"method"`
	// URL is set for shared artifacts.
	URL string `json:"url,omitempty"`
	// Path is set for downloaded artifacts.
	Path string `json:"path,omitempty"`
}

// Deliver tries s (which may be nil) and falls back to a download into dir.
func Deliver(ctx context.Context, art *export.Artifact, s Sharer, dir string) (Result, error) {
	if art == nil {
		return Result{}, errors.New("share: no artifact")
	}
	if s != nil {
		url, err := s.Share(ctx, art)
		switch {
		case err == nil:
			log.Printf("share: %s shared at %s", art.Name, redact(url))
			return Result{Method: MethodShare, URL: url}, nil
		case errors.Is(err, ErrCancelled):
			log.Printf("share: %s share cancelled", art.Name)
			return Result{Method: MethodCancelled}, nil
		default:
			log.Printf("share: %s share failed, falling back to download: %v", art.Name, err)
		}
	}
	path, err := Download(art, dir)
	if err != nil {
		return Result{}, err
	}
	return Result{Method: MethodDownload, Path: path}, nil
}

// DownloadName is the file name offered for an artifact, e.g. wiggle.gif.
func DownloadName(art *export.Artifact) string {
	ext := art.Format
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(art.Path), ".")
	}
	return "wiggle." + ext
}

// Download copies the artifact into dir under DownloadName, numbering the
// name when it is taken. It returns the new path.
func Download(art *export.Artifact, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	name := DownloadName(art)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	src, err := os.Open(art.Path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	for i := 0; ; i++ {
		dest := filepath.Join(dir, name)
		if i > 0 {
			dest = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		}
		if filepath.Clean(dest) == filepath.Clean(art.Path) {
			return dest, nil
		}
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(f, src); err != nil {
			f.Close()
			os.Remove(dest)
			return "", fmt.Errorf("copy artifact: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(dest)
			return "", err
		}
		log.Printf("share: %s saved to %s", art.Name, dest)
		return dest, nil
	}
}

func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
