package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

func init() {
	Register(&Dependency{
		ID:          "ffmpeg",
		Name:        "FFmpeg",
		Description: "Encodes exported frames into video containers",
		TargetDir:   GetDepsDir("ffmpeg"),
		DownloadURL: GetFFmpegDownloadURL(),
		Check:       checkFFmpeg,
		Install:     installFFmpeg,
	})
}

// FFmpegPath resolves the ffmpeg executable.
func FFmpegPath() (string, error) {
	return Resolve("ffmpeg")
}

func checkFFmpeg(ctx context.Context) (bool, string, error) {
	exe, err := FFmpegPath()
	if errors.Is(err, ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}

	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := CommandPath(vctx, exe, "-hide_banner", "-version").CombinedOutput()
	if err != nil {
		return false, "", fmt.Errorf("run %s -version: %w", exe, err)
	}
	return true, ParseFFmpegVersion(string(out)), nil
}

var versionRe = regexp.MustCompile(`ffmpeg version (\S+)`)

// ParseFFmpegVersion extracts the version token from `ffmpeg -version`.
func ParseFFmpegVersion(output string) string {
	if m := versionRe.FindStringSubmatch(output); len(m) > 1 {
		return m[1]
	}
	return "unknown"
}

func installFFmpeg(ctx context.Context, log LogFunc) error {
	dep, ok := Get("ffmpeg")
	if !ok {
		return fmt.Errorf("ffmpeg dependency not registered")
	}
	if log == nil {
		log = func(string) {}
	}
	kind := archiveKind(dep.DownloadURL)
	if kind == "" {
		return fmt.Errorf("cannot tell archive type of %s", dep.DownloadURL)
	}
	if err := os.MkdirAll(dep.TargetDir, 0o755); err != nil {
		return err
	}

	archive := filepath.Join(dep.TargetDir, "download-"+uuid.NewString()+"."+kind)
	defer os.Remove(archive)

	log("Downloading " + dep.DownloadURL)
	var lastPct int64 = -1
	err := DownloadFile(ctx, nil, archive, dep.DownloadURL, func(done, total int64) {
		if total <= 0 {
			return
		}
		if pct := done * 100 / total; pct/10 != lastPct/10 {
			lastPct = pct
			log(fmt.Sprintf("%d%% (%s / %s)", pct, FormatBytes(done), FormatBytes(total)))
		}
	})
	if err != nil {
		return fmt.Errorf("download ffmpeg: %w", err)
	}

	log("Extracting " + kind + " archive")
	files, err := Extract(kind, archive, dep.TargetDir, SelectBinaries("ffmpeg", "ffprobe"))
	if err != nil {
		return fmt.Errorf("extract ffmpeg: %w", err)
	}
	for _, f := range files {
		log("Installed " + f)
	}
	return nil
}
