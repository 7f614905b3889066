package deps

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/stevecastle/wiggle/platform"
)

// GetDepsDir is where a provisioned tool is unpacked, e.g.
// ~/.cache/wiggle/ffmpeg on Linux.
func GetDepsDir(id string) string {
	return filepath.Join(platform.GetCacheDir(), id)
}

// GetFFmpegDownloadURL returns a static ffmpeg build for the current OS.
func GetFFmpegDownloadURL() string {
	switch runtime.GOOS {
	case "windows":
		return "https://github.com/BtbN/FFmpeg-Builds/releases/download/latest/ffmpeg-master-latest-win64-gpl.zip"
	case "darwin":
		return "https://evermeet.cx/ffmpeg/getrelease/ffmpeg/7z"
	default:
		if runtime.GOARCH == "arm64" {
			return "https://github.com/BtbN/FFmpeg-Builds/releases/download/latest/ffmpeg-master-latest-linuxarm64-gpl.tar.xz"
		}
		return "https://github.com/BtbN/FFmpeg-Builds/releases/download/latest/ffmpeg-master-latest-linux64-gpl.tar.xz"
	}
}

// archiveKind reports the container format behind a download URL.
func archiveKind(url string) string {
	switch {
	case strings.HasSuffix(url, ".zip"):
		return "zip"
	case strings.HasSuffix(url, ".tar.xz"):
		return "tar.xz"
	case strings.HasSuffix(url, "7z"):
		return "7z"
	}
	return ""
}
