// Package capability describes what the local encoding runtime can do. A
// Descriptor is resolved once per session and passed down to the exporters,
// which never run ffmpeg on their own.
package capability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/stevecastle/wiggle/deps"
)

// Descriptor is the resolved encoder and container support of one runtime.
type Descriptor struct {
	FFmpegPath string          `json:"ffmpegPath,omitempty"`
	Encoders   map[string]bool `json:"-"`
	Muxers     map[string]bool `json:"-"`
	// Share reports whether a share target is configured.
	Share bool `json:"share"`
	// Workers bounds CPU-parallel work such as palette quantization.
	Workers int `json:"workers"`
}

// Static builds a descriptor from explicit lists.
func Static(ffmpegPath string, encoders, muxers []string) Descriptor {
	d := Descriptor{
		FFmpegPath: ffmpegPath,
		Encoders:   make(map[string]bool, len(encoders)),
		Muxers:     make(map[string]bool, len(muxers)),
		Workers:    runtime.NumCPU(),
	}
	for _, e := range encoders {
		d.Encoders[e] = true
	}
	for _, m := range muxers {
		d.Muxers[m] = true
	}
	return d
}

// HasEncoder reports whether codec can be encoded.
func (d Descriptor) HasEncoder(codec string) bool { return d.Encoders[codec] }

// HasMuxer reports whether container can be written.
func (d Descriptor) HasMuxer(format string) bool { return d.Muxers[format] }

// CanEncodeVideo reports whether any ffmpeg was found.
func (d Descriptor) CanEncodeVideo() bool { return d.FFmpegPath != "" }

// Summary is the JSON-friendly view used by /health.
type Summary struct {
	FFmpeg   string   `json:"ffmpeg,omitempty"`
	Encoders []string `json:"encoders"`
	Muxers   []string `json:"muxers"`
	Share    bool     `json:"share"`
	Workers  int      `json:"workers"`
}

// Summary lists the supported encoders and muxers sorted by name.
func (d Descriptor) Summary() Summary {
	return Summary{
		FFmpeg:   d.FFmpegPath,
		Encoders: keys(d.Encoders),
		Muxers:   keys(d.Muxers),
		Share:    d.Share,
		Workers:  d.Workers,
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, ok := range m {
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Runner executes a tool and returns its stdout.
type Runner func(ctx context.Context, path string, args ...string) ([]byte, error)

// Query asks ffmpeg at path for its encoders and muxers. An empty path yields
// a descriptor with no video support.
func Query(ctx context.Context, path string, run Runner) (Descriptor, error) {
	d := Static(path, nil, nil)
	if path == "" {
		return d, nil
	}
	out, err := run(ctx, path, "-hide_banner", "-encoders")
	if err != nil {
		return d, fmt.Errorf("list encoders: %w", err)
	}
	for _, e := range ParseEncoders(string(out)) {
		d.Encoders[e] = true
	}
	out, err = run(ctx, path, "-hide_banner", "-muxers")
	if err != nil {
		return d, fmt.Errorf("list muxers: %w", err)
	}
	for _, m := range ParseMuxers(string(out)) {
		d.Muxers[m] = true
	}
	log.Printf("capability: %s has %d video encoders, %d muxers", path, len(d.Encoders), len(d.Muxers))
	return d, nil
}

// Detect resolves ffmpeg through deps and queries it. A missing ffmpeg is not
// an error; the descriptor simply cannot encode video.
func Detect(ctx context.Context) (Descriptor, error) {
	path, err := deps.FFmpegPath()
	if errors.Is(err, deps.ErrNotFound) {
		log.Printf("capability: ffmpeg not found, video export disabled")
		return Static("", nil, nil), nil
	}
	if err != nil {
		return Static("", nil, nil), err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return Query(ctx, path, execRunner)
}

func execRunner(ctx context.Context, path string, args ...string) ([]byte, error) {
	return deps.CommandPath(ctx, path, args...).Output()
}

// ParseEncoders reads `ffmpeg -encoders` output and returns the video
// encoder names. Rows follow a dashed separator and start with a six
// character flag field whose first letter is the media type.
func ParseEncoders(out string) []string {
	var names []string
	for _, f := range tableRows(out) {
		if len(f) < 2 || len(f[0]) == 0 || f[0][0] != 'V' {
			continue
		}
		names = append(names, f[1])
	}
	return names
}

// ParseMuxers reads `ffmpeg -muxers` output. Flag fields contain 'E' for
// muxing; a name may list several comma separated aliases.
func ParseMuxers(out string) []string {
	var names []string
	for _, f := range tableRows(out) {
		if len(f) < 2 || !strings.Contains(f[0], "E") {
			continue
		}
		names = append(names, strings.Split(f[1], ",")...)
	}
	return names
}

func tableRows(out string) [][]string {
	var rows [][]string
	started := false
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !started {
			if strings.HasPrefix(line, "--") || strings.HasPrefix(line, "------") {
				started = true
			}
			continue
		}
		rows = append(rows, strings.Fields(line))
	}
	return rows
}
