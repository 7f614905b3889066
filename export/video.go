package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"strconv"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/stevecastle/wiggle/capability"
	"github.com/stevecastle/wiggle/deps"
	"github.com/stevecastle/wiggle/raster"
)

// Candidate is one codec/container pairing in a preference list.
type Candidate struct {
	Name   string            `json:"name"`
	Codec  string            `json:"codec"`
	Muxer  string            `json:"muxer"`
	Ext    string            `json:"ext"`
	MIME   string            `json:"mime"`
	PixFmt string            `json:"pixFmt,omitempty"`
	Args   map[string]string `json:"args,omitempty"`
}

// Known candidates by name. Preference lists in config refer to these.
var Candidates = map[string]Candidate{
	"mp4-nvenc":        {Name: "mp4-nvenc", Codec: "h264_nvenc", Muxer: "mp4", Ext: "mp4", MIME: "video/mp4", PixFmt: "yuv420p", Args: map[string]string{"preset": "p4"}},
	"mp4-videotoolbox": {Name: "mp4-videotoolbox", Codec: "h264_videotoolbox", Muxer: "mp4", Ext: "mp4", MIME: "video/mp4", PixFmt: "yuv420p"},
	"mp4-h264":         {Name: "mp4-h264", Codec: "libx264", Muxer: "mp4", Ext: "mp4", MIME: "video/mp4", PixFmt: "yuv420p", Args: map[string]string{"preset": "medium", "crf": "18", "movflags": "+faststart"}},
	"webm-vp9":         {Name: "webm-vp9", Codec: "libvpx-vp9", Muxer: "webm", Ext: "webm", MIME: "video/webm", PixFmt: "yuv420p", Args: map[string]string{"b:v": "0", "crf": "30"}},
	"webm-vp8":         {Name: "webm-vp8", Codec: "libvpx", Muxer: "webm", Ext: "webm", MIME: "video/webm", PixFmt: "yuv420p", Args: map[string]string{"b:v": "4M"}},
	"mp4-mpeg4":        {Name: "mp4-mpeg4", Codec: "mpeg4", Muxer: "mp4", Ext: "mp4", MIME: "video/mp4", PixFmt: "yuv420p", Args: map[string]string{"q:v": "3"}},
	"avi-mjpeg":        {Name: "avi-mjpeg", Codec: "mjpeg", Muxer: "avi", Ext: "avi", MIME: "video/x-msvideo", PixFmt: "yuvj420p", Args: map[string]string{"q:v": "3"}},
}

// DefaultPreferences lists software encoders from most to least preferred,
// ending in an intra-frame container every ffmpeg build can write. With
// hardware set, the platform's hardware H.264 encoder goes first.
func DefaultPreferences(hardware bool) []string {
	prefs := []string{"mp4-h264", "webm-vp9", "webm-vp8", "mp4-mpeg4", "avi-mjpeg"}
	if !hardware {
		return prefs
	}
	switch runtime.GOOS {
	case "darwin":
		return append([]string{"mp4-videotoolbox"}, prefs...)
	default:
		return append([]string{"mp4-nvenc"}, prefs...)
	}
}

// LookupCandidates maps names to candidates, rejecting unknown names.
func LookupCandidates(names []string) ([]Candidate, error) {
	out := make([]Candidate, 0, len(names))
	for _, n := range names {
		c, ok := Candidates[n]
		if !ok {
			return nil, fmt.Errorf("unknown video preference %q", n)
		}
		out = append(out, c)
	}
	return out, nil
}

// Negotiate returns the first candidate whose codec and container the
// runtime supports. Nothing is executed.
func Negotiate(prefs []Candidate, d capability.Descriptor) (Candidate, error) {
	if !d.CanEncodeVideo() {
		return Candidate{}, fmt.Errorf("%w: ffmpeg not available", ErrEncodingUnsupported)
	}
	for _, c := range prefs {
		if d.HasEncoder(c.Codec) && d.HasMuxer(c.Muxer) {
			return c, nil
		}
	}
	names := make([]string, len(prefs))
	for i, c := range prefs {
		names[i] = c.Name
	}
	return Candidate{}, fmt.Errorf("%w: none of [%s] supported by %s", ErrEncodingUnsupported, strings.Join(names, ", "), d.FFmpegPath)
}

// Process is a running encoder that reads raw frames from Stdin.
type Process interface {
	Stdin() io.WriteCloser
	// Wait blocks until exit and returns a descriptive error on failure.
	Wait() error
}

// Starter launches ffmpeg with args.
type Starter func(ctx context.Context, ffmpegPath string, args []string) (Process, error)

// VideoEncoder streams raw RGBA frames into ffmpeg using the negotiated
// codec and container.
type VideoEncoder struct {
	desc   capability.Descriptor
	chosen Candidate
	start  Starter
}

// NewVideoEncoder negotiates a candidate up front so an unsupported runtime
// is reported before any rendering. A nil start uses the real ffmpeg.
func NewVideoEncoder(desc capability.Descriptor, prefs []Candidate, start Starter) (*VideoEncoder, error) {
	c, err := Negotiate(prefs, desc)
	if err != nil {
		return nil, err
	}
	if start == nil {
		start = startFFmpeg
	}
	log.Printf("export: video encoder %s (%s in %s)", c.Name, c.Codec, c.Muxer)
	return &VideoEncoder{desc: desc, chosen: c, start: start}, nil
}

// Candidate returns the negotiated pairing.
func (e *VideoEncoder) Candidate() Candidate { return e.chosen }

func (e *VideoEncoder) Name() string      { return "video/" + e.chosen.Name }
func (e *VideoEncoder) Extension() string { return e.chosen.Ext }
func (e *VideoEncoder) MIME() string      { return e.chosen.MIME }

// Args builds the ffmpeg command line for a width×height stream at fps.
func (e *VideoEncoder) Args(path string, width, height, fps int) []string {
	in := ffmpeg.KwArgs{
		"f":         "rawvideo",
		"pix_fmt":   "rgba",
		"s":         fmt.Sprintf("%dx%d", width, height),
		"framerate": strconv.Itoa(fps),
	}
	out := ffmpeg.KwArgs{
		"c:v": e.chosen.Codec,
		"f":   e.chosen.Muxer,
		"r":   strconv.Itoa(fps),
	}
	if e.chosen.PixFmt != "" {
		out["pix_fmt"] = e.chosen.PixFmt
	}
	// yuv420p needs even dimensions.
	if width%2 != 0 || height%2 != 0 {
		out["vf"] = "pad=ceil(iw/2)*2:ceil(ih/2)*2"
	}
	for k, v := range e.chosen.Args {
		out[k] = v
	}
	return ffmpeg.Input("pipe:", in).
		Output(path, out).
		OverWriteOutput().
		GetArgs()
}

func (e *VideoEncoder) Begin(ctx context.Context, path string, width, height int, plan Plan) (FrameWriter, error) {
	ctx, cancel := context.WithCancel(ctx)
	proc, err := e.start(ctx, e.desc.FFmpegPath, e.Args(path, width, height, plan.FPS))
	if err != nil {
		cancel()
		return nil, err
	}
	return &videoWriter{proc: proc, cancel: cancel, frameSize: width * height * 4}, nil
}

type videoWriter struct {
	proc      Process
	cancel    context.CancelFunc
	frameSize int
	once      sync.Once
}

func (w *videoWriter) WriteFrame(frame *raster.PixelBuffer) error {
	if len(frame.Pix) != w.frameSize {
		return fmt.Errorf("frame has %d bytes; want %d", len(frame.Pix), w.frameSize)
	}
	if _, err := w.proc.Stdin().Write(frame.Pix); err != nil {
		// ffmpeg exited early; its own error is more useful than EPIPE.
		if werr := w.finish(); werr != nil {
			return werr
		}
		return err
	}
	return nil
}

func (w *videoWriter) finish() error {
	var err error
	w.once.Do(func() {
		w.proc.Stdin().Close()
		err = w.proc.Wait()
		w.cancel()
	})
	return err
}

func (w *videoWriter) Finish() error { return w.finish() }

func (w *videoWriter) Abort() {
	w.cancel()
	w.finish()
}

// ffmpegProcess adapts exec.Cmd to Process, keeping the tail of stderr for
// error messages.
type ffmpegProcess struct {
	stdin  io.WriteCloser
	wait   func() error
	stderr *tailBuffer
}

func (p *ffmpegProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *ffmpegProcess) Wait() error {
	if err := p.wait(); err != nil {
		if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return nil
}

func startFFmpeg(ctx context.Context, ffmpegPath string, args []string) (Process, error) {
	if ffmpegPath == "" {
		return nil, errors.New("ffmpeg path is empty")
	}
	cmd := deps.CommandPath(ctx, ffmpegPath, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	tail := &tailBuffer{max: 4096}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &ffmpegProcess{stdin: stdin, wait: cmd.Wait, stderr: tail}, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
