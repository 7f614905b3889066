// Package export turns a parallax source into a fixed-length frame sequence
// and writes it to an artifact file. Frame i is rendered at progress
// i/(seconds*fps), independent of wall-clock time, so every export of the
// same inputs is identical to the live preview at those progress values.
package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/stevecastle/wiggle/deps"
	"github.com/stevecastle/wiggle/parallax"
	"github.com/stevecastle/wiggle/raster"
)

var (
	// ErrEncodingUnsupported means the runtime cannot produce the requested
	// artifact. It is reported before any frame is rendered.
	ErrEncodingUnsupported = errors.New("encoding unsupported")
	// ErrEncoderFailure means the encoder failed after it started. Partial
	// output has been removed.
	ErrEncoderFailure = errors.New("encoder failure")
)

// EncoderError carries the encoder and step that failed. It matches both
// ErrEncoderFailure and the underlying cause with errors.Is.
type EncoderError struct {
	Encoder string
	Op      string
	Err     error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrEncoderFailure, e.Encoder, e.Op, e.Err)
}

func (e *EncoderError) Unwrap() []error { return []error{ErrEncoderFailure, e.Err} }

func encoderErr(encoder, op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EncoderError
	if errors.As(err, &ee) {
		return err
	}
	return &EncoderError{Encoder: encoder, Op: op, Err: err}
}

// MaxFPS bounds requested frame rates.
const MaxFPS = 120

// Plan fixes the length and rate of an export.
type Plan struct {
	Seconds float64 `json:"seconds"`
	FPS     int     `json:"fps"`
}

// Validate rejects plans that would yield no frames.
func (p Plan) Validate() error {
	if math.IsNaN(p.Seconds) || math.IsInf(p.Seconds, 0) || p.Seconds <= 0 {
		return fmt.Errorf("invalid duration %v seconds", p.Seconds)
	}
	if p.FPS <= 0 || p.FPS > MaxFPS {
		return fmt.Errorf("invalid fps %d: must be 1..%d", p.FPS, MaxFPS)
	}
	if p.Frames() < 1 {
		return fmt.Errorf("%vs at %d fps yields no frames", p.Seconds, p.FPS)
	}
	return nil
}

// Frames is floor(seconds*fps). A tiny epsilon absorbs float noise such as
// 0.1*30 evaluating just under 3.
func (p Plan) Frames() int {
	return int(math.Floor(p.Seconds*float64(p.FPS) + 1e-9))
}

// Progress is the render progress of frame i.
func (p Plan) Progress(i int) float64 {
	return float64(i) / (p.Seconds * float64(p.FPS))
}

// FrameDelay is the uniform inter-frame delay, 1000/fps milliseconds.
func (p Plan) FrameDelay() time.Duration {
	return time.Second / time.Duration(p.FPS)
}

// Timeout bounds a whole export at factor times its duration, with a floor
// for very short clips.
func (p Plan) Timeout(factor float64) time.Duration {
	if factor <= 0 {
		factor = 20
	}
	d := time.Duration(p.Seconds * factor * float64(time.Second))
	if d < 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Source is everything a frame depends on besides progress.
type Source struct {
	Sampler parallax.Sampler
	Color   *raster.ColorBuffer
	Depth   *raster.DepthBuffer
	Config  parallax.Config
}

// Validate runs the checks a render would, without rendering.
func (s Source) Validate() error {
	if s.Sampler == nil {
		return errors.New("export: no sampler")
	}
	if err := raster.CheckDims(s.Color, s.Depth); err != nil {
		return err
	}
	return s.Config.Validate()
}

// Sequence renders every frame of plan in order and passes each to emit.
// It stops at the first error or when ctx is done.
func Sequence(ctx context.Context, src Source, plan Plan, emit func(i int, frame *raster.PixelBuffer) error) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	n := plan.Frames()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := src.Sampler.Render(src.Color, src.Depth, plan.Progress(i), src.Config)
		if err != nil {
			return fmt.Errorf("render frame %d: %w", i, err)
		}
		if err := emit(i, frame); err != nil {
			return err
		}
	}
	return nil
}

// Frames renders the whole sequence into memory.
func Frames(ctx context.Context, src Source, plan Plan) ([]*raster.PixelBuffer, error) {
	var out []*raster.PixelBuffer
	err := Sequence(ctx, src, plan, func(_ int, f *raster.PixelBuffer) error {
		out = append(out, f)
		return nil
	})
	return out, err
}

// Encoder produces one artifact format.
type Encoder interface {
	Name() string
	Extension() string
	MIME() string
	// Begin opens path for writing. It fails with ErrEncodingUnsupported
	// when the format cannot be produced at all.
	Begin(ctx context.Context, path string, width, height int, plan Plan) (FrameWriter, error)
}

// FrameWriter consumes frames in order.
type FrameWriter interface {
	WriteFrame(frame *raster.PixelBuffer) error
	// Finish flushes and closes the artifact.
	Finish() error
	// Abort releases the encoder without producing output.
	Abort()
}

// Artifact describes a finished export.
type Artifact struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Format string `json:"format"`
	MIME   string `json:"mime"`
	Frames int    `json:"frames"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int64  `json:"bytes"`
}

// Options tunes a single Export call.
type Options struct {
	// Progress is called after each frame is handed to the encoder.
	Progress func(done, total int)
}

// Export renders plan from src through enc into dest. Output is written to a
// sibling temp file and renamed into place only on success; on any failure
// the temp file is removed.
func Export(ctx context.Context, src Source, plan Plan, enc Encoder, dest string, opts Options) (*Artifact, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	w, h := src.Color.Width(), src.Color.Height()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, encoderErr(enc.Name(), "create output dir", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(dest)+".part-"+uuid.NewString())

	fw, err := enc.Begin(ctx, tmp, w, h, plan)
	if err != nil {
		os.Remove(tmp)
		if errors.Is(err, ErrEncodingUnsupported) {
			return nil, err
		}
		return nil, encoderErr(enc.Name(), "begin", err)
	}

	total := plan.Frames()
	start := time.Now()
	err = Sequence(ctx, src, plan, func(i int, frame *raster.PixelBuffer) error {
		if err := fw.WriteFrame(frame); err != nil {
			return encoderErr(enc.Name(), fmt.Sprintf("write frame %d", i), err)
		}
		if opts.Progress != nil {
			opts.Progress(i+1, total)
		}
		return nil
	})
	if err != nil {
		fw.Abort()
		os.Remove(tmp)
		return nil, err
	}
	if err := fw.Finish(); err != nil {
		os.Remove(tmp)
		return nil, encoderErr(enc.Name(), "finish", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return nil, encoderErr(enc.Name(), "finalize", err)
	}

	st, err := os.Stat(dest)
	if err != nil {
		return nil, encoderErr(enc.Name(), "stat", err)
	}
	log.Printf("export: %s %dx%d %d frames -> %s (%s) in %v", enc.Name(), w, h, total, dest, deps.FormatBytes(st.Size()), time.Since(start).Round(time.Millisecond))
	return &Artifact{
		Path:   dest,
		Name:   filepath.Base(dest),
		Format: enc.Extension(),
		MIME:   enc.MIME(),
		Frames: total,
		Width:  w,
		Height: h,
		Bytes:  st.Size(),
	}, nil
}
