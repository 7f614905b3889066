package export

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/stevecastle/wiggle/raster"
)

// PaletteMode selects how GIF frames are quantized.
type PaletteMode int

const (
	// PaletteShared quantizes every frame against one palette.
	PaletteShared PaletteMode = iota
	// PalettePerFrame builds a palette for each frame.
	PalettePerFrame
)

// ParsePaletteMode accepts "shared" and "per-frame".
func ParsePaletteMode(s string) (PaletteMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "shared", "global":
		return PaletteShared, nil
	case "per-frame", "perframe", "local":
		return PalettePerFrame, nil
	}
	return PaletteShared, fmt.Errorf("unknown palette mode %q", s)
}

func (m PaletteMode) String() string {
	if m == PalettePerFrame {
		return "per-frame"
	}
	return "shared"
}

// GIFEncoder writes a loop-forever animated GIF. Palette search runs on
// Workers background goroutines; output order always matches input order.
type GIFEncoder struct {
	Mode PaletteMode
	// Palette is the shared palette. When nil in shared mode it is built from
	// the first frame.
	Palette color.Palette
	Colors  int
	Dither  bool
	Workers int
}

func (e *GIFEncoder) Name() string      { return "gif" }
func (e *GIFEncoder) Extension() string { return "gif" }
func (e *GIFEncoder) MIME() string      { return "image/gif" }

// DelayCentiseconds converts 1000/fps ms into GIF delay units.
func DelayCentiseconds(fps int) int {
	cs := int(math.Round(100 / float64(fps)))
	if cs < 1 {
		cs = 1
	}
	return cs
}

func (e *GIFEncoder) Begin(ctx context.Context, path string, width, height int, plan Plan) (FrameWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	colors := e.Colors
	if colors <= 0 || colors > 256 {
		colors = 256
	}
	w := &gifWriter{
		ctx:    ctx,
		enc:    e,
		f:      f,
		colors: colors,
		delay:  DelayCentiseconds(plan.FPS),
		shared: e.Palette,
		jobs:   make(chan gifJob, workers*2),
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.work()
	}
	return w, nil
}

type gifJob struct {
	index int
	frame *raster.PixelBuffer
}

type gifWriter struct {
	ctx    context.Context
	enc    *GIFEncoder
	f      *os.File
	colors int
	delay  int
	shared color.Palette

	jobs   chan gifJob
	wg     sync.WaitGroup
	closed bool

	mu     sync.Mutex
	frames []*image.Paletted
}

func (w *gifWriter) work() {
	defer w.wg.Done()
	for job := range w.jobs {
		pal := w.shared
		if w.enc.Mode == PalettePerFrame {
			pal = MedianCut(job.frame.Image(), w.colors)
		}
		p := quantize(job.frame, pal, w.enc.Dither)
		w.mu.Lock()
		w.frames[job.index] = p
		w.mu.Unlock()
	}
}

func (w *gifWriter) WriteFrame(frame *raster.PixelBuffer) error {
	if w.closed {
		return fmt.Errorf("gif writer closed")
	}
	if w.enc.Mode == PaletteShared && w.shared == nil {
		w.shared = MedianCut(frame.Image(), w.colors)
	}
	w.mu.Lock()
	idx := len(w.frames)
	w.frames = append(w.frames, nil)
	w.mu.Unlock()

	select {
	case w.jobs <- gifJob{index: idx, frame: frame}:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *gifWriter) drain() {
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.wg.Wait()
}

func (w *gifWriter) Finish() error {
	w.drain()
	defer w.f.Close()

	if len(w.frames) == 0 {
		return fmt.Errorf("no frames written")
	}
	delays := make([]int, len(w.frames))
	for i := range delays {
		delays[i] = w.delay
	}
	bw := bufio.NewWriter(w.f)
	err := gif.EncodeAll(bw, &gif.GIF{
		Image:     w.frames,
		Delay:     delays,
		LoopCount: 0,
	})
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

func (w *gifWriter) Abort() {
	w.drain()
	w.f.Close()
}
