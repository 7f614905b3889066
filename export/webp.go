package export

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"

	"github.com/HugoSmits86/nativewebp"
	"github.com/stevecastle/wiggle/raster"
)

// WebPEncoder writes a lossless, loop-forever animated WebP.
type WebPEncoder struct{}

func (WebPEncoder) Name() string      { return "webp" }
func (WebPEncoder) Extension() string { return "webp" }
func (WebPEncoder) MIME() string      { return "image/webp" }

func (WebPEncoder) Begin(ctx context.Context, path string, width, height int, plan Plan) (FrameWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &webpWriter{f: f, delay: uint(plan.FrameDelay().Milliseconds())}, nil
}

type webpWriter struct {
	f      *os.File
	delay  uint
	images []image.Image
}

func (w *webpWriter) WriteFrame(frame *raster.PixelBuffer) error {
	w.images = append(w.images, frame.Image())
	return nil
}

func (w *webpWriter) Finish() error {
	defer w.f.Close()
	if len(w.images) == 0 {
		return fmt.Errorf("no frames written")
	}
	durations := make([]uint, len(w.images))
	disposals := make([]uint, len(w.images))
	for i := range durations {
		durations[i] = w.delay
	}
	bw := bufio.NewWriter(w.f)
	err := nativewebp.EncodeAll(bw, &nativewebp.Animation{
		Images:    w.images,
		Durations: durations,
		Disposals: disposals,
		LoopCount: 0,
	}, nil)
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

func (w *webpWriter) Abort() {
	w.images = nil
	w.f.Close()
}
