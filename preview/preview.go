// Package preview serves session frames over HTTP: a live MJPEG stream, a
// single PNG frame at an explicit progress, and the aligned depth map.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/stevecastle/wiggle/animator"
	"github.com/stevecastle/wiggle/raster"
	"github.com/stevecastle/wiggle/session"
)

const (
	DefaultFPS     = 24
	DefaultQuality = 85
)

// Options tune the MJPEG stream.
type Options struct {
	FPS     int
	Quality int
	// MaxFrames ends the stream after that many parts. 0 streams until the
	// client goes away.
	MaxFrames int
}

func (o Options) withDefaults() Options {
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	return o
}

// Status maps session errors to HTTP codes.
func Status(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func lookup(m *session.Manager, w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := m.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), Status(err))
		return nil, false
	}
	return s, true
}

// ParseProgress reads ?progress=, defaulting to 0.
func ParseProgress(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("progress")
	if raw == "" {
		return 0, nil
	}
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("invalid progress %q", raw)
	}
	return p, nil
}

// FrameHandler renders one PNG frame without moving the live phase.
func FrameHandler(m *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(m, w, r)
		if !ok {
			return
		}
		p, err := ParseProgress(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		frame, err := s.Frame(p)
		if err != nil {
			http.Error(w, err.Error(), Status(err))
			return
		}
		writePNG(w, frame.Image())
	}
}

// DepthHandler returns the aligned depth map as grayscale PNG.
func DepthHandler(m *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(m, w, r)
		if !ok {
			return
		}
		d, err := s.Depth()
		if err != nil {
			http.Error(w, err.Error(), Status(err))
			return
		}
		writePNG(w, d.Gray())
	}
}

func writePNG(w http.ResponseWriter, img image.Image) {
	var buf bytes.Buffer
	if err := raster.EncodePNG(&buf, img); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

// MJPEGHandler streams a session as multipart/x-mixed-replace JPEG parts.
// Frames come from the session's own animator, so every viewer sees the same
// phase and a reconnect continues the orbit. The stream ends when the session
// is reset.
func MJPEGHandler(m *session.Manager, opts Options) http.HandlerFunc {
	opts = opts.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(m, w, r)
		if !ok {
			return
		}
		a, err := s.Animator()
		if err != nil {
			http.Error(w, err.Error(), Status(err))
			return
		}

		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)

		sf := &jpegSurface{mw: mw, quality: opts.Quality}
		if f, ok := w.(http.Flusher); ok {
			sf.flush = f.Flush
		}

		ticker := time.NewTicker(time.Second / time.Duration(opts.FPS))
		defer ticker.Stop()

		err = stream(r.Context(), a, ticker.C, sf, opts.MaxFrames)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, animator.ErrNotRunning) {
			log.Printf("preview %s: %v", s.ID, err)
		}
		mw.Close()
	}
}

// stream presents a's current frame on every tick. It never starts or stops
// a: the session owns the phase.
func stream(ctx context.Context, a *animator.Animator, ticks <-chan time.Time, sf *jpegSurface, max int) error {
	for max <= 0 || sf.sent < max {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			if err := a.Tick(sf); err != nil {
				return err
			}
		}
	}
	return nil
}

// jpegSurface writes each presented frame as one multipart part.
type jpegSurface struct {
	mw      *multipart.Writer
	quality int
	flush   func()
	sent    int
	buf     bytes.Buffer
}

func (j *jpegSurface) Present(frame *raster.PixelBuffer, progress float64) error {
	j.buf.Reset()
	if err := jpeg.Encode(&j.buf, frame.Image(), &jpeg.Options{Quality: j.quality}); err != nil {
		return err
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(j.buf.Len()))
	h.Set("X-Progress", strconv.FormatFloat(progress, 'f', 4, 64))
	part, err := j.mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(j.buf.Bytes()); err != nil {
		return err
	}
	if j.flush != nil {
		j.flush()
	}
	j.sent++
	return nil
}
