package preview

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stevecastle/wiggle/animator"
	"github.com/stevecastle/wiggle/parallax"
	"github.com/stevecastle/wiggle/session"
)

func readySession(t *testing.T) (*session.Manager, *session.Session) {
	t.Helper()
	return readySessionWith(t, session.Options{})
}

func readySessionWith(t *testing.T, opts session.Options) (*session.Manager, *session.Session) {
	t.Helper()
	opts.Sampler = &parallax.ScanSampler{Workers: 1}
	m := session.NewManager(opts)
	s := m.Create()

	img := image.NewRGBA(image.Rect(0, 0, 12, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
		if i%4 == 3 {
			img.Pix[i] = 255
		}
	}
	depth := image.NewGray(image.Rect(0, 0, 12, 8))
	for i := range depth.Pix {
		depth.Pix[i] = 180
	}
	if err := s.Load(img, depth); err != nil {
		t.Fatal(err)
	}
	return m, s
}

// serve routes through a mux so r.PathValue resolves.
func serve(pattern string, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		query   string
		want    float64
		wantErr bool
	}{
		{"", 0, false},
		{"?progress=0.25", 0.25, false},
		{"?progress=1.5", 1.5, false},
		{"?progress=abc", 0, true},
		{"?progress=NaN", 0, true},
		{"?progress=Inf", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseProgress(httptest.NewRequest(http.MethodGet, "/f"+tt.query, nil))
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseProgress(%q) = %v, %v", tt.query, got, err)
		}
	}
}

func TestFrameHandler(t *testing.T) {
	m, s := readySession(t)
	h := FrameHandler(m)

	rec := serve("GET /session/{id}/frame", h, "/session/"+s.ID+"/frame?progress=0.5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := s.Frame(0.5)
	if img.Bounds() != want.Image().Bounds() {
		t.Errorf("bounds = %v", img.Bounds())
	}
	if got := color.RGBAModel.Convert(img.At(3, 3)); got != want.RGBAAt(3, 3) {
		t.Errorf("pixel = %v; want %v", got, want.RGBAAt(3, 3))
	}
}

func TestFrameHandlerErrors(t *testing.T) {
	m, _ := readySession(t)
	empty := m.Create()
	h := FrameHandler(m)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing", "/session/nope/frame", http.StatusNotFound},
		{"not ready", "/session/" + empty.ID + "/frame", http.StatusConflict},
		{"bad progress", "/session/" + empty.ID + "/frame?progress=x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve("GET /session/{id}/frame", h, tt.target); rec.Code != tt.want {
				t.Errorf("status = %d; want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestDepthHandler(t *testing.T) {
	m, s := readySession(t)
	rec := serve("GET /session/{id}/depth", DepthHandler(m), "/session/"+s.ID+"/depth")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	g := color.GrayModel.Convert(img.At(0, 0)).(color.Gray)
	if g.Y < 170 || g.Y > 190 {
		t.Errorf("depth pixel = %d; want about 180", g.Y)
	}
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) read() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// readParts decodes every JPEG part of an MJPEG response and returns the
// progress each part was rendered at.
func readParts(t *testing.T, rec *httptest.ResponseRecorder) []float64 {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("Content-Type = %q (%v)", rec.Header().Get("Content-Type"), err)
	}
	mr := multipart.NewReader(bytes.NewReader(rec.Body.Bytes()), params["boundary"])
	var progress []float64
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if p.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("part Content-Type = %q", p.Header.Get("Content-Type"))
		}
		img, err := jpeg.Decode(p)
		if err != nil {
			t.Fatalf("part %d: %v", len(progress), err)
		}
		if img.Bounds().Dx() != 12 || img.Bounds().Dy() != 8 {
			t.Errorf("part %d bounds = %v", len(progress), img.Bounds())
		}
		v, err := strconv.ParseFloat(p.Header.Get("X-Progress"), 64)
		if err != nil {
			t.Fatalf("part %d X-Progress: %v", len(progress), err)
		}
		progress = append(progress, v)
	}
	return progress
}

func TestMJPEGHandler(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0), step: 100 * time.Millisecond}
	m, s := readySessionWith(t, session.Options{Clock: clock.read, Cycle: 10 * time.Second})
	h := MJPEGHandler(m, Options{FPS: 100, MaxFrames: 3})

	rec := serve("GET /session/{id}/preview", h, "/session/"+s.ID+"/preview")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if parts := readParts(t, rec); len(parts) != 3 {
		t.Errorf("parts = %d; want 3", len(parts))
	}
}

func TestMJPEGContinuesSessionPhase(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0), step: 100 * time.Millisecond}
	m, s := readySessionWith(t, session.Options{Clock: clock.read, Cycle: 10 * time.Second})
	h := MJPEGHandler(m, Options{FPS: 100, MaxFrames: 2})

	first := readParts(t, serve("GET /session/{id}/preview", h, "/session/"+s.ID+"/preview"))
	second := readParts(t, serve("GET /session/{id}/preview", h, "/session/"+s.ID+"/preview"))
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("parts = %d, %d", len(first), len(second))
	}
	if second[0] <= first[len(first)-1] {
		t.Errorf("reconnect restarted the orbit: first %v, second %v", first, second)
	}

	a, err := s.Animator()
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != animator.Running {
		t.Error("closing a stream stopped the session's animator")
	}
	if p := a.Progress(); p <= second[len(second)-1] {
		t.Errorf("session progress %v behind streamed %v", p, second)
	}
}

func TestMJPEGFollowsSessionConfig(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0), step: 100 * time.Millisecond}
	m, s := readySessionWith(t, session.Options{Clock: clock.read, Cycle: 10 * time.Second})
	cfg := parallax.Config{Strength: 0.5, SpeedMultiplier: parallax.SpeedMultiplier(5)}
	if err := s.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Animator()
	if a.Config() != cfg {
		t.Fatalf("animator config = %+v", a.Config())
	}
	rec := serve("GET /session/{id}/preview", MJPEGHandler(m, Options{FPS: 100, MaxFrames: 1}), "/session/"+s.ID+"/preview")
	if parts := readParts(t, rec); len(parts) != 1 {
		t.Errorf("parts = %d", len(parts))
	}
}

func TestMJPEGNotReady(t *testing.T) {
	m := session.NewManager(session.Options{})
	s := m.Create()
	rec := serve("GET /session/{id}/preview", MJPEGHandler(m, Options{}), "/session/"+s.ID+"/preview")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d; want %d", rec.Code, http.StatusConflict)
	}
}
