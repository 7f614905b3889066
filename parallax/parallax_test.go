package parallax

import (
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"

	"github.com/stevecastle/wiggle/raster"
)

func checkerboard(w, h, cell int) *raster.ColorBuffer {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/cell)+(y/cell))%2 == 0 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{0, 0, 0, 255})
			}
		}
	}
	return raster.NewColorBuffer(img)
}

func gradient(w, h int) *raster.ColorBuffer {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / w), uint8(y * 255 / h), uint8((x + y) % 256), 255})
		}
	}
	return raster.NewColorBuffer(img)
}

func rampDepth(w, h int) *raster.DepthBuffer {
	vals := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			vals[y*w+x] = float32(x) / float32(w-1)
		}
	}
	d, _ := raster.NewDepthBuffer(w, h, vals)
	return d
}

func samplers() []Sampler {
	return []Sampler{&ScanSampler{Workers: 4}, &ShaderSampler{Workers: 4}}
}

func strongConfig() Config {
	return Config{Strength: 2, SpeedMultiplier: 1, Perspective: DefaultPerspective}
}

func sameAsSource(out *raster.PixelBuffer, src *raster.ColorBuffer) bool {
	return out.Equal(&raster.PixelBuffer{Width: src.Width(), Height: src.Height(), Pix: src.Pix()})
}

func TestSpeedMultiplier(t *testing.T) {
	tests := []struct {
		speed int
		want  float64
	}{
		{1, 0.5}, {2, 1.0}, {3, 1.5}, {4, 2.0}, {5, 2.5}, {0, 0.5}, {9, 2.5},
	}
	for _, tt := range tests {
		if got := SpeedMultiplier(tt.speed); got != tt.want {
			t.Errorf("SpeedMultiplier(%d) = %v, want %v", tt.speed, got, tt.want)
		}
	}
}

func TestOrbitRateIsEven(t *testing.T) {
	for _, m := range []float64{0.01, 0.5, 0.74, 1, 1.5, 2.5, 7.3} {
		r := OrbitRate(m)
		if r < 2 || math.Mod(r, 2) != 0 {
			t.Errorf("OrbitRate(%v) = %v, want positive even integer", m, r)
		}
	}
}

func TestOrbitRateSteps(t *testing.T) {
	for _, m := range []float64{0.25, 0.5, 0.74} {
		if r := OrbitRate(m); r != 2 {
			t.Errorf("OrbitRate(%v) = %v, want 2", m, r)
		}
	}
	if r := OrbitRate(0.75); r != 4 {
		t.Errorf("OrbitRate(0.75) = %v, want 4", r)
	}
}

func TestCameraStartsOffCenterVertically(t *testing.T) {
	cfg := DefaultConfig()
	cam := CameraAt(0, cfg)
	if cam.X != 0 || cam.Y != VerticalRatio {
		t.Fatalf("CameraAt(0) = %+v, want {0 %v}", cam, VerticalRatio)
	}
	// Sub-pixel at 64 px, whole pixels from 256 px up.
	if y := cam.Y * MaxShift(cfg, 64, 64); y >= 0.5 {
		t.Errorf("64px vertical shift = %v", y)
	}
	if y := cam.Y * MaxShift(cfg, 256, 256); y < 1 {
		t.Errorf("256px vertical shift = %v", y)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"zero strength", Config{Strength: 0, SpeedMultiplier: 1}, false},
		{"nan speed", Config{Strength: 1, SpeedMultiplier: math.NaN()}, false},
		{"inf strength", Config{Strength: math.Inf(1), SpeedMultiplier: 1}, false},
		{"negative perspective", Config{Strength: 1, SpeedMultiplier: 1, Perspective: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, ok want %v", err, tt.ok)
			}
		})
	}
}

func TestRenderIsPure(t *testing.T) {
	c := gradient(40, 30)
	d := rampDepth(40, 30)
	for _, s := range samplers() {
		a, err := s.Render(c, d, 0.37, strongConfig())
		if err != nil {
			t.Fatalf("%s: %v", s.Mode(), err)
		}
		b, err := s.Render(c, d, 0.37, strongConfig())
		if err != nil {
			t.Fatalf("%s: %v", s.Mode(), err)
		}
		if !a.Equal(b) {
			t.Errorf("%s: identical inputs produced different frames", s.Mode())
		}
	}
}

func TestZeroDepthIdentity(t *testing.T) {
	c := gradient(33, 21)
	d := raster.UniformDepth(33, 21, 0)
	s := &ScanSampler{Workers: 3}
	for _, p := range []float64{0, 0.1, 0.25, 0.5, 0.77, 0.999} {
		out, err := s.Render(c, d, p, strongConfig())
		if err != nil {
			t.Fatal(err)
		}
		if !sameAsSource(out, c) {
			t.Fatalf("progress %v: zero depth changed the image", p)
		}
	}
}

func TestShaderMidDepthIdentity(t *testing.T) {
	c := gradient(25, 17)
	d := raster.UniformDepth(25, 17, 0.5)
	s := &ShaderSampler{Workers: 2}
	for _, p := range []float64{0, 0.3, 0.8} {
		out, err := s.Render(c, d, p, strongConfig())
		if err != nil {
			t.Fatal(err)
		}
		if !sameAsSource(out, c) {
			t.Fatalf("progress %v: mid depth changed the image", p)
		}
	}
}

func TestBorderClampRepeatsEdges(t *testing.T) {
	// A large strength pushes every source coordinate far outside the frame.
	c := gradient(20, 20)
	d := raster.UniformDepth(20, 20, 1)
	cfg := Config{Strength: 50, SpeedMultiplier: 0.5}
	s := &ScanSampler{Workers: 2}
	// progress 0.125 with rate 2: camX = sin(pi/2) = 1, far right shift.
	out, err := s.Render(c, d, 0.125, cfg)
	if err != nil {
		t.Fatal(err)
	}
	src := c.Image()
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			got := out.RGBAAt(x, y)
			if got.A != 255 {
				t.Fatalf("(%d,%d) has alpha %d; expected an opaque edge pixel", x, y, got.A)
			}
			// Every pixel must come from the left column (x=0).
			found := false
			for sy := 0; sy < 20; sy++ {
				if src.RGBAAt(0, sy) == got {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("(%d,%d) = %v not taken from the clamped edge", x, y, got)
			}
		}
	}
}

func TestCycleContinuity(t *testing.T) {
	c := gradient(64, 48)
	d := rampDepth(64, 48)
	cfg := Config{Strength: DefaultStrength, SpeedMultiplier: SpeedMultiplier(5), Perspective: DefaultPerspective}
	for _, s := range samplers() {
		first, err := s.Render(c, d, 0, cfg)
		if err != nil {
			t.Fatal(err)
		}
		last, err := s.Render(c, d, 1-1e-6, cfg)
		if err != nil {
			t.Fatal(err)
		}
		var maxDiff int
		for i := range first.Pix {
			diff := int(first.Pix[i]) - int(last.Pix[i])
			if diff < 0 {
				diff = -diff
			}
			if diff > maxDiff {
				maxDiff = diff
			}
		}
		if maxDiff > 8 {
			t.Errorf("%s: loop seam delta %d", s.Mode(), maxDiff)
		}
	}
}

func TestCheckerboardFrameZeroEqualsSource(t *testing.T) {
	c := checkerboard(64, 64, 8)
	d := raster.UniformDepth(64, 64, 1)
	cfg := Config{Strength: DefaultStrength, SpeedMultiplier: SpeedMultiplier(1), Perspective: DefaultPerspective}
	out, err := (&ScanSampler{Workers: 4}).Render(c, d, 0, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !sameAsSource(out, c) {
		t.Fatal("frame 0 differs from the unshifted source")
	}
}

func TestDimensionGuard(t *testing.T) {
	c := gradient(100, 100)
	d := raster.UniformDepth(50, 50, 1)
	for _, s := range samplers() {
		out, err := s.Render(c, d, 0.2, DefaultConfig())
		if !errors.Is(err, raster.ErrInputMismatch) {
			t.Fatalf("%s: expected ErrInputMismatch, got %v", s.Mode(), err)
		}
		if out != nil {
			t.Fatalf("%s: expected no output on mismatch", s.Mode())
		}
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	c := gradient(4, 4)
	d := raster.UniformDepth(4, 4, 1)
	if _, err := (&ScanSampler{}).Render(c, d, 0, Config{}); err == nil {
		t.Fatal("expected validation error for zero config")
	}
}

func TestNearPixelsMoveMoreThanFar(t *testing.T) {
	w, h := 80, 40
	c := gradient(w, h)
	vals := make([]float32, w*h)
	for i := range vals {
		if i%w >= w/2 {
			vals[i] = 1
		}
	}
	d, _ := raster.NewDepthBuffer(w, h, vals)
	out, err := (&ScanSampler{Workers: 1}).Render(c, d, 0.125, Config{Strength: 1, SpeedMultiplier: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	src := c.Image()
	// far half untouched horizontally; near half shifted.
	if out.RGBAAt(10, 0).R != src.RGBAAt(10, 0).R {
		t.Errorf("far pixel moved")
	}
	if out.RGBAAt(60, 0).R == src.RGBAAt(60, 0).R {
		t.Errorf("near pixel did not move")
	}
}

func TestConcurrentRenders(t *testing.T) {
	c := gradient(32, 32)
	d := rampDepth(32, 32)
	want, err := (&ScanSampler{Workers: 1}).Render(c, d, 0.42, strongConfig())
	if err != nil {
		t.Fatal(err)
	}
	s := &ScanSampler{Workers: 4}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Render(c, d, 0.42, strongConfig())
			if err != nil {
				errs <- err
				return
			}
			if !got.Equal(want) {
				errs <- errors.New("concurrent render mismatch")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestNewSampler(t *testing.T) {
	if s, err := NewSampler("", 0); err != nil || s.Mode() != "scan/nearest" {
		t.Fatalf("default backend = %v, %v", s, err)
	}
	if s, err := NewSampler("shader", 2); err != nil || s.Mode() != "shader/bilinear" {
		t.Fatalf("shader backend = %v, %v", s, err)
	}
	if _, err := NewSampler("gpu", 1); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestWrapProgress(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0}, {0.5, 0.5}, {1, 0}, {1.25, 0.25}, {-0.25, 0.75}, {math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := WrapProgress(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("WrapProgress(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
