package parallax

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/stevecastle/wiggle/raster"
)

// Sampler renders one frame. Implementations must be pure in their arguments
// and safe for concurrent use.
type Sampler interface {
	Render(color *raster.ColorBuffer, depth *raster.DepthBuffer, progress float64, cfg Config) (*raster.PixelBuffer, error)
	Mode() string
}

// Backend names accepted by NewSampler.
const (
	BackendScan   = "scan"
	BackendShader = "shader"
)

// NewSampler returns the backend registered under name. workers <= 0 uses
// one worker per CPU.
func NewSampler(name string, workers int) (Sampler, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendScan:
		return &ScanSampler{Workers: workers}, nil
	case BackendShader:
		return &ShaderSampler{Workers: workers}, nil
	}
	return nil, fmt.Errorf("unknown render backend %q", name)
}

func prepare(color *raster.ColorBuffer, depth *raster.DepthBuffer, cfg Config) error {
	if err := raster.CheckDims(color, depth); err != nil {
		return err
	}
	return cfg.Validate()
}

// splitRows partitions h rows into at most workers contiguous bands.
func splitRows(h, workers int) [][2]int {
	if h <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > h {
		workers = h
	}
	rows := make([][2]int, 0, workers)
	step := h / workers
	start := 0
	for i := 0; i < workers; i++ {
		end := start + step
		if i == workers-1 {
			end = h
		}
		rows = append(rows, [2]int{start, end})
		start = end
	}
	return rows
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
