package parallax

import (
	"math"
	"sync"

	"github.com/stevecastle/wiggle/raster"
)

// ScanSampler walks every output pixel on the CPU and copies the color from
// its depth-shifted source location (nearest neighbor, edge clamped). Rows are
// spread across Workers goroutines.
type ScanSampler struct {
	Workers int
}

func (s *ScanSampler) Mode() string { return "scan/nearest" }

func (s *ScanSampler) Render(color *raster.ColorBuffer, depth *raster.DepthBuffer, progress float64, cfg Config) (*raster.PixelBuffer, error) {
	if err := prepare(color, depth, cfg); err != nil {
		return nil, err
	}
	w, h := color.Width(), color.Height()
	out := raster.NewPixelBuffer(w, h)

	cam := CameraAt(WrapProgress(progress), cfg)
	maxShift := MaxShift(cfg, w, h)
	camX := cam.X * maxShift
	camY := cam.Y * maxShift
	cx := float64(w) / 2
	cy := float64(h) / 2
	k := cfg.Perspective

	src := color.Pix()
	dv := depth.Values()

	var wg sync.WaitGroup
	for _, r := range splitRows(h, s.Workers) {
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			for y := y0; y < y1; y++ {
				relY := (float64(y) - cy) / cy
				for x := 0; x < w; x++ {
					d := float64(dv[y*w+x])
					relX := (float64(x) - cx) / cx
					shiftX := camX*d + relX*camX*d*k
					shiftY := camY*d + relY*camY*d*k
					sx := clampInt(roundHalfUp(float64(x)-shiftX), 0, w-1)
					sy := clampInt(roundHalfUp(float64(y)-shiftY), 0, h-1)
					si := (sy*w + sx) * 4
					di := (y*w + x) * 4
					copy(out.Pix[di:di+4], src[si:si+4])
				}
			}
		}(r[0], r[1])
	}
	wg.Wait()
	return out, nil
}

// roundHalfUp rounds .5 toward +Inf.
func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}
