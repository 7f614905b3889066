package parallax

import (
	"math"
	"sync"

	"github.com/stevecastle/wiggle/raster"
)

// ShaderSampler evaluates a fragment program per output texel on CPU
// goroutines. Texture coordinates are offset by cam·strength·(d−0.5), so mid
// depth stays fixed while near and far content move in opposite directions.
// Lookups are bilinear and clamped to texel centers.
type ShaderSampler struct {
	Workers int
}

func (s *ShaderSampler) Mode() string { return "shader/bilinear" }

func (s *ShaderSampler) Render(color *raster.ColorBuffer, depth *raster.DepthBuffer, progress float64, cfg Config) (*raster.PixelBuffer, error) {
	if err := prepare(color, depth, cfg); err != nil {
		return nil, err
	}
	w, h := color.Width(), color.Height()
	out := raster.NewPixelBuffer(w, h)

	cam := CameraAt(WrapProgress(progress), cfg)
	prog := fragment{
		pix:    color.Pix(),
		depth:  depth.Values(),
		w:      w,
		h:      h,
		offU:   cam.X * cfg.Strength,
		offV:   cam.Y * cfg.Strength,
		k:      cfg.Perspective,
		minU:   0.5 / float64(w),
		maxU:   1 - 0.5/float64(w),
		minV:   0.5 / float64(h),
		maxV:   1 - 0.5/float64(h),
		stride: w * 4,
	}

	var wg sync.WaitGroup
	for _, r := range splitRows(h, s.Workers) {
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			for y := y0; y < y1; y++ {
				for x := 0; x < w; x++ {
					i := (y*w + x) * 4
					prog.shade(x, y, out.Pix[i:i+4])
				}
			}
		}(r[0], r[1])
	}
	wg.Wait()
	return out, nil
}

// fragment holds the uniforms of one draw call.
type fragment struct {
	pix        []uint8
	depth      []float32
	w, h       int
	stride     int
	offU, offV float64
	k          float64
	minU, maxU float64
	minV, maxV float64
}

func (f *fragment) shade(x, y int, out []uint8) {
	u := (float64(x) + 0.5) / float64(f.w)
	v := (float64(y) + 0.5) / float64(f.h)
	centered := float64(f.depth[y*f.w+x]) - 0.5

	du := f.offU * centered
	dv := f.offV * centered
	du += (2*u - 1) * du * f.k
	dv += (2*v - 1) * dv * f.k

	u = clampF(u-du, f.minU, f.maxU)
	v = clampF(v-dv, f.minV, f.maxV)
	bilinear(f.pix, f.stride, f.w, f.h, u*float64(f.w)-0.5, v*float64(f.h)-0.5, out)
}

// bilinear samples pix at the fractional texel position (fx,fy). Callers keep
// the position inside [0,w-1]×[0,h-1].
func bilinear(pix []uint8, stride, w, h int, fx, fy float64, out []uint8) {
	x := int(math.Floor(fx))
	y := int(math.Floor(fy))
	tx := fx - float64(x)
	ty := fy - float64(y)
	x = clampInt(x, 0, w-1)
	y = clampInt(y, 0, h-1)
	x1 := x + 1
	y1 := y + 1
	if x1 >= w {
		x1 = x
		tx = 0
	}
	if y1 >= h {
		y1 = y
		ty = 0
	}
	i00 := y*stride + x*4
	i10 := y*stride + x1*4
	i01 := y1*stride + x*4
	i11 := y1*stride + x1*4

	w00 := (1 - tx) * (1 - ty)
	w10 := tx * (1 - ty)
	w01 := (1 - tx) * ty
	w11 := tx * ty

	for c := 0; c < 4; c++ {
		val := w00*float64(pix[i00+c]) + w10*float64(pix[i10+c]) + w01*float64(pix[i01+c]) + w11*float64(pix[i11+c])
		if val < 0 {
			val = 0
		} else if val > 255 {
			val = 255
		}
		out[c] = uint8(val + 0.5)
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
