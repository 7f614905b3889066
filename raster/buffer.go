// Package raster holds the decoded pixel grids the parallax renderer works on:
// the source color image, its depth map, and per-frame output buffers.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// ErrInputMismatch is returned when a color buffer and a depth buffer do not
// share the same dimensions.
var ErrInputMismatch = errors.New("input mismatch: color and depth dimensions differ")

// ColorBuffer is an immutable RGBA grid in the source's encoded color space.
type ColorBuffer struct {
	width  int
	height int
	pix    []uint8 // RGBA, stride width*4
}

// NewColorBuffer copies img into a new ColorBuffer anchored at (0,0).
func NewColorBuffer(img image.Image) *ColorBuffer {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return &ColorBuffer{width: b.Dx(), height: b.Dy(), pix: rgba.Pix}
}

// ColorFromPix wraps a tightly packed RGBA slice. The slice is copied.
func ColorFromPix(width, height int, pix []uint8) (*ColorBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid color dimensions %dx%d", width, height)
	}
	if len(pix) != width*height*4 {
		return nil, fmt.Errorf("color pixel data has %d bytes; want %d", len(pix), width*height*4)
	}
	cp := make([]uint8, len(pix))
	copy(cp, pix)
	return &ColorBuffer{width: width, height: height, pix: cp}, nil
}

func (c *ColorBuffer) Width() int  { return c.width }
func (c *ColorBuffer) Height() int { return c.height }

// Pix exposes the packed RGBA samples. Callers must treat it as read-only.
func (c *ColorBuffer) Pix() []uint8 { return c.pix }

// Image returns a copy of the buffer as an *image.RGBA.
func (c *ColorBuffer) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	copy(img.Pix, c.pix)
	return img
}

// DepthBuffer is an immutable single-channel grid normalized to [0,1],
// where 1 is nearest to the camera.
type DepthBuffer struct {
	width  int
	height int
	val    []float32
}

// NewDepthBuffer wraps normalized depth samples. Values are clamped to [0,1]
// and the slice is copied.
func NewDepthBuffer(width, height int, values []float32) (*DepthBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid depth dimensions %dx%d", width, height)
	}
	if len(values) != width*height {
		return nil, fmt.Errorf("depth data has %d samples; want %d", len(values), width*height)
	}
	cp := make([]float32, len(values))
	for i, v := range values {
		cp[i] = clamp01(v)
	}
	return &DepthBuffer{width: width, height: height, val: cp}, nil
}

// UniformDepth returns a depth buffer where every sample equals v.
func UniformDepth(width, height int, v float32) *DepthBuffer {
	val := make([]float32, width*height)
	v = clamp01(v)
	for i := range val {
		val[i] = v
	}
	return &DepthBuffer{width: width, height: height, val: val}
}

func (d *DepthBuffer) Width() int  { return d.width }
func (d *DepthBuffer) Height() int { return d.height }

// At returns the normalized depth at (x,y). Coordinates must be in range.
func (d *DepthBuffer) At(x, y int) float32 { return d.val[y*d.width+x] }

// Values exposes the samples row-major. Callers must treat it as read-only.
func (d *DepthBuffer) Values() []float32 { return d.val }

// Gray renders the depth map as an 8-bit grayscale image (white = near).
func (d *DepthBuffer) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, d.width, d.height))
	for i, v := range d.val {
		img.Pix[i] = uint8(v*255 + 0.5)
	}
	return img
}

// PixelBuffer is a mutable RGBA frame produced by one render call.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []uint8 // RGBA, stride Width*4
}

// NewPixelBuffer allocates a zeroed frame.
func NewPixelBuffer(width, height int) *PixelBuffer {
	return &PixelBuffer{Width: width, Height: height, Pix: make([]uint8, width*height*4)}
}

// Image returns an *image.RGBA sharing the buffer's pixels.
func (p *PixelBuffer) Image() *image.RGBA {
	return &image.RGBA{Pix: p.Pix, Stride: p.Width * 4, Rect: image.Rect(0, 0, p.Width, p.Height)}
}

// RGBAAt returns the color at (x,y).
func (p *PixelBuffer) RGBAAt(x, y int) color.RGBA {
	i := (y*p.Width + x) * 4
	return color.RGBA{R: p.Pix[i], G: p.Pix[i+1], B: p.Pix[i+2], A: p.Pix[i+3]}
}

// Equal reports whether both frames have identical dimensions and samples.
func (p *PixelBuffer) Equal(o *PixelBuffer) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Width != o.Width || p.Height != o.Height || len(p.Pix) != len(o.Pix) {
		return false
	}
	for i := range p.Pix {
		if p.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}

// CheckDims rejects color/depth pairs of different sizes.
func CheckDims(c *ColorBuffer, d *DepthBuffer) error {
	if c == nil || d == nil {
		return fmt.Errorf("%w: missing buffer", ErrInputMismatch)
	}
	if c.width != d.width || c.height != d.height {
		return fmt.Errorf("%w: color %dx%d, depth %dx%d", ErrInputMismatch, c.width, c.height, d.width, d.height)
	}
	return nil
}

func clamp01(v float32) float32 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
