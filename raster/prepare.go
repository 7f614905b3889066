package raster

import (
	"fmt"
	"image"
	"log"
	"math"
	"strings"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
)

// DepthChannel selects which part of a depth image carries the depth signal.
type DepthChannel int

const (
	ChannelLuma DepthChannel = iota
	ChannelRed
	ChannelGreen
	ChannelBlue
)

// ParseDepthChannel maps "luma", "r", "g", "b" (and long forms) to a channel.
func ParseDepthChannel(s string) (DepthChannel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "luma", "luminance", "gray":
		return ChannelLuma, nil
	case "r", "red":
		return ChannelRed, nil
	case "g", "green":
		return ChannelGreen, nil
	case "b", "blue":
		return ChannelBlue, nil
	}
	return ChannelLuma, fmt.Errorf("unknown depth channel %q", s)
}

func (c DepthChannel) String() string {
	switch c {
	case ChannelRed:
		return "red"
	case ChannelGreen:
		return "green"
	case ChannelBlue:
		return "blue"
	default:
		return "luma"
	}
}

// PrepareOptions controls how raw inputs become working buffers.
type PrepareOptions struct {
	// MaxDimension caps the working resolution's longer side. 0 keeps the
	// source resolution.
	MaxDimension int
	Channel      DepthChannel
	// Invert treats dark as near.
	Invert bool
	// AspectTolerance logs a warning when color and depth aspect ratios differ
	// by more than this relative amount. The depth map is stretched either way.
	AspectTolerance float64
}

// DefaultPrepareOptions matches the product defaults.
func DefaultPrepareOptions() PrepareOptions {
	return PrepareOptions{MaxDimension: 1024, Channel: ChannelLuma, AspectTolerance: 0.02}
}

// Prepare resamples a decoded color image and depth image to a common working
// resolution. The color image defines the resolution (after MaxDimension
// fitting) and the depth image is scaled onto it.
func Prepare(colorImg, depthImg image.Image, opts PrepareOptions) (*ColorBuffer, *DepthBuffer, error) {
	if colorImg == nil || depthImg == nil {
		return nil, nil, fmt.Errorf("prepare: color and depth images are required")
	}
	cb := colorImg.Bounds()
	db := depthImg.Bounds()
	if cb.Empty() || db.Empty() {
		return nil, nil, fmt.Errorf("prepare: empty image (color %v, depth %v)", cb, db)
	}

	fitted := Fit(colorImg, opts.MaxDimension)
	color := NewColorBuffer(fitted)

	if opts.AspectTolerance > 0 {
		arA := float64(cb.Dx()) / float64(cb.Dy())
		arB := float64(db.Dx()) / float64(db.Dy())
		if math.Abs(arA-arB)/arA > opts.AspectTolerance {
			log.Printf("raster: depth aspect %.4f differs from color aspect %.4f; stretching depth", arB, arA)
		}
	}

	depth := DepthFromImage(depthImg, color.Width(), color.Height(), opts.Channel, opts.Invert)
	return color, depth, nil
}

// Fit downsizes img so neither side exceeds maxDim, preserving aspect ratio.
// Images already within bounds are returned unchanged.
func Fit(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxDim && b.Dy() <= maxDim {
		return img
	}
	return resize.Thumbnail(uint(maxDim), uint(maxDim), img, resize.Lanczos3)
}

// DepthFromImage scales img to width×height and extracts the selected channel
// as normalized depth.
func DepthFromImage(img image.Image, width, height int, ch DepthChannel, invert bool) *DepthBuffer {
	src := img
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height || b.Min != (image.Point{}) {
		dst := image.NewNRGBA64(image.Rect(0, 0, width, height))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
		src = dst
	}

	val := make([]float32, width*height)
	sb := src.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := src.At(sb.Min.X+x, sb.Min.Y+y).RGBA()
			var v float64
			switch ch {
			case ChannelRed:
				v = float64(r)
			case ChannelGreen:
				v = float64(g)
			case ChannelBlue:
				v = float64(bl)
			default:
				v = 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
			}
			d := float32(v / 0xffff)
			if invert {
				d = 1 - d
			}
			val[y*width+x] = clamp01(d)
		}
	}
	return &DepthBuffer{width: width, height: height, val: val}
}
