package export

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/nfnt/resize"
	"github.com/soniakeys/quant/median"

	"github.com/stevecastle/wiggle/raster"
)

// paletteSampleSide bounds the image the median cut sees. Larger frames are
// shrunk with nearest-neighbor sampling, which keeps only colors that exist.
const paletteSampleSide = 256

// MedianCut builds a palette of at most n colors for img. The result depends
// only on img and n.
func MedianCut(img image.Image, n int) color.Palette {
	if n < 1 {
		n = 1
	}
	if n > 256 {
		n = 256
	}
	b := img.Bounds()
	if b.Empty() {
		return color.Palette{color.RGBA{A: 255}}
	}
	if b.Dx()*b.Dy() > paletteSampleSide*paletteSampleSide {
		img = resize.Thumbnail(paletteSampleSide, paletteSampleSide, img, resize.NearestNeighbor)
	}

	var q draw.Quantizer = median.Quantizer(n)
	pal := q.Quantize(make(color.Palette, 0, n), img)
	if len(pal) == 0 {
		return color.Palette{color.RGBA{A: 255}}
	}
	if len(pal) > n {
		pal = pal[:n]
	}
	return pal
}

// SourcePalette builds a shared palette from the source image. The scan
// sampler only ever copies source pixels, so this palette covers every frame.
func SourcePalette(c *raster.ColorBuffer, n int) color.Palette {
	return MedianCut(c.Image(), n)
}

// quantize maps an RGBA frame onto pal. With dither set it diffuses the
// error Floyd-Steinberg style; otherwise each pixel takes its nearest entry.
func quantize(frame *raster.PixelBuffer, pal color.Palette, dither bool) *image.Paletted {
	rect := image.Rect(0, 0, frame.Width, frame.Height)
	dst := image.NewPaletted(rect, pal)
	if dither {
		draw.FloydSteinberg.Draw(dst, rect, frame.Image(), image.Point{})
		return dst
	}

	cache := make(map[uint32]uint8, 1024)
	src := frame.Pix
	for i, j := 0, 0; i < len(src); i, j = i+4, j+1 {
		r, g, b := src[i], src[i+1], src[i+2]
		key := uint32(r)<<16 | uint32(g)<<8 | uint32(b)
		idx, ok := cache[key]
		if !ok {
			idx = uint8(nearest(pal, r, g, b))
			cache[key] = idx
		}
		dst.Pix[j] = idx
	}
	return dst
}

func nearest(pal color.Palette, r, g, b uint8) int {
	best, bestD := 0, 1<<30
	for i, c := range pal {
		pr, pg, pb, _ := c.RGBA()
		dr := int(r) - int(pr>>8)
		dg := int(g) - int(pg>>8)
		db := int(b) - int(pb>>8)
		if d := dr*dr + dg*dg + db*db; d < bestD {
			best, bestD = i, d
			if d == 0 {
				break
			}
		}
	}
	return best
}
