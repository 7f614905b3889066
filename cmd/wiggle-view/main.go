// Command wiggle-view plays a color image and its depth map in a desktop
// window. Keys 1-5 set the speed, R restarts the orbit, D shows the depth map
// and Q or Escape closes the window.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/stevecastle/wiggle/animator"
	"github.com/stevecastle/wiggle/appconfig"
	"github.com/stevecastle/wiggle/parallax"
	"github.com/stevecastle/wiggle/raster"
	"github.com/stevecastle/wiggle/viewer"
)

type game struct {
	v     *viewer.Viewer
	img   *ebiten.Image
	w, h  int
	runes []rune
}

func (g *game) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	g.runes = ebiten.AppendInputChars(g.runes[:0])
	for _, r := range g.runes {
		quit, err := g.v.Key(r)
		if err != nil {
			return err
		}
		if quit {
			return ebiten.Termination
		}
	}
	return g.v.Tick()
}

func (g *game) Draw(screen *ebiten.Image) {
	frame := g.v.Image()
	if frame == nil {
		return
	}
	if g.img == nil {
		g.img = ebiten.NewImage(g.w, g.h)
	}
	g.img.WritePixels(frame.Pix)
	screen.DrawImage(g.img, nil)
}

func (g *game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.w, g.h
}

func main() {
	colorPath := flag.String("color", "", "color image path")
	depthPath := flag.String("depth", "", "depth map path (white = near)")
	speed := flag.Int("speed", parallax.DefaultSpeed, "orbit speed 1-5")
	strength := flag.Float64("strength", parallax.DefaultStrength, "parallax strength")
	backend := flag.String("backend", parallax.BackendScan, "render backend: scan|shader")
	scale := flag.Int("scale", 1, "window scale factor")
	flag.Parse()

	if *colorPath == "" || *depthPath == "" {
		fmt.Fprintln(os.Stderr, "usage: wiggle-view --color <image> --depth <depth map> [--speed 1-5]")
		os.Exit(2)
	}

	cfg := appconfig.Default()
	if c, _, err := appconfig.Load(); err == nil {
		cfg = c
	} else {
		log.Printf("config: %v (using defaults)", err)
	}

	colorImg, err := raster.LoadImage(*colorPath)
	if err != nil {
		log.Fatal(err)
	}
	depthImg, err := raster.LoadImage(*depthPath)
	if err != nil {
		log.Fatal(err)
	}
	prep, err := cfg.PrepareOptions()
	if err != nil {
		log.Fatal(err)
	}
	color, depth, err := raster.Prepare(colorImg, depthImg, prep)
	if err != nil {
		log.Fatal(err)
	}

	sampler, err := parallax.NewSampler(*backend, cfg.Render.Workers)
	if err != nil {
		log.Fatal(err)
	}
	pcfg := cfg.Parallax()
	pcfg.Strength = *strength
	pcfg.SpeedMultiplier = parallax.SpeedMultiplier(*speed)
	a, err := animator.New(sampler, color, depth, pcfg, animator.WithCycle(cfg.Cycle()))
	if err != nil {
		log.Fatal(err)
	}
	a.Start()
	defer a.Stop()

	g := &game{v: viewer.New(a, depth), w: color.Width(), h: color.Height()}
	ebiten.SetWindowTitle("wiggle - " + *colorPath)
	ebiten.SetWindowSize(g.w**scale, g.h**scale)
	ebiten.SetVsyncEnabled(true)
	// One update per displayed frame.
	ebiten.SetTPS(ebiten.SyncWithFPS)
	if err := ebiten.RunGame(g); err != nil {
		log.Fatal(err)
	}
}
