// Command wiggle renders depth parallax from the command line.
//
//	wiggle render --color photo.jpg --depth depth.png --progress 0.25 --out frame.png
//	wiggle export --color photo.jpg --depth depth.png --format gif --out wiggle.gif
//	wiggle depth  --color photo.jpg --out depth.png
//
// Settings not given as flags come from the server's config.json.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/stevecastle/wiggle/animator"
	"github.com/stevecastle/wiggle/appconfig"
	"github.com/stevecastle/wiggle/capability"
	"github.com/stevecastle/wiggle/deps"
	"github.com/stevecastle/wiggle/depthsource"
	"github.com/stevecastle/wiggle/export"
	"github.com/stevecastle/wiggle/parallax"
	"github.com/stevecastle/wiggle/platform"
	"github.com/stevecastle/wiggle/raster"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wiggle <render|export|depth> [flags]")
	fmt.Fprintln(os.Stderr, "run 'wiggle <command> -h' for the flags of a command")
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := appconfig.Default()
	if c, _, err := appconfig.Load(); err == nil {
		cfg = c
	} else {
		log.Printf("config: %v (using defaults)", err)
	}
	deps.SetOverride("ffmpeg", cfg.FFmpegPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "render":
		err = runRender(cfg, args)
	case "export":
		err = runExport(ctx, cfg, args)
	case "depth":
		err = runDepth(ctx, cfg, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("wiggle %s: %v", os.Args[1], err)
	}
}

// inputFlags are shared by render and export.
type inputFlags struct {
	color, depth string
	speed        int
	strength     float64
	perspective  float64
	backend      string
	open         bool
}

func (in *inputFlags) register(fs *flag.FlagSet, cfg appconfig.Config) {
	fs.StringVar(&in.color, "color", "", "color image path (PNG/JPEG/WEBP/TGA)")
	fs.StringVar(&in.depth, "depth", "", "depth map path (white = near)")
	fs.IntVar(&in.speed, "speed", cfg.Render.Speed, "orbit speed 1-5")
	fs.Float64Var(&in.strength, "strength", cfg.Render.Strength, "parallax strength")
	fs.Float64Var(&in.perspective, "perspective", cfg.Render.Perspective, "perspective amount, 0 for none")
	fs.StringVar(&in.backend, "backend", cfg.Render.Backend, "render backend: scan|shader")
	fs.BoolVar(&in.open, "open", false, "open the result when done")
}

// source loads and aligns the input pair into an export source.
func (in *inputFlags) source(cfg appconfig.Config) (export.Source, error) {
	if in.color == "" || in.depth == "" {
		return export.Source{}, errors.New("--color and --depth are required")
	}
	if in.speed < parallax.MinSpeed || in.speed > parallax.MaxSpeed {
		return export.Source{}, fmt.Errorf("--speed must be %d..%d", parallax.MinSpeed, parallax.MaxSpeed)
	}
	colorImg, err := raster.LoadImage(in.color)
	if err != nil {
		return export.Source{}, err
	}
	depthImg, err := raster.LoadImage(in.depth)
	if err != nil {
		return export.Source{}, err
	}
	prep, err := cfg.PrepareOptions()
	if err != nil {
		return export.Source{}, err
	}
	c, d, err := raster.Prepare(colorImg, depthImg, prep)
	if err != nil {
		return export.Source{}, err
	}
	sampler, err := parallax.NewSampler(in.backend, cfg.Render.Workers)
	if err != nil {
		return export.Source{}, err
	}
	pcfg := parallax.Config{
		Strength:        in.strength,
		SpeedMultiplier: parallax.SpeedMultiplier(in.speed),
		Perspective:     in.perspective,
	}
	if err := pcfg.Validate(); err != nil {
		return export.Source{}, err
	}
	return export.Source{Sampler: sampler, Color: c, Depth: d, Config: pcfg}, nil
}

func openResult(open bool, path string) {
	if !open {
		return
	}
	if err := platform.OpenFile(path); err != nil {
		log.Printf("open %s: %v", path, err)
	}
}

func runRender(cfg appconfig.Config, args []string) error {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	var in inputFlags
	in.register(fs, cfg)
	progress := fs.Float64("progress", 0, "orbit progress; 1 is a full cycle")
	out := fs.String("out", "frame.png", "output PNG path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	src, err := in.source(cfg)
	if err != nil {
		return err
	}
	a, err := animator.New(src.Sampler, src.Color, src.Depth, src.Config, animator.WithCycle(cfg.Cycle()))
	if err != nil {
		return err
	}
	frame, err := a.RenderAt(*progress)
	if err != nil {
		return err
	}
	if err := raster.SavePNG(*out, frame.Image()); err != nil {
		return err
	}
	log.Printf("Wrote %s (%dx%d at progress %g)", *out, frame.Width, frame.Height, *progress)
	openResult(in.open, *out)
	return nil
}

func runExport(ctx context.Context, cfg appconfig.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	var in inputFlags
	in.register(fs, cfg)
	format := fs.String("format", "gif", "output format: "+strings.Join(export.Formats, "|"))
	seconds := fs.Float64("seconds", 0, "clip length (default from config)")
	fps := fs.Int("fps", 0, "frames per second (default from config)")
	palette := fs.String("palette", cfg.Export.Palette, "GIF palette: global|per-frame")
	out := fs.String("out", "", "output path (default wiggle.<ext>)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	src, err := in.source(cfg)
	if err != nil {
		return err
	}
	plan := cfg.Plan(export.PlanKind(*format))
	if *seconds > 0 {
		plan.Seconds = *seconds
	}
	if *fps > 0 {
		plan.FPS = *fps
	}
	if err := plan.Validate(); err != nil {
		return err
	}

	desc := capability.Static("", nil, nil)
	if export.PlanKind(*format) == "video" {
		detectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		desc, err = capability.Detect(detectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", export.ErrEncodingUnsupported, err)
		}
	}
	encOpts, err := cfg.EncoderOptions(desc)
	if err != nil {
		return err
	}
	if encOpts.Palette, err = export.ParsePaletteMode(*palette); err != nil {
		return err
	}
	enc, err := export.NewEncoder(*format, encOpts)
	if err != nil {
		return err
	}

	dest := *out
	if dest == "" {
		dest = "wiggle." + enc.Extension()
	}
	ctx, cancel := context.WithTimeout(ctx, plan.Timeout(cfg.Export.TimeoutFactor))
	defer cancel()

	log.Printf("Exporting %d frames (%gs at %d fps) with %s", plan.Frames(), plan.Seconds, plan.FPS, enc.Name())
	last := -1
	art, err := export.Export(ctx, src, plan, enc, dest, export.Options{
		Progress: func(done, total int) {
			if pct := done * 100 / total; pct/25 != last/25 || done == total {
				last = pct
				log.Printf("  %d/%d frames", done, total)
			}
		},
	})
	if err != nil {
		return err
	}
	log.Printf("Wrote %s (%s, %dx%d)", art.Path, deps.FormatBytes(art.Bytes), art.Width, art.Height)
	openResult(in.open, art.Path)
	return nil
}

func runDepth(ctx context.Context, cfg appconfig.Config, args []string) error {
	fs := flag.NewFlagSet("depth", flag.ContinueOnError)
	colorPath := fs.String("color", "", "color image to estimate depth for")
	out := fs.String("out", "depth.png", "output PNG path")
	open := fs.Bool("open", false, "open the depth map when done")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *colorPath == "" {
		return errors.New("--color is required")
	}
	if cfg.DepthService.APIKey == "" {
		return errors.New("no depth service key: set depthService.apiKey in config.json")
	}

	data, err := os.ReadFile(*colorPath)
	if err != nil {
		return err
	}
	client, err := depthsource.New(cfg.DepthOptions(), nil)
	if err != nil {
		return err
	}
	_, raw, err := client.Fetch(ctx, depthsource.Image{
		Name:        filepath.Base(*colorPath),
		ContentType: mime.TypeByExtension(filepath.Ext(*colorPath)),
		Data:        data,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, raw, 0o644); err != nil {
		return err
	}
	log.Printf("Wrote %s (%s)", *out, deps.FormatBytes(int64(len(raw))))
	openResult(*open, *out)
	return nil
}
