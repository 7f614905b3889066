// Package animator drives a parallax sampler from wall-clock time and hands
// each frame to a Surface. The loop is cooperative: it renders only when the
// refresh channel ticks and never runs ahead of the display.
package animator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stevecastle/wiggle/parallax"
	"github.com/stevecastle/wiggle/raster"
)

// DefaultCycle is the duration of one full orbit.
const DefaultCycle = 6 * time.Second

// ErrNotRunning is returned by Tick when the animator has been stopped.
var ErrNotRunning = errors.New("animator is not running")

// Surface receives rendered frames.
type Surface interface {
	Present(frame *raster.PixelBuffer, progress float64) error
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(frame *raster.PixelBuffer, progress float64) error

func (f SurfaceFunc) Present(frame *raster.PixelBuffer, progress float64) error {
	return f(frame, progress)
}

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// State is the animator's lifecycle position.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Animator owns the progress phase for one session. Color and depth are
// shared read-only; each rendered frame is a fresh buffer.
type Animator struct {
	sampler parallax.Sampler
	color   *raster.ColorBuffer
	depth   *raster.DepthBuffer
	cycle   time.Duration
	now     Clock

	mu      sync.Mutex
	cfg     parallax.Config
	state   State
	start   time.Time     // wall time at which the current run started
	elapsed time.Duration // phase carried over from earlier runs
}

// Option configures an Animator.
type Option func(*Animator)

// WithCycle sets the orbit duration. Non-positive values are ignored.
func WithCycle(d time.Duration) Option {
	return func(a *Animator) {
		if d > 0 {
			a.cycle = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(c Clock) Option {
	return func(a *Animator) {
		if c != nil {
			a.now = c
		}
	}
}

// New validates the inputs and returns a stopped Animator at phase 0.
func New(s parallax.Sampler, color *raster.ColorBuffer, depth *raster.DepthBuffer, cfg parallax.Config, opts ...Option) (*Animator, error) {
	if s == nil {
		return nil, errors.New("animator: sampler is required")
	}
	if err := raster.CheckDims(color, depth); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Animator{
		sampler: s,
		color:   color,
		depth:   depth,
		cycle:   DefaultCycle,
		now:     time.Now,
		cfg:     cfg,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Start begins advancing the phase. Starting a running animator is a no-op.
func (a *Animator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Running {
		return
	}
	a.start = a.now()
	a.state = Running
}

// Stop freezes the phase at its current value.
func (a *Animator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Running {
		return
	}
	a.elapsed += a.now().Sub(a.start)
	a.state = Stopped
}

// Reset returns the phase to zero. A running animator keeps running.
func (a *Animator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.elapsed = 0
	a.start = a.now()
}

// SetConfig swaps the render parameters without touching the phase.
func (a *Animator) SetConfig(cfg parallax.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	return nil
}

// Config returns the current render parameters.
func (a *Animator) Config() parallax.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// State reports whether the animator is running.
func (a *Animator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Cycle returns the orbit duration.
func (a *Animator) Cycle() time.Duration { return a.cycle }

// Progress is (elapsed mod cycle)/cycle at the current clock reading.
func (a *Animator) Progress() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progressLocked()
}

func (a *Animator) progressLocked() float64 {
	el := a.elapsed
	if a.state == Running {
		el += a.now().Sub(a.start)
	}
	if el < 0 {
		el = 0
	}
	return float64(el%a.cycle) / float64(a.cycle)
}

// Frame renders the frame for the current clock reading.
func (a *Animator) Frame() (*raster.PixelBuffer, float64, error) {
	a.mu.Lock()
	p := a.progressLocked()
	cfg := a.cfg
	a.mu.Unlock()
	frame, err := a.sampler.Render(a.color, a.depth, p, cfg)
	return frame, p, err
}

// RenderAt renders an explicit progress with the current config. It is the
// synchronous capture used by export and single-frame requests.
func (a *Animator) RenderAt(progress float64) (*raster.PixelBuffer, error) {
	cfg := a.Config()
	return a.sampler.Render(a.color, a.depth, progress, cfg)
}

// Run presents one frame per refresh tick until ctx is done, refresh is
// closed, or the surface fails. The animator is started on entry and
// stopped on return.
func (a *Animator) Run(ctx context.Context, refresh <-chan time.Time, surface Surface) error {
	a.Start()
	defer a.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-refresh:
			if !ok {
				return nil
			}
			if err := a.Tick(surface); err != nil {
				return err
			}
		}
	}
}

// Tick renders and presents a single frame. Hosts that own their own refresh
// loop (a window's draw callback) call it directly.
func (a *Animator) Tick(surface Surface) error {
	if a.State() != Running {
		return ErrNotRunning
	}
	frame, p, err := a.Frame()
	if err != nil {
		return err
	}
	return surface.Present(frame, p)
}
