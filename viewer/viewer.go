// Package viewer holds the state behind the desktop preview window: the
// latest presented frame, the depth toggle and the keyboard bindings. The
// window itself lives in cmd/wiggle-view.
package viewer

import (
	"image"
	"sync"

	"github.com/stevecastle/wiggle/animator"
	"github.com/stevecastle/wiggle/parallax"
	"github.com/stevecastle/wiggle/raster"
)

// Action is what a key press asks for.
type Action int

const (
	None Action = iota
	SetSpeed
	ResetPhase
	ToggleDepth
	Quit
)

// KeyAction maps a typed character to an action. For SetSpeed the second
// value is the 1..5 speed setting.
func KeyAction(r rune) (Action, int) {
	switch {
	case r >= '1' && r <= '5':
		return SetSpeed, int(r - '0')
	case r == 'r' || r == 'R':
		return ResetPhase, 0
	case r == 'd' || r == 'D':
		return ToggleDepth, 0
	case r == 'q' || r == 'Q':
		return Quit, 0
	}
	return None, 0
}

// Viewer is an animator.Surface that keeps the most recent frame for the
// window to draw.
type Viewer struct {
	anim  *animator.Animator
	depth *image.RGBA

	mu        sync.Mutex
	frame     *image.RGBA
	progress  float64
	showDepth bool
}

// New wraps a for display. depth is shown when the depth view is toggled on.
func New(a *animator.Animator, depth *raster.DepthBuffer) *Viewer {
	v := &Viewer{anim: a}
	if depth != nil {
		g := depth.Gray()
		v.depth = image.NewRGBA(g.Rect)
		for i, y := range g.Pix {
			j := i * 4
			v.depth.Pix[j], v.depth.Pix[j+1], v.depth.Pix[j+2], v.depth.Pix[j+3] = y, y, y, 0xFF
		}
	}
	return v
}

// Present stores a copy of frame.
func (v *Viewer) Present(frame *raster.PixelBuffer, progress float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame == nil || v.frame.Rect.Dx() != frame.Width || v.frame.Rect.Dy() != frame.Height {
		v.frame = image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	}
	copy(v.frame.Pix, frame.Pix)
	v.progress = progress
	return nil
}

// Image is what the window should show now: the depth map when toggled,
// otherwise the last frame. It is nil before the first frame.
func (v *Viewer) Image() *image.RGBA {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.showDepth && v.depth != nil {
		return v.depth
	}
	return v.frame
}

func (v *Viewer) Progress() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.progress
}

func (v *Viewer) ShowingDepth() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.showDepth
}

// Key applies a typed character. It reports true when the window should
// close.
func (v *Viewer) Key(r rune) (bool, error) {
	action, n := KeyAction(r)
	switch action {
	case SetSpeed:
		cfg := v.anim.Config()
		cfg.SpeedMultiplier = parallax.SpeedMultiplier(n)
		return false, v.anim.SetConfig(cfg)
	case ResetPhase:
		v.anim.Reset()
	case ToggleDepth:
		v.mu.Lock()
		v.showDepth = !v.showDepth
		v.mu.Unlock()
	case Quit:
		return true, nil
	}
	return false, nil
}

// Tick renders the next frame into the viewer.
func (v *Viewer) Tick() error {
	return v.anim.Tick(v)
}
