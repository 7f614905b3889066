// Package parallax renders depth-guided orbit frames from a color image and
// its depth map. Rendering is a pure function of the inputs and a progress
// value in [0,1), so live preview and offline export produce identical frames.
package parallax

import (
	"fmt"
	"math"
)

const (
	// DefaultStrength is the product strength used by the preview and export.
	DefaultStrength = 0.1
	// DefaultPerspective weights the off-center drift term.
	DefaultPerspective = 0.2
	// ShiftScale converts strength into pixels relative to the shorter side
	// of the frame.
	ShiftScale = 0.15
	// VerticalRatio scales the vertical orbit amplitude against the horizontal one.
	VerticalRatio = 0.3

	MinSpeed     = 1
	MaxSpeed     = 5
	DefaultSpeed = 3
)

// Config holds the user-tunable render parameters.
type Config struct {
	Strength        float64 `json:"strength"`
	SpeedMultiplier float64 `json:"speedMultiplier"`
	// Perspective is the coefficient of the off-center drift term. Zero
	// disables it.
	Perspective float64 `json:"perspective"`
}

// DefaultConfig returns strength 0.1 at the middle speed setting.
func DefaultConfig() Config {
	return Config{
		Strength:        DefaultStrength,
		SpeedMultiplier: SpeedMultiplier(DefaultSpeed),
		Perspective:     DefaultPerspective,
	}
}

// Validate rejects non-finite or non-positive strength and speed.
func (c Config) Validate() error {
	if !finitePositive(c.Strength) {
		return fmt.Errorf("invalid strength %v: must be finite and > 0", c.Strength)
	}
	if !finitePositive(c.SpeedMultiplier) {
		return fmt.Errorf("invalid speed multiplier %v: must be finite and > 0", c.SpeedMultiplier)
	}
	if math.IsNaN(c.Perspective) || math.IsInf(c.Perspective, 0) || c.Perspective < 0 {
		return fmt.Errorf("invalid perspective %v", c.Perspective)
	}
	return nil
}

// SpeedMultiplier maps the 1..5 speed setting onto 0.5..2.5.
func SpeedMultiplier(speed int) float64 {
	if speed < MinSpeed {
		speed = MinSpeed
	}
	if speed > MaxSpeed {
		speed = MaxSpeed
	}
	return 0.5 + float64(speed-1)/4*2
}

// OrbitRate is the number of horizontal half-orbits per cycle. It is always a
// positive even integer so that both camera axes return to their start at
// progress 1 and the loop has no seam.
func OrbitRate(speedMultiplier float64) float64 {
	n := math.Round(2 * speedMultiplier)
	if n < 1 || math.IsNaN(n) {
		n = 1
	}
	return 2 * n
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
