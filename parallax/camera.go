package parallax

import "math"

// Camera is the normalized orbit position at some progress. X lies in
// [-1,1] and Y in [-VerticalRatio, VerticalRatio].
type Camera struct {
	X, Y float64
}

// CameraAt evaluates the orbit at progress p.
func CameraAt(p float64, cfg Config) Camera {
	theta := p * 2 * math.Pi
	rate := OrbitRate(cfg.SpeedMultiplier)
	return Camera{
		X: math.Sin(theta * rate),
		Y: math.Cos(theta*rate*0.5) * VerticalRatio,
	}
}

// MaxShift is the peak horizontal displacement in pixels for a frame of the
// given size.
func MaxShift(cfg Config, width, height int) float64 {
	m := width
	if height < m {
		m = height
	}
	return cfg.Strength * ShiftScale * float64(m)
}

// WrapProgress folds any finite value into [0,1).
func WrapProgress(p float64) float64 {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	p = p - math.Floor(p)
	if p >= 1 {
		p = 0
	}
	return p
}
