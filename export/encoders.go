package export

import (
	"fmt"
	"strings"

	"github.com/stevecastle/wiggle/capability"
)

// Formats accepted by NewEncoder. "mp4" and "webm" restrict video
// negotiation to that container.
var Formats = []string{"gif", "webp", "video", "mp4", "webm"}

// EncoderOptions selects and tunes encoders by format name.
type EncoderOptions struct {
	Palette PaletteMode
	Dither  bool
	Workers int

	Capability       capability.Descriptor
	VideoPreferences []string
	Starter          Starter
}

// PlanKind maps a format to the plan defaults it uses: "video" or "gif".
func PlanKind(format string) string {
	switch strings.ToLower(format) {
	case "video", "mp4", "webm":
		return "video"
	}
	return "gif"
}

// NewEncoder returns the encoder for format.
func NewEncoder(format string, o EncoderOptions) (Encoder, error) {
	switch f := strings.ToLower(format); f {
	case "gif":
		return &GIFEncoder{Mode: o.Palette, Dither: o.Dither, Workers: o.Workers}, nil
	case "webp":
		return WebPEncoder{}, nil
	case "video", "mp4", "webm":
		prefs, err := LookupCandidates(o.VideoPreferences)
		if err != nil {
			return nil, err
		}
		if f != "video" {
			prefs = byMuxer(prefs, f)
		}
		return NewVideoEncoder(o.Capability, prefs, o.Starter)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrEncodingUnsupported, format)
	}
}

func byMuxer(prefs []Candidate, muxer string) []Candidate {
	var out []Candidate
	for _, c := range prefs {
		if c.Muxer == muxer {
			out = append(out, c)
		}
	}
	return out
}
