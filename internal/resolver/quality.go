package resolver

import (
	"sort"
	"strings"

	"github.com/NotMugil/inzx-core/pkg/types"
)

// meteredBitrateCeiling caps Auto quality on metered connections.
const meteredBitrateCeiling = 128_000

// SelectFormat picks one audio-only format for the requested quality.
//
// Auto takes the highest bitrate under the per-network ceiling (no ceiling
// on Wi-Fi, 128 kbit/s on metered connections when anything fits). Fixed
// qualities take the format closest to their target bitrate; Max takes the
// best available. Ties break toward Opus/WebM, which is cheaper to store.
func SelectFormat(formats []types.AudioFormat, quality types.AudioQuality, metered bool) (types.AudioFormat, bool) {
	audio := audioOnly(formats)
	if len(audio) == 0 {
		return types.AudioFormat{}, false
	}

	sort.SliceStable(audio, func(i, j int) bool {
		if audio[i].Bitrate != audio[j].Bitrate {
			return audio[i].Bitrate > audio[j].Bitrate
		}
		return audio[i].IsOpus() && !audio[j].IsOpus()
	})

	switch quality {
	case types.QualityAuto:
		if metered {
			for _, f := range audio {
				if f.Bitrate <= meteredBitrateCeiling {
					return f, true
				}
			}
		}
		return audio[0], true

	case types.QualityMax:
		return audio[0], true

	default:
		target := quality.TargetBitrate()
		best := audio[0]
		bestDist := distance(best.Bitrate, target)
		for _, f := range audio[1:] {
			d := distance(f.Bitrate, target)
			if d < bestDist || (d == bestDist && f.IsOpus() && !best.IsOpus()) {
				best = f
				bestDist = d
			}
		}
		return best, true
	}
}

func audioOnly(formats []types.AudioFormat) []types.AudioFormat {
	var out []types.AudioFormat
	for _, f := range formats {
		if strings.HasPrefix(f.MimeType, "audio/") && f.URL != "" && f.Bitrate > 0 {
			out = append(out, f)
		}
	}
	return out
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
