// Package audio provides the codec and rate conversions between the two
// media legs of a call: the telephony side (µ-law, 8 kHz, mono) and the
// voice-agent side (16-bit little-endian linear PCM, 16 kHz, mono).
//
// All conversions are stateless per frame. The linear-interpolation
// resampler carries no residual state between frames and accepts the
// short transients this produces at frame boundaries.
package audio

import (
	"errors"

	"github.com/zaf/g711"
)

// Sample rates of the two media legs.
const (
	TelephonyRate = 8000
	AgentRate     = 16000
)

// Byte sizes of one 20 ms frame on each leg. The telephony side carries
// one µ-law byte per sample; the agent side two PCM bytes per sample.
const (
	TelephonyFrameBytes = 160
	AgentFrameBytes     = 640
)

// ErrOddPCM reports PCM input whose byte count is not a multiple of the
// 2-byte int16 sample size.
var ErrOddPCM = errors.New("audio: odd byte count in PCM data")

// DecodeInbound converts one telephony media frame (µ-law, 8 kHz) into
// linear PCM at the agent rate. Empty input yields empty output. Every
// byte is a valid µ-law sample, so decoding cannot fail.
func DecodeInbound(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}
	pcm := g711.DecodeUlaw(ulaw)
	return ResampleMono16(pcm, TelephonyRate, AgentRate)
}

// EncodeOutbound converts one agent PCM frame (16 kHz) into a µ-law
// telephony frame. Returns ErrOddPCM when the input is not aligned to
// whole int16 samples; the caller decides whether to drop or abort.
func EncodeOutbound(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCM
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	down := ResampleMono16(pcm, AgentRate, TelephonyRate)
	return g711.EncodeUlaw(down), nil
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
