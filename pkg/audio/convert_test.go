package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/taliaworks/pipecat-bridge/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if !bytes.Equal(out, pcm) {
		t.Fatalf("same-rate resample should be identity: got %v, want %v", out, pcm)
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 8kHz → 4 samples at 16kHz (2x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 8000, 16000)
	got := bytesToSamples(out)
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
	// Even output positions land exactly on source samples.
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if got[2] != 2000 {
		t.Errorf("third sample: got %d, want 2000", got[2])
	}
	// Odd positions interpolate between neighbours.
	if got[1] != 1500 {
		t.Errorf("interpolated sample: got %d, want 1500", got[1])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 16kHz → 3 samples at 8kHz (1/2x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 16000, 8000)
	got := bytesToSamples(out)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	want := []int16{100, 300, 500}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	// Zero srcRate should return input unchanged.
	out := audio.ResampleMono16(pcm, 0, 16000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	// Zero dstRate should return input unchanged.
	out = audio.ResampleMono16(pcm, 16000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	// Negative rates should return input unchanged.
	out = audio.ResampleMono16(pcm, -1, 16000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}

func TestDecodeInbound_Empty(t *testing.T) {
	if out := audio.DecodeInbound(nil); len(out) != 0 {
		t.Errorf("expected empty output for empty input, got %d bytes", len(out))
	}
}

func TestDecodeInbound_FrameSize(t *testing.T) {
	// One 20 ms telephony frame decodes into one 20 ms agent frame.
	frame := make([]byte, audio.TelephonyFrameBytes)
	for i := range frame {
		frame[i] = byte(i)
	}
	out := audio.DecodeInbound(frame)
	if len(out) != audio.AgentFrameBytes {
		t.Fatalf("expected %d bytes, got %d", audio.AgentFrameBytes, len(out))
	}
}

func TestEncodeOutbound_FrameSize(t *testing.T) {
	pcm := make([]byte, audio.AgentFrameBytes)
	out, err := audio.EncodeOutbound(pcm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != audio.TelephonyFrameBytes {
		t.Fatalf("expected %d bytes, got %d", audio.TelephonyFrameBytes, len(out))
	}
}

func TestEncodeOutbound_OddPCM(t *testing.T) {
	_, err := audio.EncodeOutbound([]byte{1, 2, 3})
	if !errors.Is(err, audio.ErrOddPCM) {
		t.Fatalf("expected ErrOddPCM, got %v", err)
	}
}

func TestEncodeOutbound_Empty(t *testing.T) {
	out, err := audio.EncodeOutbound(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty output for empty input, got %d bytes", len(out))
	}
}

func TestTranscodeRoundTrip_Stabilizes(t *testing.T) {
	// µ-law quantization may adjust codes on the first decode/encode pass;
	// a second pass over the already-quantized signal must be the identity.
	frame := make([]byte, audio.TelephonyFrameBytes)
	for i := range frame {
		frame[i] = byte(i * 7)
	}
	once, err := audio.EncodeOutbound(audio.DecodeInbound(frame))
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(once) != len(frame) {
		t.Fatalf("first pass length: got %d, want %d", len(once), len(frame))
	}
	twice, err := audio.EncodeOutbound(audio.DecodeInbound(once))
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Error("round trip did not stabilize after one quantization pass")
	}
}
