package native

import (
	"testing"

	"github.com/halcyonlabs/murmur/pkg/audio"
)

// Model-loading paths need a real ggml model file, so tests cover the pure
// decode/convert helpers.

func TestDecodeWAV_RoundTrip(t *testing.T) {
	pcm := make([]byte, 640)
	pcm[0] = 0x12
	pcm[1] = 0x34
	wav := audio.EncodeWAV(pcm, 16000, 1)

	got, channels, err := decodeWAV(wav)
	if err != nil {
		t.Fatalf("decodeWAV: %v", err)
	}
	if channels != 1 {
		t.Errorf("channels = %d, want 1", channels)
	}
	if len(got) != len(pcm) || got[0] != 0x12 || got[1] != 0x34 {
		t.Errorf("payload mismatch: len=%d first=%x%x", len(got), got[0], got[1])
	}
}

func TestDecodeWAV_RejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("OggS....."),
		make([]byte, 10),
	}
	for _, c := range cases {
		if _, _, err := decodeWAV(c); err == nil {
			t.Errorf("decodeWAV(%q) should fail", c)
		}
	}
}

func TestPCMToFloat32Mono_Normalises(t *testing.T) {
	pcm := []byte{0x00, 0x80} // -32768
	samples := pcmToFloat32Mono(pcm, 1)
	if len(samples) != 1 || samples[0] != -1.0 {
		t.Errorf("samples = %v, want [-1.0]", samples)
	}
}

func TestPCMToFloat32Mono_DownmixesStereo(t *testing.T) {
	// L=16384 (0.5), R=-16384 (-0.5) → 0.
	pcm := []byte{0x00, 0x40, 0x00, 0xC0}
	samples := pcmToFloat32Mono(pcm, 2)
	if len(samples) != 1 || samples[0] != 0 {
		t.Errorf("samples = %v, want [0]", samples)
	}
}

func TestNew_RequiresModelPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}
