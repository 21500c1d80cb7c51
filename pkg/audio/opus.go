package audio

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Opus capture defaults: 48 kHz at 20 ms frame size, as produced by browser
// MediaRecorder and most capture hardware that ships Opus.
const (
	opusFrameSizeMs = 20
)

// OpusDecoder decodes a stream of Opus packets to 16-bit little-endian PCM.
// Each capture stream needs its own decoder so the codec state tracks
// consecutive packets correctly. Not safe for concurrent use.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per packet
}

// NewOpusDecoder creates a decoder for the given stream format.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * opusFrameSizeMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into interleaved PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts int16 samples to little-endian byte pairs.
func int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}
