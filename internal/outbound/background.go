package outbound

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voxline/pkg/codec"
)

// ErrInvalidWAV is returned when a background file is not a PCM WAV file.
var ErrInvalidWAV = errors.New("outbound: invalid wav file")

// DecodeBackground reads a PCM WAV stream and returns mono samples at rate,
// scaled by gain.
func DecodeBackground(r io.ReadSeeker, rate int, gain float64) ([]int16, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("outbound: decode wav: %w", err)
	}
	samples := toInt16(buf, int(d.BitDepth))
	samples = codec.ToMono(samples, int(d.NumChans))
	samples = codec.Resample(samples, int(d.SampleRate), rate)
	if gain != 1 {
		samples = codec.Scale(samples, gain)
	}
	return samples, nil
}

// LoadBackground decodes the WAV file at path and installs it as the
// background bed of m.
func LoadBackground(m *Manager, path string, gain float64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("outbound: open background: %w", err)
	}
	defer f.Close()

	samples, err := DecodeBackground(f, m.SampleRate(), gain)
	if err != nil {
		return fmt.Errorf("outbound: %s: %w", path, err)
	}
	m.SetBackground(samples)
	return nil
}

// toInt16 narrows or widens integer PCM of the given bit depth to 16 bits.
func toInt16(buf *audio.IntBuffer, bitDepth int) []int16 {
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case bitDepth == 8:
			// 8-bit WAV is unsigned.
			out[i] = int16((v - 128) << 8)
		case bitDepth > 16:
			out[i] = int16(v >> (bitDepth - 16))
		default:
			out[i] = int16(v)
		}
	}
	return out
}
