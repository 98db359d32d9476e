// Package codec converts between linear PCM16 and the G.711 telephony
// companding formats (A-law and μ-law) and provides the sample-level helpers
// used by the call pipeline: RMS, peak, gain, mixing and resampling.
//
// All conversions are table driven. Decode tables are derived once from the
// G.711 expansion formulas; encode tables are derived by inverting the decode
// tables so that encode(decode(b)) == b for every code with a unique value.
//
// Every function in this package is pure and safe for concurrent use.
package codec

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidAudioLength is returned when a byte buffer cannot be interpreted as
// a whole number of samples in the requested encoding.
var ErrInvalidAudioLength = errors.New("codec: invalid audio length")

// Encoding identifies a wire sample format.
type Encoding int

const (
	// PCM16 is signed 16-bit little-endian linear PCM.
	PCM16 Encoding = iota

	// ALaw is 8-bit G.711 A-law.
	ALaw

	// MuLaw is 8-bit G.711 μ-law.
	MuLaw
)

// String returns the conventional name of the encoding.
func (e Encoding) String() string {
	switch e {
	case PCM16:
		return "pcm16"
	case ALaw:
		return "alaw"
	case MuLaw:
		return "mulaw"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// BytesPerSample returns the encoded size of a single sample.
func (e Encoding) BytesPerSample() int {
	if e == PCM16 {
		return 2
	}
	return 1
}

// Decode converts encoded bytes to linear samples. PCM16 input with an odd
// byte count returns [ErrInvalidAudioLength].
func (e Encoding) Decode(b []byte) ([]int16, error) {
	switch e {
	case PCM16:
		return DecodePCM16(b)
	case ALaw:
		return decodeTable(b, &alawDecode), nil
	case MuLaw:
		return decodeTable(b, &ulawDecode), nil
	default:
		return nil, fmt.Errorf("codec: decode: unknown encoding %d", int(e))
	}
}

// Encode converts linear samples to the encoding's byte representation.
func (e Encoding) Encode(samples []int16) []byte {
	switch e {
	case ALaw:
		return encodeTable(samples, &alawEncode)
	case MuLaw:
		return encodeTable(samples, &ulawEncode)
	default:
		return EncodePCM16(samples)
	}
}

// DecodePCM16 interprets b as little-endian signed 16-bit samples.
func DecodePCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of pcm16 samples", ErrInvalidAudioLength, len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out, nil
}

// EncodePCM16 serialises samples as little-endian signed 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

var (
	alawDecode [256]int16
	ulawDecode [256]int16
	alawEncode [65536]byte
	ulawEncode [65536]byte
)

func init() {
	for i := range 256 {
		alawDecode[i] = alawToLinear(byte(i))
		ulawDecode[i] = ulawToLinear(byte(i))
	}
	invert(&alawDecode, &alawEncode)
	invert(&ulawDecode, &ulawEncode)
}

// ulawToLinear expands one G.711 μ-law code.
func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// alawToLinear expands one G.711 A-law code.
func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int32(a&0x0F) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// invert fills enc so that enc[uint16(v)] is the code whose decoded value is
// nearest to v. When two codes decode to the same value the later code wins;
// ties between neighbours resolve towards the larger value.
func invert(dec *[256]int16, enc *[65536]byte) {
	type point struct {
		value int32
		code  byte
	}
	byValue := make(map[int32]byte, 256)
	for code := range 256 {
		byValue[int32(dec[code])] = byte(code)
	}
	points := make([]point, 0, len(byValue))
	for v, c := range byValue {
		points = append(points, point{value: v, code: c})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].value < points[j].value })

	j := 0
	for v := int32(-32768); v <= 32767; v++ {
		for j+1 < len(points) && abs32(points[j+1].value-v) <= abs32(points[j].value-v) {
			j++
		}
		enc[uint16(int16(v))] = points[j].code
	}
}

func decodeTable(b []byte, table *[256]int16) []int16 {
	out := make([]int16, len(b))
	for i, c := range b {
		out[i] = table[c]
	}
	return out
}

func encodeTable(samples []int16, table *[65536]byte) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = table[uint16(s)]
	}
	return out
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
