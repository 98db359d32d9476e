package codec_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/voxline/pkg/codec"
)

func TestDecode_KnownCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		enc  codec.Encoding
		in   byte
		want int16
	}{
		{"mulaw positive zero", codec.MuLaw, 0xFF, 0},
		{"mulaw max positive", codec.MuLaw, 0x80, 32124},
		{"mulaw max negative", codec.MuLaw, 0x00, -32124},
		{"alaw smallest positive", codec.ALaw, 0xD5, 8},
		{"alaw smallest negative", codec.ALaw, 0x55, -8},
		{"alaw max positive", codec.ALaw, 0xAA, 32256},
		{"alaw max negative", codec.ALaw, 0x2A, -32256},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.enc.Decode([]byte{tc.in})
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(got) != 1 || got[0] != tc.want {
				t.Errorf("Decode(0x%02X) = %v, want [%d]", tc.in, got, tc.want)
			}
		})
	}
}

func TestRoundTrip_WithinQuantizationError(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 0, 65536/7+1)
	for v := -32768; v <= 32767; v += 7 {
		samples = append(samples, int16(v))
	}
	samples = append(samples, 32767, -32768, 0, 1, -1)

	for _, enc := range []codec.Encoding{codec.ALaw, codec.MuLaw, codec.PCM16} {
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			encoded := enc.Encode(samples)
			if len(encoded) != len(samples)*enc.BytesPerSample() {
				t.Fatalf("encoded length = %d, want %d", len(encoded), len(samples)*enc.BytesPerSample())
			}
			decoded, err := enc.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			for i, x := range samples {
				diff := int(decoded[i]) - int(x)
				if diff < 0 {
					diff = -diff
				}
				mag := int(x)
				if mag < 0 {
					mag = -mag
				}
				if limit := mag/16 + 64; diff > limit {
					t.Fatalf("sample %d: decode(encode(%d)) = %d, error %d exceeds %d", i, x, decoded[i], diff, limit)
				}
			}
		})
	}
}

func TestRoundTrip_Deterministic(t *testing.T) {
	t.Parallel()

	in := []int16{-12000, -300, 0, 5, 900, 31000}
	for _, enc := range []codec.Encoding{codec.ALaw, codec.MuLaw} {
		a, _ := enc.Decode(enc.Encode(in))
		b, _ := enc.Decode(enc.Encode(in))
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("%s: sample %d differs between runs: %d vs %d", enc, i, a[i], b[i])
			}
		}
	}
}

func TestEncode_DecodedValuesAreFixedPoints(t *testing.T) {
	t.Parallel()

	for _, enc := range []codec.Encoding{codec.ALaw, codec.MuLaw} {
		all := make([]byte, 256)
		for i := range all {
			all[i] = byte(i)
		}
		values, err := enc.Decode(all)
		if err != nil {
			t.Fatalf("%s: Decode: %v", enc, err)
		}
		again, _ := enc.Decode(enc.Encode(values))
		for i := range values {
			if again[i] != values[i] {
				t.Errorf("%s code 0x%02X: value %d re-encodes to %d", enc, i, values[i], again[i])
			}
		}
	}
}

func TestDecodePCM16_OddLength(t *testing.T) {
	t.Parallel()

	_, err := codec.PCM16.Decode([]byte{1, 2, 3})
	if !errors.Is(err, codec.ErrInvalidAudioLength) {
		t.Fatalf("err = %v, want ErrInvalidAudioLength", err)
	}
}

func TestPCM16_LittleEndian(t *testing.T) {
	t.Parallel()

	got := codec.EncodePCM16([]int16{0x0102, -2})
	want := []byte{0x02, 0x01, 0xFE, 0xFF}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("EncodePCM16 = %v, want %v", got, want)
		}
	}
	back, err := codec.DecodePCM16(got)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	if back[0] != 0x0102 || back[1] != -2 {
		t.Errorf("DecodePCM16 = %v, want [258 -2]", back)
	}
}
