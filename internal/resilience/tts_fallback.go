package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// ErrSampleRateMismatch is returned by [TTSFallback.AddFallback] when the
// fallback synthesizes at a different rate than the primary.
var ErrSampleRateMismatch = errors.New("resilience: tts sample rate mismatch")

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. All backends must synthesize at the same sample rate.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
	rate  int
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		rate:  primary.SampleRate(),
	}
}

// AddFallback registers an additional TTS provider as a fallback. It returns
// [ErrSampleRateMismatch] and leaves the group unchanged when the provider's
// rate differs from the primary's.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) error {
	if got := provider.SampleRate(); got != f.rate {
		return fmt.Errorf("%w: %s produces %d Hz, primary %d Hz", ErrSampleRateMismatch, name, got, f.rate)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// Group exposes the underlying group for health reporting.
func (f *TTSFallback) Group() *FallbackGroup[tts.Provider] { return f.group }

// SampleRate returns the rate shared by every backend.
func (f *TTSFallback) SampleRate() int { return f.rate }

// SynthesizeStream starts synthesis on the first healthy provider. Only stream
// setup is covered by failover.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}
