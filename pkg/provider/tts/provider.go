// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface. SynthesizeStream accepts a channel of text fragments
// and returns a channel of raw PCM16 little-endian audio as it becomes
// available, so generated sentences can be spoken while later ones are still
// being produced.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile selects the voice used for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable label used in logs.
	Name string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits mono PCM16 little-endian byte slices at
	// SampleRate as they are synthesised.
	//
	// The returned audio channel is closed when all text has been synthesised
	// or when ctx is cancelled. The caller must drain the audio channel to
	// avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// SampleRate returns the rate of the PCM emitted by SynthesizeStream.
	SampleRate() int
}
