// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. Once opened, a session accepts raw
// audio and emits two streams of Transcript values: low-latency partials and
// authoritative finals. Both channels are closed when the session ends; Err
// then reports why.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrAudioDropped is returned by SendAudio when a chunk was discarded because
// the session could not keep up. The session remains usable.
var ErrAudioDropped = errors.New("stt: audio chunk dropped")

// Transcript is one recognition result.
type Transcript struct {
	// Text is the recognised text.
	Text string

	// IsFinal is true for authoritative results.
	IsFinal bool

	// Confidence is the provider's score in [0, 1].
	Confidence float64

	// Words holds per-word timing when the provider supplies it.
	Words []WordDetail
}

// WordDetail is the timing of one recognised word.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a recognition hint for an uncommon word.
type KeywordBoost struct {
	Keyword string

	// Boost is the provider-specific intensity. Deepgram accepts -10 to 10.
	Boost float64
}

// StreamConfig describes the audio format and recognition hints for a session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (8000 or 16000).
	SampleRate int

	// Channels is the number of audio channels, normally 1.
	Channels int

	// Encoding is the wire encoding of SendAudio chunks: "linear16" (default),
	// "mulaw" or "alaw".
	Encoding string

	// Language is the BCP-47 language tag. Empty selects the provider default.
	Language string

	// Keywords boosts recognition of configured vocabulary.
	Keywords []KeywordBoost
}

// SessionHandle represents an open streaming session. Callers must call Close
// when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio in the configured encoding. It must
	// not block: a chunk that cannot be queued is discarded with
	// ErrAudioDropped. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits final transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Err returns the error that ended the session, or nil after a clean close.
	// It is only meaningful once Finals is closed.
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider is the factory for streaming sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
