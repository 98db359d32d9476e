// Package vad defines the voice-activity-detection port and the [Detector]
// that drives it.
//
// An [Engine] creates one streaming [Model] per audio stream. A model scores
// fixed 32 ms windows (256 samples at 8 kHz, 512 at 16 kHz) and returns a
// speech confidence in [0, 1]. Models may carry recurrent state between
// windows; [Detector] resets it periodically and whenever the sample rate
// changes.
//
// Implementations of Engine must be safe for concurrent use. A Model belongs
// to a single stream and is never shared between goroutines.
package vad

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedSampleRate is returned for rates other than 8000 and 16000 Hz.
	ErrUnsupportedSampleRate = errors.New("vad: unsupported sample rate")

	// ErrWindowSize is returned by a Model given a window of the wrong length.
	ErrWindowSize = errors.New("vad: wrong window size")
)

// WindowMs is the duration of one detection window in milliseconds.
const WindowMs = 32

// Config describes the stream a Model is created for.
type Config struct {
	// SampleRate is 8000 or 16000.
	SampleRate int

	// WindowSize is the number of samples per Predict call.
	WindowSize int
}

// Model scores audio windows for one stream.
type Model interface {
	// Predict returns the speech confidence of window. Samples are mono,
	// normalised to [-1, 1]. The result is clamped to [0, 1] by the caller.
	Predict(window []float32) (float64, error)

	// Reset clears recurrent state.
	Reset()

	// Close releases the model. Calling Close more than once returns nil.
	Close() error
}

// Engine is the factory for per-stream models.
type Engine interface {
	NewModel(cfg Config) (Model, error)
}

// WindowSize returns the window length in samples for rate.
func WindowSize(rate int) (int, error) {
	switch rate {
	case 8000:
		return 256, nil
	case 16000:
		return 512, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedSampleRate, rate)
	}
}
