// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that models are created with the expected Config.
// Use Model to script confidence values and inspect the windows that were
// scored.
//
// Example:
//
//	m := &mock.Model{Confidences: []float64{0.1, 0.8, 0.9}}
//	det := vad.NewDetector(&mock.Engine{Model: m})
package mock

import (
	"sync"

	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Model is returned by NewModel. If nil, a new default Model is returned.
	Model vad.Model

	// NewModelErr, if non-nil, is returned as the error from NewModel.
	NewModelErr error

	// NewModelCalls records the Config of every NewModel call in order.
	NewModelCalls []vad.Config
}

// NewModel records the call and returns Model, NewModelErr.
func (e *Engine) NewModel(cfg vad.Config) (vad.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewModelCalls = append(e.NewModelCalls, cfg)
	if e.NewModelErr != nil {
		return nil, e.NewModelErr
	}
	if e.Model != nil {
		return e.Model, nil
	}
	return &Model{}, nil
}

// Model is a mock implementation of vad.Model.
type Model struct {
	mu sync.Mutex

	// Confidences are returned by successive Predict calls. Once exhausted,
	// Confidence is returned.
	Confidences []float64

	// Confidence is returned when Confidences is exhausted.
	Confidence float64

	// PredictErr, if non-nil, is returned by every Predict call.
	PredictErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// WindowSizes records len(window) of every Predict call.
	WindowSizes []int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Predict records the call and returns the next scripted confidence.
func (m *Model) Predict(window []float32) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WindowSizes = append(m.WindowSizes, len(window))
	if m.PredictErr != nil {
		return 0, m.PredictErr
	}
	if len(m.Confidences) > 0 {
		c := m.Confidences[0]
		m.Confidences = m.Confidences[1:]
		return c, nil
	}
	return m.Confidence, nil
}

// SetConfidence replaces the fallback confidence. Thread-safe.
func (m *Model) SetConfidence(c float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Confidence = c
}

// Reset records the call by incrementing ResetCallCount.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCallCount++
	return m.CloseErr
}

// Predicts returns the number of Predict calls so far. Thread-safe.
func (m *Model) Predicts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.WindowSizes)
}

// Compile-time interface assertions.
var (
	_ vad.Engine = (*Engine)(nil)
	_ vad.Model  = (*Model)(nil)
)
