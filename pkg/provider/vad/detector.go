package vad

import (
	"fmt"
	"time"
)

// DefaultResetInterval is how often a Detector clears model state.
const DefaultResetInterval = 5 * time.Second

// DetectorOption configures a [Detector].
type DetectorOption func(*Detector)

// WithResetInterval overrides [DefaultResetInterval].
func WithResetInterval(d time.Duration) DetectorOption {
	return func(det *Detector) {
		if d > 0 {
			det.resetEvery = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) DetectorOption {
	return func(det *Detector) {
		det.now = now
	}
}

// Detector turns a stream of PCM16 samples into per-window confidences. It
// buffers partial windows across calls. A Detector is not safe for
// concurrent use.
type Detector struct {
	engine     Engine
	resetEvery time.Duration
	now        func() time.Time

	model     Model
	rate      int
	window    int
	buf       []float32
	lastReset time.Time
}

// NewDetector returns a Detector backed by engine. The model is created
// lazily on the first call to [Detector.Process].
func NewDetector(engine Engine, opts ...DetectorOption) *Detector {
	d := &Detector{
		engine:     engine,
		resetEvery: DefaultResetInterval,
		now:        time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Process appends samples recorded at rate and returns the confidence of
// every window completed by them, in order.
func (d *Detector) Process(samples []int16, rate int) ([]float64, error) {
	if rate != d.rate || d.model == nil {
		if err := d.open(rate); err != nil {
			return nil, err
		}
	}
	if now := d.now(); now.Sub(d.lastReset) >= d.resetEvery {
		d.model.Reset()
		d.lastReset = now
	}

	for _, s := range samples {
		d.buf = append(d.buf, float32(s)/32768)
	}

	var out []float64
	for len(d.buf) >= d.window {
		conf, err := d.model.Predict(d.buf[:d.window])
		if err != nil {
			return out, fmt.Errorf("vad: predict: %w", err)
		}
		out = append(out, min(max(conf, 0), 1))
		n := copy(d.buf, d.buf[d.window:])
		d.buf = d.buf[:n]
	}
	return out, nil
}

// open replaces the model for a new sample rate.
func (d *Detector) open(rate int) error {
	win, err := WindowSize(rate)
	if err != nil {
		return err
	}
	if d.model != nil {
		_ = d.model.Close()
		d.model = nil
	}
	m, err := d.engine.NewModel(Config{SampleRate: rate, WindowSize: win})
	if err != nil {
		return fmt.Errorf("vad: new model: %w", err)
	}
	d.model = m
	d.rate = rate
	d.window = win
	d.buf = make([]float32, 0, win*2)
	d.lastReset = d.now()
	return nil
}

// Reset clears buffered samples and model state.
func (d *Detector) Reset() {
	d.buf = d.buf[:0]
	if d.model != nil {
		d.model.Reset()
		d.lastReset = d.now()
	}
}

// Close releases the model.
func (d *Detector) Close() error {
	if d.model == nil {
		return nil
	}
	err := d.model.Close()
	d.model = nil
	if err != nil {
		return fmt.Errorf("vad: close model: %w", err)
	}
	return nil
}
