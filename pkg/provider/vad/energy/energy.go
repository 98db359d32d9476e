// Package energy provides an in-process [vad.Engine] that scores windows by
// RMS energy. It needs no model files and is the default engine.
//
// The raw RMS level is mapped linearly from [Floor, Ceiling] onto [0, 1] and
// smoothed with an exponential moving average so single clicks do not read as
// speech.
package energy

import (
	"math"

	"github.com/MrWong99/voxline/pkg/provider/vad"
)

const (
	// DefaultFloor is the RMS level mapped to confidence 0.
	DefaultFloor = 0.005

	// DefaultCeiling is the RMS level mapped to confidence 1.
	DefaultCeiling = 0.05

	// DefaultSmoothing is the weight of the newest window in the moving average.
	DefaultSmoothing = 0.6
)

// Option configures an [Engine].
type Option func(*Engine)

// WithLevels overrides the RMS floor and ceiling. Invalid pairs are ignored.
func WithLevels(floor, ceiling float64) Option {
	return func(e *Engine) {
		if floor >= 0 && ceiling > floor {
			e.floor, e.ceiling = floor, ceiling
		}
	}
}

// WithSmoothing sets the moving-average weight in (0, 1]. 1 disables smoothing.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) {
		if alpha > 0 && alpha <= 1 {
			e.alpha = alpha
		}
	}
}

// Engine creates energy models.
type Engine struct {
	floor, ceiling, alpha float64
}

// New returns an energy engine.
func New(opts ...Option) *Engine {
	e := &Engine{floor: DefaultFloor, ceiling: DefaultCeiling, alpha: DefaultSmoothing}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewModel implements [vad.Engine].
func (e *Engine) NewModel(cfg vad.Config) (vad.Model, error) {
	if _, err := vad.WindowSize(cfg.SampleRate); err != nil {
		return nil, err
	}
	return &model{engine: e, window: cfg.WindowSize}, nil
}

type model struct {
	engine *Engine
	window int
	level  float64
	primed bool
}

func (m *model) Predict(window []float32) (float64, error) {
	if len(window) != m.window {
		return 0, vad.ErrWindowSize
	}
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(window)))

	if !m.primed {
		m.level, m.primed = rms, true
	} else {
		m.level = m.engine.alpha*rms + (1-m.engine.alpha)*m.level
	}

	conf := (m.level - m.engine.floor) / (m.engine.ceiling - m.engine.floor)
	return min(max(conf, 0), 1), nil
}

func (m *model) Reset() {
	m.level, m.primed = 0, false
}

func (m *model) Close() error { return nil }

var _ vad.Engine = (*Engine)(nil)
