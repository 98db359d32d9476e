package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/internal/turn"
	"github.com/MrWong99/voxline/pkg/codec"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// VAD defaults.
const (
	DefaultOnset              = 0.50
	DefaultOffset             = 0.35
	DefaultMinSpeechFrames    = 3
	DefaultConfirmationWindow = 200 * time.Millisecond
)

// windowDuration is the audio time covered by one detector window.
const windowDuration = vad.WindowMs * time.Millisecond

// VADConfig holds the speech-state thresholds.
type VADConfig struct {
	// Onset is the confidence above which a window counts as speech.
	Onset float64

	// Offset is the confidence below which a window counts as silence.
	Offset float64

	// MinSpeechFrames is the number of speech windows required before speech
	// is confirmed.
	MinSpeechFrames int

	// ConfirmationWindow is how long detected speech must persist before
	// SpeechStarted is emitted. Zero confirms as soon as MinSpeechFrames is
	// reached.
	ConfirmationWindow time.Duration
}

// DefaultVADConfig returns the default thresholds.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Onset:              DefaultOnset,
		Offset:             DefaultOffset,
		MinSpeechFrames:    DefaultMinSpeechFrames,
		ConfirmationWindow: DefaultConfirmationWindow,
	}
}

// Interrupter is notified as soon as user speech is confirmed. The barge-in
// coordinator implements it.
type Interrupter interface {
	OnSpeechStarted(ctx context.Context) bool
}

type speechState int

const (
	stateSilence speechState = iota
	statePending
	stateSpeaking
)

func (s speechState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateSpeaking:
		return "speaking"
	default:
		return "silence"
	}
}

// VADOption configures a [VAD] stage.
type VADOption func(*VAD)

// WithVADConfig replaces the default thresholds.
func WithVADConfig(cfg VADConfig) VADOption {
	return func(v *VAD) { v.cfg = cfg }
}

// WithInterrupter sets the collaborator notified on confirmed speech.
func WithInterrupter(i Interrupter) VADOption {
	return func(v *VAD) { v.interrupter = i }
}

// WithVADMetrics records false positives on m.
func WithVADMetrics(m *observe.Metrics) VADOption {
	return func(v *VAD) { v.metrics = m }
}

// VAD annotates the audio stream with SpeechStarted and SpeechStopped frames.
//
// Speech is confirmed only after it persists for the confirmation window, so
// short noises (coughs, clicks, line pops) never reach the turn logic. Time
// inside the state machine is audio time: each detector window counts as
// 32 ms regardless of when it arrives.
type VAD struct {
	det         *vad.Detector
	policy      *turn.EndPolicy
	cfg         VADConfig
	interrupter Interrupter
	metrics     *observe.Metrics

	state        speechState
	speechFrames int
	elapsed      time.Duration
	silence      time.Duration
	onsetAt      time.Time
}

var _ pipeline.Processor = (*VAD)(nil)

// NewVAD returns a VAD stage over det. policy decides when accumulated
// silence ends the turn.
func NewVAD(det *vad.Detector, policy *turn.EndPolicy, opts ...VADOption) *VAD {
	v := &VAD{det: det, policy: policy, cfg: DefaultVADConfig()}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Name implements [pipeline.Processor].
func (v *VAD) Name() string { return "vad" }

// Process implements [pipeline.Processor].
func (v *VAD) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	if dir != frame.Downstream {
		emit(f, dir)
		return nil
	}
	switch fr := f.(type) {
	case *frame.AudioFrame:
		emit(f, dir)
		return v.detect(ctx, fr, emit)
	case *frame.ControlFrame:
		v.apply(fr.Settings)
	case *frame.SystemFrame:
		if fr.Subtype == frame.End {
			v.resetState()
			v.det.Reset()
		}
	}
	emit(f, dir)
	return nil
}

// Cleanup implements [pipeline.Processor].
func (v *VAD) Cleanup(context.Context) error {
	return v.det.Close()
}

func (v *VAD) detect(ctx context.Context, f *frame.AudioFrame, emit pipeline.Emit) error {
	confs, err := v.det.Process(codec.ToMono(f.Samples, f.Channels), f.SampleRate)
	if err != nil {
		if errors.Is(err, vad.ErrUnsupportedSampleRate) {
			return fmt.Errorf("stage: vad: %w: %w", pipeline.ErrFatal, err)
		}
		return fmt.Errorf("stage: vad: %w", err)
	}
	for _, c := range confs {
		v.step(ctx, c, f.TraceID, emit)
	}
	return nil
}

// step advances the state machine by one window with confidence c.
func (v *VAD) step(ctx context.Context, c float64, traceID string, emit pipeline.Emit) {
	switch v.state {
	case stateSilence:
		if c <= v.cfg.Onset {
			return
		}
		v.state = statePending
		v.speechFrames = 1
		v.elapsed = 0
		v.onsetAt = time.Now()
		v.confirm(ctx, traceID, emit)

	case statePending:
		if c < v.cfg.Offset {
			v.metrics.RecordVADFalsePositive(ctx)
			observe.Logger(ctx).Debug("stage: vad: onset rejected",
				slog.Duration("audio", v.elapsed+windowDuration),
				slog.Int("speech_frames", v.speechFrames),
			)
			v.resetState()
			return
		}
		v.elapsed += windowDuration
		if c <= v.cfg.Onset {
			// Windows in the hysteresis band age the onset but never
			// confirm it.
			return
		}
		v.speechFrames++
		v.confirm(ctx, traceID, emit)

	case stateSpeaking:
		if c >= v.cfg.Offset {
			v.silence = 0
			return
		}
		v.silence += windowDuration
		if v.policy.ShouldEndTurn(v.silence) {
			v.resetState()
			emit(frame.NewSystem(frame.SpeechStopped, frame.WithTraceID(traceID)), frame.Downstream)
		}
	}
}

// confirm promotes a pending onset to speech once the window and frame count
// are both satisfied. It is only called for a window above the onset.
func (v *VAD) confirm(ctx context.Context, traceID string, emit pipeline.Emit) {
	if v.elapsed < v.cfg.ConfirmationWindow || v.speechFrames < v.cfg.MinSpeechFrames {
		return
	}
	v.state = stateSpeaking
	v.silence = 0
	observe.Logger(ctx).Debug("stage: vad: speech started",
		slog.Duration("confirmation", time.Since(v.onsetAt)),
		slog.Int("speech_frames", v.speechFrames),
	)
	if v.interrupter != nil {
		v.interrupter.OnSpeechStarted(ctx)
	}
	emit(frame.NewSystem(frame.SpeechStarted, frame.WithTraceID(traceID)), frame.Downstream)
}

func (v *VAD) resetState() {
	v.state = stateSilence
	v.speechFrames = 0
	v.elapsed = 0
	v.silence = 0
	v.onsetAt = time.Time{}
}

// apply merges a runtime settings patch.
func (v *VAD) apply(s frame.Settings) {
	if s.VADOnset != nil {
		v.cfg.Onset = *s.VADOnset
	}
	if s.VADOffset != nil {
		v.cfg.Offset = *s.VADOffset
	}
	if s.MinSpeechFrames != nil {
		v.cfg.MinSpeechFrames = *s.MinSpeechFrames
	}
	if s.ConfirmationWindow != nil {
		v.cfg.ConfirmationWindow = *s.ConfirmationWindow
	}
	if s.EndOfTurnSilence != nil {
		v.policy.UpdateThreshold(*s.EndOfTurnSilence)
	}
}
