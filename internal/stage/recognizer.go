package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/codec"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/stt"
)

const (
	// reopenBackoff limits how often a failed STT session is reopened.
	reopenBackoff = time.Second

	defaultDialTimeout = 5 * time.Second

	// pendingLimit caps the audio held while a session is being opened: one
	// second of 20 ms frames.
	pendingLimit = 50
)

// Corrector rewrites final transcripts, e.g. to fix misrecognised vocabulary.
type Corrector interface {
	Correct(text string) string
}

// vocabularySetter is implemented by correctors that accept runtime
// vocabulary updates.
type vocabularySetter interface {
	SetVocabulary(words []string)
}

// RecognizerOption configures a [Recognizer].
type RecognizerOption func(*Recognizer)

// WithCorrector passes final transcripts through c.
func WithCorrector(c Corrector) RecognizerOption {
	return func(r *Recognizer) { r.corrector = c }
}

// WithDialTimeout bounds how long opening a session may take. Non-positive
// values are ignored.
func WithDialTimeout(d time.Duration) RecognizerOption {
	return func(r *Recognizer) {
		if d > 0 {
			r.dialTimeout = d
		}
	}
}

// WithRecognizerMetrics records STT latency and errors on m.
func WithRecognizerMetrics(m *observe.Metrics) RecognizerOption {
	return func(r *Recognizer) { r.metrics = m }
}

// Recognizer streams call audio to a speech-to-text session and posts the
// resulting transcripts as TextFrames.
//
// The session is opened on the Start frame (or lazily on the first audio
// frame) and closed on End or Cleanup. Opening runs on its own goroutine so
// a slow dial never holds up the pipeline; audio that arrives meanwhile is
// held and sent once the session is up. A reader goroutine drains partials
// and finals and submits them through the pipeline. Failed opens and
// sessions that end with an error are reported as transient Error frames
// and reopened on demand.
type Recognizer struct {
	provider    stt.Provider
	cfg         stt.StreamConfig
	sub         pipeline.Submitter
	corrector   Corrector
	metrics     *observe.Metrics
	now         func() time.Time
	dialTimeout time.Duration

	wg sync.WaitGroup

	mu      sync.Mutex
	sess    stt.SessionHandle
	cancel  context.CancelFunc // ends sess or the dial in flight
	opening bool
	gen     uint64 // bumped on close so a late dial result is discarded
	pending [][]byte
	retryAt time.Time

	stoppedAt time.Time
}

var _ pipeline.Processor = (*Recognizer)(nil)

// NewRecognizer returns a Recognizer that opens sessions on p with cfg. Audio
// is always sent as linear16 at cfg.SampleRate.
func NewRecognizer(p stt.Provider, cfg stt.StreamConfig, sub pipeline.Submitter, opts ...RecognizerOption) *Recognizer {
	cfg.Encoding = "linear16"
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	r := &Recognizer{provider: p, cfg: cfg, sub: sub, now: time.Now, dialTimeout: defaultDialTimeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name implements [pipeline.Processor].
func (r *Recognizer) Name() string { return "recognizer" }

// Process implements [pipeline.Processor].
func (r *Recognizer) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	if dir != frame.Downstream {
		emit(f, dir)
		return nil
	}
	var err error
	switch fr := f.(type) {
	case *frame.AudioFrame:
		err = r.send(ctx, fr)
	case *frame.SystemFrame:
		switch fr.Subtype {
		case frame.Start:
			r.mu.Lock()
			r.openLocked(ctx)
			r.mu.Unlock()
		case frame.SpeechStopped:
			r.mu.Lock()
			r.stoppedAt = r.now()
			r.mu.Unlock()
		case frame.End:
			r.close()
		}
	case *frame.ControlFrame:
		if ws, ok := r.corrector.(vocabularySetter); ok && fr.Settings.Vocabulary != nil {
			ws.SetVocabulary(fr.Settings.Vocabulary)
		}
	}
	emit(f, dir)
	return err
}

// Cleanup implements [pipeline.Processor].
func (r *Recognizer) Cleanup(context.Context) error {
	err := r.close()
	r.wg.Wait()
	return err
}

// openLocked starts dialing unless a session is open, being opened or
// backing off. It never blocks.
func (r *Recognizer) openLocked(ctx context.Context) {
	if r.sess != nil || r.opening || r.now().Before(r.retryAt) {
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	r.opening = true
	r.cancel = cancel
	r.wg.Add(1)
	go r.dial(ctx, sctx, cancel, r.gen)
}

// dial opens a session on sctx and installs it, unless the recognizer was
// closed in the meantime.
func (r *Recognizer) dial(ctx, sctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer r.wg.Done()
	log := observe.Logger(ctx)

	timer := time.AfterFunc(r.dialTimeout, cancel)
	sess, err := r.provider.StartStream(sctx, r.cfg)
	if !timer.Stop() {
		// sctx is cancelled, so a session that made it through is unusable.
		if err == nil {
			_ = sess.Close()
		}
		err = fmt.Errorf("no session after %v: %w", r.dialTimeout, context.DeadlineExceeded)
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		if err == nil {
			_ = sess.Close()
		}
		cancel()
		return
	}
	r.opening = false
	if err != nil {
		r.cancel = nil
		r.pending = nil
		r.retryAt = r.now().Add(reopenBackoff)
		r.mu.Unlock()
		cancel()
		r.metrics.RecordProviderError(ctx, "stt", "start")
		r.submit(log, frame.NewError(fmt.Errorf("stage: recognizer: start stream: %w", err), false))
		return
	}
	r.sess = sess
	for _, chunk := range r.pending {
		if err := sess.SendAudio(chunk); err != nil {
			break
		}
	}
	r.pending = nil
	r.wg.Add(1)
	go r.read(ctx, sess)
	r.mu.Unlock()
}

func (r *Recognizer) close() error {
	r.mu.Lock()
	sess, cancel := r.sess, r.cancel
	r.sess, r.cancel = nil, nil
	r.opening = false
	r.pending = nil
	r.gen++
	r.mu.Unlock()

	var err error
	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			err = fmt.Errorf("stage: recognizer: close session: %w", cerr)
		}
	}
	if cancel != nil {
		cancel()
	}
	return err
}

func (r *Recognizer) send(ctx context.Context, f *frame.AudioFrame) error {
	samples := codec.Resample(codec.ToMono(f.Samples, f.Channels), f.SampleRate, r.cfg.SampleRate)
	chunk := codec.EncodePCM16(samples)

	r.mu.Lock()
	sess := r.sess
	if sess == nil {
		r.openLocked(ctx)
		if r.opening {
			if len(r.pending) == pendingLimit {
				r.pending = r.pending[1:]
				r.metrics.RecordFrameDropped(ctx, "stt_audio")
			}
			r.pending = append(r.pending, chunk)
		}
		r.mu.Unlock()
		return nil
	}
	err := sess.SendAudio(chunk)
	r.mu.Unlock()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, stt.ErrAudioDropped):
		r.metrics.RecordFrameDropped(ctx, "stt_audio")
		return nil
	}
	// The session is gone; drop it so a later frame reopens.
	_ = r.close()
	r.mu.Lock()
	r.retryAt = r.now().Add(reopenBackoff)
	r.mu.Unlock()
	return fmt.Errorf("stage: recognizer: send audio: %w", err)
}

// read forwards transcripts from sess until both channels close.
func (r *Recognizer) read(ctx context.Context, sess stt.SessionHandle) {
	defer r.wg.Done()
	log := observe.Logger(ctx)
	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			r.submit(log, frame.NewText(t.Text, false))
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			r.final(ctx, log, t)
		}
	}
	if err := sess.Err(); err != nil && ctx.Err() == nil {
		r.metrics.RecordProviderError(ctx, "stt", "stream")
		r.submit(log, frame.NewError(fmt.Errorf("stage: recognizer: session ended: %w", err), false))
	}
}

func (r *Recognizer) final(ctx context.Context, log *slog.Logger, t stt.Transcript) {
	text := t.Text
	if r.corrector != nil {
		text = r.corrector.Correct(text)
	}
	r.mu.Lock()
	stoppedAt := r.stoppedAt
	r.stoppedAt = time.Time{}
	r.mu.Unlock()
	if !stoppedAt.IsZero() {
		r.metrics.RecordLatency(ctx, "stt", r.now().Sub(stoppedAt))
	}
	if text != t.Text {
		log.Debug("stage: recognizer: transcript corrected", slog.String("from", t.Text), slog.String("to", text))
	}
	r.submit(log, frame.NewText(text, true))
}

func (r *Recognizer) submit(log *slog.Logger, f frame.Frame) {
	if err := r.sub.Submit(f, frame.Downstream); err != nil {
		log.Debug("stage: recognizer: frame not delivered", slog.String("kind", f.Kind()), slog.Any("err", err))
	}
}
