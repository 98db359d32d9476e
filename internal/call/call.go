// Package call assembles and runs one voice call.
//
// A [Call] owns the frame pipeline (VAD → recognizer → aggregator → call log
// → responder), the outbound audio stream and the barge-in coordinator for a
// single connected peer. [Call.Run] drives three loops under one errgroup:
// inbound decoding, the pipeline consumer and the paced outbound writer. The
// call ends when the peer disconnects, an End frame reaches the tail of the
// chain, a fatal Error frame is observed, or the parent context is cancelled.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/bargein"
	"github.com/MrWong99/voxline/internal/calllog"
	"github.com/MrWong99/voxline/internal/conversation"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/outbound"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/internal/stage"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/internal/turn"
	"github.com/MrWong99/voxline/internal/vocab"
	"github.com/MrWong99/voxline/pkg/codec"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// teardownTimeout bounds processor cleanup once the call has ended.
const teardownTimeout = 5 * time.Second

// keywordBoost is the recognition hint intensity for vocabulary terms.
const keywordBoost = 2

var (
	// ErrMissingProvider is returned by [New] when a required provider is nil.
	ErrMissingProvider = errors.New("call: missing provider")

	// errHangup ends the call after the peer disconnected.
	errHangup = errors.New("call: peer hung up")

	// errEnded ends the call after an End frame crossed the chain.
	errEnded = errors.New("call: ended")
)

// Providers are the external services a call talks to. Probe is optional and
// defaults to LLM; it is only used when semantic turn detection is enabled.
type Providers struct {
	LLM   llm.Provider
	Probe llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	VAD   vad.Engine
}

// Config is the per-call behaviour, resolved from the application config when
// the call is accepted.
type Config struct {
	QueueSize        int
	VAD              stage.VADConfig
	EndOfTurnSilence time.Duration
	Turn             stage.AggregatorConfig
	ContextWindow    int
	Responder        stage.ResponderConfig
	Language         string
	Vocabulary       []string

	// BackgroundFile is a WAV file looped under the call when set.
	BackgroundFile string
	BackgroundGain float64
	MixBackground  bool
}

// withDefaults fills zero timing values with the package defaults.
func (cfg Config) withDefaults() Config {
	if cfg.VAD == (stage.VADConfig{}) {
		cfg.VAD = stage.DefaultVADConfig()
	}
	if cfg.Turn.CommitDelay <= 0 {
		cfg.Turn.CommitDelay = stage.DefaultCommitDelay
	}
	if cfg.Turn.SemanticDelay <= 0 {
		cfg.Turn.SemanticDelay = stage.DefaultSemanticDelay
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = conversation.DefaultContextWindow
	}
	return cfg
}

// Option configures a [Call].
type Option func(*Call)

// WithMetrics records call metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Call) { c.metrics = m }
}

// WithCallLog persists committed turns and replies to store.
func WithCallLog(store calllog.Store) Option {
	return func(c *Call) { c.store = store }
}

// WithOutboundOptions passes opts to the outbound audio manager.
func WithOutboundOptions(opts ...outbound.Option) Option {
	return func(c *Call) { c.outOpts = append(c.outOpts, opts...) }
}

// Call is one live conversation over a [transport.Port].
type Call struct {
	id      string
	port    transport.Port
	enc     codec.Encoding
	metrics *observe.Metrics
	store   calllog.Store
	outOpts []outbound.Option

	pipe    *pipeline.Pipeline
	out     *outbound.Manager
	coord   *bargein.Coordinator
	history *conversation.History
	agg     *stage.Aggregator
	resp    *stage.Responder

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	ended  bool
}

// New assembles a call for port. The call does nothing until [Call.Run].
func New(id string, port transport.Port, p Providers, cfg Config, opts ...Option) (*Call, error) {
	switch {
	case p.LLM == nil:
		return nil, fmt.Errorf("%w: llm", ErrMissingProvider)
	case p.STT == nil:
		return nil, fmt.Errorf("%w: stt", ErrMissingProvider)
	case p.TTS == nil:
		return nil, fmt.Errorf("%w: tts", ErrMissingProvider)
	case p.VAD == nil:
		return nil, fmt.Errorf("%w: vad", ErrMissingProvider)
	}
	if p.Probe == nil {
		p.Probe = p.LLM
	}
	cfg = cfg.withDefaults()

	capab := port.Kind().Capability()
	c := &Call{id: id, port: port, enc: capab.Encoding}
	for _, o := range opts {
		o(c)
	}

	out, err := outbound.New(capab.Encoding, capab.SampleRate,
		append([]outbound.Option{outbound.WithMixBackground(cfg.MixBackground)}, c.outOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("call: %w", err)
	}
	if cfg.BackgroundFile != "" {
		if err := outbound.LoadBackground(out, cfg.BackgroundFile, cfg.BackgroundGain); err != nil {
			return nil, fmt.Errorf("call: %w", err)
		}
	}
	c.out = out

	c.history = conversation.NewHistory(cfg.ContextWindow)
	c.agg = stage.NewAggregator(c.history, c,
		stage.WithAggregatorConfig(cfg.Turn),
		stage.WithProbe(p.Probe),
		stage.WithAggregatorMetrics(c.metrics),
	)
	c.resp = stage.NewResponder(p.LLM, p.TTS, out, c.history, c,
		stage.WithResponderConfig(cfg.Responder),
		stage.WithResponderMetrics(c.metrics),
	)
	c.coord = bargein.New(out, c.resp, c.agg, bargein.WithMetrics(c.metrics))

	sttCfg := stt.StreamConfig{SampleRate: capab.SampleRate, Language: cfg.Language}
	for _, w := range cfg.Vocabulary {
		sttCfg.Keywords = append(sttCfg.Keywords, stt.KeywordBoost{Keyword: w, Boost: keywordBoost})
	}
	recognizer := stage.NewRecognizer(p.STT, sttCfg, c,
		stage.WithCorrector(vocab.New(cfg.Vocabulary)),
		stage.WithRecognizerMetrics(c.metrics),
	)
	vadStage := stage.NewVAD(vad.NewDetector(p.VAD), turn.NewEndPolicy(cfg.EndOfTurnSilence),
		stage.WithVADConfig(cfg.VAD),
		stage.WithInterrupter(c.coord),
		stage.WithVADMetrics(c.metrics),
	)

	procs := []pipeline.Processor{vadStage, recognizer, c.agg}
	if c.store != nil {
		procs = append(procs, calllog.NewRecorder(c.store, id))
	}
	procs = append(procs, c.resp, &monitor{call: c})

	c.pipe = pipeline.New(procs,
		pipeline.WithQueueSize(cfg.QueueSize),
		pipeline.WithMetrics(c.metrics),
	)
	c.coord.AttachPipeline(c.pipe)
	return c, nil
}

// ID returns the call id.
func (c *Call) ID() string { return c.id }

// Kind returns the transport kind of the connected peer.
func (c *Call) Kind() transport.Kind { return c.port.Kind() }

// Submit implements [pipeline.Submitter] for the call's stages.
func (c *Call) Submit(f frame.Frame, dir frame.Direction) error {
	return c.pipe.Submit(f, dir)
}

// Apply pushes live settings into the call as a ControlFrame.
func (c *Call) Apply(s frame.Settings) error {
	if err := c.pipe.Submit(frame.NewControl(s), frame.Downstream); err != nil {
		return fmt.Errorf("call: apply settings: %w", err)
	}
	return nil
}

// Interrupt stops the bot mid-utterance on behalf of reason.
func (c *Call) Interrupt(ctx context.Context, reason turn.Reason) turn.Command {
	return c.coord.Interrupt(ctx, reason)
}

// Hangup ends the call gracefully: an End frame is sent through the chain and
// the call stops once it reaches the tail.
func (c *Call) Hangup() {
	if err := c.pipe.Submit(frame.NewSystem(frame.End), frame.Downstream); err != nil {
		c.end(errEnded)
	}
}

// Run serves the call until it ends and tears it down. It returns nil when
// the peer hung up or the call was ended; fatal pipeline errors and transport
// failures are returned.
func (c *Call) Run(ctx context.Context) error {
	kind := c.port.Kind().String()
	ctx = observe.WithLogger(ctx, observe.BaseLogger(ctx).With(
		slog.String("call_id", c.id),
		slog.String("transport", kind),
	))
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	c.cancel = cancel
	if c.ended {
		cancel(errEnded)
	}
	c.mu.Unlock()

	ctx, endSpan := observe.StartCallSpan(ctx, c.id, kind)
	log := observe.Logger(ctx)
	c.metrics.CallStarted(ctx, kind)
	defer c.metrics.CallEnded(context.WithoutCancel(ctx), kind)
	log.Info("call started")

	if err := c.pipe.Submit(frame.NewSystem(frame.Start), frame.Downstream); err != nil {
		err = fmt.Errorf("call: start: %w", err)
		endSpan(err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pipe.Run(gctx) })
	g.Go(func() error {
		return c.out.Run(gctx, func(b []byte) error {
			if err := c.port.Write(gctx, b); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return errHangup
				}
				return err
			}
			return nil
		})
	})
	g.Go(func() error { return c.inbound(gctx) })
	err := g.Wait()
	if err == nil {
		err = context.Cause(ctx)
	}

	c.teardown(context.WithoutCancel(ctx))

	switch {
	case err == nil, errors.Is(err, errHangup), errors.Is(err, errEnded), errors.Is(err, context.Canceled):
		log.Info("call ended", "reason", reason(err))
		endSpan(nil)
		return nil
	default:
		log.Warn("call failed", "err", err)
		endSpan(err)
		return err
	}
}

// inbound decodes peer audio into AudioFrames until the peer goes away.
func (c *Call) inbound(ctx context.Context) error {
	rate := c.port.Kind().Capability().SampleRate
	in := c.port.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-in:
			if !ok {
				if err := c.port.Err(); err != nil {
					return fmt.Errorf("call: transport: %w", err)
				}
				return errHangup
			}
			samples, err := c.enc.Decode(b)
			if err != nil {
				// Malformed audio is unrecoverable; the monitor ends the call.
				if serr := c.pipe.Submit(frame.NewError(fmt.Errorf("call: decode inbound: %w", err), true), frame.Downstream); serr != nil {
					return fmt.Errorf("call: decode inbound: %w", err)
				}
				continue
			}
			if err := c.pipe.Submit(frame.NewAudio(samples, rate, 1), frame.Downstream); err != nil {
				if errors.Is(err, pipeline.ErrStopped) {
					return nil
				}
				// ErrQueueFull: dropped and counted by the pipeline.
			}
		}
	}
}

func (c *Call) teardown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	c.out.Stop()
	c.pipe.Stop(ctx)
	if err := c.port.Close(); err != nil {
		observe.Logger(ctx).Debug("call: close transport", "err", err)
	}
}

// end stops the call with cause. Later causes are ignored.
func (c *Call) end(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	if c.cancel != nil {
		c.cancel(cause)
	}
}

func reason(err error) string {
	switch {
	case err == nil, errors.Is(err, errEnded):
		return "ended"
	case errors.Is(err, errHangup):
		return "hangup"
	default:
		return "cancelled"
	}
}

// monitor is the last processor in the chain. It ends the call on End and
// fatal Error frames.
type monitor struct {
	call *Call
}

func (m *monitor) Name() string { return "monitor" }

func (m *monitor) Process(ctx context.Context, f frame.Frame, dir frame.Direction, _ pipeline.Emit) error {
	sf, ok := f.(*frame.SystemFrame)
	if !ok || dir != frame.Downstream {
		return nil
	}
	switch sf.Subtype {
	case frame.End:
		m.call.end(errEnded)
	case frame.Error:
		if sf.Fatal {
			m.call.end(fmt.Errorf("%w: %w", pipeline.ErrFatal, sf.Err))
		}
	case frame.Backpressure:
		observe.Logger(ctx).Warn("call: backpressure", "level", sf.Level.String())
	}
	return nil
}

func (m *monitor) Cleanup(context.Context) error { return nil }

// Compile-time interface assertions.
var (
	_ pipeline.Submitter = (*Call)(nil)
	_ pipeline.Processor = (*monitor)(nil)
)
