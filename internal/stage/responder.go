package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/conversation"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/codec"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// sentenceBuf is the depth of the channel feeding sentences to synthesis.
const sentenceBuf = 16

// AudioSink receives synthesized speech at the call rate. The outbound
// manager implements it.
type AudioSink interface {
	Enqueue(samples []int16) int
	SampleRate() int
}

// ResponderConfig holds the generation parameters.
type ResponderConfig struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Voice        tts.VoiceProfile
}

// ResponderOption configures a [Responder].
type ResponderOption func(*Responder)

// WithResponderConfig sets the generation parameters.
func WithResponderConfig(cfg ResponderConfig) ResponderOption {
	return func(r *Responder) { r.cfg = cfg }
}

// WithResponderMetrics records LLM and TTS latency on m.
func WithResponderMetrics(m *observe.Metrics) ResponderOption {
	return func(r *Responder) { r.metrics = m }
}

// Responder generates and speaks a reply for every committed user turn.
//
// The reply is streamed from the LLM over a snapshot of the history, split
// into sentences, synthesized and queued on the [AudioSink]. Only one
// generation runs at a time: a new commit, a Cancel or End frame, or
// [Responder.CancelGeneration] stops the current one. After a generation
// completes the spoken text is posted as an assistant TextFrame.
type Responder struct {
	llm     llm.Provider
	tts     tts.Provider
	sink    AudioSink
	history *conversation.History
	sub     pipeline.Submitter
	metrics *observe.Metrics

	mu     sync.Mutex
	cfg    ResponderConfig
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ pipeline.Processor = (*Responder)(nil)

// NewResponder returns a Responder.
func NewResponder(l llm.Provider, t tts.Provider, sink AudioSink, history *conversation.History, sub pipeline.Submitter, opts ...ResponderOption) *Responder {
	r := &Responder{llm: l, tts: t, sink: sink, history: history, sub: sub}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name implements [pipeline.Processor].
func (r *Responder) Name() string { return "responder" }

// Process implements [pipeline.Processor].
func (r *Responder) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	if dir == frame.Downstream {
		switch fr := f.(type) {
		case *frame.TextFrame:
			if fr.Committed() {
				r.start(ctx, fr)
			}
		case *frame.SystemFrame:
			if fr.Subtype == frame.Cancel || fr.Subtype == frame.End {
				r.CancelGeneration()
			}
		case *frame.ControlFrame:
			if p := fr.Settings.SystemPrompt; p != nil {
				r.mu.Lock()
				r.cfg.SystemPrompt = *p
				r.mu.Unlock()
			}
		}
	}
	emit(f, dir)
	return nil
}

// Cleanup implements [pipeline.Processor].
func (r *Responder) Cleanup(context.Context) error {
	r.CancelGeneration()
	r.wg.Wait()
	return nil
}

// CancelGeneration stops the in-flight generation. Once it returns no more
// audio from that generation reaches the sink.
func (r *Responder) CancelGeneration() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Responder) start(ctx context.Context, f *frame.TextFrame) {
	r.mu.Lock()
	r.gen++
	if r.cancel != nil {
		r.cancel()
	}
	gctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	gen := r.gen
	cfg := r.cfg
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.finish(gen, cancel)
		r.generate(gctx, gen, cfg, f.TraceID)
	}()
}

// finish releases the generation context if gen is still current.
func (r *Responder) finish(gen uint64, cancel context.CancelFunc) {
	cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen {
		r.cancel = nil
	}
}

func (r *Responder) generate(ctx context.Context, gen uint64, cfg ResponderConfig, traceID string) {
	log := observe.Logger(ctx).With(slog.String("trace_id", traceID))
	msgs := r.history.Snapshot()
	req := llm.CompletionRequest{
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Messages:     make([]llm.Message, len(msgs)),
	}
	for i, m := range msgs {
		req.Messages[i] = llm.Message{Role: m.Role, Content: m.Content}
	}

	start := time.Now()
	chunks, err := r.llm.StreamCompletion(ctx, req)
	if err != nil {
		r.fail(ctx, log, traceID, fmt.Errorf("stage: responder: stream completion: %w", err))
		return
	}
	sentences := make(chan string, sentenceBuf)
	audio, err := r.tts.SynthesizeStream(ctx, sentences, cfg.Voice)
	if err != nil {
		go drainChunks(chunks)
		r.fail(ctx, log, traceID, fmt.Errorf("stage: responder: synthesize: %w", err))
		return
	}

	var (
		reply  strings.Builder
		genErr error
		split  = make(chan struct{})
	)
	sctx, scancel := context.WithCancel(ctx)
	defer scancel()
	go func() {
		// split closes before sentences so a finished synthesis stream
		// implies a finished splitter.
		defer close(sentences)
		defer close(split)
		genErr = r.forwardSentences(sctx, chunks, sentences, &reply, start)
	}()

	ttsRate := r.tts.SampleRate()
	var carry []byte
	first := true
	for b := range audio {
		if first {
			r.metrics.RecordLatency(ctx, "tts", time.Since(start))
			first = false
		}
		if len(carry) > 0 {
			b = append(carry, b...)
			carry = nil
		}
		if len(b)%2 == 1 {
			carry = []byte{b[len(b)-1]}
			b = b[:len(b)-1]
		}
		samples, _ := codec.DecodePCM16(b)
		if !r.enqueue(gen, codec.Resample(samples, ttsRate, r.sink.SampleRate())) {
			go drainBytes(audio)
			break
		}
	}
	select {
	case <-split:
	default:
		// Synthesis stopped before consuming every sentence.
		scancel()
		<-split
		if ctx.Err() == nil {
			genErr = errors.Join(genErr, errors.New("stage: responder: synthesis ended early"))
		}
	}

	if ctx.Err() != nil {
		log.Debug("stage: responder: generation cancelled", slog.Int("chars", reply.Len()))
		return
	}
	if genErr != nil {
		r.fail(ctx, log, traceID, genErr)
	}
	text := strings.TrimSpace(reply.String())
	if text == "" {
		return
	}
	out := frame.NewText(text, true, frame.WithTraceID(traceID), frame.WithMeta(frame.MetaRole, frame.RoleAssistant))
	if err := r.sub.Submit(out, frame.Downstream); err != nil {
		log.Warn("stage: responder: reply not recorded", slog.Any("err", err))
	}
}

// enqueue hands samples to the sink unless gen has been cancelled.
func (r *Responder) enqueue(gen uint64, samples []int16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return false
	}
	r.sink.Enqueue(samples)
	return true
}

// forwardSentences reads token chunks, writes each complete sentence to out
// and accumulates everything sent in reply. Remaining text is flushed when
// the stream finishes.
func (r *Responder) forwardSentences(ctx context.Context, ch <-chan llm.Chunk, out chan<- string, reply *strings.Builder, start time.Time) error {
	var buf strings.Builder
	first := true
	send := func(s string) bool {
		s = strings.TrimSpace(s)
		if s == "" {
			return true
		}
		select {
		case out <- s:
			if reply.Len() > 0 {
				reply.WriteByte(' ')
			}
			reply.WriteString(s)
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return nil
		case chunk, ok := <-ch:
			if !ok {
				send(buf.String())
				return nil
			}
			if first && chunk.Text != "" {
				r.metrics.RecordLatency(ctx, "llm", time.Since(start))
				first = false
			}
			buf.WriteString(chunk.Text)
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				s := buf.String()
				buf.Reset()
				buf.WriteString(strings.TrimLeft(s[idx+1:], " \t\n\r"))
				if !send(s[:idx+1]) {
					go drainChunks(ch)
					return nil
				}
			}
			if u := chunk.Usage; u != nil {
				observe.Logger(ctx).Debug("stage: responder: token usage",
					slog.Int("prompt", u.PromptTokens),
					slog.Int("completion", u.CompletionTokens))
			}
			if chunk.FinishReason != "" {
				send(buf.String())
				go drainChunks(ch)
				if chunk.FinishReason == "error" {
					return errors.New("stage: responder: generation stream failed")
				}
				return nil
			}
		}
	}
}

func (r *Responder) fail(ctx context.Context, log *slog.Logger, traceID string, err error) {
	r.metrics.RecordProviderError(ctx, "responder", "generate")
	log.Warn("stage: responder: generation failed", slog.Any("err", err))
	if serr := r.sub.Submit(frame.NewError(err, false, frame.WithTraceID(traceID)), frame.Downstream); serr != nil {
		log.Debug("stage: responder: error frame not delivered", slog.Any("err", serr))
	}
}

// firstSentenceBoundary returns the index of the first '.', '!' or '?' that
// is immediately followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

func drainBytes(ch <-chan []byte) {
	for range ch {
	}
}
