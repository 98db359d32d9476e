package stage

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/conversation"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// Commit timing defaults.
const (
	DefaultCommitDelay   = 600 * time.Millisecond
	DefaultSemanticDelay = 1200 * time.Millisecond
)

// probePrompt asks the model for a one-token completeness verdict.
const probePrompt = "You judge live phone transcripts. Is the following a complete utterance, " +
	"or is the speaker likely to continue? Answer YES if complete, NO if not. Answer YES or NO only."

// Probe outcomes recorded as metric attributes.
const (
	probeComplete   = "complete"
	probeIncomplete = "incomplete"
	probeFailed     = "failed"
)

// AggregatorConfig controls when a buffered user turn is committed.
type AggregatorConfig struct {
	// CommitDelay is the quiet period after the last final transcript before
	// the turn is committed.
	CommitDelay time.Duration

	// Semantic enables the completeness probe at CommitDelay.
	Semantic bool

	// SemanticDelay is the total wait, measured from the start of the commit
	// timer, when the probe judges the utterance incomplete.
	SemanticDelay time.Duration
}

// DefaultAggregatorConfig returns fixed-delay commit settings.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{CommitDelay: DefaultCommitDelay, SemanticDelay: DefaultSemanticDelay}
}

// AggregatorOption configures an [Aggregator].
type AggregatorOption func(*Aggregator)

// WithAggregatorConfig replaces the default commit timing.
func WithAggregatorConfig(cfg AggregatorConfig) AggregatorOption {
	return func(a *Aggregator) { a.cfg = cfg }
}

// WithProbe sets the model used for the semantic completeness probe.
func WithProbe(p llm.Provider) AggregatorOption {
	return func(a *Aggregator) { a.probe = p }
}

// WithAggregatorMetrics records commits and probe outcomes on m.
func WithAggregatorMetrics(m *observe.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.metrics = m }
}

// Aggregator turns a stream of final transcripts into committed user turns.
//
// Finals are buffered while the user talks. Once the user is quiet the commit
// timer runs; when it fires the buffered text is appended to the history and
// a committed TextFrame is submitted to the pipeline. Every timer carries the
// turn sequence number it was started for, and a timer whose number no longer
// matches (speech resumed, barge-in, newer final) is discarded.
type Aggregator struct {
	history *conversation.History
	sub     pipeline.Submitter
	probe   llm.Provider
	metrics *observe.Metrics

	mu       sync.Mutex
	cfg      AggregatorConfig
	ctx      context.Context
	stop     context.CancelFunc
	buf      []string
	traceID  string
	firstAt  time.Time
	speaking bool
	seq      uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ pipeline.Processor = (*Aggregator)(nil)

// NewAggregator returns an Aggregator writing committed turns to history and
// posting them through sub.
func NewAggregator(history *conversation.History, sub pipeline.Submitter, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{history: history, sub: sub, cfg: DefaultAggregatorConfig()}
	a.ctx, a.stop = context.WithCancel(context.Background())
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name implements [pipeline.Processor].
func (a *Aggregator) Name() string { return "aggregator" }

// Process implements [pipeline.Processor].
func (a *Aggregator) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	if dir != frame.Downstream {
		emit(f, dir)
		return nil
	}
	switch fr := f.(type) {
	case *frame.SystemFrame:
		switch fr.Subtype {
		case frame.Start:
			a.bind(ctx)
		case frame.SpeechStarted:
			a.mu.Lock()
			a.stopTimerLocked()
			a.speaking = true
			a.mu.Unlock()
			emit(f, dir)
			emit(frame.NewSystem(frame.Cancel, frame.WithTraceID(fr.TraceID)), frame.Downstream)
			return nil
		case frame.SpeechStopped:
			a.mu.Lock()
			a.speaking = false
			if len(a.buf) > 0 {
				a.startTimerLocked()
			}
			a.mu.Unlock()
		case frame.End:
			a.ResetTurn()
		}
	case *frame.TextFrame:
		a.text(fr)
	case *frame.ControlFrame:
		a.apply(fr.Settings)
	}
	emit(f, dir)
	return nil
}

// Cleanup implements [pipeline.Processor]. It cancels pending timers and
// waits for them to return.
func (a *Aggregator) Cleanup(context.Context) error {
	a.ResetTurn()
	a.mu.Lock()
	a.stop()
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

// ResetTurn discards the buffered turn and any pending commit.
func (a *Aggregator) ResetTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimerLocked()
	a.buf = nil
	a.traceID = ""
	a.firstAt = time.Time{}
}

// bind derives timer contexts from the call context so timers log with the
// call's attributes and stop with it.
func (a *Aggregator) bind(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop()
	a.ctx, a.stop = context.WithCancel(ctx)
}

func (a *Aggregator) text(f *frame.TextFrame) {
	switch {
	case f.Role() == frame.RoleAssistant:
		if f.Text != "" {
			a.history.Append(conversation.RoleAssistant, f.Text)
		}
		return
	case f.Committed() || !f.IsFinal:
		return
	}
	t := strings.TrimSpace(f.Text)
	if t == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) == 0 {
		a.firstAt = time.Now()
		a.traceID = f.TraceID
	}
	a.buf = append(a.buf, t)
	if !a.speaking {
		a.startTimerLocked()
	}
}

// startTimerLocked (re)starts the commit timer for a new turn sequence.
func (a *Aggregator) startTimerLocked() {
	a.stopTimerLocked()
	ctx, cancel := context.WithCancel(a.ctx)
	a.cancel = cancel
	seq := a.seq
	cfg := a.cfg

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.runTimer(ctx, seq, cfg)
	}()
}

// stopTimerLocked cancels the running timer and invalidates its sequence.
func (a *Aggregator) stopTimerLocked() {
	a.seq++
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *Aggregator) runTimer(ctx context.Context, seq uint64, cfg AggregatorConfig) {
	start := time.Now()
	if !sleep(ctx, cfg.CommitDelay) {
		return
	}
	mode := "fixed"
	if cfg.Semantic && a.probe != nil {
		mode = "semantic"
		text, ok := a.pending(seq)
		if !ok {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, max(cfg.SemanticDelay-cfg.CommitDelay, 0))
		complete := a.complete(probeCtx, text)
		cancel()
		if !complete && !sleep(ctx, cfg.SemanticDelay-time.Since(start)) {
			return
		}
	}
	a.commit(ctx, seq, mode)
}

// pending returns the buffered text if seq is still current.
func (a *Aggregator) pending(seq uint64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != a.seq || len(a.buf) == 0 {
		return "", false
	}
	return strings.Join(a.buf, " "), true
}

// complete probes the model once. Any failure counts as complete.
func (a *Aggregator) complete(ctx context.Context, text string) bool {
	resp, err := a.probe.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: probePrompt,
		Messages:     []llm.Message{{Role: conversation.RoleUser, Content: text}},
		MaxTokens:    1,
	})
	if err != nil {
		observe.Logger(ctx).Debug("stage: aggregator: probe failed, committing", slog.Any("err", err))
		a.metrics.RecordSemanticProbe(ctx, probeFailed)
		return true
	}
	verdict := strings.ToUpper(strings.TrimSpace(resp.Content))
	if strings.HasPrefix(verdict, "NO") {
		a.metrics.RecordSemanticProbe(ctx, probeIncomplete)
		return false
	}
	a.metrics.RecordSemanticProbe(ctx, probeComplete)
	return true
}

func (a *Aggregator) commit(ctx context.Context, seq uint64, mode string) {
	a.mu.Lock()
	if seq != a.seq || len(a.buf) == 0 {
		a.mu.Unlock()
		return
	}
	text := strings.Join(a.buf, " ")
	traceID, firstAt := a.traceID, a.firstAt
	a.buf = nil
	a.traceID = ""
	a.firstAt = time.Time{}
	a.cancel = nil
	a.seq++
	a.history.Append(conversation.RoleUser, text)
	a.mu.Unlock()

	a.metrics.RecordCommit(ctx, mode, time.Since(firstAt))
	f := frame.NewText(text, true, frame.WithTraceID(traceID), frame.WithMeta(frame.MetaCommitted, "true"))
	if err := a.sub.Submit(f, frame.Downstream); err != nil {
		observe.Logger(ctx).Warn("stage: aggregator: commit not delivered", slog.Any("err", err))
		return
	}
	observe.Logger(ctx).Debug("stage: aggregator: turn committed",
		slog.String("mode", mode),
		slog.Int("chars", len(text)),
		slog.String("trace_id", traceID),
	)
}

func (a *Aggregator) apply(s frame.Settings) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.CommitDelay != nil {
		a.cfg.CommitDelay = *s.CommitDelay
	}
	if s.SemanticDelay != nil {
		a.cfg.SemanticDelay = *s.SemanticDelay
	}
	if s.Semantic != nil {
		a.cfg.Semantic = *s.Semantic
	}
}

// sleep waits for d or until ctx is done and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
