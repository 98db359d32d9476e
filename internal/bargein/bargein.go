// Package bargein coordinates user interruptions across the layers of a call.
//
// When the user starts talking over the bot, the [Coordinator] asks the
// [turn.BargeInPolicy] what to do and applies the resulting command: cancel
// the in-flight generation, flush queued outbound audio, reset the turn
// aggregator and, when the command says so, drain Normal frames from the
// pipeline queue. All collaborators are reached through the small interfaces
// below so the coordinator never depends on concrete stages.
package bargein

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/turn"
)

// AudioFlusher is the outbound audio side of a call.
type AudioFlusher interface {
	// Pending reports whether synthesized speech is queued for playback.
	Pending() bool

	// Flush drops queued speech and returns the number of dropped chunks.
	Flush() int
}

// GenerationCanceller cancels in-flight response generation and synthesis.
type GenerationCanceller interface {
	CancelGeneration()
}

// TurnResetter discards the buffered user turn and any pending commit.
type TurnResetter interface {
	ResetTurn()
}

// PipelineClearer drops queued Normal frames, keeping System frames.
type PipelineClearer interface {
	DrainNormal() int
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithMetrics records executed interruptions on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPipeline sets the queue drained by commands with ClearPipeline. The
// pipeline is usually built after the stages, so it may also be attached
// later with [Coordinator.AttachPipeline].
func WithPipeline(p PipelineClearer) Option {
	return func(c *Coordinator) { c.queue = p }
}

// Coordinator applies barge-in commands. Nil collaborators are skipped. It is
// safe for concurrent use as long as the collaborators are.
type Coordinator struct {
	policy  turn.BargeInPolicy
	audio   AudioFlusher
	gen     GenerationCanceller
	turns   TurnResetter
	queue   PipelineClearer
	metrics *observe.Metrics
}

// New creates a Coordinator over the given collaborators.
func New(audio AudioFlusher, gen GenerationCanceller, turns TurnResetter, opts ...Option) *Coordinator {
	c := &Coordinator{audio: audio, gen: gen, turns: turns}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AttachPipeline sets the queue drained by ClearPipeline commands. It must be
// called before the call starts processing audio.
func (c *Coordinator) AttachPipeline(p PipelineClearer) {
	c.queue = p
}

// BotSpeaking reports whether outbound speech is queued.
func (c *Coordinator) BotSpeaking() bool {
	return c.audio != nil && c.audio.Pending()
}

// OnSpeechStarted handles confirmed user speech. It interrupts only while the
// bot is speaking and reports whether it did.
func (c *Coordinator) OnSpeechStarted(ctx context.Context) bool {
	if !c.BotSpeaking() {
		return false
	}
	c.Interrupt(ctx, turn.ReasonVoice)
	return true
}

// Interrupt executes the policy for reason unconditionally and returns the
// command that was applied.
func (c *Coordinator) Interrupt(ctx context.Context, reason turn.Reason) turn.Command {
	cmd := c.policy.Execute(reason)

	if c.gen != nil {
		c.gen.CancelGeneration()
	}
	flushed := 0
	if cmd.InterruptAudio && c.audio != nil {
		flushed = c.audio.Flush()
	}
	if c.turns != nil {
		c.turns.ResetTurn()
	}
	drained := 0
	if cmd.ClearPipeline && c.queue != nil {
		drained = c.queue.DrainNormal()
	}

	c.metrics.RecordBargeIn(ctx, string(cmd.Reason))
	observe.Logger(ctx).Debug("bargein: interrupted",
		slog.String("reason", string(cmd.Reason)),
		slog.Int("flushed_chunks", flushed),
		slog.Int("drained_frames", drained),
	)
	return cmd
}
