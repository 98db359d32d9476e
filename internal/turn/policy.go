// Package turn holds the pure decision policies of the turn-taking loop: when
// accumulated silence ends a user turn, and what an interruption must stop.
package turn

import (
	"sync/atomic"
	"time"
)

// DefaultEndOfTurnSilence is the silence threshold used when none is configured.
const DefaultEndOfTurnSilence = 400 * time.Millisecond

// EndPolicy decides whether trailing silence ends the user's turn. The
// threshold can be swapped at runtime from any goroutine.
type EndPolicy struct {
	threshold atomic.Int64
}

// NewEndPolicy returns an EndPolicy with the given threshold. A non-positive
// threshold selects [DefaultEndOfTurnSilence].
func NewEndPolicy(threshold time.Duration) *EndPolicy {
	p := &EndPolicy{}
	p.UpdateThreshold(threshold)
	return p
}

// ShouldEndTurn reports whether silence has reached the threshold.
func (p *EndPolicy) ShouldEndTurn(silence time.Duration) bool {
	return silence >= p.Threshold()
}

// Threshold returns the current threshold.
func (p *EndPolicy) Threshold() time.Duration {
	return time.Duration(p.threshold.Load())
}

// UpdateThreshold replaces the threshold. Non-positive values select
// [DefaultEndOfTurnSilence].
func (p *EndPolicy) UpdateThreshold(d time.Duration) {
	if d <= 0 {
		d = DefaultEndOfTurnSilence
	}
	p.threshold.Store(int64(d))
}

// Reason names what triggered an interruption.
type Reason string

const (
	// ReasonVoice is a confirmed speech onset while the bot is speaking.
	ReasonVoice Reason = "voice"

	// ReasonUser is an explicit user action such as a DTMF key or a client
	// "interrupt" message.
	ReasonUser Reason = "user"

	// ReasonSystem is a server-side interruption, e.g. config reload or
	// shutdown, that must stop playback but keep in-flight pipeline work.
	ReasonSystem Reason = "system"
)

// Command is what an interruption must stop.
type Command struct {
	// ClearPipeline drops queued normal frames and cancels generation.
	ClearPipeline bool

	// InterruptAudio flushes queued outbound audio.
	InterruptAudio bool

	Reason Reason
}

// BargeInPolicy maps an interruption reason to a [Command].
type BargeInPolicy struct{}

// Execute returns the command for reason. Voice and user interruptions stop
// everything; any other reason stops audio only.
func (BargeInPolicy) Execute(reason Reason) Command {
	switch reason {
	case ReasonVoice, ReasonUser:
		return Command{ClearPipeline: true, InterruptAudio: true, Reason: reason}
	default:
		return Command{InterruptAudio: true, Reason: reason}
	}
}
