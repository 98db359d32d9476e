// Package outbound paces synthesized speech onto the wire.
//
// A [Manager] owns the outbound half of one call. Speech is split into 20 ms
// chunks already encoded for the call's transport, and [Manager.Run] writes
// exactly one chunk per 20 ms tick: queued speech first, then the looping
// background bed, then a precomputed silence chunk. Telephony peers expect a
// continuous stream, so the cadence never pauses while the call is active.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/codec"
)

// ChunkDuration is the playback length of one outbound chunk.
const ChunkDuration = 20 * time.Millisecond

// ErrStopped is returned by [Manager.Run] when called after [Manager.Stop].
var ErrStopped = errors.New("outbound: stopped")

type chunk struct {
	pcm  []int16
	wire []byte
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMixBackground mixes the background bed under speech instead of
// replacing it while speech is playing.
func WithMixBackground(mix bool) Option {
	return func(m *Manager) { m.mix = mix }
}

// WithTicker replaces the pacing ticker constructor. Tests use it to drive
// [Manager.Run] without waiting on wall time.
func WithTicker(newTicker func(time.Duration) (<-chan time.Time, func())) Option {
	return func(m *Manager) { m.newTicker = newTicker }
}

// Manager is the per-call outbound audio stream. All methods are safe for
// concurrent use.
type Manager struct {
	enc          codec.Encoding
	rate         int
	chunkSamples int
	silence      []byte
	mix          bool
	newTicker    func(time.Duration) (<-chan time.Time, func())

	mu         sync.Mutex
	queue      []chunk
	background []chunk
	cursor     int
	active     bool
}

// New returns a Manager producing chunks in enc at rate Hz.
func New(enc codec.Encoding, rate int, opts ...Option) (*Manager, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("outbound: invalid sample rate %d", rate)
	}
	n := codec.SamplesPerDuration(rate, int(ChunkDuration/time.Millisecond))
	m := &Manager{
		enc:          enc,
		rate:         rate,
		chunkSamples: n,
		silence:      enc.Encode(make([]int16, n)),
		active:       true,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// ChunkBytes returns the size of one encoded chunk.
func (m *Manager) ChunkBytes() int { return len(m.silence) }

// SampleRate returns the call rate the manager encodes at.
func (m *Manager) SampleRate() int { return m.rate }

// chunkify splits samples into full chunks, zero-padding the last one.
func (m *Manager) chunkify(samples []int16) []chunk {
	out := make([]chunk, 0, (len(samples)+m.chunkSamples-1)/m.chunkSamples)
	for off := 0; off < len(samples); off += m.chunkSamples {
		pcm := make([]int16, m.chunkSamples)
		copy(pcm, samples[off:min(off+m.chunkSamples, len(samples))])
		out = append(out, chunk{pcm: pcm, wire: m.enc.Encode(pcm)})
	}
	return out
}

// Enqueue appends speech samples at the call rate and returns the number of
// chunks queued. It is a no-op after [Manager.Stop].
func (m *Manager) Enqueue(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	chunks := m.chunkify(samples)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return 0
	}
	m.queue = append(m.queue, chunks...)
	return len(chunks)
}

// SetBackground replaces the background bed with samples at the call rate.
// An empty slice disables background audio.
func (m *Manager) SetBackground(samples []int16) {
	var chunks []chunk
	if len(samples) > 0 {
		chunks = m.chunkify(samples)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.background = chunks
	m.cursor = 0
}

// Next returns the chunk for the next tick: queued speech, else background,
// else silence. The background advances only on ticks that play it, so
// speech pauses the bed unless it is mixed under the speech. The silence
// chunk is the same slice on every call and must not be modified.
func (m *Manager) Next() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) > 0 {
		c := m.queue[0]
		m.queue[0] = chunk{}
		m.queue = m.queue[1:]
		if m.mix && len(m.background) > 0 {
			return m.enc.Encode(codec.Mix(c.pcm, m.nextBackground().pcm))
		}
		return c.wire
	}
	if len(m.background) > 0 {
		return m.nextBackground().wire
	}
	return m.silence
}

// nextBackground returns the background chunk at the cursor and advances it.
// m.mu must be held and the background non-empty.
func (m *Manager) nextBackground() chunk {
	c := m.background[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.background)
	return c
}

// Pending reports whether speech chunks are queued.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) > 0
}

// Flush drops queued speech and returns the number of dropped chunks. The
// background cursor is left where it is.
func (m *Manager) Flush() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	clear(m.queue)
	m.queue = m.queue[:0]
	return n
}

// Active reports whether the stream has not been stopped.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stop marks the stream inactive and discards queued speech. [Manager.Run]
// returns at its next tick. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.queue = nil
}

// Run writes one chunk per 20 ms tick until ctx is cancelled, the manager is
// stopped or write fails. It returns nil on cancellation or stop.
func (m *Manager) Run(ctx context.Context, write func([]byte) error) error {
	if !m.Active() {
		return ErrStopped
	}
	tick, stop := m.newTicker(ChunkDuration)
	defer stop()

	log := observe.Logger(ctx)
	log.Debug("outbound: pacing started", slog.Int("sample_rate", m.rate), slog.String("encoding", m.enc.String()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		}
		if !m.Active() {
			log.Debug("outbound: pacing stopped")
			return nil
		}
		if err := write(m.Next()); err != nil {
			return fmt.Errorf("outbound: write: %w", err)
		}
	}
}
