// Package pipeline runs the per-call processor chain.
//
// A [Pipeline] owns a bounded priority queue of frames and a single consumer
// goroutine. Producers call [Pipeline.Submit], which never blocks: system
// frames overtake normal frames, normal frames keep FIFO order, and a full
// queue drops the newest frame instead of stalling the producer. Occupancy
// crossing 80% emits one Backpressure{warning} frame; the warning re-arms only
// after occupancy falls below 50%.
//
// The consumer dispatches downstream frames to the head of the chain and
// upstream frames to its tail. A failing or panicking processor never aborts
// the loop; the failure is logged and turned into an Error system frame.
package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/codec"
	"github.com/MrWong99/voxline/pkg/frame"
)

const (
	// DefaultQueueSize is the normal-frame capacity when [WithQueueSize] is
	// not given.
	DefaultQueueSize = 256

	// DefaultSystemCapacity bounds queued system frames.
	DefaultSystemCapacity = 64

	warnOccupancy  = 0.80
	clearOccupancy = 0.50
)

var (
	// ErrFatal marks a processor error that must end the call. Wrap it with
	// fmt.Errorf("...: %w", pipeline.ErrFatal).
	ErrFatal = errors.New("pipeline: fatal")

	// ErrStopped is returned by [Pipeline.Submit] after [Pipeline.Stop].
	ErrStopped = errors.New("pipeline: stopped")

	// ErrQueueFull is returned by [Pipeline.Submit] when the frame was dropped.
	ErrQueueFull = errors.New("pipeline: queue full")
)

// Emit pushes a frame one link further along the chain in direction dir.
type Emit func(f frame.Frame, dir frame.Direction)

// Processor is one unit of the chain.
type Processor interface {
	// Name identifies the processor in logs.
	Name() string

	// Process handles f travelling in direction dir. It forwards zero or more
	// frames with emit. Process is only ever called from the consumer
	// goroutine.
	Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit Emit) error

	// Cleanup releases resources when the pipeline stops.
	Cleanup(ctx context.Context) error
}

// Submitter accepts frames from asynchronous collaborators such as provider
// readers and commit timers.
type Submitter interface {
	Submit(f frame.Frame, dir frame.Direction) error
}

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithQueueSize sets the normal-frame capacity. Non-positive values are ignored.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.max = n
		}
	}
}

// WithSystemCapacity bounds the number of queued system frames. Backpressure
// warnings bypass this bound. Non-positive values are ignored.
func WithSystemCapacity(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.systemCap = n
		}
	}
}

// WithMetrics records drops and backpressure signals on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithLogger sets the logger used outside of a frame context.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline is a bounded priority queue feeding an ordered processor chain.
// All exported methods are safe for concurrent use.
type Pipeline struct {
	procs     []Processor
	max       int
	systemCap int
	metrics   *observe.Metrics
	log       *slog.Logger

	mu      sync.Mutex
	queue   entryHeap
	seq     uint64
	normal  int
	system  int
	warned  bool
	stopped bool
	running bool
	cancel  context.CancelFunc

	dropped  atomic.Uint64
	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New returns a pipeline over procs. Call [Pipeline.Run] to start consuming.
func New(procs []Processor, opts ...Option) *Pipeline {
	p := &Pipeline{
		procs:     procs,
		max:       DefaultQueueSize,
		systemCap: DefaultSystemCapacity,
		log:       slog.Default(),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = make(entryHeap, 0, p.max/4+1)
	return p
}

// Submit enqueues f for dispatch in direction dir. It never blocks.
//
// When the prospective normal occupancy reaches 80% and no warning is
// outstanding, a Backpressure{warning} frame is queued first. When the queue
// is full the frame is dropped, the drop counter increments, a
// Backpressure{critical} frame is queued if system capacity allows, and
// [ErrQueueFull] is returned.
func (p *Pipeline) Submit(f frame.Frame, dir frame.Direction) error {
	if f == nil {
		return nil
	}
	var signals []frame.Level

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	full := false
	if f.Priority() == frame.PrioritySystem {
		if p.system >= p.systemCap {
			full = true
		} else {
			p.push(f, dir)
		}
	} else {
		if !p.warned && float64(p.normal+1)/float64(p.max) >= warnOccupancy {
			p.warned = true
			p.push(frame.NewBackpressure(frame.LevelWarning, frame.WithTraceID(f.Head().TraceID)), frame.Downstream)
			signals = append(signals, frame.LevelWarning)
		}
		if p.normal >= p.max {
			full = true
			if p.system < p.systemCap {
				p.push(frame.NewBackpressure(frame.LevelCritical, frame.WithTraceID(f.Head().TraceID)), frame.Downstream)
				signals = append(signals, frame.LevelCritical)
			}
		} else {
			p.push(f, dir)
		}
	}
	p.mu.Unlock()

	p.wake()

	ctx := context.Background()
	for _, lvl := range signals {
		p.metrics.RecordBackpressure(ctx, lvl.String())
	}
	if full {
		p.dropped.Add(1)
		p.metrics.RecordFrameDropped(ctx, f.Kind())
		p.log.Warn("pipeline: queue full, frame dropped",
			"kind", f.Kind(),
			"trace_id", f.Head().TraceID,
			"span_id", f.Head().SpanID,
		)
		return ErrQueueFull
	}
	return nil
}

// push must be called with mu held.
func (p *Pipeline) push(f frame.Frame, dir frame.Direction) {
	pri := f.Priority()
	heap.Push(&p.queue, entry{frame: f, dir: dir, priority: pri, seq: p.seq})
	p.seq++
	if pri == frame.PrioritySystem {
		p.system++
	} else {
		p.normal++
	}
}

func (p *Pipeline) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// dequeue pops the next entry. ok is false when the queue is empty.
func (p *Pipeline) dequeue() (e entry, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return entry{}, false
	}
	e = heap.Pop(&p.queue).(entry)
	if e.priority == frame.PrioritySystem {
		p.system--
	} else {
		p.normal--
	}
	p.rearm()
	return e, true
}

// rearm clears the warning flag once occupancy falls below the low-water
// mark. Must be called with mu held.
func (p *Pipeline) rearm() {
	if p.warned && float64(p.normal)/float64(p.max) < clearOccupancy {
		p.warned = false
	}
}

// DrainNormal removes every queued normal frame, keeping system frames, and
// returns the number removed.
func (p *Pipeline) DrainNormal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.normal == 0 {
		return 0
	}
	kept := p.queue[:0]
	removed := 0
	for _, e := range p.queue {
		if e.priority == frame.PrioritySystem {
			kept = append(kept, e)
			continue
		}
		removed++
	}
	clear(p.queue[len(kept):])
	p.queue = kept
	heap.Init(&p.queue)
	p.normal = 0
	p.rearm()
	return removed
}

// Len returns the number of queued frames of both classes.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dropped returns the number of frames rejected by a full queue.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// Run consumes the queue until ctx is cancelled or [Pipeline.Stop] is called.
// It must be called at most once.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()
	defer close(p.done)

	for {
		if ctx.Err() != nil {
			return nil
		}
		e, ok := p.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-p.notify:
			}
			continue
		}
		p.dispatch(ctx, e)
	}
}

// Stop cancels the consumer loop, waits for the in-flight frame to finish and
// runs every processor's Cleanup in chain order. Cleanup failures are logged.
// Queued frames are discarded. Stop is idempotent and must not be called from
// inside a processor.
func (p *Pipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		running, cancel := p.running, p.cancel
		p.queue = nil
		p.normal, p.system = 0, 0
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if running {
			<-p.done
		}

		for _, proc := range p.procs {
			if err := cleanup(ctx, proc); err != nil {
				observe.Logger(ctx).Warn("pipeline: cleanup failed", "processor", proc.Name(), "err", err)
			}
		}
	})
}

func cleanup(ctx context.Context, proc Processor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: cleanup %s: panic: %v", proc.Name(), r)
		}
	}()
	return proc.Cleanup(ctx)
}

func (p *Pipeline) dispatch(ctx context.Context, e entry) {
	if len(p.procs) == 0 {
		return
	}
	idx := 0
	if e.dir == frame.Upstream {
		idx = len(p.procs) - 1
	}
	p.forward(ctx, idx, e.frame, e.dir)
}

func (p *Pipeline) forward(ctx context.Context, idx int, f frame.Frame, dir frame.Direction) {
	proc := p.procs[idx]
	emit := func(out frame.Frame, d frame.Direction) {
		next := idx + 1
		if d == frame.Upstream {
			next = idx - 1
		}
		if next < 0 || next >= len(p.procs) {
			observe.Logger(ctx).Debug("pipeline: frame left the chain",
				"kind", out.Kind(),
				"direction", d.String(),
				"span_id", out.Head().SpanID,
			)
			return
		}
		p.forward(ctx, next, out, d)
	}
	if err := process(ctx, proc, f, dir, emit); err != nil {
		p.fail(ctx, proc, f, err)
	}
}

func process(ctx context.Context, proc Processor, f frame.Frame, dir frame.Direction, emit Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: %s: panic: %v", proc.Name(), r)
		}
	}()
	return proc.Process(ctx, f, dir, emit)
}

// fail logs err and reports it downstream as an Error frame. Failures while
// handling an Error frame are only logged.
func (p *Pipeline) fail(ctx context.Context, proc Processor, f frame.Frame, err error) {
	fatal := IsFatal(err)
	h := f.Head()
	observe.Logger(ctx).Error("pipeline: processor failed",
		"processor", proc.Name(),
		"kind", f.Kind(),
		"trace_id", h.TraceID,
		"span_id", h.SpanID,
		"fatal", fatal,
		"err", err,
	)
	if frame.IsSystem(f, frame.Error) {
		return
	}
	if serr := p.Submit(frame.NewError(err, fatal, frame.WithTraceID(h.TraceID)), frame.Downstream); serr != nil {
		observe.Logger(ctx).Warn("pipeline: error frame lost", "err", serr)
	}
}

// IsFatal reports whether err must end the call.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) || errors.Is(err, codec.ErrInvalidAudioLength)
}

// Compile-time interface assertion.
var _ Submitter = (*Pipeline)(nil)
