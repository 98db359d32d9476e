package calllog

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/frame"
)

const (
	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
)

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithBuffer sets how many records may wait for the store. Records beyond
// that are dropped with a warning. Default: 64.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithWriteTimeout bounds each [Store.Append] call. Default: 5s.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Recorder is a pass-through [pipeline.Processor] that persists committed
// user turns and assistant replies. Writes happen on a background goroutine
// so a slow database never stalls the frame loop.
type Recorder struct {
	store   Store
	callID  string
	buffer  int
	timeout time.Duration

	queue chan Record
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	ctx    context.Context
}

// NewRecorder starts a Recorder writing records for callID to store.
// [Recorder.Cleanup] must be called to flush and stop it.
func NewRecorder(store Store, callID string, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		callID:  callID,
		buffer:  defaultBuffer,
		timeout: defaultWriteTimeout,
		done:    make(chan struct{}),
		ctx:     context.Background(),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan Record, r.buffer)
	go r.run()
	return r
}

// Name implements [pipeline.Processor].
func (r *Recorder) Name() string { return "calllog" }

// Process implements [pipeline.Processor]. Every frame is forwarded.
func (r *Recorder) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	if frame.IsSystem(f, frame.Start) {
		r.mu.Lock()
		r.ctx = context.WithoutCancel(ctx)
		r.mu.Unlock()
	}
	if tf, ok := f.(*frame.TextFrame); ok && dir == frame.Downstream {
		switch {
		case tf.Role() == frame.RoleAssistant:
			r.enqueue(ctx, tf, RoleAssistant)
		case tf.Committed():
			r.enqueue(ctx, tf, RoleUser)
		}
	}
	emit(f, dir)
	return nil
}

func (r *Recorder) enqueue(ctx context.Context, tf *frame.TextFrame, role string) {
	if tf.Text == "" {
		return
	}
	rec := Record{
		CallID:    r.callID,
		Role:      role,
		Content:   tf.Text,
		TraceID:   tf.TraceID,
		CreatedAt: tf.CreatedAt,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		observe.Logger(ctx).Warn("calllog: buffer full, record dropped",
			"call_id", r.callID,
			"role", role,
			"trace_id", tf.TraceID,
		)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.mu.Lock()
		base := r.ctx
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(base, r.timeout)
		if err := r.store.Append(ctx, rec); err != nil {
			observe.Logger(base).Warn("calllog: append failed",
				"call_id", rec.CallID,
				"role", rec.Role,
				"trace_id", rec.TraceID,
				"err", err,
			)
		}
		cancel()
	}
}

// Cleanup implements [pipeline.Processor]. It stops accepting records and
// waits until queued records are written or ctx is done.
func (r *Recorder) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time interface assertion.
var _ pipeline.Processor = (*Recorder)(nil)
