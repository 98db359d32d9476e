package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/codec"
	"github.com/MrWong99/voxline/pkg/frame"
)

// recorder is a Processor that records what it sees and forwards everything.
type recorder struct {
	name string
	fn   func(f frame.Frame) error

	mu       sync.Mutex
	seen     []frame.Frame
	dirs     []frame.Direction
	cleaned  *[]string
	cleanErr error
	out      chan frame.Frame
}

func newRecorder(name string) *recorder {
	return &recorder{name: name, out: make(chan frame.Frame, 64)}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit Emit) error {
	r.mu.Lock()
	r.seen = append(r.seen, f)
	r.dirs = append(r.dirs, dir)
	r.mu.Unlock()
	select {
	case r.out <- f:
	default:
	}
	if r.fn != nil {
		if err := r.fn(f); err != nil {
			return err
		}
	}
	emit(f, dir)
	return nil
}

func (r *recorder) Cleanup(context.Context) error {
	if r.cleaned != nil {
		*r.cleaned = append(*r.cleaned, r.name)
	}
	return r.cleanErr
}

func (r *recorder) wait(t *testing.T, match func(frame.Frame) bool) frame.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-r.out:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for frame", r.name)
			return nil
		}
	}
}

func drainAll(p *Pipeline) []entry {
	var out []entry
	for {
		e, ok := p.dequeue()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestSubmit_SystemBeforeNormalFIFO(t *testing.T) {
	t.Parallel()

	p := New(nil, WithQueueSize(100))
	var wantSys, wantNorm []string
	for i := range 12 {
		if i%3 == 0 {
			f := frame.NewSystem(frame.Cancel)
			wantSys = append(wantSys, f.ID)
			_ = p.Submit(f, frame.Downstream)
			continue
		}
		f := frame.NewText(fmt.Sprint(i), true)
		wantNorm = append(wantNorm, f.ID)
		_ = p.Submit(f, frame.Downstream)
	}

	var got []string
	for _, e := range drainAll(p) {
		got = append(got, e.frame.Head().ID)
	}
	want := append(wantSys, wantNorm...)
	if !slices.Equal(got, want) {
		t.Errorf("dequeue order = %v, want %v", got, want)
	}
}

func TestSubmit_BackpressureHysteresis(t *testing.T) {
	t.Parallel()

	p := New(nil, WithQueueSize(10))
	warnings := 0
	count := func(es []entry) {
		for _, e := range es {
			if sf, ok := e.frame.(*frame.SystemFrame); ok && sf.Subtype == frame.Backpressure && sf.Level == frame.LevelWarning {
				warnings++
			}
		}
	}

	for range 8 {
		if err := p.Submit(frame.NewAudio(nil, 8000, 1), frame.Downstream); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	// Drain to 4 normal frames: warning first, then four audio frames.
	var popped []entry
	for range 5 {
		e, _ := p.dequeue()
		popped = append(popped, e)
	}
	count(popped)
	if warnings != 1 {
		t.Fatalf("warnings after first fill = %d, want 1", warnings)
	}

	for range 4 {
		_ = p.Submit(frame.NewAudio(nil, 8000, 1), frame.Downstream)
	}
	count(drainAll(p))
	if warnings != 2 {
		t.Errorf("warnings after refill = %d, want 2", warnings)
	}
}

func TestSubmit_NoRearmAboveLowWater(t *testing.T) {
	t.Parallel()

	p := New(nil, WithQueueSize(10))
	for range 8 {
		_ = p.Submit(frame.NewAudio(nil, 8000, 1), frame.Downstream)
	}
	// Pop the warning and two audio frames: occupancy 6/10 stays above 50%.
	for range 3 {
		p.dequeue()
	}
	_ = p.Submit(frame.NewAudio(nil, 8000, 1), frame.Downstream)
	_ = p.Submit(frame.NewAudio(nil, 8000, 1), frame.Downstream)

	for _, e := range drainAll(p) {
		if frame.IsSystem(e.frame, frame.Backpressure) {
			t.Fatal("warning re-sent without dropping below low water")
		}
	}
}

func TestSubmit_OverflowDropsNewest(t *testing.T) {
	t.Parallel()

	p := New(nil, WithQueueSize(10))
	var last *frame.TextFrame
	for i := range 11 {
		last = frame.NewText(fmt.Sprint(i), true)
		err := p.Submit(last, frame.Downstream)
		if i < 10 && err != nil {
			t.Fatalf("Submit(%d) = %v, want nil", i, err)
		}
		if i == 10 && !errors.Is(err, ErrQueueFull) {
			t.Fatalf("Submit(10) = %v, want ErrQueueFull", err)
		}
	}

	if got := p.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	var normal int
	var critical bool
	for _, e := range drainAll(p) {
		if sf, ok := e.frame.(*frame.SystemFrame); ok {
			if sf.Level == frame.LevelCritical {
				critical = true
			}
			continue
		}
		if e.frame.Head().ID == last.ID {
			t.Error("newest frame was enqueued despite overflow")
		}
		normal++
	}
	if normal != 10 {
		t.Errorf("enqueued normal frames = %d, want 10", normal)
	}
	if !critical {
		t.Error("critical backpressure frame missing")
	}
}

func TestSubmit_CriticalLostWithoutSystemRoom(t *testing.T) {
	t.Parallel()

	p := New(nil, WithQueueSize(2), WithSystemCapacity(1))
	_ = p.Submit(frame.NewSystem(frame.Start), frame.Downstream)
	_ = p.Submit(frame.NewAudio(nil, 8000, 1), frame.Downstream)
	_ = p.Submit(frame.NewAudio(nil, 8000, 1), frame.Downstream)
	if err := p.Submit(frame.NewAudio(nil, 8000, 1), frame.Downstream); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit = %v, want ErrQueueFull", err)
	}

	for _, e := range drainAll(p) {
		if sf, ok := e.frame.(*frame.SystemFrame); ok && sf.Level == frame.LevelCritical {
			t.Error("critical frame enqueued past system capacity")
		}
	}
}

func TestDrainNormal_KeepsSystemFrames(t *testing.T) {
	t.Parallel()

	p := New(nil, WithQueueSize(100))
	_ = p.Submit(frame.NewText("a", true), frame.Downstream)
	_ = p.Submit(frame.NewSystem(frame.Cancel), frame.Downstream)
	_ = p.Submit(frame.NewText("b", true), frame.Downstream)

	if got := p.DrainNormal(); got != 2 {
		t.Errorf("DrainNormal() = %d, want 2", got)
	}
	if got := p.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	e, _ := p.dequeue()
	if !frame.IsSystem(e.frame, frame.Cancel) {
		t.Errorf("remaining frame = %s, want system:cancel", e.frame.Kind())
	}
}

func TestRun_DispatchByDirection(t *testing.T) {
	t.Parallel()

	head, tail := newRecorder("head"), newRecorder("tail")
	p := New([]Processor{head, tail})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	defer p.Stop(context.Background())

	down := frame.NewText("down", true)
	up := frame.NewText("up", true)
	_ = p.Submit(down, frame.Downstream)
	tail.wait(t, func(f frame.Frame) bool { return f.Head().ID == down.ID })

	_ = p.Submit(up, frame.Upstream)
	head.wait(t, func(f frame.Frame) bool { return f.Head().ID == up.ID })

	tail.mu.Lock()
	defer tail.mu.Unlock()
	if len(tail.seen) != 2 || tail.seen[1].Head().ID != up.ID || tail.dirs[1] != frame.Upstream {
		t.Errorf("upstream frame should start at the tail, tail saw %d frames", len(tail.seen))
	}
}

func TestRun_ErrorsBecomeErrorFrames(t *testing.T) {
	t.Parallel()

	failing := newRecorder("failing")
	failing.fn = func(f frame.Frame) error {
		tf, ok := f.(*frame.TextFrame)
		if !ok {
			return nil
		}
		switch tf.Text {
		case "fatal":
			return fmt.Errorf("decode: %w", codec.ErrInvalidAudioLength)
		case "panic":
			panic("boom")
		case "transient":
			return errors.New("provider unavailable")
		}
		return nil
	}
	sink := newRecorder("sink")
	p := New([]Processor{failing, sink})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	defer p.Stop(context.Background())

	tests := []struct {
		text      string
		wantFatal bool
	}{
		{"fatal", true},
		{"panic", false},
		{"transient", false},
	}
	for _, tc := range tests {
		src := frame.NewText(tc.text, true)
		_ = p.Submit(src, frame.Downstream)
		got := sink.wait(t, func(f frame.Frame) bool { return frame.IsSystem(f, frame.Error) })
		ef := got.(*frame.SystemFrame)
		if ef.Fatal != tc.wantFatal {
			t.Errorf("%s: Fatal = %v, want %v", tc.text, ef.Fatal, tc.wantFatal)
		}
		if ef.TraceID != src.TraceID {
			t.Errorf("%s: error frame trace id = %q, want %q", tc.text, ef.TraceID, src.TraceID)
		}
	}

	// The loop survives and keeps dispatching.
	ok := frame.NewText("ok", true)
	_ = p.Submit(ok, frame.Downstream)
	sink.wait(t, func(f frame.Frame) bool { return f.Head().ID == ok.ID })
}

func TestStop_CleanupInOrder(t *testing.T) {
	t.Parallel()

	var cleaned []string
	a, b, c := newRecorder("a"), newRecorder("b"), newRecorder("c")
	for _, r := range []*recorder{a, b, c} {
		r.cleaned = &cleaned
	}
	b.cleanErr = errors.New("close failed")

	p := New([]Processor{a, b, c})
	ctx := context.Background()
	runDone := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(runDone)
	}()
	_ = p.Submit(frame.NewText("x", true), frame.Downstream)
	c.wait(t, func(frame.Frame) bool { return true })

	p.Stop(ctx)
	p.Stop(ctx)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if want := []string{"a", "b", "c"}; !slices.Equal(cleaned, want) {
		t.Errorf("cleanup order = %v, want %v", cleaned, want)
	}
	if err := p.Submit(frame.NewText("late", true), frame.Downstream); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after Stop = %v, want ErrStopped", err)
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"pipeline fatal", fmt.Errorf("stage: %w", ErrFatal), true},
		{"codec length", fmt.Errorf("inbound: %w", codec.ErrInvalidAudioLength), true},
		{"other", errors.New("timeout"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsFatal(tc.err); got != tc.want {
				t.Errorf("IsFatal = %v, want %v", got, tc.want)
			}
		})
	}
}
