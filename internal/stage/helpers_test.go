package stage

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/frame"
)

// submitter records submitted frames and mirrors them on a channel.
type submitter struct {
	mu     sync.Mutex
	frames []frame.Frame
	at     []time.Time
	ch     chan frame.Frame
}

func newSubmitter() *submitter {
	return &submitter{ch: make(chan frame.Frame, 256)}
}

func (s *submitter) Submit(f frame.Frame, _ frame.Direction) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.at = append(s.at, time.Now())
	s.mu.Unlock()
	s.ch <- f
	return nil
}

// wait returns the next submitted frame matching match.
func (s *submitter) wait(t *testing.T, d time.Duration, match func(frame.Frame) bool) frame.Frame {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-s.ch:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("no matching frame submitted within %v", d)
			return nil
		}
	}
}

// none fails if a matching frame is submitted within d.
func (s *submitter) none(t *testing.T, d time.Duration, match func(frame.Frame) bool) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-s.ch:
			if match(f) {
				t.Fatalf("unexpected frame %s submitted", f.Kind())
			}
		case <-deadline:
			return
		}
	}
}

// waitFor polls cond until it holds or d elapses.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// emitted collects frames passed to emit.
type emitted struct {
	frames []frame.Frame
}

func (e *emitted) emit(f frame.Frame, _ frame.Direction) {
	e.frames = append(e.frames, f)
}

func (e *emitted) count(st frame.Subtype) int {
	n := 0
	for _, f := range e.frames {
		if frame.IsSystem(f, st) {
			n++
		}
	}
	return n
}

func isCommitted(f frame.Frame) bool {
	tf, ok := f.(*frame.TextFrame)
	return ok && tf.Committed()
}

func isAssistant(f frame.Frame) bool {
	tf, ok := f.(*frame.TextFrame)
	return ok && tf.Role() == frame.RoleAssistant
}

func isError(f frame.Frame) bool {
	return frame.IsSystem(f, frame.Error)
}

func ptr[T any](v T) *T { return &v }
