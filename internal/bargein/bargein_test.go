package bargein_test

import (
	"context"
	"sync"
	"testing"

	"github.com/MrWong99/voxline/internal/bargein"
	"github.com/MrWong99/voxline/internal/turn"
)

type fakeCall struct {
	mu       sync.Mutex
	pending  bool
	flushes  int
	cancels  int
	resets   int
	drains   int
	sequence []string
}

func (f *fakeCall) record(s string) {
	f.sequence = append(f.sequence, s)
}

func (f *fakeCall) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeCall) Flush() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	f.pending = false
	f.record("flush")
	return 5
}

func (f *fakeCall) CancelGeneration() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.record("cancel")
}

func (f *fakeCall) ResetTurn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.record("reset")
}

func (f *fakeCall) DrainNormal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	f.record("drain")
	return 2
}

func TestOnSpeechStarted_OnlyWhileBotSpeaking(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pending bool
		want    bool
	}{
		{"bot silent", false, false},
		{"bot speaking", true, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeCall{pending: tc.pending}
			c := bargein.New(f, f, f, bargein.WithPipeline(f))

			if got := c.OnSpeechStarted(context.Background()); got != tc.want {
				t.Fatalf("OnSpeechStarted() = %v, want %v", got, tc.want)
			}
			wantCalls := 0
			if tc.want {
				wantCalls = 1
			}
			if f.flushes != wantCalls || f.cancels != wantCalls || f.resets != wantCalls || f.drains != wantCalls {
				t.Errorf("calls flush=%d cancel=%d reset=%d drain=%d, want %d each",
					f.flushes, f.cancels, f.resets, f.drains, wantCalls)
			}
		})
	}
}

func TestInterrupt_SystemReasonKeepsQueue(t *testing.T) {
	t.Parallel()

	f := &fakeCall{pending: true}
	c := bargein.New(f, f, f)
	c.AttachPipeline(f)

	cmd := c.Interrupt(context.Background(), turn.ReasonSystem)
	if cmd.ClearPipeline {
		t.Error("system interruption must not clear the pipeline")
	}
	if f.drains != 0 {
		t.Errorf("DrainNormal called %d times, want 0", f.drains)
	}
	if f.flushes != 1 {
		t.Errorf("Flush called %d times, want 1", f.flushes)
	}
}

func TestInterrupt_OrderAndNilCollaborators(t *testing.T) {
	t.Parallel()

	f := &fakeCall{pending: true}
	c := bargein.New(f, f, f, bargein.WithPipeline(f))
	c.Interrupt(context.Background(), turn.ReasonUser)

	want := []string{"cancel", "flush", "reset", "drain"}
	if len(f.sequence) != len(want) {
		t.Fatalf("sequence = %v, want %v", f.sequence, want)
	}
	for i := range want {
		if f.sequence[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", f.sequence, want)
		}
	}

	bare := bargein.New(nil, nil, nil)
	if bare.BotSpeaking() {
		t.Error("BotSpeaking() with no audio side = true")
	}
	bare.Interrupt(context.Background(), turn.ReasonVoice)
}
