package stage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/conversation"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
)

func process(t *testing.T, a *Aggregator, f frame.Frame, out *emitted) {
	t.Helper()
	if err := a.Process(context.Background(), f, frame.Downstream, out.emit); err != nil {
		t.Fatalf("Process(%s): %v", f.Kind(), err)
	}
}

func TestAggregator_CommitTiming(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		semantic bool
		probe    *llmmock.Provider
		min, max time.Duration
	}{
		{"fixed delay", false, nil, 550 * time.Millisecond, 1000 * time.Millisecond},
		{"semantic complete", true, &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "YES"}}, 550 * time.Millisecond, 1000 * time.Millisecond},
		{"semantic incomplete", true, &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "no"}}, 1150 * time.Millisecond, 1700 * time.Millisecond},
		{"probe failure commits", true, &llmmock.Provider{CompleteErr: errors.New("rate limited")}, 550 * time.Millisecond, 1000 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sub := newSubmitter()
			hist := conversation.NewHistory(conversation.DefaultContextWindow)
			cfg := DefaultAggregatorConfig()
			cfg.Semantic = tc.semantic
			opts := []AggregatorOption{WithAggregatorConfig(cfg)}
			if tc.probe != nil {
				opts = append(opts, WithProbe(tc.probe))
			}
			a := NewAggregator(hist, sub, opts...)
			defer a.Cleanup(context.Background())

			var out emitted
			start := time.Now()
			process(t, a, frame.NewText("book a table for two", true), &out)
			f := sub.wait(t, 3*time.Second, isCommitted)
			elapsed := time.Since(start)

			if elapsed < tc.min || elapsed > tc.max {
				t.Errorf("commit after %v, want within [%v, %v]", elapsed, tc.min, tc.max)
			}
			if got := f.(*frame.TextFrame).Text; got != "book a table for two" {
				t.Errorf("committed text = %q", got)
			}
			if tc.probe != nil {
				calls := tc.probe.Completes()
				if len(calls) != 1 || calls[0].Req.MaxTokens != 1 {
					t.Errorf("probe calls = %+v, want one call with MaxTokens 1", calls)
				}
			}
			msgs := hist.Snapshot()
			if len(msgs) != 1 || msgs[0].Role != conversation.RoleUser {
				t.Errorf("history = %+v, want one user message", msgs)
			}
		})
	}
}

func TestAggregator_SpeechStartedCancelsCommit(t *testing.T) {
	t.Parallel()

	sub := newSubmitter()
	a := NewAggregator(conversation.NewHistory(10), sub)
	defer a.Cleanup(context.Background())

	var out emitted
	process(t, a, frame.NewText("I would like", true), &out)
	time.Sleep(100 * time.Millisecond)
	process(t, a, frame.NewSystem(frame.SpeechStarted), &out)

	if out.count(frame.Cancel) != 1 {
		t.Errorf("Cancel emitted %d times, want 1", out.count(frame.Cancel))
	}
	sub.none(t, 900*time.Millisecond, isCommitted)

	// Buffered text survives and is committed with the continuation.
	process(t, a, frame.NewText("a window seat", true), &out)
	process(t, a, frame.NewSystem(frame.SpeechStopped), &out)
	f := sub.wait(t, 2*time.Second, isCommitted)
	if got := f.(*frame.TextFrame).Text; got != "I would like a window seat" {
		t.Errorf("committed text = %q", got)
	}
}

func TestAggregator_WaitsWhileUserSpeaking(t *testing.T) {
	t.Parallel()

	sub := newSubmitter()
	a := NewAggregator(conversation.NewHistory(10), sub)
	defer a.Cleanup(context.Background())

	var out emitted
	process(t, a, frame.NewSystem(frame.SpeechStarted), &out)
	process(t, a, frame.NewText("still talking", true), &out)
	sub.none(t, 800*time.Millisecond, isCommitted)

	process(t, a, frame.NewSystem(frame.SpeechStopped), &out)
	sub.wait(t, 2*time.Second, isCommitted)
}

func TestAggregator_IgnoresPartialsAndCommitted(t *testing.T) {
	t.Parallel()

	sub := newSubmitter()
	hist := conversation.NewHistory(10)
	a := NewAggregator(hist, sub)
	defer a.Cleanup(context.Background())

	var out emitted
	process(t, a, frame.NewText("partial", false), &out)
	process(t, a, frame.NewText("echo", true, frame.WithMeta(frame.MetaCommitted, "true")), &out)
	process(t, a, frame.NewText("   ", true), &out)
	if len(out.frames) != 3 {
		t.Errorf("forwarded %d frames, want 3", len(out.frames))
	}
	sub.none(t, 800*time.Millisecond, isCommitted)
	if hist.Len() != 0 {
		t.Errorf("history length = %d, want 0", hist.Len())
	}
}

func TestAggregator_AssistantTextAppended(t *testing.T) {
	t.Parallel()

	hist := conversation.NewHistory(10)
	a := NewAggregator(hist, newSubmitter())
	defer a.Cleanup(context.Background())

	var out emitted
	process(t, a, frame.NewText("Sure, for what time?", true, frame.WithMeta(frame.MetaRole, frame.RoleAssistant)), &out)
	msgs := hist.Snapshot()
	if len(msgs) != 1 || msgs[0].Role != conversation.RoleAssistant || !strings.HasPrefix(msgs[0].Content, "Sure") {
		t.Errorf("history = %+v", msgs)
	}
}

func TestAggregator_ResetTurnDiscardsBuffer(t *testing.T) {
	t.Parallel()

	sub := newSubmitter()
	a := NewAggregator(conversation.NewHistory(10), sub)
	defer a.Cleanup(context.Background())

	var out emitted
	process(t, a, frame.NewText("cancel that", true), &out)
	a.ResetTurn()
	sub.none(t, 800*time.Millisecond, isCommitted)
}

func TestAggregator_ControlFrameUpdatesDelay(t *testing.T) {
	t.Parallel()

	sub := newSubmitter()
	a := NewAggregator(conversation.NewHistory(10), sub)
	defer a.Cleanup(context.Background())

	var out emitted
	process(t, a, frame.NewControl(frame.Settings{CommitDelay: ptr(50 * time.Millisecond)}), &out)
	start := time.Now()
	process(t, a, frame.NewText("quick", true), &out)
	sub.wait(t, time.Second, isCommitted)
	if elapsed := time.Since(start); elapsed > 450*time.Millisecond {
		t.Errorf("commit after %v with a 50ms delay", elapsed)
	}
}
