package call

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/calllog"
	logmock "github.com/MrWong99/voxline/internal/calllog/mock"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/internal/stage"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/codec"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxline/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxline/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/voxline/pkg/provider/vad/mock"
)

// fakePort is an in-memory transport.Port. Tests feed peer audio through in
// and inspect what the call wrote.
type fakePort struct {
	kind transport.Kind
	in   chan []byte

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakePort(kind transport.Kind) *fakePort {
	return &fakePort{kind: kind, in: make(chan []byte, 256)}
}

func (p *fakePort) Kind() transport.Kind { return p.kind }

func (p *fakePort) Write(_ context.Context, chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	p.writes = append(p.writes, bytes.Clone(chunk))
	return nil
}

func (p *fakePort) Inbound() <-chan []byte { return p.in }
func (p *fakePort) Err() error             { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// spoken reports whether any written chunk differs from silence.
func (p *fakePort) spoken(silence []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.writes {
		if !bytes.Equal(w, silence) {
			return true
		}
	}
	return false
}

func (p *fakePort) last() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return nil
	}
	return p.writes[len(p.writes)-1]
}

func tone(n int, amp int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = amp
	}
	return s
}

func eventually(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", d, what)
}

type harness struct {
	call    *Call
	port    *fakePort
	model   *vadmock.Model
	session *sttmock.Session
	stt     *sttmock.Provider
	llm     *llmmock.Provider
	tts     *ttsmock.Provider
	store   *logmock.Store
	done    chan error
}

func newHarness(t *testing.T, kind transport.Kind, ttsChunk []byte) *harness {
	t.Helper()
	h := &harness{
		port:    newFakePort(kind),
		model:   &vadmock.Model{},
		session: sttmock.NewSession(),
		llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "We open "}, {Text: "at nine."}, {FinishReason: "stop"},
		}},
		tts:   &ttsmock.Provider{SynthesizeChunks: [][]byte{ttsChunk}, Rate: 16000},
		store: &logmock.Store{},
		done:  make(chan error, 1),
	}
	h.stt = &sttmock.Provider{Session: h.session}

	cfg := Config{
		EndOfTurnSilence: 100 * time.Millisecond,
		Turn:             stage.AggregatorConfig{CommitDelay: 50 * time.Millisecond},
		Vocabulary:       []string{"Voxline"},
	}
	c, err := New("call-1", h.port, Providers{
		LLM: h.llm,
		STT: h.stt,
		TTS: h.tts,
		VAD: &vadmock.Engine{Model: h.model},
	}, cfg, WithCallLog(h.store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.call = c

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- c.Run(ctx) }()

	eventually(t, 2*time.Second, "stt session", func() bool { return len(h.stt.Calls()) == 1 })
	return h
}

func (h *harness) send(enc codec.Encoding, chunks int, amp int16) {
	for range chunks {
		h.port.in <- enc.Encode(tone(160, amp))
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestCall_FullTurn(t *testing.T) {
	t.Parallel()

	// 20 ms at 16 kHz per synthesized sentence.
	h := newHarness(t, transport.ALaw, codec.EncodePCM16(tone(320, 4000)))
	prompt := "Be brief."
	if err := h.call.Apply(frame.Settings{SystemPrompt: &prompt}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// 300 ms of speech (nine detector windows) followed by silence.
	speech := make([]float64, 9)
	for i := range speech {
		speech[i] = 0.9
	}
	h.model.Confidences = speech
	h.send(codec.ALaw, 15, 3000)
	h.send(codec.ALaw, 20, 0)
	h.session.FinalsCh <- stt.Transcript{Text: "what are your hours with voxlin", IsFinal: true}

	eventually(t, 3*time.Second, "user turn and reply persisted", func() bool { return len(h.store.Records()) == 2 })

	recs := h.store.Records()
	if recs[0].Role != calllog.RoleUser || recs[0].Content != "what are your hours with Voxline" {
		t.Errorf("user record = %+v", recs[0])
	}
	if recs[1].Role != calllog.RoleAssistant || recs[1].Content != "We open at nine." {
		t.Errorf("assistant record = %+v", recs[1])
	}
	if recs[0].TraceID != recs[1].TraceID {
		t.Errorf("reply trace id %q, want turn trace id %q", recs[1].TraceID, recs[0].TraceID)
	}

	streams := h.llm.Streams()
	if len(streams) != 1 {
		t.Fatalf("StreamCompletion calls = %d, want 1", len(streams))
	}
	req := streams[0].Req
	if req.SystemPrompt != prompt {
		t.Errorf("SystemPrompt = %q, want %q", req.SystemPrompt, prompt)
	}
	if n := len(req.Messages); n == 0 || req.Messages[n-1].Content != "what are your hours with Voxline" {
		t.Errorf("request messages = %+v", req.Messages)
	}

	silence := codec.ALaw.Encode(make([]int16, 160))
	eventually(t, 2*time.Second, "reply audio on the wire", func() bool { return h.port.spoken(silence) })
	if got := h.session.SendAudioCallCount(); got == 0 {
		t.Error("no audio reached the recognizer")
	}

	close(h.port.in)
	if err := h.wait(t); err != nil {
		t.Errorf("Run = %v, want nil after hangup", err)
	}
	if !h.port.isClosed() {
		t.Error("transport not closed on teardown")
	}
	if h.session.CloseCallCount == 0 {
		t.Error("stt session not closed on teardown")
	}
}

func TestCall_BargeInFlushesPlayback(t *testing.T) {
	t.Parallel()

	// Two seconds of synthesized speech: 100 outbound chunks at 8 kHz.
	h := newHarness(t, transport.ALaw, codec.EncodePCM16(tone(32000, 4000)))
	h.session.FinalsCh <- stt.Transcript{Text: "tell me a story", IsFinal: true}

	eventually(t, 2*time.Second, "bot speaking", h.call.out.Pending)
	started := time.Now()

	h.model.SetConfidence(0.9)
	h.send(codec.ALaw, 15, 3000)

	eventually(t, time.Second, "playback flushed", func() bool { return !h.call.out.Pending() })
	if elapsed := time.Since(started); elapsed > 1500*time.Millisecond {
		t.Fatalf("playback ended after %v, barge-in did not flush", elapsed)
	}

	silence := codec.ALaw.Encode(make([]int16, 160))
	eventually(t, time.Second, "silence after flush", func() bool { return bytes.Equal(h.port.last(), silence) })
	for _, c := range h.tts.Calls() {
		if c.Ctx.Err() == nil {
			t.Error("synthesis context still live after barge-in")
		}
	}

	h.call.Hangup()
	if err := h.wait(t); err != nil {
		t.Errorf("Run = %v, want nil after Hangup", err)
	}
}

func TestCall_MalformedAudioIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, transport.RawPCM, codec.EncodePCM16(tone(320, 1000)))
	h.port.in <- []byte{1, 2, 3}

	err := h.wait(t)
	if !errors.Is(err, pipeline.ErrFatal) || !errors.Is(err, codec.ErrInvalidAudioLength) {
		t.Fatalf("Run = %v, want fatal invalid audio length", err)
	}
	if !h.port.isClosed() {
		t.Error("transport not closed after fatal error")
	}
}

func TestCall_ParentCancel(t *testing.T) {
	t.Parallel()

	port := newFakePort(transport.MuLaw)
	c, err := New("call-2", port, Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
		VAD: &vadmock.Engine{},
	}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !port.isClosed() {
		t.Error("transport not closed")
	}
}

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Providers
	}{
		{"none", Providers{}},
		{"no vad", Providers{LLM: &llmmock.Provider{}, STT: &sttmock.Provider{}, TTS: &ttsmock.Provider{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New("x", newFakePort(transport.ALaw), tc.p, Config{}); !errors.Is(err, ErrMissingProvider) {
				t.Errorf("New = %v, want ErrMissingProvider", err)
			}
		})
	}
}
