package stage

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/internal/turn"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/vad"
	"github.com/MrWong99/voxline/pkg/provider/vad/mock"
)

// window is one 32 ms detector window at 8 kHz.
const window = 256

func newTestVAD(confs []float64, opts ...VADOption) (*VAD, *mock.Model) {
	m := &mock.Model{Confidences: confs}
	det := vad.NewDetector(&mock.Engine{Model: m})
	return NewVAD(det, turn.NewEndPolicy(turn.DefaultEndOfTurnSilence), opts...), m
}

// feed pushes n single-window audio frames through v.
func feed(t *testing.T, v *VAD, out *emitted, n int) {
	t.Helper()
	for range n {
		if err := v.Process(context.Background(), frame.NewAudio(make([]int16, window), 8000, 1), frame.Downstream, out.emit); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
}

func speech(n int) []float64 { return repeat(0.9, n) }
func quiet(n int) []float64  { return repeat(0.1, n) }

func repeat(c float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = c
	}
	return s
}

func TestVAD_ConfirmationWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		confs       []float64
		wantStarted int
		wantStopped int
	}{
		{"96ms burst rejected", slices.Concat(speech(3), quiet(20)), 0, 0},
		{"320ms speech confirmed", slices.Concat(speech(10), quiet(20)), 1, 1},
		{"hysteresis band keeps pending", slices.Concat(speech(2), repeat(0.4, 3), speech(3), quiet(20)), 1, 1},
		{"band alone never confirms", slices.Concat(speech(3), repeat(0.4, 6), quiet(20)), 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, _ := newTestVAD(tc.confs)
			var out emitted
			feed(t, v, &out, len(tc.confs))

			if got := out.count(frame.SpeechStarted); got != tc.wantStarted {
				t.Errorf("SpeechStarted = %d, want %d", got, tc.wantStarted)
			}
			if got := out.count(frame.SpeechStopped); got != tc.wantStopped {
				t.Errorf("SpeechStopped = %d, want %d", got, tc.wantStopped)
			}
			if v.state != stateSilence {
				t.Errorf("final state = %v, want silence", v.state)
			}
		})
	}
}

func TestVAD_StartsAfterWindowElapsed(t *testing.T) {
	t.Parallel()

	v, _ := newTestVAD(speech(10))
	var out emitted
	// 200 ms needs seven windows after the first detection.
	feed(t, v, &out, 7)
	if out.count(frame.SpeechStarted) != 0 {
		t.Fatal("speech confirmed before the window elapsed")
	}
	feed(t, v, &out, 1)
	if out.count(frame.SpeechStarted) != 1 {
		t.Fatal("speech not confirmed after 224 ms of audio")
	}
}

func TestVAD_BandAfterElapsedWindowStaysPending(t *testing.T) {
	t.Parallel()

	v, _ := newTestVAD(slices.Concat(speech(3), repeat(0.4, 6), speech(1)))
	var out emitted
	feed(t, v, &out, 9)
	if out.count(frame.SpeechStarted) != 0 {
		t.Fatal("speech confirmed on a hysteresis-band window")
	}
	if v.state != statePending {
		t.Fatalf("state = %v, want pending", v.state)
	}
	// The next window above the onset confirms at once.
	feed(t, v, &out, 1)
	if out.count(frame.SpeechStarted) != 1 {
		t.Fatal("speech not confirmed on the next onset window")
	}
}

func TestVAD_ZeroWindowUsesMinSpeechFrames(t *testing.T) {
	t.Parallel()

	cfg := DefaultVADConfig()
	cfg.ConfirmationWindow = 0
	v, _ := newTestVAD(speech(5), WithVADConfig(cfg))
	var out emitted

	feed(t, v, &out, 2)
	if out.count(frame.SpeechStarted) != 0 {
		t.Fatal("started before MinSpeechFrames")
	}
	feed(t, v, &out, 1)
	if out.count(frame.SpeechStarted) != 1 {
		t.Fatal("not started after MinSpeechFrames windows")
	}
}

func TestVAD_EndOfTurnSilence(t *testing.T) {
	t.Parallel()

	// Silence shorter than 400 ms inside speech does not end the turn.
	confs := slices.Concat(speech(8), quiet(12), speech(2), quiet(13))
	v, _ := newTestVAD(confs)
	var out emitted

	feed(t, v, &out, 8+12+2)
	if out.count(frame.SpeechStopped) != 0 {
		t.Fatal("384 ms of silence ended the turn")
	}
	feed(t, v, &out, 13)
	if out.count(frame.SpeechStopped) != 1 {
		t.Fatal("416 ms of silence did not end the turn")
	}
}

func TestVAD_ControlFrameUpdatesThresholds(t *testing.T) {
	t.Parallel()

	v, _ := newTestVAD(slices.Concat(repeat(0.6, 10), quiet(10)))
	var out emitted
	ctl := frame.NewControl(frame.Settings{
		VADOnset:         ptr(0.7),
		EndOfTurnSilence: ptr(100 * time.Millisecond),
	})
	if err := v.Process(context.Background(), ctl, frame.Downstream, out.emit); err != nil {
		t.Fatal(err)
	}
	feed(t, v, &out, 10)
	if out.count(frame.SpeechStarted) != 0 {
		t.Error("0.6 confidence crossed the raised onset")
	}
	if got := v.policy.Threshold(); got != 100*time.Millisecond {
		t.Errorf("end-of-turn threshold = %v, want 100ms", got)
	}
	if out.frames[0] != ctl {
		t.Error("control frame not forwarded")
	}
}

type interrupter struct{ calls int }

func (i *interrupter) OnSpeechStarted(context.Context) bool {
	i.calls++
	return true
}

func TestVAD_NotifiesInterrupterAndForwardsAudio(t *testing.T) {
	t.Parallel()

	intr := &interrupter{}
	v, _ := newTestVAD(speech(10), WithInterrupter(intr))
	var out emitted
	audio := frame.NewAudio(make([]int16, window), 8000, 1)
	if err := v.Process(context.Background(), audio, frame.Downstream, out.emit); err != nil {
		t.Fatal(err)
	}
	if out.frames[0] != audio {
		t.Error("audio frame not forwarded unchanged")
	}
	feed(t, v, &out, 9)
	if intr.calls != 1 {
		t.Errorf("interrupter called %d times, want 1", intr.calls)
	}
}

func TestVAD_UnsupportedRateIsFatal(t *testing.T) {
	t.Parallel()

	v, _ := newTestVAD(nil)
	var out emitted
	err := v.Process(context.Background(), frame.NewAudio(make([]int16, 441), 44100, 1), frame.Downstream, out.emit)
	if !pipeline.IsFatal(err) {
		t.Errorf("Process(44.1 kHz) = %v, want fatal error", err)
	}
	if err := v.Cleanup(context.Background()); err != nil {
		t.Errorf("Cleanup: %v", err)
	}
}
