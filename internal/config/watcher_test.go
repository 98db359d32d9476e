package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
)

const watcherBaseYAML = `
server:
  log_level: info
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
  vad: {name: energy}
vad:
  onset: 0.6
agent:
  voice: {voice_id: rachel}
`

// writeAt writes content and pins the mtime so successive writes are always
// distinguishable, whatever the filesystem's timestamp resolution.
func writeAt(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

type change struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

// newWatcher writes the base config and returns a watcher recording every
// delivered change.
func newWatcher(t *testing.T) (string, *config.Watcher, *[]change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeAt(t, path, watcherBaseYAML, time.Now().Add(-time.Hour))

	var changes []change
	w, err := config.NewWatcher(path, func(_ context.Context, old, new *config.Config, d config.ConfigDiff) {
		changes = append(changes, change{old, new, d})
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return path, w, &changes
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := newWatcher(t)
	if cfg := w.Current(); cfg == nil || cfg.VAD.Onset != 0.6 {
		t.Fatalf("Current() = %+v", cfg)
	}

	if _, err := config.NewWatcher("/nonexistent/voxline.yaml", nil); err == nil {
		t.Error("NewWatcher on a missing file should fail")
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		content    string
		wantChange bool
		wantOnset  float64
	}{
		{
			name:       "hot setting changes",
			content:    watcherBaseYAML + "turn:\n  commit_delay: 800ms\n",
			wantChange: true,
			wantOnset:  0.6,
		},
		{
			name: "onset and log level change",
			content: `
server:
  log_level: debug
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
  vad: {name: energy}
vad:
  onset: 0.7
agent:
  voice: {voice_id: rachel}
`,
			wantChange: true,
			wantOnset:  0.7,
		},
		{
			name:      "comment only edit",
			content:   "# tuned on monday\n" + watcherBaseYAML,
			wantOnset: 0.6,
		},
		{
			name:      "touched without content change",
			content:   watcherBaseYAML,
			wantOnset: 0.6,
		},
		{
			name:      "invalid file keeps previous config",
			content:   "server:\n  log_level: bananas\n",
			wantOnset: 0.6,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path, w, changes := newWatcher(t)
			writeAt(t, path, tc.content, time.Now())

			if got := w.Check(context.Background()); got != tc.wantChange {
				t.Errorf("Check() = %v, want %v", got, tc.wantChange)
			}
			if got := len(*changes); got != boolToInt(tc.wantChange) {
				t.Fatalf("callbacks = %d", got)
			}
			if got := w.Current().VAD.Onset; got != tc.wantOnset {
				t.Errorf("Current().VAD.Onset = %v, want %v", got, tc.wantOnset)
			}
			// A second poll without a new write is a no-op.
			if w.Check(context.Background()) {
				t.Error("second Check() reported a change")
			}
		})
	}
}

func TestWatcher_DiffIsDelivered(t *testing.T) {
	t.Parallel()
	path, w, changes := newWatcher(t)
	writeAt(t, path, watcherBaseYAML+"pipeline:\n  queue_size: 64\n", time.Now())
	w.Check(context.Background())

	if len(*changes) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(*changes))
	}
	c := (*changes)[0]
	if c.old.Pipeline.QueueSize != 0 || c.new.Pipeline.QueueSize != 64 {
		t.Errorf("old/new queue size = %d/%d", c.old.Pipeline.QueueSize, c.new.Pipeline.QueueSize)
	}
	if c.diff.HasCallSettings() || len(c.diff.RestartRequired) != 1 || c.diff.RestartRequired[0] != "pipeline" {
		t.Errorf("diff = %+v, want restart-only pipeline change", c.diff)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	path, _, _ := newWatcher(t)

	delivered := make(chan config.ConfigDiff, 1)
	w, err := config.NewWatcher(path, func(_ context.Context, _, _ *config.Config, d config.ConfigDiff) {
		delivered <- d
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	prompt := strings.Replace(watcherBaseYAML, "voice: {voice_id: rachel}", "voice: {voice_id: rachel}\n  system_prompt: Hi.", 1)
	writeAt(t, path, prompt, time.Now())
	select {
	case d := <-delivered:
		if !d.SystemPromptChanged {
			t.Errorf("diff = %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run never delivered the change")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
