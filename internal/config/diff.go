package config

import (
	"slices"

	"github.com/MrWong99/voxline/pkg/frame"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are carried with their new values; everything else
// is reported by name in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADChanged bool
	NewVAD     VADConfig

	TurnChanged bool
	NewTurn     TurnConfig

	SystemPromptChanged bool
	NewSystemPrompt     string

	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired lists the config sections that changed but only take
	// effect for the server after a restart (or for calls started later).
	RestartRequired []string
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.HasCallSettings() && len(d.RestartRequired) == 0
}

// HasCallSettings reports whether any change applies to live calls.
func (d ConfigDiff) HasCallSettings() bool {
	return d.VADChanged || d.TurnChanged || d.SystemPromptChanged || d.VocabularyChanged
}

// Settings converts the live-call portion of the diff into a settings patch
// for running pipelines. Unchanged sections leave their fields nil. Zero
// values in the new config are not sent, so built-in defaults stay in effect.
func (d ConfigDiff) Settings() frame.Settings {
	var s frame.Settings
	if d.VADChanged {
		v := d.NewVAD
		s.VADOnset = positive(v.Onset)
		s.VADOffset = positive(v.Offset)
		s.MinSpeechFrames = positive(v.MinSpeechFrames)
		s.ConfirmationWindow = positive(v.ConfirmationWindow)
		s.EndOfTurnSilence = positive(v.EndOfTurnSilence)
	}
	if d.TurnChanged {
		t := d.NewTurn
		s.CommitDelay = positive(t.CommitDelay)
		s.SemanticDelay = positive(t.SemanticDelay)
		semantic := t.Semantic
		s.Semantic = &semantic
	}
	if d.SystemPromptChanged {
		prompt := d.NewSystemPrompt
		s.SystemPrompt = &prompt
	}
	if d.VocabularyChanged {
		s.Vocabulary = slices.Clone(d.NewVocabulary)
		if s.Vocabulary == nil {
			s.Vocabulary = []string{}
		}
	}
	return s
}

func positive[T int | float64 | ~int64](v T) *T {
	if v <= 0 {
		return nil
	}
	return &v
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}
	if old.Turn.CommitDelay != new.Turn.CommitDelay ||
		old.Turn.SemanticDelay != new.Turn.SemanticDelay ||
		old.Turn.Semantic != new.Turn.Semantic {
		d.TurnChanged = true
		d.NewTurn = new.Turn
	}
	if old.Agent.SystemPrompt != new.Agent.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Agent.SystemPrompt
	}
	if !slices.Equal(old.Agent.Vocabulary, new.Agent.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Agent.Vocabulary)
	}

	// Everything below is read when a call or the server starts.
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.MaxCalls != new.Server.MaxCalls ||
		!equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !equalProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Turn.ContextWindow != new.Turn.ContextWindow {
		d.RestartRequired = append(d.RestartRequired, "turn.context_window")
	}
	if old.Agent.Temperature != new.Agent.Temperature ||
		old.Agent.MaxTokens != new.Agent.MaxTokens ||
		old.Agent.Voice != new.Agent.Voice ||
		old.Agent.Language != new.Agent.Language {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.CallLog != new.CallLog {
		d.RestartRequired = append(d.RestartRequired, "call_log")
	}

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalProviders(a, b ProvidersConfig) bool {
	return equalEntry(a.LLM, b.LLM) && equalEntry(a.STT, b.STT) &&
		equalEntry(a.TTS, b.TTS) && equalEntry(a.VAD, b.VAD)
}

func equalEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !equalOption(v, w) {
			return false
		}
	}
	for i := range a.Fallbacks {
		if !equalEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// equalOption compares scalar option values. Nested maps and lists are
// treated as changed.
func equalOption(a, b any) bool {
	switch a.(type) {
	case string, bool, int, int64, float64, nil:
		return a == b
	}
	return false
}
