package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
	"vad": {"energy", "remote"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills server defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxCalls == 0 {
		cfg.Server.MaxCalls = DefaultMaxCalls
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_calls %d must not be negative", cfg.Server.MaxCalls))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	entries := []struct {
		kind  string
		entry ProviderEntry
	}{
		{"llm", cfg.Providers.LLM},
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
		{"vad", cfg.Providers.VAD},
	}
	for _, e := range entries {
		if e.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", e.kind))
			continue
		}
		validateProviderName(e.kind, e.entry.Name)
		for i, fb := range e.entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", e.kind, i))
				continue
			}
			validateProviderName(e.kind, fb.Name)
			if len(fb.Fallbacks) > 0 {
				slog.Warn("nested provider fallbacks are ignored", "kind", e.kind, "name", fb.Name)
			}
		}
	}

	// Pipeline
	if cfg.Pipeline.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size %d must not be negative", cfg.Pipeline.QueueSize))
	}

	// VAD
	v := cfg.VAD
	if v.Onset < 0 || v.Onset > 1 {
		errs = append(errs, fmt.Errorf("vad.onset %.2f is out of range [0, 1]", v.Onset))
	}
	if v.Offset < 0 || v.Offset > 1 {
		errs = append(errs, fmt.Errorf("vad.offset %.2f is out of range [0, 1]", v.Offset))
	}
	if v.Onset > 0 && v.Offset > 0 && v.Offset >= v.Onset {
		errs = append(errs, fmt.Errorf("vad.offset %.2f must be below vad.onset %.2f", v.Offset, v.Onset))
	}
	if v.MinSpeechFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech_frames %d must not be negative", v.MinSpeechFrames))
	}
	if v.ConfirmationWindow < 0 || v.EndOfTurnSilence < 0 {
		errs = append(errs, errors.New("vad durations must not be negative"))
	}

	// Turn
	t := cfg.Turn
	if t.CommitDelay < 0 || t.SemanticDelay < 0 {
		errs = append(errs, errors.New("turn delays must not be negative"))
	}
	if t.CommitDelay > 0 && t.SemanticDelay > 0 && t.SemanticDelay <= t.CommitDelay {
		errs = append(errs, fmt.Errorf("turn.semantic_delay %v must exceed turn.commit_delay %v", t.SemanticDelay, t.CommitDelay))
	}
	if t.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("turn.context_window %d must not be negative", t.ContextWindow))
	}

	// Agent
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", cfg.Agent.Temperature))
	}
	if cfg.Agent.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens %d must not be negative", cfg.Agent.MaxTokens))
	}
	if cfg.Agent.Voice.VoiceID == "" {
		slog.Warn("agent.voice.voice_id is empty; the TTS provider default voice is used")
	}

	// Audio
	if cfg.Audio.BackgroundGain < 0 || cfg.Audio.BackgroundGain > 1 {
		errs = append(errs, fmt.Errorf("audio.background_gain %.2f is out of range [0, 1]", cfg.Audio.BackgroundGain))
	}
	if f := cfg.Audio.BackgroundFile; f != "" {
		if _, err := os.Stat(f); err != nil {
			slog.Warn("audio.background_file is not readable; calls will fail to start", "path", f, "err", err)
		}
	}

	// Call log
	if cfg.CallLog.PostgresDSN == "" {
		slog.Info("call_log.postgres_dsn is empty; conversations are not persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
