package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// Providers holds the shared provider instances every call is built from.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine

	// checks report provider availability on /readyz. Set by
	// [BuildProviders]; empty for hand-assembled providers.
	checks []health.Checker
}

// availability is implemented by the resilience fallback groups.
type availability interface{ Available() bool }

// healthProber is implemented by VAD engines backed by a remote service.
type healthProber interface {
	Health(ctx context.Context) error
}

// BuildProviders instantiates every provider named in cfg through reg. LLM,
// STT and TTS entries are wrapped in circuit-breaking fallback groups so that
// configured fallbacks take over when the primary fails.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{}
	fb := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{Kind: kind, Metrics: m}
	}

	// LLM
	primaryLLM, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	llmGroup := resilience.NewLLMFallback(primaryLLM, cfg.Providers.LLM.Name, fb("llm"))
	for _, e := range cfg.Providers.LLM.Fallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("app: llm fallback: %w", err)
		}
		llmGroup.AddFallback(e.Name, p)
	}
	ps.LLM = llmGroup
	ps.checks = append(ps.checks, availabilityCheck("llm", llmGroup.Group()))

	// STT
	primarySTT, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	sttGroup := resilience.NewSTTFallback(primarySTT, cfg.Providers.STT.Name, fb("stt"))
	for _, e := range cfg.Providers.STT.Fallbacks {
		p, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("app: stt fallback: %w", err)
		}
		sttGroup.AddFallback(e.Name, p)
	}
	ps.STT = sttGroup
	ps.checks = append(ps.checks, availabilityCheck("stt", sttGroup.Group()))

	// TTS
	primaryTTS, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	ttsGroup := resilience.NewTTSFallback(primaryTTS, cfg.Providers.TTS.Name, fb("tts"))
	for _, e := range cfg.Providers.TTS.Fallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("app: tts fallback: %w", err)
		}
		if err := ttsGroup.AddFallback(e.Name, p); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	ps.TTS = ttsGroup
	ps.checks = append(ps.checks, availabilityCheck("tts", ttsGroup.Group()))

	// VAD runs locally or per window; it has no fallback.
	ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if h, ok := ps.VAD.(healthProber); ok {
		ps.checks = append(ps.checks, health.Checker{Name: "vad", Check: h.Health})
	}

	slog.Info("providers created",
		"llm", cfg.Providers.LLM.Name,
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
		"vad", cfg.Providers.VAD.Name,
		"llm_fallbacks", len(cfg.Providers.LLM.Fallbacks),
		"stt_fallbacks", len(cfg.Providers.STT.Fallbacks),
		"tts_fallbacks", len(cfg.Providers.TTS.Fallbacks),
	)
	return ps, nil
}

var errUnavailable = errors.New("every circuit breaker is open")

func availabilityCheck(kind string, a availability) health.Checker {
	return health.Checker{
		Name: kind,
		Check: func(context.Context) error {
			if !a.Available() {
				return errUnavailable
			}
			return nil
		},
	}
}
