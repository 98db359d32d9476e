package resilience

import (
	"context"

	"github.com/MrWong99/voxline/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that opens each session on the first
// backend whose breaker admits it. A session that dies mid-call is not moved;
// the recognizer reopens and lands on whichever backend is healthy then.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an STTFallback preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends p to the failover order.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Group returns the underlying group for readiness checks.
func (f *STTFallback) Group() *FallbackGroup[stt.Provider] { return f.group }

// StartStream implements stt.Provider.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
