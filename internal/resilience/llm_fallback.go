package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// ErrStreamFailed marks a completion stream that broke before its first
// token. The fallback group treats it like a failed request.
var ErrStreamFailed = errors.New("resilience: stream failed before first token")

// LLMFallback is an [llm.Provider] that fails over across LLM backends, each
// guarded by its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends p to the failover order.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Group returns the underlying group for readiness checks.
func (f *LLMFallback) Group() *FallbackGroup[llm.Provider] { return f.group }

// Complete implements llm.Provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion implements llm.Provider. Failover covers the stream up to
// its first chunk: a backend that errors before saying anything is skipped,
// while a reply that breaks after the caller already heard part of it ends
// there.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return primeStream(ctx, ch)
	})
}

// primeStream waits for the first chunk of ch and returns a channel that
// replays it followed by the rest of ch.
func primeStream(ctx context.Context, ch <-chan llm.Chunk) (<-chan llm.Chunk, error) {
	var (
		first llm.Chunk
		ok    bool
	)
	select {
	case first, ok = <-ch:
	case <-ctx.Done():
		go drainChunks(ch)
		return nil, ctx.Err()
	}
	if ok && first.FinishReason == "error" {
		go drainChunks(ch)
		return nil, fmt.Errorf("%w: %s", ErrStreamFailed, first.Text)
	}

	out := make(chan llm.Chunk, cap(ch)+1)
	if !ok {
		close(out)
		return out, nil
	}
	out <- first
	go func() {
		defer close(out)
		for c := range ch {
			select {
			case out <- c:
			case <-ctx.Done():
				go drainChunks(ch)
				return
			}
		}
	}()
	return out, nil
}

func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
