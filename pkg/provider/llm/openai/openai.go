// Package openai provides an LLM provider backed by the OpenAI chat
// completions API, or any server speaking the same protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// ErrNoChoices is returned when the API answers without any choice.
var ErrNoChoices = errors.New("openai: response has no choices")

// Provider implements llm.Provider on top of the chat completions endpoint.
// Streams request usage reporting, which arrives on the final chunk.
type Provider struct {
	client     oai.Client
	model      string
	replyLimit int
}

type options struct {
	baseURL      string
	organization string
	timeout      time.Duration
	replyLimit   int
}

// Option configures a Provider.
type Option func(*options)

// WithBaseURL points the client at a compatible server instead of
// api.openai.com.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithOrganization sets the organization header on every request.
func WithOrganization(org string) Option {
	return func(o *options) { o.organization = org }
}

// WithTimeout bounds each HTTP request, streams included.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithReplyTokenLimit caps completions whose request leaves MaxTokens at
// zero. Spoken replies are short; an uncapped model can talk for minutes.
func WithReplyTokenLimit(n int) Option {
	return func(o *options) { o.replyLimit = n }
}

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if model == "" {
		return nil, errors.New("openai: model is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	if o.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(o.organization))
	}
	if o.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: o.timeout}))
	}
	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		replyLimit: o.replyLimit,
	}, nil
}

// StreamCompletion implements llm.Provider. The finish chunk is held back
// until the stream ends so the usage report can travel with it.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: param.NewOpt(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		emit := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var final *llm.Chunk
		for stream.Next() {
			chunk := stream.Current()
			if u := chunk.Usage; u.TotalTokens > 0 {
				usage := convertUsage(u)
				if final == nil {
					final = &llm.Chunk{}
				}
				final.Usage = &usage
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" && !emit(llm.Chunk{Text: c.Delta.Content}) {
				return
			}
			if c.FinishReason != "" {
				if final == nil {
					final = &llm.Chunk{}
				}
				final.FinishReason = c.FinishReason
			}
		}

		if err := stream.Err(); err != nil {
			emit(llm.Chunk{FinishReason: "error", Text: err.Error()})
			return
		}
		if final != nil {
			if final.FinishReason == "" {
				final.FinishReason = "stop"
			}
			emit(*final)
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage:   convertUsage(resp.Usage),
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs, err := llm.Conversation(req)
	if err != nil {
		return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: %w", err)
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: make([]oai.ChatCompletionMessageParamUnion, len(msgs)),
	}
	for i, m := range msgs {
		params.Messages[i] = toParam(m)
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	switch {
	case req.MaxTokens > 0:
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	case p.replyLimit > 0:
		params.MaxCompletionTokens = param.NewOpt(int64(p.replyLimit))
	}
	return params, nil
}

// toParam maps a message already validated by llm.Conversation.
func toParam(m llm.Message) oai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content)
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content)
	default:
		return oai.UserMessage(m.Content)
	}
}

func convertUsage(u oai.CompletionUsage) llm.Usage {
	return llm.Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}
