// Package deepgram implements stt.Provider on the Deepgram live
// transcription WebSocket API.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// Deepgram finalises a result after this much silence. End of turn is
	// decided downstream, so this only bounds how stale a final can be.
	endpointing = 300 * time.Millisecond

	// Deepgram drops connections that carry no data for ten seconds.
	defaultKeepAlive = 4 * time.Second

	// defaultFlushTimeout bounds how long Close waits for the finals of
	// audio already sent.
	defaultFlushTimeout = 2 * time.Second
)

// Provider opens Deepgram streaming sessions.
type Provider struct {
	endpoint     string
	apiKey       string
	model        string
	language     string
	sampleRate   int
	keepAlive    time.Duration
	flushTimeout time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel selects the recognition model, for example "nova-3" or
// "nova-2-phonecall".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language used when a session does
// not name one.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithEndpoint overrides the listen URL for self-hosted deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithSampleRate sets the sample rate assumed when a session leaves it zero.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithKeepAlive sets how long a session may go without sending audio before
// a KeepAlive message is sent. Zero disables keepalives.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) { p.keepAlive = d }
}

// WithFlushTimeout bounds how long Close waits for outstanding finals.
func WithFlushTimeout(d time.Duration) Option {
	return func(p *Provider) { p.flushTimeout = d }
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		endpoint:     defaultEndpoint,
		apiKey:       apiKey,
		model:        defaultModel,
		language:     defaultLanguage,
		sampleRate:   defaultSampleRate,
		keepAlive:    defaultKeepAlive,
		flushTimeout: defaultFlushTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := url.Parse(p.endpoint); err != nil {
		return nil, fmt.Errorf("deepgram: endpoint: %w", err)
	}
	return p, nil
}

// StartStream implements stt.Provider. The session lives until Close, or
// until ctx is cancelled.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.listenURL(cfg)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return startSession(ctx, conn, p.keepAlive, p.flushTimeout), nil
}

// listenURL encodes cfg as listen query parameters.
func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram: endpoint: %w", err)
	}
	encoding, err := wireEncoding(cfg.Encoding)
	if err != nil {
		return "", err
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(rate))
	if cfg.Channels > 1 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
		q.Set("multichannel", "false")
	}
	q.Set("endpointing", strconv.FormatInt(endpointing.Milliseconds(), 10))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wireEncoding maps a StreamConfig encoding to Deepgram's name for it.
func wireEncoding(enc string) (string, error) {
	switch enc {
	case "", "linear16", "pcm":
		return "linear16", nil
	case "mulaw", "ulaw":
		return "mulaw", nil
	case "alaw":
		return "alaw", nil
	default:
		return "", fmt.Errorf("deepgram: unsupported encoding %q", enc)
	}
}
