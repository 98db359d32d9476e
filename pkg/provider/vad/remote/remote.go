// Package remote provides a [vad.Engine] backed by an HTTP inference service
// such as a Silero VAD sidecar.
//
// Every window is posted as raw little-endian PCM16 to
// POST {baseURL}/v1/vad?sample_rate=N with an X-Session-ID header naming the
// stream, so the service can keep recurrent state per stream. The service
// answers with JSON:
//
//	{"confidence": 0.93, "has_speech": true}
//
// Reset rotates the session id, which tells the service to start from fresh
// state. A GET {baseURL}/health probe is exposed through [Engine.Health].
//
// Typical usage:
//
//	eng := remote.New("http://localhost:8899", remote.WithTimeout(200*time.Millisecond))
//	det := vad.NewDetector(eng)
package remote

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxline/pkg/provider/vad"
)

const (
	defaultTimeout = 500 * time.Millisecond
	predictPath    = "/v1/vad"
	healthPath     = "/health"
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithTimeout sets the per-window HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(e *Engine) {
		e.apiKey = key
	}
}

// Engine creates remote models.
type Engine struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New returns an engine for the service at baseURL.
func New(baseURL string, opts ...Option) *Engine {
	e := &Engine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewModel implements [vad.Engine].
func (e *Engine) NewModel(cfg vad.Config) (vad.Model, error) {
	if _, err := vad.WindowSize(cfg.SampleRate); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	return &model{
		engine:  e,
		cfg:     cfg,
		url:     e.baseURL + predictPath + "?" + q.Encode(),
		session: uuid.NewString(),
		body:    make([]byte, cfg.WindowSize*2),
	}, nil
}

// Health checks that the service is reachable.
func (e *Engine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("remote vad: health request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote vad: service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote vad: service unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

type model struct {
	engine  *Engine
	cfg     vad.Config
	url     string
	session string
	body    []byte
}

type predictResponse struct {
	Confidence float64 `json:"confidence"`
	HasSpeech  *bool   `json:"has_speech,omitempty"`
}

func (m *model) Predict(window []float32) (float64, error) {
	if len(window) != m.cfg.WindowSize {
		return 0, vad.ErrWindowSize
	}
	for i, s := range window {
		v := math.Round(float64(s) * 32768)
		binary.LittleEndian.PutUint16(m.body[2*i:], uint16(int16(min(max(v, math.MinInt16), math.MaxInt16))))
	}

	req, err := http.NewRequest(http.MethodPost, m.url, bytes.NewReader(m.body))
	if err != nil {
		return 0, fmt.Errorf("remote vad: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Session-ID", m.session)
	if m.engine.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.engine.apiKey)
	}

	resp, err := m.engine.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote vad: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("remote vad: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("remote vad: decode response: %w", err)
	}
	return out.Confidence, nil
}

func (m *model) Reset() {
	m.session = uuid.NewString()
}

func (m *model) Close() error { return nil }

var _ vad.Engine = (*Engine)(nil)
