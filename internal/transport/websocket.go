package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// inboundBuf is the depth of the inbound audio channel. At 20 ms per message
// it absorbs a little over a second of jitter.
const inboundBuf = 64

// mediaEvent is the JSON framing used by media-stream peers.
type mediaEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Media     *mediaBody   `json:"media,omitempty"`
}

type streamStart struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid,omitempty"`
}

type mediaBody struct {
	Payload string `json:"payload"`
}

// WebSocketPort is a [Port] over a coder/websocket connection.
type WebSocketPort struct {
	conn    *websocket.Conn
	kind    Kind
	inbound chan []byte
	done    chan struct{}

	mu        sync.Mutex
	streamSID string
	err       error
	closed    bool
	closeOnce sync.Once
}

var _ Port = (*WebSocketPort)(nil)

// Accept upgrades the request to a WebSocket and starts reading. The read
// loop stops when ctx is cancelled, the peer disconnects or Close is called.
func Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, kind Kind, opts *websocket.AcceptOptions) (*WebSocketPort, error) {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return NewWebSocketPort(ctx, conn, kind), nil
}

// NewWebSocketPort wraps an established connection.
func NewWebSocketPort(ctx context.Context, conn *websocket.Conn, kind Kind) *WebSocketPort {
	p := &WebSocketPort{
		conn:    conn,
		kind:    kind,
		inbound: make(chan []byte, inboundBuf),
		done:    make(chan struct{}),
	}
	go p.readLoop(ctx)
	return p
}

// Kind implements [Port].
func (p *WebSocketPort) Kind() Kind { return p.kind }

// Inbound implements [Port].
func (p *WebSocketPort) Inbound() <-chan []byte { return p.inbound }

// Err implements [Port].
func (p *WebSocketPort) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// StreamSID returns the media stream id announced by the peer, if any.
func (p *WebSocketPort) StreamSID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamSID
}

// Write implements [Port].
func (p *WebSocketPort) Write(ctx context.Context, chunk []byte) error {
	p.mu.Lock()
	closed, sid := p.closed, p.streamSID
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if p.kind.Capability().Envelope == EnvelopeBinary {
		return p.write(ctx, websocket.MessageBinary, chunk)
	}
	msg, err := json.Marshal(mediaEvent{
		Event:     "media",
		StreamSID: sid,
		Media:     &mediaBody{Payload: base64.StdEncoding.EncodeToString(chunk)},
	})
	if err != nil {
		return fmt.Errorf("transport: marshal media: %w", err)
	}
	return p.write(ctx, websocket.MessageText, msg)
}

// write reports [ErrClosed] when the write failed because the peer is gone.
func (p *WebSocketPort) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	err := p.conn.Write(ctx, typ, data)
	if err == nil {
		return nil
	}
	if isCloseError(err) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	return fmt.Errorf("transport: write: %w", err)
}

// Close implements [Port].
func (p *WebSocketPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		select {
		case <-p.done:
			// The peer already ended the connection.
			_ = p.conn.CloseNow()
		default:
			err = p.conn.Close(websocket.StatusNormalClosure, "call ended")
			<-p.done
		}
	})
	if err != nil && !isCloseError(err) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

func (p *WebSocketPort) readLoop(ctx context.Context) {
	defer close(p.done)
	defer close(p.inbound)

	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			p.finish(err)
			return
		}
		audio, stop := p.decode(ctx, typ, data)
		if stop {
			p.finish(nil)
			return
		}
		if audio == nil {
			continue
		}
		select {
		case p.inbound <- audio:
		default:
			// Drop rather than stall the socket reader.
			slog.Debug("transport: inbound full, dropping chunk", "kind", p.kind.String())
		}
	}
}

// decode extracts audio from one message. stop is true when the peer ended
// the stream.
func (p *WebSocketPort) decode(ctx context.Context, typ websocket.MessageType, data []byte) (audio []byte, stop bool) {
	if p.kind.Capability().Envelope == EnvelopeBinary {
		if typ != websocket.MessageBinary {
			return nil, false
		}
		return data, false
	}

	var ev mediaEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.DebugContext(ctx, "transport: malformed media event", "err", err)
		return nil, false
	}
	switch ev.Event {
	case "start":
		if ev.Start != nil {
			p.mu.Lock()
			p.streamSID = ev.Start.StreamSID
			p.mu.Unlock()
		}
	case "media":
		if ev.Media == nil {
			return nil, false
		}
		b, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
		if err != nil {
			slog.DebugContext(ctx, "transport: bad media payload", "err", err)
			return nil, false
		}
		return b, false
	case "stop":
		return nil, true
	}
	return nil, false
}

func (p *WebSocketPort) finish(err error) {
	if err != nil && (isCloseError(err) || errors.Is(err, context.Canceled)) {
		err = nil
	}
	p.mu.Lock()
	if p.closed {
		err = nil
	}
	p.err = err
	p.mu.Unlock()
}

// isCloseError reports whether err is a normal WebSocket closure.
func isCloseError(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
