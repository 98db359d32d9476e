package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/provider/stt"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("deepgram: session is closed")

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// message is the subset of Deepgram's server messages the session reads.
type message struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`

	// Set on "Error" messages.
	Description string `json:"description"`
	Variant     string `json:"variant"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []word  `json:"words"`
}

type word struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
}

// session is one live connection. Audio goes out through writeLoop and
// results come back through readLoop; Close asks Deepgram to flush and waits
// for the trailing finals before tearing the socket down.
type session struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	keepAlive    time.Duration
	flushTimeout time.Duration

	closing   chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Int64

	mu  sync.Mutex
	err error
}

func startSession(ctx context.Context, conn *websocket.Conn, keepAlive, flushTimeout time.Duration) *session {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:         conn,
		cancel:       cancel,
		audio:        make(chan []byte, 256),
		partials:     make(chan stt.Transcript, 64),
		finals:       make(chan stt.Transcript, 64),
		keepAlive:    keepAlive,
		flushTimeout: flushTimeout,
		closing:      make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.writeLoop(ctx)
	go s.readLoop(ctx)
	return s
}

// SendAudio queues chunk for delivery. It never blocks: when the send queue
// is full the chunk is counted and discarded with stt.ErrAudioDropped.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	case <-s.readDone:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	default:
		s.dropped.Add(1)
		return stt.ErrAudioDropped
	}
}

// Dropped returns the number of chunks SendAudio discarded.
func (s *session) Dropped() int64 { return s.dropped.Load() }

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close flushes the stream and releases the connection. Finals for audio
// already queued are still delivered if they arrive within the flush
// timeout.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		select {
		case <-s.readDone:
		case <-time.After(s.flushTimeout):
		}
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.wg.Wait()
	})
	return nil
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	idle := true
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			idle = false
		case <-tick:
			if idle {
				if err := s.conn.Write(ctx, websocket.MessageText, msgKeepAlive); err != nil {
					return
				}
			}
			idle = true
		case <-s.closing:
			s.flush(ctx)
			return
		case <-ctx.Done():
			return
		case <-s.readDone:
			return
		}
	}
}

// flush sends the queued audio followed by CloseStream.
func (s *session) flush(ctx context.Context) {
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		default:
			_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.readDone)
	defer close(s.finals)
	defer close(s.partials)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.readFailed(ctx, err)
			return
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		switch m.Type {
		case "Results":
			t, ok := transcript(m)
			if !ok {
				continue
			}
			out := s.partials
			if t.IsFinal {
				out = s.finals
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		case "Error":
			s.fail(fmt.Errorf("deepgram: %s: %s", m.Variant, m.Description))
		}
	}
}

// readFailed records err unless the stream ended the way Close asked it to.
func (s *session) readFailed(ctx context.Context, err error) {
	select {
	case <-s.closing:
		return
	default:
	}
	if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return
	}
	s.fail(fmt.Errorf("deepgram: read: %w", err))
}

// transcript converts a Results message. Results without text, which
// Deepgram sends for segments of silence, are dropped.
func transcript(m message) (stt.Transcript, bool) {
	if len(m.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := m.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Transcript{}, false
	}
	t := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    m.IsFinal,
		Confidence: alt.Confidence,
	}
	if len(alt.Words) > 0 {
		t.Words = make([]stt.WordDetail, len(alt.Words))
		for i, w := range alt.Words {
			word := w.PunctuatedWord
			if word == "" {
				word = w.Word
			}
			t.Words[i] = stt.WordDetail{
				Word:       word,
				Start:      seconds(w.Start),
				End:        seconds(w.End),
				Confidence: w.Confidence,
			}
		}
	}
	return t, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
