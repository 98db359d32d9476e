// Package frame defines the message envelope that flows through a call
// pipeline.
//
// A [Frame] is one of four variants: [AudioFrame], [TextFrame], [ControlFrame]
// or [SystemFrame]. Every frame carries a [Header] with a trace id that
// correlates all frames of one conversational turn, a span id unique to the
// frame, a creation timestamp, a priority class and free-form metadata.
//
// Frames are immutable once constructed. Constructors copy caller-owned
// metadata maps; processors that need to change a frame build a new one.
package frame

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Priority is the scheduling class of a frame. Lower values dequeue first.
type Priority int

const (
	// PrioritySystem is used by all [SystemFrame] values.
	PrioritySystem Priority = iota

	// PriorityNormal is used by audio, text and control frames.
	PriorityNormal
)

// String returns "system" or "normal".
func (p Priority) String() string {
	if p == PrioritySystem {
		return "system"
	}
	return "normal"
}

// Direction is the traversal direction of a frame through the processor chain.
type Direction int

const (
	// Downstream frames flow from the transport towards synthesis.
	Downstream Direction = iota

	// Upstream frames flow back towards the transport.
	Upstream
)

// String returns "downstream" or "upstream".
func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Well-known metadata keys.
const (
	// MetaRole marks text frames with the conversational role that produced
	// them. Absent means "user".
	MetaRole = "role"

	// MetaCommitted marks a user text frame produced by the turn aggregator as
	// a committed turn.
	MetaCommitted = "committed"

	// RoleAssistant is the MetaRole value for generated replies.
	RoleAssistant = "assistant"
)

// Header is the metadata shared by every frame variant.
type Header struct {
	ID        string
	TraceID   string
	SpanID    string
	CreatedAt time.Time

	// Metadata is set through WithMetadata and WithMeta and is read-only
	// afterwards. Head returns a copy.
	Metadata map[string]string
}

// Frame is implemented by every frame variant.
type Frame interface {
	// Head returns a copy of the frame's header. Changing its Metadata does
	// not affect the frame.
	Head() Header

	// Priority returns the scheduling class, derived from the variant.
	Priority() Priority

	// Kind names the variant for logging.
	Kind() string
}

// Option customises a frame header during construction.
type Option func(*Header)

// WithTraceID sets the turn-correlation id. Empty values are ignored and a
// fresh id is generated.
func WithTraceID(id string) Option {
	return func(h *Header) {
		if id != "" {
			h.TraceID = id
		}
	}
}

// WithMetadata merges md into the frame metadata.
func WithMetadata(md map[string]string) Option {
	return func(h *Header) {
		if len(md) == 0 {
			return
		}
		if h.Metadata == nil {
			h.Metadata = make(map[string]string, len(md))
		}
		maps.Copy(h.Metadata, md)
	}
}

// WithMeta sets a single metadata key.
func WithMeta(key, value string) Option {
	return WithMetadata(map[string]string{key: value})
}

func newHeader(opts []Option) Header {
	h := Header{
		ID:        uuid.NewString(),
		SpanID:    uuid.NewString(),
		CreatedAt: time.Now(),
	}
	for _, o := range opts {
		o(&h)
	}
	if h.TraceID == "" {
		h.TraceID = uuid.NewString()
	}
	return h
}

// clone returns h with its own Metadata map.
func (h Header) clone() Header {
	h.Metadata = maps.Clone(h.Metadata)
	return h
}

// Meta returns the metadata value for key, or "" when absent.
func (h Header) Meta(key string) string {
	return h.Metadata[key]
}

// AudioFrame carries linear PCM16 samples.
type AudioFrame struct {
	Header
	Samples    []int16
	SampleRate int
	Channels   int
}

// NewAudio returns an audio frame. samples is retained, not copied.
func NewAudio(samples []int16, sampleRate, channels int, opts ...Option) *AudioFrame {
	return &AudioFrame{Header: newHeader(opts), Samples: samples, SampleRate: sampleRate, Channels: channels}
}

func (f *AudioFrame) Head() Header       { return f.Header.clone() }
func (f *AudioFrame) Priority() Priority { return PriorityNormal }
func (f *AudioFrame) Kind() string       { return "audio" }

// Duration returns the playback length of the frame.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	ch := max(f.Channels, 1)
	return time.Duration(len(f.Samples)/ch) * time.Second / time.Duration(f.SampleRate)
}

// TextFrame carries recognised, committed or generated text.
type TextFrame struct {
	Header
	Text    string
	IsFinal bool
}

// NewText returns a text frame.
func NewText(text string, isFinal bool, opts ...Option) *TextFrame {
	return &TextFrame{Header: newHeader(opts), Text: text, IsFinal: isFinal}
}

func (f *TextFrame) Head() Header       { return f.Header.clone() }
func (f *TextFrame) Priority() Priority { return PriorityNormal }
func (f *TextFrame) Kind() string       { return "text" }

// Role returns the conversational role of the text, defaulting to "user".
func (f *TextFrame) Role() string {
	if r := f.Meta(MetaRole); r != "" {
		return r
	}
	return "user"
}

// Committed reports whether the frame is a committed user turn.
func (f *TextFrame) Committed() bool {
	return f.Meta(MetaCommitted) == "true"
}

// Settings is a partial runtime-settings update. Nil fields are left
// unchanged by the receiving processors.
type Settings struct {
	VADOnset           *float64
	VADOffset          *float64
	MinSpeechFrames    *int
	ConfirmationWindow *time.Duration
	EndOfTurnSilence   *time.Duration
	CommitDelay        *time.Duration
	SemanticDelay      *time.Duration
	Semantic           *bool
	SystemPrompt       *string
	Vocabulary         []string
}

// ControlFrame carries a settings patch.
type ControlFrame struct {
	Header
	Settings Settings
}

// NewControl returns a control frame.
func NewControl(s Settings, opts ...Option) *ControlFrame {
	return &ControlFrame{Header: newHeader(opts), Settings: s}
}

func (f *ControlFrame) Head() Header       { return f.Header.clone() }
func (f *ControlFrame) Priority() Priority { return PriorityNormal }
func (f *ControlFrame) Kind() string       { return "control" }

// Subtype selects the meaning of a [SystemFrame].
type Subtype int

const (
	Start Subtype = iota
	End
	Cancel
	Error
	SpeechStarted
	SpeechStopped
	Backpressure
)

var subtypeNames = [...]string{"start", "end", "cancel", "error", "speech_started", "speech_stopped", "backpressure"}

// String returns the snake_case name of the subtype.
func (s Subtype) String() string {
	if int(s) >= 0 && int(s) < len(subtypeNames) {
		return subtypeNames[s]
	}
	return fmt.Sprintf("subtype(%d)", int(s))
}

// Level grades a backpressure signal.
type Level int

const (
	LevelNone Level = iota
	LevelWarning
	LevelCritical
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "none"
	}
}

// SystemFrame is an out-of-band control signal. System frames always dequeue
// ahead of normal frames.
type SystemFrame struct {
	Header
	Subtype Subtype

	// Err and Fatal are set on Error frames.
	Err   error
	Fatal bool

	// Level is set on Backpressure frames.
	Level Level
}

// NewSystem returns a system frame of the given subtype.
func NewSystem(st Subtype, opts ...Option) *SystemFrame {
	return &SystemFrame{Header: newHeader(opts), Subtype: st}
}

// NewError returns an Error system frame.
func NewError(err error, fatal bool, opts ...Option) *SystemFrame {
	f := NewSystem(Error, opts...)
	f.Err = err
	f.Fatal = fatal
	return f
}

// NewBackpressure returns a Backpressure system frame at the given level.
func NewBackpressure(level Level, opts ...Option) *SystemFrame {
	f := NewSystem(Backpressure, opts...)
	f.Level = level
	return f
}

func (f *SystemFrame) Head() Header       { return f.Header.clone() }
func (f *SystemFrame) Priority() Priority { return PrioritySystem }
func (f *SystemFrame) Kind() string       { return "system:" + f.Subtype.String() }

// IsSystem reports whether f is a system frame of subtype st.
func IsSystem(f Frame, st Subtype) bool {
	sf, ok := f.(*SystemFrame)
	return ok && sf.Subtype == st
}

// Compile-time interface assertions.
var (
	_ Frame = (*AudioFrame)(nil)
	_ Frame = (*TextFrame)(nil)
	_ Frame = (*ControlFrame)(nil)
	_ Frame = (*SystemFrame)(nil)
)
