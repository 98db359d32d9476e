// Package transport carries call audio between a remote peer and the call.
//
// A [Port] is fixed to one [Kind] for its lifetime. The kind's [Capability]
// names the wire encoding, sample rate and framing, so the rest of the call
// never branches on the peer type.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxline/pkg/codec"
)

// ErrClosed is returned when writing to a closed port.
var ErrClosed = errors.New("transport: closed")

// Kind identifies the peer type of a call.
type Kind int

const (
	// RawPCM is a browser client streaming 16 kHz PCM16 LE in binary messages.
	RawPCM Kind = iota

	// ALaw is a VoIP gateway streaming 8 kHz G.711 A-law in binary messages.
	ALaw

	// MuLaw is a SIP-trunk media stream sending 8 kHz G.711 μ-law inside
	// JSON media events.
	MuLaw
)

// Envelope is the message framing used on the socket.
type Envelope int

const (
	// EnvelopeBinary sends raw audio bytes as binary messages.
	EnvelopeBinary Envelope = iota

	// EnvelopeMediaEvent wraps base64 audio in JSON media events.
	EnvelopeMediaEvent
)

// Capability describes the audio format of a [Kind].
type Capability struct {
	Encoding   codec.Encoding
	SampleRate int
	Envelope   Envelope
}

var capabilities = [...]Capability{
	RawPCM: {Encoding: codec.PCM16, SampleRate: 16000, Envelope: EnvelopeBinary},
	ALaw:   {Encoding: codec.ALaw, SampleRate: 8000, Envelope: EnvelopeBinary},
	MuLaw:  {Encoding: codec.MuLaw, SampleRate: 8000, Envelope: EnvelopeMediaEvent},
}

var kindNames = [...]string{RawPCM: "pcm", ALaw: "alaw", MuLaw: "mulaw"}

// Capability returns the audio format for k.
func (k Kind) Capability() Capability {
	if k < 0 || int(k) >= len(capabilities) {
		return capabilities[RawPCM]
	}
	return capabilities[k]
}

// String returns the kind's short name, also used in URL paths and metrics.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a short name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("transport: unknown kind %q", s)
}

// Kinds returns every supported kind.
func Kinds() []Kind {
	return []Kind{RawPCM, ALaw, MuLaw}
}

// Port is one connected peer.
type Port interface {
	// Kind returns the peer type fixed at construction.
	Kind() Kind

	// Write sends one encoded audio chunk.
	Write(ctx context.Context, chunk []byte) error

	// Inbound yields encoded audio from the peer. It is closed when the peer
	// disconnects or the port is closed.
	Inbound() <-chan []byte

	// Err returns the error that closed Inbound, or nil after a clean close.
	Err() error

	// Close terminates the connection. Close is idempotent.
	Close() error
}
