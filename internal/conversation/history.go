// Package conversation holds the per-call dialogue history shared between the
// turn aggregator, which is its only writer, and the responder, which reads
// snapshots of it.
package conversation

import "sync"

// DefaultContextWindow is the number of messages kept when no window is set.
const DefaultContextWindow = 20

// Roles used in the history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one history entry.
type Message struct {
	Role    string
	Content string
}

// History is an ordered, bounded dialogue history. It is shared by pointer;
// trimming happens in place so every holder observes it. All methods are safe
// for concurrent use.
type History struct {
	mu     sync.RWMutex
	msgs   []Message
	window int
}

// NewHistory returns an empty history bounded to window messages. A
// non-positive window selects [DefaultContextWindow].
func NewHistory(window int) *History {
	if window <= 0 {
		window = DefaultContextWindow
	}
	return &History{window: window, msgs: make([]Message, 0, window)}
}

// Append adds a message and trims the oldest entries beyond the window.
func (h *History) Append(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, Message{Role: role, Content: content})
	h.trim()
}

// SetWindow changes the bound and trims immediately.
func (h *History) SetWindow(window int) {
	if window <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.window = window
	h.trim()
}

// trim drops the oldest messages so at most window remain, reusing the
// backing array. Must be called with mu held.
func (h *History) trim() {
	over := len(h.msgs) - h.window
	if over <= 0 {
		return
	}
	n := copy(h.msgs, h.msgs[over:])
	clear(h.msgs[n:])
	h.msgs = h.msgs[:n]
}

// Snapshot returns a copy of the messages, oldest first.
func (h *History) Snapshot() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}
