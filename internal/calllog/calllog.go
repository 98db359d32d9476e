// Package calllog persists the conversation of every call: committed user
// turns and the assistant replies generated for them.
//
// [Store] is the persistence port; [postgres.Store] is the production
// implementation. [Recorder] is a pipeline processor that copies the relevant
// text frames into a Store without blocking the frame loop.
package calllog

import (
	"context"
	"time"
)

// Role values stored with a [Record].
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one persisted conversation entry.
type Record struct {
	// CallID identifies the call the entry belongs to.
	CallID string

	// Role is RoleUser or RoleAssistant.
	Role string

	// Content is the committed transcript or the spoken reply text.
	Content string

	// TraceID correlates a user turn with the reply generated for it.
	TraceID string

	// CreatedAt is when the originating frame was created.
	CreatedAt time.Time
}

// Store persists call records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Append stores r.
	Append(ctx context.Context, r Record) error

	// ListCall returns all records for callID, oldest first. An unknown call
	// yields an empty, non-nil slice.
	ListCall(ctx context.Context, callID string) ([]Record, error)
}
