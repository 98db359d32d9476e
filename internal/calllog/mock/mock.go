// Package mock provides an in-memory [calllog.Store] for tests.
//
// Typical usage:
//
//	store := &mock.Store{}
//	rec := calllog.NewRecorder(store, "call-1")
//	// run frames through rec …
//	got := store.Records()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/internal/calllog"
)

// Store is a configurable test double for [calllog.Store]. It keeps appended
// records in memory. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	records []calllog.Record

	// appended is closed and replaced on every Append so tests can wait.
	appended chan struct{}

	// AppendErr is returned by [Store.Append] when non-nil. The record is
	// not stored.
	AppendErr error

	// ListErr is returned by [Store.ListCall] when non-nil.
	ListErr error
}

// Append implements [calllog.Store].
func (s *Store) Append(_ context.Context, r calllog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.records = append(s.records, r)
	if s.appended != nil {
		close(s.appended)
		s.appended = nil
	}
	return nil
}

// ListCall implements [calllog.Store].
func (s *Store) ListCall(_ context.Context, callID string) ([]calllog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := []calllog.Record{}
	for _, r := range s.records {
		if r.CallID == callID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Records returns a copy of every stored record in append order.
func (s *Store) Records() []calllog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calllog.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Appended returns a channel closed by the next successful Append.
func (s *Store) Appended() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appended == nil {
		s.appended = make(chan struct{})
	}
	return s.appended
}

// Reset clears stored records and configured errors.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.AppendErr = nil
	s.ListErr = nil
}

var _ calllog.Store = (*Store)(nil)
