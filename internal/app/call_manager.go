package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/frame"
)

// ErrAtCapacity is returned by [CallManager.Reserve] when max_calls calls are
// already active.
var ErrAtCapacity = errors.New("app: call capacity reached")

// ErrShuttingDown is returned by [CallManager.Reserve] after
// [CallManager.Shutdown] started.
var ErrShuttingDown = errors.New("app: shutting down")

// Runner is the part of a call the manager drives.
type Runner interface {
	ID() string
	Run(ctx context.Context) error
	Apply(s frame.Settings) error
	Hangup()
}

// CallInfo describes an active call.
type CallInfo struct {
	ID        string
	Transport string
	StartedAt time.Time
}

type activeCall struct {
	info   CallInfo
	runner Runner
	cancel context.CancelFunc
}

// CallManager tracks live calls, enforces the concurrency cap and fans out
// settings updates and shutdown. All methods are safe for concurrent use.
type CallManager struct {
	max int

	mu       sync.Mutex
	reserved int
	calls    map[string]*activeCall
	closing  bool
	wg       sync.WaitGroup
}

// NewCallManager returns a manager admitting at most max concurrent calls.
// max <= 0 means unlimited.
func NewCallManager(max int) *CallManager {
	return &CallManager{max: max, calls: make(map[string]*activeCall)}
}

// Reserve claims a call slot before the connection is upgraded. The returned
// release must be called if the slot is not handed to [CallManager.Run].
func (m *CallManager) Reserve() (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, ErrShuttingDown
	}
	if m.max > 0 && m.reserved >= m.max {
		return nil, ErrAtCapacity
	}
	m.reserved++
	m.wg.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.reserved--
			m.mu.Unlock()
			m.wg.Done()
		})
	}, nil
}

// Run registers r under a reserved slot, runs it until it ends and releases
// the slot. It returns [ErrShuttingDown] without running r when
// [CallManager.Shutdown] started after the slot was reserved. The call is
// cancelled when ctx is done or [CallManager.Shutdown] gives up waiting.
func (m *CallManager) Run(ctx context.Context, release func(), transport string, r Runner) error {
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ac := &activeCall{
		info:   CallInfo{ID: r.ID(), Transport: transport, StartedAt: time.Now().UTC()},
		runner: r,
		cancel: cancel,
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.calls[ac.info.ID] = ac
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.calls, ac.info.ID)
		m.mu.Unlock()
	}()

	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("app: call %s: %w", ac.info.ID, err)
	}
	return nil
}

// Active returns the number of reserved or running calls.
func (m *CallManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

// List returns a snapshot of the running calls.
func (m *CallManager) List() []CallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallInfo, 0, len(m.calls))
	for _, ac := range m.calls {
		out = append(out, ac.info)
	}
	return out
}

// Apply pushes s into every running call. Calls that cannot take the update
// are logged and skipped.
func (m *CallManager) Apply(ctx context.Context, s frame.Settings) int {
	m.mu.Lock()
	runners := make([]Runner, 0, len(m.calls))
	for _, ac := range m.calls {
		runners = append(runners, ac.runner)
	}
	m.mu.Unlock()

	applied := 0
	for _, r := range runners {
		if err := r.Apply(s); err != nil {
			observe.Logger(ctx).Warn("settings not applied", "call_id", r.ID(), "err", err)
			continue
		}
		applied++
	}
	return applied
}

// Shutdown stops admitting calls, asks every running call to hang up and
// waits for them. When ctx expires first the remaining calls are cancelled
// and ctx's error is returned once they have exited.
func (m *CallManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	active := make([]*activeCall, 0, len(m.calls))
	for _, ac := range m.calls {
		active = append(active, ac)
	}
	m.mu.Unlock()

	for _, ac := range active {
		ac.runner.Hangup()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	remaining := len(m.calls)
	for _, ac := range m.calls {
		ac.cancel()
	}
	m.mu.Unlock()
	observe.Logger(ctx).Warn("shutdown deadline exceeded, cancelling calls", "remaining", remaining)
	<-done
	return ctx.Err()
}
