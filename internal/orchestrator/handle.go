package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// Signal is an external control message for a running full sync.
type Signal string

const (
	SignalCancel Signal = "cancel"
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
)

// ParseSignal converts a signal name into a Signal.
func ParseSignal(name string) (Signal, error) {
	switch s := Signal(name); s {
	case SignalCancel, SignalPause, SignalResume:
		return s, nil
	default:
		return "", fmt.Errorf("unknown signal %q", name)
	}
}

// Handle controls one asynchronous full sync.
//
// Thread-safety: all methods are safe for concurrent use.
type Handle struct {
	// ID is the journal id of the run.
	ID string

	mu        sync.Mutex
	cancelled bool
	paused    bool
	resumed   chan struct{} // closed when a pause ends
	done      chan struct{}
	result    SyncResult
	err       error
}

func newHandle(id string, paused bool) *Handle {
	h := &Handle{ID: id, done: make(chan struct{})}
	if paused {
		h.paused = true
		h.resumed = make(chan struct{})
	}
	return h
}

// Cancel asks the run to stop at the next entity or page boundary. The page
// in flight finishes. Cancelling a paused run releases it.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	if h.paused {
		h.paused = false
		close(h.resumed)
	}
}

// Pause asks the run to block at the next boundary until Resume or Cancel.
func (h *Handle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.paused {
		return
	}
	h.paused = true
	h.resumed = make(chan struct{})
}

// Resume releases a paused run. It is a no-op otherwise.
func (h *Handle) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return
	}
	h.paused = false
	close(h.resumed)
}

// Send delivers a signal by name.
func (h *Handle) Send(s Signal) error {
	switch s {
	case SignalCancel:
		h.Cancel()
	case SignalPause:
		h.Pause()
	case SignalResume:
		h.Resume()
	default:
		return fmt.Errorf("unknown signal %q", s)
	}
	return nil
}

func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// waitWhilePaused blocks until the handle is neither paused nor waiting, or
// ctx ends.
func (h *Handle) waitWhilePaused(ctx context.Context) error {
	for {
		h.mu.Lock()
		if !h.paused {
			h.mu.Unlock()
			return nil
		}
		ch := h.resumed
		h.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (SyncResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
}

func (h *Handle) finish(res SyncResult, err error) {
	h.mu.Lock()
	h.result = res
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
