package session

import (
	"context"
	"errors"
	"sync"
)

var errWindowClosed = errors.New("session closed")

// window bounds the number of transcription tasks in flight. Ingestion
// pauses (waitFree) while the window is full; dispatch takes a slot
// (acquire) and completion returns it (release). Closing wakes every waiter
// so cancellation never leaves a goroutine parked.
type window struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	limit    int
	closed   bool
}

func newWindow(limit int) *window {
	w := &window{limit: limit}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// closeOn closes the window when the context is done.
func (w *window) closeOn(ctx context.Context) {
	go func() {
		<-ctx.Done()
		w.mu.Lock()
		w.closed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
}

// waitFree blocks while the window is full, without taking a slot. This is
// the ingestion backpressure point.
func (w *window) waitFree() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.inflight >= w.limit && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return errWindowClosed
	}
	return nil
}

// acquire takes an in-flight slot, blocking while the window is full.
func (w *window) acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.inflight >= w.limit && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return errWindowClosed
	}
	w.inflight++
	return nil
}

// release returns an in-flight slot.
func (w *window) release() {
	w.mu.Lock()
	w.inflight--
	w.cond.Broadcast()
	w.mu.Unlock()
}

// waitIdle blocks until no task is in flight. Closing the window does not
// shortcut the wait: in-flight tasks still hold resources that must not be
// reclaimed under them, and cancellation makes them return promptly.
func (w *window) waitIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.inflight > 0 {
		w.cond.Wait()
	}
}
