// Package events provides a small synchronous pub/sub primitive used to
// forward lifecycle events from a Download Task up to its Downloader and
// on to external listeners.
package events

import (
	"fmt"
	"sync"

	"github.com/forest6511/paradl/pkg/types"
)

// Listener handles one emitted event.
type Listener func(event types.Event)

// Emitter fans an event out to every registered listener.
type Emitter struct {
	mu        sync.RWMutex
	listeners []Listener
	closed    bool
}

// New creates an empty Emitter.
func New() *Emitter {
	return &Emitter{}
}

// On registers a listener that is called for every emitted event, in
// registration order, until Close is called.
func (e *Emitter) On(listener Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.listeners = append(e.listeners, listener)
}

// Emit calls every registered listener synchronously. A panicking listener
// is recovered so it cannot take down the emitting goroutine; this mirrors
// how a single misbehaving progress bar shouldn't abort a download.
func (e *Emitter) Emit(event types.Event) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("event listener panic: %v\n", r)
				}
			}()
			l(event)
		}()
	}
}

// Forward registers a listener on src that re-emits every event on e. It is
// how the Downloader observes every task's lifecycle without each task
// knowing about the Downloader.
func (e *Emitter) Forward(src *Emitter) {
	src.On(func(event types.Event) {
		e.Emit(event)
	})
}

// Close prevents further listener registration and drops existing listeners.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.listeners = nil
}
