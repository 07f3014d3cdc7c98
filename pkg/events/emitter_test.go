package events

import (
	"testing"

	"github.com/forest6511/paradl/pkg/types"
)

func TestEmitCallsListeners(t *testing.T) {
	e := New()

	var got []types.EventType
	e.On(func(ev types.Event) { got = append(got, ev.Type) })
	e.On(func(ev types.Event) { got = append(got, ev.Type) })

	e.Emit(types.Event{Type: types.EventStart})

	if len(got) != 2 {
		t.Fatalf("expected 2 listener calls, got %d", len(got))
	}
	for _, ty := range got {
		if ty != types.EventStart {
			t.Errorf("got event type %v, want %v", ty, types.EventStart)
		}
	}
}

func TestForwardRepublishes(t *testing.T) {
	task := New()
	downloader := New()
	downloader.Forward(task)

	var seen types.EventType
	downloader.On(func(ev types.Event) { seen = ev.Type })

	task.Emit(types.Event{Type: types.EventComplete})

	if seen != types.EventComplete {
		t.Errorf("downloader did not observe forwarded event, got %v", seen)
	}
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	e := New()
	called := false

	e.On(func(types.Event) { panic("boom") })
	e.On(func(types.Event) { called = true })

	e.Emit(types.Event{Type: types.EventError})

	if !called {
		t.Error("second listener should still run after first panics")
	}
}

func TestCloseDropsListeners(t *testing.T) {
	e := New()
	called := false
	e.On(func(types.Event) { called = true })
	e.Close()

	e.Emit(types.Event{Type: types.EventStart})
	if called {
		t.Error("listener should not be called after Close")
	}

	e.On(func(types.Event) { called = true })
	e.Emit(types.Event{Type: types.EventStart})
	if called {
		t.Error("On should be a no-op after Close")
	}
}
