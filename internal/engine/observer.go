package engine

import (
	"github.com/kingrea/batchflow/internal/task"
)

// EventKind enumerates what an Event reports.
type EventKind string

const (
	// EventTick is sent once per tick with the full status.
	EventTick EventKind = "tick"
	// EventStarted is sent after a task was submitted, skipped or run locally.
	EventStarted EventKind = "started"
	// EventFinished is sent when a task reaches a terminal state.
	EventFinished EventKind = "finished"
	// EventQueueError is sent when the queue query failed and the tick was skipped.
	EventQueueError EventKind = "queue_error"
	// EventDone is sent once when the run stops.
	EventDone EventKind = "done"
)

// Event is delivered to observers from the engine goroutine.
type Event struct {
	Kind   EventKind
	Task   *TaskStatus
	Status Status
	Err    error
}

// Observer receives engine events. Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

func finished(t task.Task) Event {
	ts := taskStatus(t)
	return Event{Kind: EventFinished, Task: &ts}
}
