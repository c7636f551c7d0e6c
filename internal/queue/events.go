package queue

import "sync"

type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventProgress  EventType = "progress"
)

// Event describes a job state transition. Listeners are for logging and
// monitoring only; they receive a copy and cannot alter job data.
type Event struct {
	Type   EventType
	JobID  string
	Kind   Kind
	Reason string
	// Done/Total carry fan-out progress for EventProgress.
	Done  int
	Total int
}

type listenerSet struct {
	mu  sync.RWMutex
	fns []func(Event)
}

func (l *listenerSet) add(fn func(Event)) {
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listenerSet) emit(ev Event) {
	l.mu.RLock()
	fns := l.fns
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// OnEvent registers a listener for job lifecycle events.
func (q *Queue) OnEvent(fn func(Event)) {
	q.listeners.add(fn)
}
