package filter

import (
	"container/heap"
	"sync"
	"time"
)

// Event is a time-stamped named command with parameters, consumed by a
// filter between frame iterations (spec.md §3 Event, §4.6). It mirrors the
// JSON-like {action, params} shape of the original design without
// depending on a JSON parsing library in the core substrate.
type Event struct {
	Action    string
	Params    map[string]any
	Timestamp time.Time
	Delay     time.Duration
}

// CanBeExecuted reports whether this event has reached its eligible-time:
// now − timestamp > delay.
func (e Event) CanBeExecuted(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.Delay
}

func (e Event) eligibleAt() time.Time {
	return e.Timestamp.Add(e.Delay)
}

// eventQueue is a min-heap of Events ordered by earliest-eligible-time
// (spec.md §4.6: "owns a min-priority queue of events keyed by
// earliest-eligible-time").
type eventQueue []Event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	return q[i].eligibleAt().Before(q[j].eligibleAt())
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(Event)) }
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// eventDispatcher guards a filter's event queue and handler table. Its
// mutex is held only briefly — push, pop, and lookup — never across a
// handler invocation or doProcessFrame (spec.md §4.6, §5).
type eventDispatcher struct {
	mu       sync.Mutex
	queue    eventQueue
	handlers map[string]func(Event) bool
}

func newEventDispatcher() *eventDispatcher {
	d := &eventDispatcher{handlers: make(map[string]func(Event) bool)}
	heap.Init(&d.queue)
	return d
}

// PushEvent enqueues an event. Callable from any thread.
func (d *eventDispatcher) PushEvent(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	heap.Push(&d.queue, e)
}

// RegisterHandler binds action to a handler, overwriting any prior
// registration for the same action name.
func (d *eventDispatcher) RegisterHandler(action string, h func(Event) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// newEvent reports whether the queue is non-empty and its earliest-eligible
// event can execute at now.
func (d *eventDispatcher) newEvent(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) > 0 && d.queue[0].CanBeExecuted(now)
}

// popEligible pops and returns the earliest-eligible event plus its
// handler, if one is due at now. The handler itself is invoked by the
// caller outside the dispatcher's mutex.
func (d *eventDispatcher) popEligible(now time.Time) (Event, func(Event) bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 || !d.queue[0].CanBeExecuted(now) {
		return Event{}, nil, false
	}
	e := heap.Pop(&d.queue).(Event)
	h := d.handlers[e.Action]
	return e, h, true
}

// drainEvents runs every currently-eligible event's handler on the
// caller's goroutine (the filter's own processing thread), logging unknown
// actions and false handler returns without aborting (spec.md §4.6).
func (f *Filter) drainEvents(now time.Time) {
	for {
		e, h, ok := f.events.popEligible(now)
		if !ok {
			return
		}
		if h == nil {
			f.log.Warn("unknown event action", "action", e.Action)
			continue
		}
		if !h(e) {
			f.log.Warn("event handler returned false", "action", e.Action)
		}
	}
}
