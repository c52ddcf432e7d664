package narrative

// EventQueue holds the planned plot beats. It is filled once at planning and
// consumed front to back; Next only moves forward.
type EventQueue struct {
	Events []string `json:"events"`
	Next   int      `json:"next"`
}

// NewEventQueue copies events into a fresh queue.
func NewEventQueue(events []string) EventQueue {
	return EventQueue{Events: append([]string(nil), events...)}
}

// Len returns the number of unconsumed events.
func (q *EventQueue) Len() int {
	if q.Next >= len(q.Events) {
		return 0
	}
	return len(q.Events) - q.Next
}

// Empty reports whether every event has been consumed.
func (q *EventQueue) Empty() bool {
	return q.Len() == 0
}

// Pop removes and returns the front event.
func (q *EventQueue) Pop() (string, bool) {
	if q.Empty() {
		return "", false
	}
	e := q.Events[q.Next]
	q.Next++
	return e, true
}

// Remaining returns the unconsumed events in order.
func (q *EventQueue) Remaining() []string {
	if q.Empty() {
		return nil
	}
	return append([]string(nil), q.Events[q.Next:]...)
}
