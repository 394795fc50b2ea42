package worker

import "sync"

// JobEvent announces a settled job transition: requeued for retry,
// reclaimed after a stall, completed, or permanently failed.
type JobEvent struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Err        string `json:"error,omitempty"`
}

// Events fans job transitions out to any number of subscribers. Publish
// never blocks: a subscriber that stops draining its channel loses events
// rather than stalling the workers.
type Events struct {
	mu     sync.Mutex
	subs   map[int]chan JobEvent
	nextID int
	closed bool
}

func NewEvents() *Events {
	return &Events{subs: make(map[int]chan JobEvent)}
}

// Subscribe returns a channel of future events and a cancel func that
// releases it. buffer bounds how far the subscriber may lag.
func (e *Events) Subscribe(buffer int) (<-chan JobEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan JobEvent, buffer)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with buffer room.
func (e *Events) Publish(ev JobEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close drops all subscribers and closes their channels. Publish after
// Close is a no-op.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
