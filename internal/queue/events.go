package queue

import (
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber backlog before old events are shed.
const subscriberBuffer = 16

// Event is one job lifecycle notification as sent over SSE and websocket.
type Event struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress,omitempty"`
	Stage    Stage     `json:"stage,omitempty"`
	Message  string    `json:"message,omitempty"`
	// HTTPStatus is the navigation's response status once the job succeeded.
	HTTPStatus int    `json:"http_status,omitempty"`
	Error      string `json:"error,omitempty"`
	Time       int64  `json:"time"`
}

// NewEvent snapshots job. An empty message falls back to the job's own.
func NewEvent(job *Job, message string) Event {
	if message == "" {
		message = job.Message
	}
	ev := Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  message,
		Error:    job.Error,
		Stage:    job.Stage(),
		Time:     time.Now().Unix(),
	}
	if job.Result != nil {
		ev.HTTPStatus = job.Result.Response.Status
	}
	return ev
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// EventHub fans job events out to per-job subscribers. A slow subscriber
// loses its oldest backlog, never the newest event.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[string][]chan Event
	closed      bool
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel of the job's future events. After Close the
// channel is already closed.
func (h *EventHub) Subscribe(jobID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[jobID] = append(h.subscribers[jobID], ch)
	return ch
}

// Unsubscribe closes ch and forgets it.
func (h *EventHub) Unsubscribe(jobID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(h.subscribers[jobID]) == 0 {
		delete(h.subscribers, jobID)
	}
}

// Subscribers returns how many channels listen to jobID.
func (h *EventHub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[jobID])
}

// Emit delivers event to every subscriber of jobID without blocking.
func (h *EventHub) Emit(jobID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subscribers[jobID] {
		for {
			select {
			case ch <- event:
			default:
				// Full: shed the oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes every subscription. Later Subscribe calls get closed channels.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for jobID, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, jobID)
	}
}
