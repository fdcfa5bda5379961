package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	pkgEvents "github.com/scottgl07/marktoflow-sub001/pkg/events"
)

const (
	// historyLimit caps the buffered events per run
	historyLimit = 256

	// historyRetention keeps a finished run's events available to late
	// subscribers for a while before the buffer is dropped
	historyRetention = time.Minute
)

// streamHub receives every run's event stream from the manager and fans
// events out to WebSocket subscribers, keeping a bounded history per run
// so subscribers joining mid-run see what they missed. One hub observes
// all runs; a resumed run reuses its run id and so reaches the same
// subscribers.
type streamHub struct {
	mu      sync.Mutex
	history map[string][]pkgEvents.ExecutionEvent
	clients map[string]map[*websocket.Conn]bool
}

func newStreamHub() *streamHub {
	return &streamHub{
		history: make(map[string][]pkgEvents.ExecutionEvent),
		clients: make(map[string]map[*websocket.Conn]bool),
	}
}

// StartListening implements events.Listener. Each run's stream is pumped
// on its own goroutine until the manager closes the channel.
func (h *streamHub) StartListening(progressChan <-chan pkgEvents.ExecutionEvent) {
	go func() {
		for event := range progressChan {
			h.publish(event)
		}
	}()
}

// StopListening implements events.Listener
func (h *streamHub) StopListening() {}

// publish records the event and forwards it to the run's subscribers.
// The run's terminal event closes its subscriber connections and starts
// the history retention timer.
func (h *streamHub) publish(event pkgEvents.ExecutionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buffered := append(h.history[event.RunID], event)
	if len(buffered) > historyLimit {
		buffered = buffered[len(buffered)-historyLimit:]
	}
	h.history[event.RunID] = buffered

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("run_id", event.RunID).Msg("Failed to encode event")
		return
	}

	for conn := range h.clients[event.RunID] {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients[event.RunID], conn)
		}
	}

	if isTerminalEvent(event.Type) {
		for conn := range h.clients[event.RunID] {
			conn.Close()
		}
		delete(h.clients, event.RunID)

		runID := event.RunID
		time.AfterFunc(historyRetention, func() {
			h.mu.Lock()
			delete(h.history, runID)
			h.mu.Unlock()
		})
	}
}

// Subscribe replays the run's buffered events to the connection and
// registers it for everything that follows
func (h *streamHub) Subscribe(runID string, conn *websocket.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, event := range h.history[runID] {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}

	if h.clients[runID] == nil {
		h.clients[runID] = make(map[*websocket.Conn]bool)
	}
	h.clients[runID][conn] = true
	return nil
}

// Unsubscribe removes the connection from the run's subscriber set
func (h *streamHub) Unsubscribe(runID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[runID], conn)
}

// History returns a copy of the run's buffered events
func (h *streamHub) History(runID string) []pkgEvents.ExecutionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pkgEvents.ExecutionEvent{}, h.history[runID]...)
}

// isTerminalEvent reports whether the event ends the run's stream for
// good. Suspension is not terminal: the run can resume and its
// subscribers stay connected.
func isTerminalEvent(eventType pkgEvents.ExecutionEventType) bool {
	switch eventType {
	case pkgEvents.EventWorkflowCompleted, pkgEvents.EventWorkflowFailed, pkgEvents.EventWorkflowCancelled:
		return true
	}
	return false
}
