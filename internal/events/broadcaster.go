// Package events provides an SSE event broadcaster for tree changes.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/estrada-diego/myCloud/internal/metrics"
	"github.com/estrada-diego/myCloud/pkg/models"
	"github.com/estrada-diego/myCloud/pkg/protocol"
)

const (
	EventFileCreated    = "file_created"
	EventFolderCreated  = "folder_created"
	EventSubtreeDeleted = "subtree_deleted"
)

// Event represents a tree change event.
type Event = protocol.SSEEvent

// NodeCreated builds the event for a new file or folder.
func NodeCreated(n *models.Node) Event {
	typ := EventFileCreated
	if n.IsDir() {
		typ = EventFolderCreated
	}
	return Event{
		Type:     typ,
		NodeID:   n.ID,
		ParentID: n.ParentID,
		Name:     n.Name,
		Kind:     string(n.Kind),
		Size:     n.Size,
	}
}

// SubtreeDeleted builds the event for a deletion rooted at n.
func SubtreeDeleted(n *models.Node, bytesFreed int64) Event {
	return Event{
		Type:     EventSubtreeDeleted,
		NodeID:   n.ID,
		ParentID: n.ParentID,
		Name:     n.Name,
		Kind:     string(n.Kind),
		Size:     bytesFreed,
	}
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
