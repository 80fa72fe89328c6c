/*
File: events.go
Version: 1.0.0
Description: Per-page event fan-out for badge updates. Subscribers receive events for the
             page ids they follow; a full subscriber buffer drops the event.
*/

package main

import (
	"encoding/json"
	"sync"
)

const (
	EventBadge   = "badge"
	EventFlagged = "flagged"
	EventReset   = "reset"

	subscriberBuffer = 64
)

type Event struct {
	Type string
	Data []byte
}

type BadgeUpdate struct {
	PageID string `json:"pageId"`
	Count  int    `json:"count"`
}

type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns the event channel and a cancel func that must be called on disconnect.
func (h *Hub) Subscribe(pageID string) (chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.subscribers[pageID] == nil {
		h.subscribers[pageID] = make(map[chan Event]struct{})
	}
	h.subscribers[pageID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers[pageID], ch)
			if len(h.subscribers[pageID]) == 0 {
				delete(h.subscribers, pageID)
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish never blocks. The read lock is held while sending so cancel cannot close a
// channel mid-send.
func (h *Hub) Publish(pageID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[pageID] {
		select {
		case ch <- ev:
		default:
			LogWarn("[EVENTS] Dropped %s event for slow subscriber on page %s", ev.Type, pageID)
		}
	}
}

func (h *Hub) PublishJSON(pageID, typ string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		LogWarn("[EVENTS] Failed to encode %s event: %v", typ, err)
		return
	}
	h.Publish(pageID, Event{Type: typ, Data: data})
}

func (h *Hub) SubscriberCount(pageID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[pageID])
}
