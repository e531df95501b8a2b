// Package events fans out upload notifications to event stream subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/pkg/protocol"
)

// EventUpload is published once an uploaded file has been renamed into place.
const EventUpload = "upload"

// subscriberBuffer bounds how far a slow subscriber may lag before events are dropped.
const subscriberBuffer = 64

// Feed manages event stream subscribers.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[chan protocol.SSEEvent]struct{}
	closed      bool
	heartbeat   time.Duration
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		subscribers: make(map[chan protocol.SSEEvent]struct{}),
		heartbeat:   30 * time.Second,
	}
}

// Subscribe registers a subscriber. The caller must Unsubscribe when done.
func (f *Feed) Subscribe() chan protocol.SSEEvent {
	ch := make(chan protocol.SSEEvent, subscriberBuffer)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	f.subscribers[ch] = struct{}{}
	n := len(f.subscribers)
	f.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (f *Feed) Unsubscribe(ch chan protocol.SSEEvent) {
	f.mu.Lock()
	if _, ok := f.subscribers[ch]; ok {
		delete(f.subscribers, ch)
		close(ch)
	}
	n := len(f.subscribers)
	f.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish delivers ev to every subscriber without blocking.
func (f *Feed) Publish(ev protocol.SSEEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subscribers {
		select {
		case ch <- ev:
		default:
			// slow consumer
		}
	}
}

// Close ends every stream. Later subscribers receive an already closed channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, ch)
	}
	metrics.SetSSEConnectionsActive(0)
}

// Count returns the number of subscribers.
func (f *Feed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// ServeHTTP streams events as text/event-stream until the client goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := f.Subscribe()
	defer f.Unsubscribe(ch)

	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
