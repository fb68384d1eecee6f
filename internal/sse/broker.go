// Package sse implements a Server-Sent Events broker for real-time updates.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/guardian/internal/auth"
	"github.com/starford/guardian/internal/metrics"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// envelope addresses an event to one user, or to everyone when userID is
// empty.
type envelope struct {
	userID string
	event  Event
}

type nodeEventReq struct {
	kind   string
	userID string
	nodeID string
}

type subscription struct {
	ch     chan []byte
	userID string
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients + per-user graph throttle timestamps). Public methods communicate
// with this loop through channels, so no mutexes are required.
type Broker struct {
	graphMin time.Duration
	metrics  *metrics.Metrics

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan envelope
	nodeEventCh   chan nodeEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker with the given graph throttle interval.
// m may be nil.
func NewBroker(graphThrottle time.Duration, m *metrics.Metrics) *Broker {
	if graphThrottle <= 0 {
		graphThrottle = 2 * time.Second
	}

	b := &Broker{
		graphMin:      graphThrottle,
		metrics:       m,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan envelope, 256),
		nodeEventCh:   make(chan nodeEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]string)
	lastGraph := make(map[string]time.Time)

	send := func(userID string, event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))

		for ch, owner := range clients {
			if userID != "" && owner != userID {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			b.metrics.ClientConnected(-len(clients))
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.userID
			b.metrics.ClientConnected(1)

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
				b.metrics.ClientConnected(-1)
			}

		case env := <-b.publishCh:
			send(env.userID, env.event)

		case req := <-b.nodeEventCh:
			send(req.userID, Event{Type: "node." + req.kind, Data: map[string]string{"id": req.nodeID}})

			now := time.Now()
			if now.Sub(lastGraph[req.userID]) >= b.graphMin {
				lastGraph[req.userID] = now
				send(req.userID, Event{Type: "graph.updated", Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client listening for userID's events and returns its
// channel. An empty userID receives only broadcasts addressed to everyone.
func (b *Broker) Subscribe(userID string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{ch: ch, userID: userID}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

func (b *Broker) enqueue(env envelope) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- env:
	case <-b.stopped:
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	b.enqueue(envelope{event: event})
}

// PublishUserEvent sends an event to the clients of one user.
func (b *Broker) PublishUserEvent(userID, eventType string, data any) {
	b.enqueue(envelope{userID: userID, event: Event{Type: eventType, Data: data}})
}

// PublishNodeEvent publishes a timeline node change to its owner, followed
// by a graph.updated event throttled per user.
func (b *Broker) PublishNodeEvent(kind, userID, nodeID string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.nodeEventCh <- nodeEventReq{kind: kind, userID: userID, nodeID: nodeID}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). The stream
// carries the events of the authenticated user.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(auth.UserID(r.Context()))
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
