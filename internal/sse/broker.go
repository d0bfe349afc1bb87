// Package sse implements a Server-Sent Events broker for entity and sync
// notifications.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/recordsync/internal/models"
)

// Event types.
const (
	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"
	EventStoreUpdated  = "store.updated"
	EventSyncPushed    = "sync.pushed"
	EventSyncPulled    = "sync.pulled"
	EventSyncFailed    = "sync.failed"
)

var entityEvents = map[string]string{
	"created": EventEntityCreated,
	"updated": EventEntityUpdated,
	"deleted": EventEntityDeleted,
}

const clientBuffer = 64

// Event represents an SSE event to broadcast. Scope is the entity type the
// event concerns; an empty scope reaches every client.
type Event struct {
	Type  string `json:"type"`
	Scope string `json:"-"`
	Data  any    `json:"data"`
}

type subscription struct {
	ch    chan []byte
	types map[string]struct{}
}

func (s subscription) wants(scope string) bool {
	if scope == "" || len(s.types) == 0 {
		return true
	}
	_, ok := s.types[scope]
	return ok
}

type publishReq struct {
	event Event
	// touchStore asks for a throttled store.updated after the event.
	touchStore bool
}

// Broker manages SSE client connections and broadcasts events.
//
// A single event loop owns the client set, the event sequence and the
// store.updated throttle; public methods talk to it over channels.
type Broker struct {
	storeMin  time.Duration
	heartbeat time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan publishReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat sets how often idle streams get a keep-alive comment.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

// NewBroker creates a new SSE broker. store.updated is sent at most once per
// storeThrottle.
func NewBroker(storeThrottle time.Duration, opts ...Option) *Broker {
	if storeThrottle <= 0 {
		storeThrottle = 2 * time.Second
	}

	b := &Broker{
		storeMin:      storeThrottle,
		heartbeat:     15 * time.Second,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan publishReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]subscription)
	var (
		seq       uint64
		lastStore time.Time
	)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		msg := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))
		for ch, sub := range clients {
			if !sub.wants(event.Scope) {
				continue
			}
			select {
			case ch <- msg:
			default:
				// Slow client: drop rather than stall the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case req := <-b.publishCh:
			broadcast(req.event)
			if req.touchStore {
				if now := time.Now(); now.Sub(lastStore) >= b.storeMin {
					lastStore = now
					broadcast(Event{Type: EventStoreUpdated, Data: map[string]string{}})
				}
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

// Subscribe adds a new client and returns its channel. With types given, the
// client only receives entity and sync events of those entity types.
func (b *Broker) Subscribe(types ...string) chan []byte {
	sub := subscription{ch: make(chan []byte, clientBuffer)}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	if b.closed.Load() {
		close(sub.ch)
		return sub.ch
	}

	select {
	case b.subscribeCh <- sub:
	case <-b.stopped:
		close(sub.ch)
	}
	return sub.ch
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

func (b *Broker) send(req publishReq) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- req:
	case <-b.stopped:
	}
}

// Publish sends an event to all interested clients.
func (b *Broker) Publish(event Event) {
	b.send(publishReq{event: event})
}

// PublishEntityEvent publishes an entity change ("created", "updated" or
// "deleted") and a throttled store.updated event.
func (b *Broker) PublishEntityEvent(kind, typ string, id int64) {
	name, ok := entityEvents[kind]
	if !ok {
		return
	}
	b.send(publishReq{
		event:      Event{Type: name, Scope: typ, Data: map[string]any{"type": typ, "id": id}},
		touchStore: true,
	})
}

// PublishSync publishes the outcome of a push or pull. A pull that applied
// records also counts as a store change.
func (b *Broker) PublishSync(res models.SyncResult) {
	typ := EventSyncPulled
	switch {
	case res.Error != "":
		typ = EventSyncFailed
	case res.Direction == "push":
		typ = EventSyncPushed
	}
	b.send(publishReq{
		event:      Event{Type: typ, Scope: res.Type, Data: res},
		touchStore: typ == EventSyncPulled && res.Confirmed > 0,
	})
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). The optional
// types query parameter is a comma-separated list of entity types.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(types...)
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.heartbeat)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
