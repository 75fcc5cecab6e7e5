// Package sse implements a Server-Sent Events broker for note and lock-state updates.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeNoteCreated         = "note.created"
	TypeNoteUpdated         = "note.updated"
	TypeNoteDeleted         = "note.deleted"
	TypeNotebookCreated     = "notebook.created"
	TypeNotebookDeleted     = "notebook.deleted"
	TypeNotebookUpdated     = "notebook.updated"
	TypeNotebookProtected   = "notebook.protected"
	TypeNotebookUnprotected = "notebook.unprotected"
	TypeLockState           = "lock.state"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NoteRef identifies a note in event payloads.
type NoteRef struct {
	Notebook string `json:"notebook"`
	ID       string `json:"id"`
}

// NotebookRef identifies a notebook in event payloads.
type NotebookRef struct {
	Notebook string `json:"notebook"`
}

// LockChange is the payload of a lock.state event.
type LockChange struct {
	Notebook string `json:"notebook,omitempty"`
	Kind     string `json:"kind"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type noteEventReq struct {
	kind string
	ref  NoteRef
}

var noteTypes = map[string]string{
	"created": TypeNoteCreated,
	"updated": TypeNoteUpdated,
	"deleted": TypeNoteDeleted,
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat sets the interval of keep-alive comments sent to idle clients.
// Zero disables them.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) { b.heartbeat = d }
}

// Broker manages SSE client connections and broadcasts events.
//
// A single event loop goroutine owns the clients, the per-notebook throttle
// timestamps and the event sequence. Public methods talk to it over channels.
type Broker struct {
	notebookMin time.Duration
	heartbeat   time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	noteEventCh   chan noteEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker. notebook.updated events are sent at most
// once per throttle interval per notebook.
func NewBroker(throttle time.Duration, opts ...Option) *Broker {
	if throttle <= 0 {
		throttle = 2 * time.Second
	}

	b := &Broker{
		notebookMin:   throttle,
		heartbeat:     25 * time.Second,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		noteEventCh:   make(chan noteEventReq, 256),
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

// frame renders one SSE message.
func frame(seq uint64, event Event) ([]byte, error) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload), nil
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	lastNotebook := make(map[string]time.Time)
	var seq uint64

	broadcast := func(event Event) {
		seq++
		raw, err := frame(seq, event)
		if err != nil {
			return
		}
		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Slow client; drop rather than block the loop.
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

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			if ref, ok := event.Data.(NotebookRef); ok && event.Type == TypeNotebookDeleted {
				delete(lastNotebook, ref.Notebook)
			}
			broadcast(event)

		case req := <-b.noteEventCh:
			typ, ok := noteTypes[req.kind]
			if !ok {
				continue
			}
			broadcast(Event{Type: typ, Data: req.ref})

			now := time.Now()
			if now.Sub(lastNotebook[req.ref.Notebook]) >= b.notebookMin {
				lastNotebook[req.ref.Notebook] = now
				broadcast(Event{Type: TypeNotebookUpdated, Data: NotebookRef{Notebook: req.ref.Notebook}})
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

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
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

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishNoteEvent publishes a note change ("created", "updated" or "deleted")
// and a throttled notebook.updated event for its notebook.
func (b *Broker) PublishNoteEvent(kind, nb, id string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.noteEventCh <- noteEventReq{kind: kind, ref: NoteRef{Notebook: nb, ID: id}}:
	case <-b.stopped:
	}
}

// PublishNotebookEvent publishes a notebook-level event of the given type.
func (b *Broker) PublishNotebookEvent(typ, nb string) {
	b.Publish(Event{Type: typ, Data: NotebookRef{Notebook: nb}})
}

// PublishLockChange publishes a lock.state event. Payloads never carry note content.
func (b *Broker) PublishLockChange(c LockChange) {
	b.Publish(Event{Type: TypeLockState, Data: c})
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
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
