// Package stream fans job events out to Server-Sent Events clients.
package stream

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxClients caps concurrent SSE connections.
	MaxClients = 256
	// ClientBuffer is the per-client message queue length.
	ClientBuffer = 256
	// KeepAliveInterval is how often an idle stream gets a comment line.
	KeepAliveInterval = 30 * time.Second
	// HubBuffer is the broadcast queue length.
	HubBuffer = 1024
)

// Message is one SSE event. Type becomes the event name.
type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// Stats are the hub counters reported by /health.
type Stats struct {
	Clients  int64 `json:"clients"`
	Sent     int64 `json:"sent"`
	Dropped  int64 `json:"dropped"`
	Rejected int64 `json:"rejected"`
}

// Subscriber is a connected client. Topics are event-name prefixes; an empty
// list receives everything.
type Subscriber struct {
	ID     string
	C      chan Message
	Topics []string
	Remote string
	Since  time.Time
}

// Wants reports whether msg matches one of the subscriber's topics.
func (s *Subscriber) Wants(msg Message) bool {
	if len(s.Topics) == 0 {
		return true
	}
	for _, t := range s.Topics {
		if strings.HasPrefix(msg.Type, t) {
			return true
		}
	}
	return false
}

// Hub owns the subscriber set and the dispatch loop.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]*Subscriber
	in       chan Message
	done     chan struct{}
	stopOnce sync.Once

	sent     atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
}

// NewHub starts a hub's dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		subs: make(map[string]*Subscriber),
		in:   make(chan Message, HubBuffer),
		done: make(chan struct{}),
	}
	go h.run()
	return h
}

// Default is the hub the job queue publishes to.
var Default = NewHub()

// Broadcast publishes msg on the default hub.
func Broadcast(msg Message) { Default.Broadcast(msg) }

// Subscribe registers a client. It returns nil when the hub is full.
func (h *Hub) Subscribe(remote string, topics []string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) >= MaxClients {
		h.rejected.Add(1)
		log.Printf("SSE client limit reached (%d), rejecting %s", MaxClients, remote)
		return nil
	}
	s := &Subscriber{
		ID:     uuid.NewString(),
		C:      make(chan Message, ClientBuffer),
		Topics: topics,
		Remote: remote,
		Since:  time.Now(),
	}
	h.subs[s.ID] = s
	return s
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; !ok {
		return
	}
	delete(h.subs, s.ID)
	close(s.C)
}

// Broadcast enqueues msg without blocking; it is dropped when the hub is
// backed up.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.in <- msg:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) run() {
	for {
		select {
		case msg := <-h.in:
			h.mu.RLock()
			for _, s := range h.subs {
				if !s.Wants(msg) {
					continue
				}
				select {
				case s.C <- msg:
					h.sent.Add(1)
				default:
					h.dropped.Add(1)
				}
			}
			h.mu.RUnlock()
		case <-h.done:
			return
		}
	}
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		Clients:  int64(n),
		Sent:     h.sent.Load(),
		Dropped:  h.dropped.Load(),
		Rejected: h.rejected.Load(),
	}
}

// Close stops dispatch and disconnects every client.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, s := range h.subs {
			delete(h.subs, id)
			close(s.C)
		}
		h.mu.Unlock()
	})
}

// Handler serves the hub as an SSE endpoint. Repeated ?topic= parameters
// narrow the stream, e.g. ?topic=stdout-<job id>.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		sub := h.Subscribe(r.RemoteAddr, r.URL.Query()["topic"])
		if sub == nil {
			http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
			return
		}
		defer h.Unsubscribe(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Del("Content-Encoding")

		if _, err := io.WriteString(w, formatSSE(Message{Type: "connected", Msg: sub.ID})); err != nil {
			return
		}
		flusher.Flush()

		keepAlive := time.NewTicker(KeepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				if _, err := io.WriteString(w, formatSSE(msg)); err != nil {
					return
				}
				flusher.Flush()
			case <-keepAlive.C:
				if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func formatSSE(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}
