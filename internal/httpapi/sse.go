package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/milla-ai/dispatch/internal/otel"
	"github.com/milla-ai/dispatch/pkg/models"
)

const sseKeepaliveInterval = 30 * time.Second

// SSESubscriber is one attached stream consumer. Read events from C; the
// channel is closed on Unsubscribe.
type SSESubscriber struct {
	C  chan []byte
	id int
}

// SSEHub fans task and outbox updates out to attached /stream consumers.
// A subscriber that cannot keep up has events dropped rather than letting
// one slow client stall the others.
type SSEHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*SSESubscriber
}

func NewSSEHub() *SSEHub {
	return &SSEHub{subs: make(map[int]*SSESubscriber)}
}

func (h *SSEHub) Subscribe() *SSESubscriber {
	h.mu.Lock()
	h.nextID++
	sub := &SSESubscriber{C: make(chan []byte, models.DefaultSSEChannelBuffer), id: h.nextID}
	h.subs[sub.id] = sub
	h.mu.Unlock()
	otel.AddSSEConnection()
	return sub
}

func (h *SSEHub) Unsubscribe(sub *SSESubscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.C)
		otel.RemoveSSEConnection()
	}
	h.mu.Unlock()
}

// Count returns the number of attached subscribers.
func (h *SSEHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// PublishJSON marshals v and offers it to every subscriber without blocking.
func (h *SSEHub) PublishJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	otel.RecordSSEEvent(context.Background())
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.C <- b:
		default:
			// Full buffer: the subscriber is behind, skip it for this event.
		}
	}
}

// Handler serves one SSE connection until the client goes away.
func (h *SSEHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub := h.Subscribe()
		defer h.Unsubscribe(sub)

		// Tell the client the stream is live before any real event arrives.
		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				_, _ = fmt.Fprintf(w, "data: %s\n\n", string(msg))
				flusher.Flush()
			}
		}
	}
}
