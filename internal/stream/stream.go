// Package stream turns one subscriber's event sequence into a framed
// Server-Sent Events response: retry directive, keep-alive comments,
// and data frames with per-session monotonically increasing ids.
package stream

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/grouprelay/relay-server/internal/registry"
)

var log = logging.Logger("relay-stream")

// Default protocol timings.
const (
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultRetryDelay        = 2 * time.Second
)

// Relay is the subscription surface a session drives. Satisfied by
// relay.Service.
type Relay interface {
	Subscribe(group string) *registry.Subscription
	Unsubscribe(group string, id uint64)
}

// Options configure session timing.
type Options struct {
	// KeepAliveInterval is how often a comment-only frame is written
	// when no event flows, defeating intermediary idle timeouts.
	KeepAliveInterval time.Duration

	// RetryDelay is the client reconnect delay announced in the
	// stream-open retry directive.
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Handler serves streaming sessions on top of a relay.
type Handler struct {
	relay Relay
	opts  Options
}

// NewHandler creates a session handler.
func NewHandler(relay Relay, opts Options) *Handler {
	return &Handler{relay: relay, opts: opts.withDefaults()}
}

// keepaliveFrame is a comment line with no semantic content; any SSE
// line beginning with a colon is ignored by well-behaved clients.
var keepaliveFrame = []byte(":keepalive\n")

// dataFrame formats one SSE event frame. The id is per-session,
// starting at 1 and strictly increasing, so a client library can report
// its last-seen id on reconnect.
func dataFrame(id uint64, kind string, data []byte) []byte {
	b := make([]byte, 0, 4+20+7+len(kind)+6+len(data)+3)
	b = append(b, "id: "...)
	b = strconv.AppendUint(b, id, 10)
	b = append(b, '\n')
	if kind != "" {
		b = append(b, "event: "...)
		b = append(b, kind...)
		b = append(b, '\n')
	}
	b = append(b, "data: "...)
	b = append(b, data...)
	b = append(b, '\n', '\n')
	return b
}

// Serve runs one streaming session for group until the client
// disconnects, a write fails, or the subscriber is released.
//
// kind, when non-empty, filters the stream: events with a different
// kind are skipped silently without consuming an event id.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, group, kind string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The preamble goes out before any data so a reconnecting client
	// always learns the retry delay, even if no event ever flows.
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.opts.RetryDelay.Milliseconds()); err != nil {
		return
	}
	flusher.Flush()

	sub := h.relay.Subscribe(group)
	// Cleanup is unconditional: whichever way the loop below exits,
	// the subscriber must not be leaked.
	defer h.relay.Unsubscribe(group, sub.ID)

	log.Debugf("session open group=%s id=%d remote=%s", group, sub.ID, r.RemoteAddr)
	defer log.Debugf("session closed group=%s id=%d", group, sub.ID)

	keepalive := time.NewTicker(h.opts.KeepAliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	var eventID uint64

	for {
		select {
		case <-ctx.Done():
			return

		case <-keepalive.C:
			if _, err := w.Write(keepaliveFrame); err != nil {
				log.Debugf("keep-alive write failed, closing session: %v", err)
				return
			}
			flusher.Flush()

		case ev, open := <-sub.Events():
			if !open {
				// Subscriber released out from under us (shutdown).
				return
			}
			if kind != "" && ev.Kind != kind {
				continue
			}
			eventID++
			if _, err := w.Write(dataFrame(eventID, ev.Kind, ev.Data)); err != nil {
				log.Debugf("event write failed, closing session: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
