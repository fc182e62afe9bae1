// Package server provides the HTTP surface of the relay: streaming
// subscriptions, the publish endpoint, and diagnostics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/grouprelay/relay-server/internal/config"
	"github.com/grouprelay/relay-server/internal/envelope"
	"github.com/grouprelay/relay-server/internal/relay"
	"github.com/grouprelay/relay-server/internal/stream"
)

var log = logging.Logger("relay-server")

// writeJSON writes a JSON response, safely encoding values to prevent
// injection.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the client-facing HTTP server over one relay service.
type Server struct {
	relay   *relay.Service
	streams *stream.Handler
	mux     *http.ServeMux

	httpServer *http.Server
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates an HTTP server bound to the relay service.
func New(cfg *config.Config, svc *relay.Service) *Server {
	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Server{
		relay: svc,
		streams: stream.NewHandler(svc, stream.Options{
			KeepAliveInterval: cfg.Relay.KeepAlive(),
			RetryDelay:        cfg.Relay.Retry(),
		}),
		mux:        http.NewServeMux(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	s.mux.HandleFunc("/events/", s.handleEvents)
	s.mux.HandleFunc("/publish", s.handlePublish)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: s.mux,
		// Streaming responses live for hours; only the header read may
		// be bounded.
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}

	return s
}

// handleEvents opens a streaming session for the group named in the
// path: GET /events/{group}?kind={kind}.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	group := strings.TrimPrefix(r.URL.Path, "/events/")
	if group == "" || strings.Contains(group, "/") {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing or invalid group"})
		return
	}
	if group == envelope.Broadcast {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot subscribe to the broadcast sentinel"})
		return
	}

	kind := r.URL.Query().Get("kind")
	s.streams.Serve(w, r, group, kind)
}

// publishRequest is the body of POST /publish. Exactly one of Group,
// Groups, or Broadcast selects the addressing mode.
type publishRequest struct {
	Group     string          `json:"group,omitempty"`
	Groups    []string        `json:"groups,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}

	modes := 0
	if req.Group != "" {
		modes++
	}
	if len(req.Groups) > 0 {
		modes++
	}
	if req.Broadcast {
		modes++
	}
	if modes != 1 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "exactly one of group, groups, or broadcast is required"})
		return
	}
	if req.Group == envelope.Broadcast {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "use broadcast:true to address all groups"})
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("null")
	} else {
		// The payload bytes land on a single "data:" line downstream, so
		// whitespace inside them must never contain a blank line.
		var compact bytes.Buffer
		if err := json.Compact(&compact, req.Data); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid data: %v", err)})
			return
		}
		req.Data = compact.Bytes()
	}

	ev := envelope.Event{Kind: req.Kind, Data: req.Data}

	var err error
	switch {
	case req.Broadcast:
		err = s.relay.PublishToAll(r.Context(), ev)
	case len(req.Groups) > 0:
		err = s.relay.PublishToGroups(r.Context(), req.Groups, ev)
	default:
		err = s.relay.PublishToGroup(r.Context(), req.Group, ev)
	}
	if err != nil {
		log.Warnf("publish failed: %v", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.relay.GetDiagnostics())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks serving HTTP until Stop or a listener error.
func (s *Server) ListenAndServe() error {
	log.Infof("HTTP listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down. Streaming sessions are cancelled through
// the base context so their registry cleanup runs before the listener
// closes.
func (s *Server) Stop(ctx context.Context) error {
	s.baseCancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		// Long-lived streams may outlast the grace period.
		log.Warnf("graceful shutdown incomplete, closing: %v", err)
		return s.httpServer.Close()
	}
	return nil
}
