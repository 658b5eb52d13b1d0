package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mainloop-ai/mainloop/features/bus"
)

// sseHeartbeatInterval keeps idle SSE connections alive through proxies.
const sseHeartbeatInterval = 30 * time.Second

// streamUserEvents streams the user's inbox and task events as SSE.
func (s *Server) streamUserEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel := s.orch.Bus().SubscribeUser(r.Context(), chi.URLParam(r, "userID"))
	defer cancel()
	s.streamSSE(w, r, events)
}

// streamTaskEvents streams one task's events as SSE.
func (s *Server) streamTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel := s.orch.Bus().SubscribeTask(r.Context(), chi.URLParam(r, "taskID"))
	defer cancel()
	s.streamSSE(w, r, events)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan bus.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondErr(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, "event: %s\ndata: {}\n\n", bus.EventHeartbeat)
			flusher.Flush()
		case ev, open := <-events:
			if !open {
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
