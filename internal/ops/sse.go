package ops

import (
	"fmt"
	"net/http"
	"strings"
)

// handleEventStream serves the bus over Server-Sent Events. The types
// query parameter narrows the subscription to a comma-separated list of
// event types; absent, the stream carries everything.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event bus not running", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var eventTypes []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		eventTypes = strings.Split(raw, ",")
	}

	ch := s.bus.Subscribe(eventTypes...)
	defer s.bus.Unsubscribe(ch)

	fmt.Fprint(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			frame, err := event.SSEFormat()
			if err != nil {
				continue
			}
			w.Write(frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
