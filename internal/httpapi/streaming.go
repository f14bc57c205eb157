package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/streaming"
)

// lastEventID parses the replay cursor from the Last-Event-ID header or
// the last_event_id query param (header wins).
func lastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// handleNDJSON streams events as newline-delimited JSON.
// GET /research/{id}/stream
func (s *Server) handleNDJSON(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	ch, ok := s.mgr.Subscribe(taskID, 256)
	if !ok {
		writeError(w, http.StatusNotFound, "validation_error", "unknown task")
		return
	}
	defer s.mgr.Unsubscribe(taskID, ch)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	// Replay backlog first so a reconnecting consumer sees a gapless,
	// strictly ordered sequence.
	for _, ev := range s.mgr.Streams().ReplaySince(taskID, lastEventID(r)) {
		w.Write(ev.Marshal())
		w.Write([]byte("\n"))
	}
	flusher.Flush()

	if task, ok := s.mgr.Get(taskID); ok && task.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			w.Write(ev.Marshal())
			w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

// handleSSE streams events via Server-Sent Events with id/event/data
// framing so browsers resume with Last-Event-ID automatically.
// GET /research/{id}/stream/sse
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	ch, ok := s.mgr.Subscribe(taskID, 256)
	if !ok {
		writeError(w, http.StatusNotFound, "validation_error", "unknown task")
		return
	}
	defer s.mgr.Unsubscribe(taskID, ch)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": connected to task %s\n\n", taskID)
	flusher.Flush()

	writeSSE := func(ev streaming.Event) {
		if ev.Seq > 0 {
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
		}
		if ev.Type != "" {
			fmt.Fprintf(w, "event: %s\n", ev.Type)
		}
		fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
	}

	since := lastEventID(r)
	terminal := false
	if task, ok := s.mgr.Get(taskID); ok && task.Terminal() {
		terminal = true
	}
	if since > 0 || terminal {
		for _, ev := range s.mgr.Streams().ReplaySince(taskID, since) {
			writeSSE(ev)
		}
		flusher.Flush()
	}
	if terminal {
		return
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", zap.String("task_id", taskID))
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(ev)
			flusher.Flush()
		case <-hb.C:
			// Keep connections alive through proxies.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
