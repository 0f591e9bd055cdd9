package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-apply-gateway/internal/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/service/sse"
)

// StreamApplication handles GET /v1/applications/{id}/stream.
//
// Events go out as `data: {json}\n\n` frames with periodic comment heartbeats
// to keep intermediaries from closing an idle connection. The stream ends on
// a terminal event, client disconnect, the absolute timeout, or shutdown.
func (s *Server) StreamApplication(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.Views.GetJob(r.Context(), OwnerFromContext(r.Context()), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("streaming unsupported: %w", domain.ErrInternal))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// A job that already finished gets its terminal event replayed once; no
	// bus subscription is opened for it.
	if job.Status.IsTerminal() {
		w.WriteHeader(http.StatusOK)
		writeSSEEvent(w, flusher, domain.StatusEvent{
			Status:    string(job.Status),
			Message:   job.FailureReason,
			Timestamp: time.Now().UTC(),
		})
		return
	}

	sub, err := s.Streams.Subscribe(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lg := obsctx.LoggerFromContext(r.Context()).With(slog.String("job_id", jobID))
	lg.Info("sse stream opened")

	heartbeat := time.NewTicker(s.Cfg.SSEHeartbeatInterval)
	defer heartbeat.Stop()
	deadline := time.NewTimer(s.Cfg.SSEStreamTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				// Manager closed us: terminal delivered, lag disconnect, or
				// shutdown. The close metric was recorded there.
				lg.Info("sse stream closed by manager")
				return
			}
			writeSSEEvent(w, flusher, ev)
			if ev.IsTerminal() {
				// Channel close follows; drain is unnecessary.
				lg.Info("sse stream finished", slog.String("status", ev.Status))
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				s.Streams.Unsubscribe(sub, sse.CloseDisconnect)
				return
			}
			flusher.Flush()
		case <-deadline.C:
			writeSSEEvent(w, flusher, domain.StatusEvent{
				Status:    domain.EventTimeout,
				Message:   "stream timeout exceeded",
				Timestamp: time.Now().UTC(),
			})
			s.Streams.Unsubscribe(sub, sse.CloseTimeout)
			lg.Info("sse stream timed out")
			return
		case <-r.Context().Done():
			s.Streams.Unsubscribe(sub, sse.CloseDisconnect)
			lg.Info("sse client disconnected")
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("sse event marshal failed", slog.Any("error", err))
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return
	}
	flusher.Flush()
}
