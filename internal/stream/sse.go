package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/review-bridge/internal/progress"
)

// SSEHandler streams a session's events as text/event-stream. The first event
// is a snapshot; the stream ends after a terminal event.
type SSEHandler struct {
	src  Source
	opts Options
}

// NewSSEHandler creates an SSE handler.
func NewSSEHandler(src Source, opts Options) *SSEHandler {
	return &SSEHandler{src: src, opts: opts.withDefaults()}
}

// Register mounts the handler at /{id}/events on r.
func (h *SSEHandler) Register(r chi.Router) {
	r.Get("/{id}/events", h.ServeHTTP)
}

// ServeHTTP handles GET .../{id}/events.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := h.opts.Logger.With("session_id", id)

	sub, snap, err := h.src.Subscribe(r.Context(), id)
	if err != nil {
		writeSubscribeError(w, err, logger)
		return
	}
	defer h.src.Unsubscribe(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.opts.RetryDelay.Milliseconds())); err != nil {
		logger.Warn("failed to write SSE retry header", "error", err)
		return
	}
	snapEv := snapshotEvent(snap)
	if err := writeEvent(w, "snapshot", snapEv); err != nil {
		logger.Warn("failed to write SSE snapshot", "error", err)
		return
	}
	flusher.Flush()
	if snapEv.Terminal() {
		return
	}
	logger.Info("SSE stream connected", "state", snap.State)

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	last := snap.Progress
	for {
		select {
		case <-r.Context().Done():
			logger.Info("SSE stream disconnected")
			return
		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, "event: ping\ndata: {\"status\":\"alive\"}\n\n"); err != nil {
				logger.Warn("failed to write SSE keepalive ping", "error", err)
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if stale(ev, last) {
				continue
			}
			last = ev.Progress
			if err := writeEvent(w, "progress", ev); err != nil {
				logger.Warn("failed to write SSE event", "error", err, "seq", ev.Seq)
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				logger.Info("SSE stream finished", "state", ev.State)
				return
			}
		}
	}
}

func writeEvent(w io.Writer, name string, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, name, data)
	return err
}
