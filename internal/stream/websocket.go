package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/review-bridge/internal/progress"
)

const wsWriteTimeout = 10 * time.Second

// wsFrame is one text message on the socket: the event JSON plus its kind.
type wsFrame struct {
	Type string `json:"type"`
	progress.Event
}

// WebSocketHandler streams a session's events over a WebSocket. Frames carry
// the same event JSON as the SSE stream.
type WebSocketHandler struct {
	src      Source
	opts     Options
	patterns []string
}

// NewWebSocketHandler creates a WebSocket handler.
func NewWebSocketHandler(src Source, opts Options) *WebSocketHandler {
	opts = opts.withDefaults()
	return &WebSocketHandler{src: src, opts: opts, patterns: originPatterns(opts.AllowedOrigins)}
}

// ServeHTTP handles GET /ws/review/{id}.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := h.opts.Logger.With("session_id", id)

	sub, snap, err := h.src.Subscribe(r.Context(), id)
	if err != nil {
		writeSubscribeError(w, err, logger)
		return
	}
	defer h.src.Unsubscribe(sub)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.patterns,
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	closeStatus, closeReason := websocket.StatusNormalClosure, "review finished"
	defer func() {
		if closeErr := ws.Close(closeStatus, closeReason); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	// Client messages are not expected; CloseRead surfaces disconnects.
	ctx := ws.CloseRead(r.Context())

	snapEv := snapshotEvent(snap)
	if err := h.write(ctx, ws, "snapshot", snapEv); err != nil {
		logger.Debug("Failed to send snapshot", "error", err)
		return
	}
	if snapEv.Terminal() {
		return
	}
	logger.Info("WebSocket stream connected", "state", snap.State)

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	last := snap.Progress
	for {
		select {
		case <-ctx.Done():
			logger.Info("WebSocket stream disconnected")
			return
		case <-keepalive.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				logger.Debug("WebSocket ping failed", "error", err)
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				closeStatus, closeReason = websocket.StatusGoingAway, "stream closed"
				return
			}
			if stale(ev, last) {
				continue
			}
			last = ev.Progress
			if err := h.write(ctx, ws, "progress", ev); err != nil {
				logger.Debug("Failed to send event", "error", err, "seq", ev.Seq)
				return
			}
			if ev.Terminal() {
				logger.Info("WebSocket stream finished", "state", ev.State)
				return
			}
		}
	}
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, kind string, ev progress.Event) error {
	data, err := json.Marshal(wsFrame{Type: kind, Event: ev})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

// originPatterns turns configured origins into host patterns for Accept.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
