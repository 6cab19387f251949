// Package stream serves live review progress over Server-Sent Events and
// WebSocket.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
	"github.com/ashureev/review-bridge/internal/progress"
)

// Source subscribes to a session's events and returns its snapshot.
type Source interface {
	Subscribe(ctx context.Context, id string) (*progress.Subscription, *domain.Session, error)
	Unsubscribe(sub *progress.Subscription)
}

// Options tune both stream transports.
type Options struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	AllowedOrigins    []string
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 10 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// snapshotEvent renders the current session as an event. Seq 0 marks it as
// not coming from the live feed.
func snapshotEvent(s *domain.Session) progress.Event {
	ev := progress.Event{
		SessionID:    s.ID,
		State:        s.State,
		Progress:     s.Progress,
		Message:      "snapshot",
		Capabilities: s.Capabilities,
		Error:        s.Error,
		Timestamp:    s.UpdatedAt,
	}
	if s.State == domain.StateCompleted {
		ev.Report = s.Report
	}
	return ev
}

// stale reports whether ev was published before the snapshot was read. Only
// events that would move progress backwards are dropped.
func stale(ev progress.Event, last int) bool {
	return !ev.Terminal() && ev.Progress < last
}

func writeSubscribeError(w http.ResponseWriter, err error, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if errors.Is(err, domain.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
		return
	}
	logger.Error("Stream subscribe failed", "error", err)
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
}
