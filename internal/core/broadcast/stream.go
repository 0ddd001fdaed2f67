package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 25 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
)

// UserFunc extracts the authenticated user of a request.
type UserFunc func(r *http.Request) (string, bool)

// SSEHandler streams the caller's wallet events as server-sent events.
func SSEHandler(hub *Hub, user UserFunc, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := user(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		rc := http.NewResponseController(w)
		// the server write timeout would cut the stream otherwise
		if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			log.Warn("Clearing write deadline failed", logger.ErrorField("error", err))
		}

		sub, err := hub.Subscribe(userID)
		if err != nil {
			http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
			return
		}
		defer hub.Unsubscribe(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			log.Warn("Streaming not supported", logger.ErrorField("error", err))
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writeSSE(w, event); err != nil {
					log.Debug("SSE client gone",
						logger.StringField("user_id", userID),
						logger.ErrorField("error", err))
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event models.WalletEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

// OriginChecker accepts requests without an Origin header (non-browser
// clients), same-origin requests and origins listed in allowed.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSuffix(strings.TrimSpace(o), "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// WebSocketHandler streams the caller's wallet events as JSON text frames.
// Inbound frames are read and discarded to keep control frames flowing.
// Browser connections are limited to allowedOrigins and the API's own origin.
func WebSocketHandler(hub *Hub, user UserFunc, allowedOrigins []string, log logger.Logger) http.HandlerFunc {
	checkOrigin := OriginChecker(allowedOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := user(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !checkOrigin(r) {
			log.Warn("WebSocket origin rejected",
				logger.StringField("origin", r.Header.Get("Origin")),
				logger.StringField("user_id", userID))
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		sub, err := hub.Subscribe(userID)
		if err != nil {
			http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
			return
		}
		defer hub.Unsubscribe(sub)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("WebSocket upgrade failed", logger.ErrorField("error", err))
			return
		}
		defer conn.Close()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(heartbeatInterval)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				log.Debug("WebSocket client disconnected", logger.StringField("user_id", userID))
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case event, ok := <-sub.C:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(writeWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(event); err != nil {
					log.Debug("WebSocket write failed",
						logger.StringField("user_id", userID),
						logger.ErrorField("error", err))
					return
				}
			}
		}
	}
}
