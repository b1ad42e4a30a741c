package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventsWriteWait    = 10 * time.Second
	eventsPongWait     = 60 * time.Second
	eventsPingInterval = 30 * time.Second
)

// handleEvents streams bus events over a websocket until either side hangs
// up. ?type=a,b restricts the stream to the listed event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	// Subscribe before the handshake completes so the client sees every
	// event published after its dial returns.
	sub := s.deps.Bus.Subscribe(types...)
	defer s.deps.Bus.Unsubscribe(sub)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("events websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	logger := s.logger
	if id := getIdentityFromContext(r.Context()); id != nil {
		logger = logger.With("subject", id.Subject)
	}
	logger.Debug("event stream opened", "types", types)

	// The read side only handles control frames; it ends when the peer goes away.
	gone := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(eventsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(eventsWriteWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		case <-gone:
			logger.Debug("event stream closed by peer")
			return
		case <-r.Context().Done():
			return
		}
	}
}
