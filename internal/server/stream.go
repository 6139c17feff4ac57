package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/events"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 90 * time.Second
	writeWait    = 10 * time.Second
)

// handleEventStream upgrades to a websocket and forwards bus events.
// Optional ?topics=deployment.status,iteration.state filters the stream;
// without it, every topic is forwarded.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Authenticate before upgrading, so rejects are plain HTTP.
	if s.tokens != nil {
		token := extractBearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" || !s.tokens.Validate(token) {
			writeJSONError(w, http.StatusForbidden, "invalid_token", "invalid credentials")
			return
		}
	}

	var topics []events.Topic
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, events.Topic(t))
			}
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	subID := "ws-" + uuid.NewString()
	ch := s.bus.Subscribe(subID, topics...)
	defer s.bus.Unsubscribe(subID)
	defer conn.Close()

	s.logger.Debug("event stream opened",
		zap.String("subscriber", subID),
		zap.Int("topics", len(topics)))

	// Reader exists only to process pongs and detect the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
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

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, evt.JSON()); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
