package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/blekey-server/blekey-server/internal/models"
	"github.com/blekey-server/blekey-server/internal/server"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	// actionQueue bounds actions read ahead of the one running
	actionQueue = 16
)

// HandleWebSocket upgrades the request and runs a bridge until the
// client goes away
func (s *RESTServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	s.serveBridge(conn, operator(r))
}

func (s *RESTServer) serveBridge(conn *websocket.Conn, op string) {
	var writeMu sync.Mutex
	emit := func(msg models.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	bridge := server.NewBridge(s.bridgeCfg, emit)
	defer bridge.Close()

	logger := log.With().Str("bridge", bridge.ID()).Str("remote", conn.RemoteAddr().String()).Logger()
	if op != "" {
		logger = logger.With().Str("operator", op).Logger()
	}
	logger.Info().Msg("Bridge client connected")

	conn.SetReadLimit(maxMessageSize)

	if err := emit(models.NewStatus(false, false, "")); err != nil {
		logger.Debug().Err(err).Msg("Failed to send initial status")
		return
	}

	// ctx ends with the connection so a running action stops early
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	actions := make(chan []byte, actionQueue)
	go func() {
		defer close(actions)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("Bridge client read failed")
				}
				return
			}
			select {
			case actions <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for data := range actions {
		if ctx.Err() != nil {
			break
		}
		bridge.Handle(ctx, data)
	}

	logger.Info().Msg("Bridge client disconnected")
}
