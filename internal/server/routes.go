package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"blockrelay-server/internal/oauth"
	"blockrelay-server/internal/protocol"
)

const (
	maxFrameBytes       = 64 << 10
	defaultMatchesLimit = 20
	maxMatchesLimit     = 100
)

func (s *Server) RegisterRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	r.Get("/health", s.healthHandler)
	r.Get(s.cfg.WSPath, s.websocketHandler)
	r.Post("/api/token", oauth.Handler(s.exchanger, s.logger))
	r.Get("/api/rooms", s.roomsHandler)
	r.Get("/api/rooms/{roomID}/matches", s.matchesHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

type healthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.hub.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, s.logger, http.StatusServiceUnavailable, healthResponse{Status: "shutting down"})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, healthResponse{
		Status:      "ok",
		Rooms:       len(rooms),
		Connections: s.connections.Count(),
	})
}

func (s *Server) roomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.hub.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, rooms)
}

func (s *Server) matchesHandler(w http.ResponseWriter, r *http.Request) {
	if s.matches == nil {
		http.Error(w, ErrNoMatchStore.Error(), http.StatusServiceUnavailable)
		return
	}

	roomID := chi.URLParam(r, "roomID")
	if err := ValidateRoomID(roomID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := defaultMatchesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMatchesLimit {
			http.Error(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	matches, err := s.matches.RecentMatches(r.Context(), roomID, limit)
	if err != nil {
		s.logger.Error("failed to load matches", zap.String("room_id", roomID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, matches)
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	socket.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connectionID := uuid.New().String()
	logger := s.logger.With(zap.String("connection_id", connectionID))

	client := NewClient(connectionID, socket, s.cfg.OutboxSize)
	s.connections.AddConnection(client)
	s.health.UpdateActivity(connectionID)
	s.metrics.connectionsActive.Inc()
	logger.Info("new connection", zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		s.connections.RemoveConnection(connectionID)
		s.rateLimiter.RemoveConnection(connectionID)
		s.health.RemoveConnection(connectionID)
		s.metrics.connectionsActive.Dec()
		client.Close(websocket.StatusNormalClosure, "")
		s.hub.Disconnect(connectionID)
		logger.Info("connection closed")
	}()

	go client.writePump(ctx, logger, s.metrics.framesSent.Inc)
	go client.pingLoop(ctx, s.cfg.PingInterval, func() { s.health.UpdateActivity(connectionID) })

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Debug("peer closed connection", zap.Int("status", int(status)))
			} else if !errors.Is(err, context.Canceled) {
				logger.Debug("read error", zap.Error(err))
			}
			return
		}
		s.health.UpdateActivity(connectionID)

		if msgType != websocket.MessageText {
			logger.Debug("dropping non-text frame")
			continue
		}

		if !s.rateLimiter.Allow(connectionID) {
			s.rejectRaw(client, logger, ErrRateLimited)
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.rejectRaw(client, logger, err)
			continue
		}

		logger.Debug("message received", zap.Stringer("type", env.Type))
		if err := s.hub.HandleFrame(ctx, connectionID, env); err != nil {
			logger.Debug("hub unavailable", zap.Error(err))
			return
		}
	}
}

// rejectRaw answers a frame that never reached the hub.
func (s *Server) rejectRaw(client *Client, logger *zap.Logger, err error) {
	code := protocol.CodeOf(err)
	s.metrics.protocolErrors.WithLabelValues(code).Inc()
	logger.Info("frame rejected", zap.String("code", code), zap.Error(err))
	if s.cfg.LegacyClients {
		return
	}

	data, encErr := protocol.Encode(protocol.ErrorMessage(err, nil))
	if encErr != nil {
		return
	}
	if sendErr := client.Send(data); sendErr != nil {
		s.metrics.deliveryErrors.WithLabelValues(protocol.CodeOf(sendErr)).Inc()
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", zap.Error(err))
	}
}
