package server

import (
	"fmt"

	"go.uber.org/zap"

	"blockrelay-server/internal/protocol"
)

// sendToUser queues env for one member of roomID.
func (h *Hub) sendToUser(roomID, userID string, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := h.deliver(roomID, userID, data); err != nil {
		h.deliveryFailed(roomID, userID, env.Type, err)
		return err
	}
	return nil
}

// sendToAllUsers queues env for every member of roomID.
func (h *Hub) sendToAllUsers(roomID string, env protocol.Envelope) {
	h.sendToAllUsersExcept(roomID, "", env)
}

// sendToAllUsersExcept queues env for every member of roomID other than
// excludedUserID. A failed recipient does not stop the others.
func (h *Hub) sendToAllUsersExcept(roomID, excludedUserID string, env protocol.Envelope) {
	room, err := h.registry.Room(roomID)
	if err != nil {
		h.logger.Warn("broadcast to missing room", zap.String("room_id", roomID), zap.Stringer("event", env.Type))
		return
	}

	data, err := protocol.Encode(env)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.Stringer("event", env.Type), zap.Error(err))
		return
	}

	for _, u := range room.users {
		if u.ID == excludedUserID {
			continue
		}
		if err := h.deliver(roomID, u.ID, data); err != nil {
			h.deliveryFailed(roomID, u.ID, env.Type, err)
		}
	}
}

// sendToConnection queues env for a connection that may not be bound yet.
func (h *Hub) sendToConnection(connectionID string, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	client := h.conns.GetConnection(connectionID)
	if client == nil {
		return fmt.Errorf("connection %s: %w", connectionID, ErrConnectionClosed)
	}
	return client.Send(data)
}

func (h *Hub) deliver(roomID, userID string, data []byte) error {
	room, err := h.registry.Room(roomID)
	if err != nil {
		return err
	}
	connID, ok := room.Connection(userID)
	if !ok {
		return fmt.Errorf("user %s in room %s: %w", userID, roomID, ErrUserNotFound)
	}
	client := h.conns.GetConnection(connID)
	if client == nil {
		return fmt.Errorf("connection %s: %w", connID, ErrConnectionClosed)
	}
	if err := client.Send(data); err != nil {
		return fmt.Errorf("connection %s: %w", connID, err)
	}
	return nil
}

func (h *Hub) deliveryFailed(roomID, userID string, event protocol.EventType, err error) {
	h.metrics.deliveryErrors.WithLabelValues(protocol.CodeOf(err)).Inc()
	h.logger.Warn("delivery failed",
		zap.String("room_id", roomID),
		zap.String("player_id", userID),
		zap.Stringer("event", event),
		zap.Error(err),
	)
}
