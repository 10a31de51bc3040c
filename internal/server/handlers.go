package server

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"blockrelay-server/internal/game"
	"blockrelay-server/internal/protocol"
)

func (h *Hub) handleHello(connectionID string, env protocol.Envelope) error {
	var req protocol.HelloPayload
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	if err := ValidateRoomID(req.RoomID); err != nil {
		return err
	}
	if err := ValidatePlayerID(req.PlayerID); err != nil {
		return err
	}

	// A connection belongs to one room at a time.
	if b, ok := h.registry.FindByConnection(connectionID); ok && (b.RoomID != req.RoomID || b.UserID != req.PlayerID) {
		h.leave(b)
	}

	joined, err := h.registry.AddUser(req.RoomID, req.PlayerID, connectionID)
	if err != nil {
		return err
	}
	room := joined.Room

	if joined.RoomCreated {
		h.metrics.roomsActive.Set(float64(h.registry.Len()))
		h.logger.Info("room created", zap.String("room_id", room.ID), zap.Int64("seed", room.Seed))
	}
	if joined.ReplacedConnection != "" {
		h.logger.Info("player joined from another connection",
			zap.String("room_id", room.ID),
			zap.String("player_id", req.PlayerID),
			zap.String("old_connection_id", joined.ReplacedConnection),
		)
		if old := h.conns.GetConnection(joined.ReplacedConnection); old != nil {
			old.Close(websocket.StatusPolicyViolation, "joined from another connection")
		}
	}

	h.logger.Info("player joined",
		zap.String("room_id", room.ID),
		zap.String("player_id", req.PlayerID),
		zap.String("connection_id", connectionID),
		zap.Int("members", len(room.users)),
	)

	_ = h.sendToUser(room.ID, req.PlayerID, protocol.Seed(room.Seed))
	_ = h.sendToUser(room.ID, req.PlayerID, protocol.RoomStateChange(room.ID, room.State, ""))
	for _, u := range room.Users() {
		h.sendToAllUsers(room.ID, protocol.UserState(room.ID, u.ID, u.Role))
	}

	h.scheduleReplay(room, req.PlayerID, connectionID)
	return nil
}

func (h *Hub) handleFullState(connectionID string, env protocol.Envelope) error {
	var req protocol.FullStatePayload
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	room, err := h.requireMember(connectionID, req.RoomID)
	if err != nil {
		return err
	}
	if err := h.requireSelf(connectionID, req.PlayerID); err != nil {
		return err
	}
	if req.State != nil {
		if err := req.State.Validate(); err != nil {
			return fmt.Errorf("%w: %v", protocol.NewError(protocol.CodeInvalidPayload, "invalid state"), err)
		}
	}

	if err := h.registry.RecordUserState(room.ID, req.PlayerID, req.State); err != nil {
		return err
	}
	h.sendToAllUsersExcept(room.ID, req.PlayerID, protocol.FullState(room.ID, req.PlayerID, room.UserState(req.PlayerID)))

	if room.AllGameOver() && room.State != game.RoomGameOver {
		h.changeRoomState(room, game.RoomGameOver)
	}
	if room.AllSpectators() && room.State == game.RoomPlaying {
		h.changeRoomState(room, game.RoomWaiting)
	}
	return nil
}

func (h *Hub) handleInputState(connectionID string, env protocol.Envelope) error {
	var req protocol.InputStatePayload
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	room, err := h.requireMember(connectionID, req.RoomID)
	if err != nil {
		return err
	}
	if err := h.requireSelf(connectionID, req.PlayerID); err != nil {
		return err
	}
	if !req.Input.Valid() {
		return fmt.Errorf("%w: input %d", protocol.NewError(protocol.CodeInvalidPayload, "unknown input action"), int(req.Input))
	}

	h.sendToAllUsersExcept(room.ID, req.PlayerID, protocol.InputState(room.ID, req.PlayerID, req.Input))
	return nil
}

func (h *Hub) handleRoomState(connectionID string, env protocol.Envelope) error {
	var req protocol.RoomStatePayload
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	room, err := h.requireMember(connectionID, req.RoomID)
	if err != nil {
		return err
	}
	if !req.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, req.State)
	}
	if h.cfg.ValidateTransitions && !game.CanTransition(room.State, req.State) {
		return protocol.NewError(protocol.CodeInvalidTransition, fmt.Sprintf("%s -> %s", room.State, req.State))
	}

	h.changeRoomState(room, req.State)

	if req.State == game.RoomPaused {
		h.replayStates(room, false)
	}
	return nil
}

func (h *Hub) handleUserState(connectionID string, env protocol.Envelope) error {
	var req protocol.UserStatePayload
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	room, err := h.requireMember(connectionID, req.RoomID)
	if err != nil {
		return err
	}
	if err := h.registry.SetUserRole(room.ID, req.PlayerID, req.State); err != nil {
		return err
	}

	h.logger.Debug("role changed", zap.String("room_id", room.ID), zap.String("player_id", req.PlayerID), zap.String("role", string(req.State)))
	h.sendToAllUsers(room.ID, protocol.UserState(room.ID, req.PlayerID, req.State))
	return nil
}

// handleReady replays the room to a joiner that can now render it and
// cancels the pending timer replay for that join.
func (h *Hub) handleReady(connectionID string, env protocol.Envelope) error {
	var req protocol.ReadyPayload
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	room, err := h.requireMember(connectionID, req.RoomID)
	if err != nil {
		return err
	}
	if err := h.requireSelf(connectionID, req.PlayerID); err != nil {
		return err
	}

	delete(h.pendingReplays, replayKey{RoomID: room.ID, UserID: req.PlayerID, ConnectionID: connectionID})

	for _, u := range room.users {
		_ = h.sendToUser(room.ID, req.PlayerID, protocol.FullState(room.ID, u.ID, room.UserState(u.ID)))
	}
	return nil
}

// handleDisconnect tears down whatever connectionID was bound to. Unknown
// or already released connections are ignored.
func (h *Hub) handleDisconnect(connectionID string) {
	b, ok := h.registry.FindByConnection(connectionID)
	if !ok {
		h.logger.Debug("connection closed without a room", zap.String("connection_id", connectionID))
		return
	}
	h.leave(b)
}

func (h *Hub) leave(b Binding) {
	deleted, err := h.registry.RemoveUser(b.RoomID, b.UserID)
	if err != nil {
		h.logger.Warn("failed to remove player", zap.String("room_id", b.RoomID), zap.String("player_id", b.UserID), zap.Error(err))
		return
	}

	h.logger.Info("player left", zap.String("room_id", b.RoomID), zap.String("player_id", b.UserID))

	if deleted {
		h.metrics.roomsActive.Set(float64(h.registry.Len()))
		h.logger.Info("room is empty, deleting room", zap.String("room_id", b.RoomID))
		return
	}
	h.sendToAllUsers(b.RoomID, protocol.Disconnected(b.UserID))
}

func (h *Hub) changeRoomState(room *Room, state game.RoomState) {
	previous, err := h.registry.SetRoomState(room.ID, state)
	if err != nil {
		h.logger.Warn("failed to set room state", zap.String("room_id", room.ID), zap.Error(err))
		return
	}

	h.metrics.transition(previous, state)
	h.logger.Info("room state changed",
		zap.String("room_id", room.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(state)),
	)
	h.sendToAllUsers(room.ID, protocol.RoomStateChange(room.ID, state, previous))

	if state == game.RoomGameOver && previous != game.RoomGameOver {
		h.recordMatch(room)
	}
}

// replayStates broadcasts every member's last state to the whole room.
// Members without a state are skipped unless withNull is set.
func (h *Hub) replayStates(room *Room, withNull bool) {
	for _, u := range room.users {
		state := room.UserState(u.ID)
		if state == nil && !withNull {
			continue
		}
		h.sendToAllUsers(room.ID, protocol.FullState(room.ID, u.ID, state))
	}
}

func (h *Hub) scheduleReplay(room *Room, userID, connectionID string) {
	if h.cfg.ReplayDelay <= 0 {
		return
	}

	h.replaySeq++
	key := replayKey{RoomID: room.ID, UserID: userID, ConnectionID: connectionID}
	due := replayDue{key: key, room: room, seq: h.replaySeq}
	h.pendingReplays[key] = due.seq

	time.AfterFunc(h.cfg.ReplayDelay, func() {
		if err := h.submit(context.Background(), due); err != nil {
			h.logger.Debug("replay dropped", zap.String("room_id", key.RoomID), zap.Error(err))
		}
	})
}

func (h *Hub) handleReplayDue(msg replayDue) {
	key := msg.key
	if seq, ok := h.pendingReplays[key]; !ok || seq != msg.seq {
		// Satisfied by READY, or superseded by a later join.
		return
	}
	delete(h.pendingReplays, key)

	room, err := h.registry.Room(key.RoomID)
	if err != nil || room != msg.room {
		return
	}
	if b, ok := h.registry.FindByConnection(key.ConnectionID); !ok || b.RoomID != key.RoomID || b.UserID != key.UserID {
		return
	}

	h.replayStates(room, true)
}

// requireMember returns the room if connectionID is bound to roomID.
func (h *Hub) requireMember(connectionID, roomID string) (*Room, error) {
	room, err := h.registry.Room(roomID)
	if err != nil {
		return nil, err
	}
	if b, ok := h.registry.FindByConnection(connectionID); !ok || b.RoomID != roomID {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNotInRoom)
	}
	return room, nil
}

// requireSelf rejects payloads that speak for another player.
func (h *Hub) requireSelf(connectionID, playerID string) error {
	b, ok := h.registry.FindByConnection(connectionID)
	if !ok || b.UserID != playerID {
		return fmt.Errorf("player %s: %w", playerID, ErrPlayerMismatch)
	}
	return nil
}
