package server

import (
	"errors"

	"blockrelay-server/internal/protocol"
)

var (
	ErrRoomNotFound     = protocol.NewError(protocol.CodeRoomNotFound, "room does not exist")
	ErrUserNotFound     = protocol.NewError(protocol.CodeUserNotFound, "user is not a member of the room")
	ErrNotInRoom        = protocol.NewError(protocol.CodeNotInRoom, "connection has not joined this room")
	ErrPlayerMismatch   = protocol.NewError(protocol.CodePlayerMismatch, "playerId does not belong to this connection")
	ErrInvalidRole      = protocol.NewError(protocol.CodeInvalidRole, "role must be spectator or player")
	ErrInvalidState     = protocol.NewError(protocol.CodeInvalidPayload, "unknown room state")
	ErrRateLimited      = protocol.NewError(protocol.CodeRateLimited, "too many messages")
	ErrConnectionClosed = protocol.NewError(protocol.CodeConnectionClosed, "connection is closed")
	ErrOutboxFull       = protocol.NewError(protocol.CodeOutboxFull, "connection outbox is full")

	errConnectionBound = errors.New("CONNECTION_BOUND: connection already joined another room")
)
