package protocol

import (
	"encoding/json"
	"fmt"

	"blockrelay-server/internal/game"
)

// EventType is the envelope type. Values are shared with the web client and
// must never be renumbered.
type EventType int

const (
	EventHello EventType = iota
	EventFullState
	EventInputState
	EventSeed
	EventDisconnected
	EventRoomState
	EventUserState
	EventReady
	EventError
)

var eventNames = map[EventType]string{
	EventHello:        "HELLO",
	EventFullState:    "FULL_STATE",
	EventInputState:   "INPUT_STATE",
	EventSeed:         "SEED",
	EventDisconnected: "DISCONNECTED",
	EventRoomState:    "ROOM_STATE",
	EventUserState:    "USER_STATE",
	EventReady:        "READY",
	EventError:        "ERROR",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

func (t EventType) Valid() bool {
	_, ok := eventNames[t]
	return ok
}

// InputAction is a single discrete control action relayed between clients.
type InputAction int

const (
	InputMoveLeft InputAction = iota
	InputMoveRight
	InputRotateRight
	InputRotateLeft
	InputMoveDown
)

var inputNames = map[InputAction]string{
	InputMoveLeft:    "MOVE_LEFT",
	InputMoveRight:   "MOVE_RIGHT",
	InputRotateRight: "ROTATE_RIGHT",
	InputRotateLeft:  "ROTATE_LEFT",
	InputMoveDown:    "MOVE_DOWN",
}

func (a InputAction) String() string {
	if name, ok := inputNames[a]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(a))
}

func (a InputAction) Valid() bool {
	_, ok := inputNames[a]
	return ok
}

// Envelope is the top-level wire format for every frame.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return NewError(CodeInvalidPayload, "missing payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", NewError(CodeInvalidPayload, e.Type.String()+" payload"), err)
	}
	return nil
}

// ============================================================================
// PAYLOADS
// ============================================================================

type HelloPayload struct {
	PlayerID string `json:"playerId"`
	RoomID   string `json:"roomId"`
}

// FullStatePayload carries a full board snapshot. State is null for a player
// who has not started yet.
type FullStatePayload struct {
	RoomID   string          `json:"roomId"`
	PlayerID string          `json:"playerId"`
	State    *game.GameState `json:"state"`
}

type InputStatePayload struct {
	RoomID   string      `json:"roomId"`
	PlayerID string      `json:"playerId"`
	Input    InputAction `json:"input"`
}

type SeedPayload struct {
	Seed int64 `json:"seed"`
}

type DisconnectedPayload struct {
	PlayerID string `json:"playerId"`
}

type RoomStatePayload struct {
	RoomID   string         `json:"roomId"`
	State    game.RoomState `json:"state"`
	OldState game.RoomState `json:"oldState,omitempty"`
}

type UserStatePayload struct {
	RoomID   string    `json:"roomId"`
	PlayerID string    `json:"playerId"`
	State    game.Role `json:"state"`
}

// ReadyPayload is sent by a client once it can render replayed state.
type ReadyPayload struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

type ErrorPayload struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Event   *EventType `json:"event,omitempty"`
}

// ============================================================================
// CONSTRUCTORS
// ============================================================================

func message(t EventType, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Every payload above is plain data; this only fires on a programming error.
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
	}
	return Envelope{Type: t, Payload: raw}
}

func Hello(playerID, roomID string) Envelope {
	return message(EventHello, HelloPayload{PlayerID: playerID, RoomID: roomID})
}

func FullState(roomID, playerID string, state *game.GameState) Envelope {
	return message(EventFullState, FullStatePayload{RoomID: roomID, PlayerID: playerID, State: state})
}

func InputState(roomID, playerID string, input InputAction) Envelope {
	return message(EventInputState, InputStatePayload{RoomID: roomID, PlayerID: playerID, Input: input})
}

func Seed(seed int64) Envelope {
	return message(EventSeed, SeedPayload{Seed: seed})
}

func Disconnected(playerID string) Envelope {
	return message(EventDisconnected, DisconnectedPayload{PlayerID: playerID})
}

// RoomStateChange announces the room's state. oldState is omitted from the
// wire when empty.
func RoomStateChange(roomID string, state, oldState game.RoomState) Envelope {
	return message(EventRoomState, RoomStatePayload{RoomID: roomID, State: state, OldState: oldState})
}

func UserState(roomID, playerID string, role game.Role) Envelope {
	return message(EventUserState, UserStatePayload{RoomID: roomID, PlayerID: playerID, State: role})
}

func Ready(roomID, playerID string) Envelope {
	return message(EventReady, ReadyPayload{RoomID: roomID, PlayerID: playerID})
}

// ErrorMessage builds an ERROR envelope from err. If err wraps an *Error its
// code is used, otherwise CodeInternal.
func ErrorMessage(err error, event *EventType) Envelope {
	code := CodeOf(err)
	return message(EventError, ErrorPayload{Code: code, Message: err.Error(), Event: event})
}
