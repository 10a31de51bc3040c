package protocol

import "errors"

// Error codes sent to clients in ERROR envelopes.
const (
	CodeMalformedMessage  = "MALFORMED_MESSAGE"
	CodeUnknownEvent      = "UNKNOWN_EVENT"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeRateLimited       = "RATE_LIMITED"
	CodeRoomNotFound      = "ROOM_NOT_FOUND"
	CodeUserNotFound      = "USER_NOT_FOUND"
	CodeNotInRoom         = "NOT_IN_ROOM"
	CodePlayerMismatch    = "PLAYER_MISMATCH"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidRole       = "INVALID_ROLE"
	CodeConnectionClosed  = "CONNECTION_CLOSED"
	CodeOutboxFull        = "OUTBOX_FULL"
	CodeInternal          = "INTERNAL"
)

// Error is a relay error with a stable, client-visible code.
type Error struct {
	Code    string
	Message string
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrMalformedMessage = NewError(CodeMalformedMessage, "frame is not a valid envelope")
	ErrUnknownEvent     = NewError(CodeUnknownEvent, "unknown event type")
)

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return CodeInternal
}
