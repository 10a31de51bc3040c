package server

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode"
	"unicode/utf8"

	"blockrelay-server/internal/protocol"
)

const maxIDLength = 128

// seedLimit keeps seeds inside the range every client PRNG accepts.
const seedLimit = 1 << 31

// GenerateSeed returns a random seed not present in usedSeeds.
func GenerateSeed(usedSeeds map[int64]bool) int64 {
	for {
		seed := rand.Int64N(seedLimit)
		if !usedSeeds[seed] {
			return seed
		}
	}
}

func ValidateRoomID(id string) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("%w: roomId %v", protocol.NewError(protocol.CodeInvalidPayload, "invalid roomId"), err)
	}
	return nil
}

func ValidatePlayerID(id string) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("%w: playerId %v", protocol.NewError(protocol.CodeInvalidPayload, "invalid playerId"), err)
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("cannot be empty")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("too long (max %d bytes)", maxIDLength)
	}
	if !utf8.ValidString(id) {
		return errors.New("must be valid UTF-8")
	}
	for _, ch := range id {
		if unicode.IsControl(ch) {
			return errors.New("must not contain control characters")
		}
	}
	return nil
}
