package game

import "fmt"

const (
	BoardRows = 20
	BoardCols = 10
)

// RoomState is the shared phase of a room's session.
type RoomState string

const (
	RoomWaiting  RoomState = "waiting"
	RoomPlaying  RoomState = "playing"
	RoomPaused   RoomState = "paused"
	RoomGameOver RoomState = "gameover"
)

func (s RoomState) Valid() bool {
	switch s {
	case RoomWaiting, RoomPlaying, RoomPaused, RoomGameOver:
		return true
	}
	return false
}

// transitions lists the room states that may follow each state.
// A state may always follow itself.
var transitions = map[RoomState][]RoomState{
	RoomWaiting:  {RoomPlaying},
	RoomPlaying:  {RoomWaiting, RoomPaused, RoomGameOver},
	RoomPaused:   {RoomWaiting, RoomPlaying, RoomGameOver},
	RoomGameOver: {RoomWaiting, RoomPlaying},
}

// CanTransition reports whether a room in state from may move to state to.
func CanTransition(from, to RoomState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role is a user's part in a room.
type Role string

const (
	RoleSpectator Role = "spectator"
	RolePlayer    Role = "player"
)

func (r Role) Valid() bool {
	return r == RoleSpectator || r == RolePlayer
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// GameState is one player's board snapshot as reported by that player's client.
type GameState struct {
	Board        [][]int `json:"board"`
	Score        float64 `json:"score"`
	LinesCleared int     `json:"linesCleared"`
	Level        int     `json:"level"`
	IsGameOver   bool    `json:"isGameOver"`
	CurrentPiece [][]int `json:"currentPiece"`
	NextPiece    [][]int `json:"nextPiece"`
	CurrentPos   Point   `json:"currentPos"`
}

// NewGameState returns the state of a game that has not started: an empty
// board, level 1 and the spawn position.
func NewGameState() GameState {
	board := make([][]int, BoardRows)
	for i := range board {
		board[i] = make([]int, BoardCols)
	}
	return GameState{
		Board:      board,
		Level:      1,
		CurrentPos: Point{X: 3, Y: 0},
	}
}

// Clone returns a deep copy, so the stored mirror never shares slices with a
// decoded message.
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	c := *s
	c.Board = cloneMatrix(s.Board)
	c.CurrentPiece = cloneMatrix(s.CurrentPiece)
	c.NextPiece = cloneMatrix(s.NextPiece)
	return &c
}

// Validate rejects values no client simulation can produce.
func (s *GameState) Validate() error {
	if s.Score < 0 {
		return fmt.Errorf("score must be non-negative, got %v", s.Score)
	}
	if s.LinesCleared < 0 {
		return fmt.Errorf("linesCleared must be non-negative, got %d", s.LinesCleared)
	}
	if s.Level < 1 {
		return fmt.Errorf("level must be at least 1, got %d", s.Level)
	}
	return nil
}

func cloneMatrix(m [][]int) [][]int {
	if m == nil {
		return nil
	}
	out := make([][]int, len(m))
	for i, row := range m {
		if row != nil {
			out[i] = append([]int(nil), row...)
		}
	}
	return out
}
