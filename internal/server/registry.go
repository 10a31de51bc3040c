package server

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"blockrelay-server/internal/game"
)

// Registry owns every room and the connection bindings. It is not safe for
// concurrent use; the Hub goroutine is its only caller.
type Registry struct {
	rooms     map[string]*Room
	bindings  map[string]Binding // connectionID → (room, user)
	usedSeeds map[int64]bool
	newSeed   func(usedSeeds map[int64]bool) int64
	now       func() time.Time
}

// Binding is the room membership a connection announced with HELLO.
type Binding struct {
	RoomID string
	UserID string
}

type Room struct {
	ID        string
	Seed      int64
	State     game.RoomState
	CreatedAt time.Time

	users   []*User                    // join order
	sockets map[string]string          // userID → connectionID
	states  map[string]*game.GameState // userID → last reported state, nil until the first FULL_STATE
}

type User struct {
	ID   string
	Role game.Role
}

// JoinResult describes what AddUser changed.
type JoinResult struct {
	Room        *Room
	User        *User
	RoomCreated bool
	// ReplacedConnection is the connection the user was bound to before this
	// join, if it differs from the joining one. It is no longer bound.
	ReplacedConnection string
}

// RoomSummary is a read-only view of a room for the HTTP API.
type RoomSummary struct {
	ID        string         `json:"roomId"`
	State     game.RoomState `json:"state"`
	Seed      int64          `json:"seed"`
	Users     []UserSummary  `json:"users"`
	CreatedAt time.Time      `json:"createdAt"`
}

type UserSummary struct {
	ID         string    `json:"playerId"`
	Role       game.Role `json:"role"`
	Connected  bool      `json:"connected"`
	HasState   bool      `json:"hasState"`
	IsGameOver bool      `json:"isGameOver"`
	Score      float64   `json:"score"`
}

type RegistryOption func(*Registry)

// WithSeedSource replaces GenerateSeed.
func WithSeedSource(fn func(usedSeeds map[int64]bool) int64) RegistryOption {
	return func(r *Registry) {
		r.newSeed = fn
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		rooms:     make(map[string]*Room),
		bindings:  make(map[string]Binding),
		usedSeeds: make(map[int64]bool),
		newSeed:   GenerateSeed,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreateRoom returns the room with id, creating a waiting room with a
// fresh seed if none exists.
func (r *Registry) GetOrCreateRoom(id string) (*Room, bool) {
	if room, ok := r.rooms[id]; ok {
		return room, false
	}

	seed := r.newSeed(r.usedSeeds)
	r.usedSeeds[seed] = true

	room := &Room{
		ID:        id,
		Seed:      seed,
		State:     game.RoomWaiting,
		CreatedAt: r.now(),
		sockets:   make(map[string]string),
		states:    make(map[string]*game.GameState),
	}
	r.rooms[id] = room
	return room, true
}

func (r *Registry) Room(id string) (*Room, error) {
	room, ok := r.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, ErrRoomNotFound)
	}
	return room, nil
}

// AddUser binds connectionID to userID in roomID, creating the room and the
// user as needed. A new user starts as a spectator. The user's stored state
// is reset to null either way.
func (r *Registry) AddUser(roomID, userID, connectionID string) (JoinResult, error) {
	if b, ok := r.bindings[connectionID]; ok && (b.RoomID != roomID || b.UserID != userID) {
		return JoinResult{}, fmt.Errorf("connection %s bound to %s/%s: %w", connectionID, b.RoomID, b.UserID, errConnectionBound)
	}

	room, created := r.GetOrCreateRoom(roomID)
	result := JoinResult{Room: room, RoomCreated: created}

	user, ok := room.User(userID)
	if !ok {
		user = &User{ID: userID, Role: game.RoleSpectator}
		room.users = append(room.users, user)
	}
	result.User = user

	if previous, ok := room.sockets[userID]; ok && previous != connectionID {
		if b, bound := r.bindings[previous]; bound && b.RoomID == roomID && b.UserID == userID {
			delete(r.bindings, previous)
		}
		result.ReplacedConnection = previous
	}

	room.sockets[userID] = connectionID
	room.states[userID] = nil
	r.bindings[connectionID] = Binding{RoomID: roomID, UserID: userID}

	return result, nil
}

// RemoveUser drops userID and its socket and state from roomID. An empty room
// is deleted and reported through roomDeleted.
func (r *Registry) RemoveUser(roomID, userID string) (roomDeleted bool, err error) {
	room, err := r.Room(roomID)
	if err != nil {
		return false, err
	}

	idx := slices.IndexFunc(room.users, func(u *User) bool { return u.ID == userID })
	if idx == -1 {
		return false, fmt.Errorf("user %s in room %s: %w", userID, roomID, ErrUserNotFound)
	}
	room.users = slices.Delete(room.users, idx, idx+1)

	if connID, ok := room.sockets[userID]; ok {
		if b, bound := r.bindings[connID]; bound && b.RoomID == roomID && b.UserID == userID {
			delete(r.bindings, connID)
		}
	}
	delete(room.sockets, userID)
	delete(room.states, userID)

	if len(room.users) == 0 {
		delete(r.rooms, roomID)
		delete(r.usedSeeds, room.Seed)
		return true, nil
	}
	return false, nil
}

func (r *Registry) SetUserRole(roomID, userID string, role game.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	room, err := r.Room(roomID)
	if err != nil {
		return err
	}
	user, ok := room.User(userID)
	if !ok {
		return fmt.Errorf("user %s in room %s: %w", userID, roomID, ErrUserNotFound)
	}
	user.Role = role
	return nil
}

// RecordUserState stores a copy of state as userID's latest snapshot. A nil
// state is stored as null.
func (r *Registry) RecordUserState(roomID, userID string, state *game.GameState) error {
	room, err := r.Room(roomID)
	if err != nil {
		return err
	}
	if _, ok := room.User(userID); !ok {
		return fmt.Errorf("user %s in room %s: %w", userID, roomID, ErrUserNotFound)
	}
	room.states[userID] = state.Clone()
	return nil
}

// SetRoomState stores state and returns the state it replaced.
func (r *Registry) SetRoomState(roomID string, state game.RoomState) (game.RoomState, error) {
	room, err := r.Room(roomID)
	if err != nil {
		return "", err
	}
	previous := room.State
	room.State = state
	return previous, nil
}

func (r *Registry) FindByConnection(connectionID string) (Binding, bool) {
	b, ok := r.bindings[connectionID]
	return b, ok
}

func (r *Registry) Len() int {
	return len(r.rooms)
}

// Snapshot returns every room ordered by id. isConnected reports whether a
// connection id still has a live socket; nil treats every binding as live.
func (r *Registry) Snapshot(isConnected func(connectionID string) bool) []RoomSummary {
	summaries := make([]RoomSummary, 0, len(r.rooms))
	for _, room := range r.rooms {
		summaries = append(summaries, room.summary(isConnected))
	}
	slices.SortFunc(summaries, func(a, b RoomSummary) int {
		return strings.Compare(a.ID, b.ID)
	})
	return summaries
}

func (room *Room) User(id string) (*User, bool) {
	for _, u := range room.users {
		if u.ID == id {
			return u, true
		}
	}
	return nil, false
}

// Users returns the members in join order.
func (room *Room) Users() []*User {
	return slices.Clone(room.users)
}

func (room *Room) Connection(userID string) (string, bool) {
	id, ok := room.sockets[userID]
	return id, ok
}

// UserState returns the stored snapshot for userID, which may be nil.
func (room *Room) UserState(userID string) *game.GameState {
	return room.states[userID]
}

// AllGameOver reports whether every stored state is null or finished.
func (room *Room) AllGameOver() bool {
	for _, s := range room.states {
		if s != nil && !s.IsGameOver {
			return false
		}
	}
	return true
}

// AllSpectators reports whether no member holds the player role.
func (room *Room) AllSpectators() bool {
	for _, u := range room.users {
		if u.Role != game.RoleSpectator {
			return false
		}
	}
	return true
}

func (room *Room) summary(isConnected func(string) bool) RoomSummary {
	users := make([]UserSummary, 0, len(room.users))
	for _, u := range room.users {
		summary := UserSummary{ID: u.ID, Role: u.Role}
		if connID, ok := room.sockets[u.ID]; ok {
			summary.Connected = isConnected == nil || isConnected(connID)
		}
		if s := room.states[u.ID]; s != nil {
			summary.HasState = true
			summary.IsGameOver = s.IsGameOver
			summary.Score = s.Score
		}
		users = append(users, summary)
	}
	return RoomSummary{
		ID:        room.ID,
		State:     room.State,
		Seed:      room.Seed,
		Users:     users,
		CreatedAt: room.CreatedAt,
	}
}
