package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"blockrelay-server/internal/game"
)

// setupMatchStore starts a throwaway PostgreSQL and opens a store on it.
func setupMatchStore(t *testing.T) *PostgresMatchStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("blockrelay"),
		postgres.WithUsername("blockrelay"),
		postgres.WithPassword("blockrelay"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgresMatchStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func TestPostgresMatchStore_RecordAndLoad(t *testing.T) {
	store := setupMatchStore(t)
	ctx := context.Background()

	finished := time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)
	id, err := store.RecordMatch(ctx, MatchResult{
		RoomID:     "R1",
		Seed:       12345,
		FinishedAt: finished,
		Players: []PlayerResult{
			{PlayerID: "A", Score: 100, LinesCleared: 4, Level: 2},
			{PlayerID: "B", Score: 250, LinesCleared: 9, Level: 3},
		},
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	matches, err := store.RecentMatches(ctx, "R1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	m := matches[0]
	assert.Equal(t, id, m.ID)
	assert.Equal(t, int64(12345), m.Seed)
	assert.True(t, finished.Equal(m.FinishedAt))
	assert.Equal(t, []PlayerResult{
		{PlayerID: "B", Score: 250, LinesCleared: 9, Level: 3},
		{PlayerID: "A", Score: 100, LinesCleared: 4, Level: 2},
	}, m.Players, "players ordered by score")
}

func TestPostgresMatchStore_RecentMatchesOrderAndLimit(t *testing.T) {
	store := setupMatchStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 3 {
		_, err := store.RecordMatch(ctx, MatchResult{
			RoomID:     "R1",
			Seed:       int64(i),
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
			Players:    []PlayerResult{{PlayerID: "A", Score: float64(i), Level: 1}},
		})
		require.NoError(t, err)
	}
	_, err := store.RecordMatch(ctx, MatchResult{RoomID: "other", FinishedAt: base, Players: []PlayerResult{{PlayerID: "Z", Level: 1}}})
	require.NoError(t, err)

	matches, err := store.RecentMatches(ctx, "R1", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(2), matches[0].Seed, "newest first")
	assert.Equal(t, int64(1), matches[1].Seed)

	none, err := store.RecentMatches(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// Test: a failing player insert rolls the whole match back
func TestPostgresMatchStore_RecordIsAtomic(t *testing.T) {
	store := setupMatchStore(t)
	ctx := context.Background()

	_, err := store.RecordMatch(ctx, MatchResult{
		RoomID:     "R1",
		FinishedAt: time.Now(),
		Players: []PlayerResult{
			{PlayerID: "A", Level: 1},
			{PlayerID: "A", Level: 1},
		},
	})
	require.Error(t, err)

	matches, err := store.RecentMatches(ctx, "R1", 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPostgresMatchStore_CleanupOldMatches(t *testing.T) {
	store := setupMatchStore(t)
	ctx := context.Background()

	for _, age := range []time.Duration{48 * time.Hour, time.Hour} {
		_, err := store.RecordMatch(ctx, MatchResult{
			RoomID:     "R1",
			FinishedAt: time.Now().Add(-age),
			Players:    []PlayerResult{{PlayerID: "A", Level: 1}},
		})
		require.NoError(t, err)
	}

	deleted, err := store.CleanupOldMatches(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	matches, err := store.RecentMatches(ctx, "R1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Len(t, matches[0].Players, 1, "players of the kept match survive")
}

func TestMatchFromRoom(t *testing.T) {
	r := NewRegistry(sequentialSeeds())
	_, err := r.AddUser("R1", "A", "conn-a")
	require.NoError(t, err)
	_, err = r.AddUser("R1", "B", "conn-b")
	require.NoError(t, err)

	state := game.NewGameState()
	state.Score, state.LinesCleared, state.Level = 80, 6, 2
	require.NoError(t, r.RecordUserState("R1", "A", &state))

	room, err := r.Room("R1")
	require.NoError(t, err)
	finished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	match := matchFromRoom(room, finished)

	assert.Equal(t, MatchResult{
		RoomID:     "R1",
		Seed:       1,
		FinishedAt: finished,
		Players:    []PlayerResult{{PlayerID: "A", Score: 80, LinesCleared: 6, Level: 2}},
	}, match, "B never reported a state")
}
