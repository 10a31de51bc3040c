package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNoMatchStore is returned by HTTP handlers when DATABASE_URL is unset.
var ErrNoMatchStore = errors.New("NO_DATABASE: match history is disabled")

// MatchResult is one finished match as stored in the match history.
type MatchResult struct {
	ID         int64          `json:"id"`
	RoomID     string         `json:"roomId"`
	Seed       int64          `json:"seed"`
	FinishedAt time.Time      `json:"finishedAt"`
	Players    []PlayerResult `json:"players"`
}

type PlayerResult struct {
	PlayerID     string  `json:"playerId"`
	Score        float64 `json:"score"`
	LinesCleared int     `json:"linesCleared"`
	Level        int     `json:"level"`
}

// MatchRecorder receives matches when a room enters gameover.
type MatchRecorder interface {
	RecordMatch(ctx context.Context, match MatchResult) (int64, error)
}

// MatchStore is the full match history backend.
type MatchStore interface {
	MatchRecorder
	RecentMatches(ctx context.Context, roomID string, limit int) ([]MatchResult, error)
	CleanupOldMatches(ctx context.Context, olderThan time.Duration) (int64, error)
	Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	id          BIGSERIAL PRIMARY KEY,
	room_id     TEXT        NOT NULL,
	seed        BIGINT      NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS matches_room_finished_idx ON matches (room_id, finished_at DESC);

CREATE TABLE IF NOT EXISTS match_players (
	match_id      BIGINT           NOT NULL REFERENCES matches (id) ON DELETE CASCADE,
	player_id     TEXT             NOT NULL,
	score         DOUBLE PRECISION NOT NULL,
	lines_cleared INTEGER          NOT NULL,
	level         INTEGER          NOT NULL,
	PRIMARY KEY (match_id, player_id)
);
`

// PostgresMatchStore keeps match history in PostgreSQL.
type PostgresMatchStore struct {
	pool *pgxpool.Pool
}

// NewPostgresMatchStore connects to databaseURL and creates the schema if
// it does not exist yet.
func NewPostgresMatchStore(ctx context.Context, databaseURL string) (*PostgresMatchStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresMatchStore{pool: pool}, nil
}

// RecordMatch inserts the match and its players in one transaction.
func (s *PostgresMatchStore) RecordMatch(ctx context.Context, match MatchResult) (int64, error) {
	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO matches (room_id, seed, finished_at) VALUES ($1, $2, $3) RETURNING id`,
			match.RoomID, match.Seed, match.FinishedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert match: %w", err)
		}

		batch := &pgx.Batch{}
		for _, p := range match.Players {
			batch.Queue(
				`INSERT INTO match_players (match_id, player_id, score, lines_cleared, level) VALUES ($1, $2, $3, $4, $5)`,
				id, p.PlayerID, p.Score, p.LinesCleared, p.Level,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert match players: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record match for room %s: %w", match.RoomID, err)
	}
	return id, nil
}

// RecentMatches returns up to limit matches for roomID, newest first, each
// with its players ordered by score.
func (s *PostgresMatchStore) RecentMatches(ctx context.Context, roomID string, limit int) ([]MatchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, seed, finished_at FROM matches WHERE room_id = $1 ORDER BY finished_at DESC, id DESC LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MatchResult, error) {
		var m MatchResult
		err := row.Scan(&m.ID, &m.RoomID, &m.Seed, &m.FinishedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan match row: %w", err)
	}
	if len(matches) == 0 {
		return matches, nil
	}

	ids := make([]int64, len(matches))
	index := make(map[int64]int, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err = s.pool.Query(ctx,
		`SELECT match_id, player_id, score, lines_cleared, level FROM match_players WHERE match_id = ANY($1) ORDER BY score DESC, player_id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query match players: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var matchID int64
		var p PlayerResult
		if err := rows.Scan(&matchID, &p.PlayerID, &p.Score, &p.LinesCleared, &p.Level); err != nil {
			return nil, fmt.Errorf("failed to scan match player row: %w", err)
		}
		i := index[matchID]
		matches[i].Players = append(matches[i].Players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating match player rows: %w", err)
	}

	return matches, nil
}

// CleanupOldMatches deletes matches finished more than olderThan ago.
func (s *PostgresMatchStore) CleanupOldMatches(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	tag, err := s.pool.Exec(ctx, `DELETE FROM matches WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old matches: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresMatchStore) Close() {
	s.pool.Close()
}

// matchFromRoom builds the history row for room. Members that never
// reported a state are left out.
func matchFromRoom(room *Room, finishedAt time.Time) MatchResult {
	match := MatchResult{RoomID: room.ID, Seed: room.Seed, FinishedAt: finishedAt}
	for _, u := range room.users {
		state := room.UserState(u.ID)
		if state == nil {
			continue
		}
		match.Players = append(match.Players, PlayerResult{
			PlayerID:     u.ID,
			Score:        state.Score,
			LinesCleared: state.LinesCleared,
			Level:        state.Level,
		})
	}
	return match
}

// recordMatch writes the finished room to the recorder off the hub goroutine.
func (h *Hub) recordMatch(room *Room) {
	if h.cfg.Recorder == nil {
		return
	}
	match := matchFromRoom(room, time.Now().UTC())
	if len(match.Players) == 0 {
		return
	}

	h.recordings.Add(1)
	go func() {
		defer h.recordings.Done()

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RecordTimeout)
		defer cancel()

		id, err := h.cfg.Recorder.RecordMatch(ctx, match)
		if err != nil {
			h.metrics.matchesRecorded.WithLabelValues("error").Inc()
			h.logger.Error("failed to record match", zap.String("room_id", match.RoomID), zap.Error(err))
			return
		}
		h.metrics.matchesRecorded.WithLabelValues("ok").Inc()
		h.logger.Info("match recorded",
			zap.Int64("match_id", id),
			zap.String("room_id", match.RoomID),
			zap.Int("players", len(match.Players)),
		)
	}()
}
