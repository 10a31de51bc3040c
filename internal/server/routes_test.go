package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"blockrelay-server/internal/config"
	"blockrelay-server/internal/protocol"
)

// setupTestServer starts a relay behind httptest. It returns the server and
// its base URL.
func setupTestServer(t *testing.T, mutate func(*config.Config), opts ...Option) (*Server, string) {
	t.Helper()

	cfg := config.Default()
	cfg.HelloReplayDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}

	// Handlers keep logging after the test returns, so no zaptest here.
	s, httpServer, err := NewServer(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(httpServer.Handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})

	return s, ts.URL
}

func dial(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()

	data, err := protocol.Encode(env)
	require.NoError(t, err)
	writeRaw(t, conn, data)
}

func writeRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// readEnvelopes reads exactly n frames.
func readEnvelopes(t *testing.T, conn *websocket.Conn, n int) []protocol.Envelope {
	t.Helper()

	envs := make([]protocol.Envelope, 0, n)
	for range n {
		envs = append(envs, readEnvelope(t, conn))
	}
	return envs
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	_, baseURL := setupTestServer(t, nil)

	var body healthResponse
	resp := getJSON(t, baseURL+"/health", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, healthResponse{Status: "ok"}, body)
}

func TestWebSocket_JoinAndRelay(t *testing.T) {
	assert := assert.New(t)
	_, baseURL := setupTestServer(t, nil)

	a := dial(t, baseURL)
	writeEnvelope(t, a, protocol.Hello("A", "R1"))
	greeting := readEnvelopes(t, a, 3)
	assert.Equal(protocol.EventSeed, greeting[0].Type)
	assert.Equal(protocol.EventRoomState, greeting[1].Type)
	assert.Equal(protocol.EventUserState, greeting[2].Type)

	b := dial(t, baseURL)
	writeEnvelope(t, b, protocol.Hello("B", "R1"))
	bGreeting := readEnvelopes(t, b, 4)
	assert.Equal(payloadOf[protocol.SeedPayload](t, greeting[0]), payloadOf[protocol.SeedPayload](t, bGreeting[0]),
		"members share the room seed")
	readEnvelopes(t, a, 2)

	writeEnvelope(t, a, protocol.InputState("R1", "A", protocol.InputMoveRight))
	env := readEnvelope(t, b)
	assert.Equal(protocol.EventInputState, env.Type)
	assert.Equal(protocol.InputMoveRight, payloadOf[protocol.InputStatePayload](t, env).Input)

	var rooms []RoomSummary
	resp := getJSON(t, baseURL+"/api/rooms", &rooms)
	assert.Equal(http.StatusOK, resp.StatusCode)
	require.Len(t, rooms, 1)
	assert.Equal("R1", rooms[0].ID)
	assert.Len(rooms[0].Users, 2)
}

// Test: malformed frames get an ERROR and the connection stays usable
func TestWebSocket_MalformedFrame(t *testing.T) {
	_, baseURL := setupTestServer(t, nil)
	conn := dial(t, baseURL)

	writeRaw(t, conn, []byte("junk"))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, env.Type)
	p := payloadOf[protocol.ErrorPayload](t, env)
	assert.Equal(t, protocol.CodeMalformedMessage, p.Code)
	assert.Nil(t, p.Event)

	writeEnvelope(t, conn, protocol.Hello("A", "R1"))
	assert.Equal(t, protocol.EventSeed, readEnvelope(t, conn).Type)
}

func TestWebSocket_LegacyClientsGetNoErrorFrames(t *testing.T) {
	_, baseURL := setupTestServer(t, func(cfg *config.Config) {
		cfg.LegacyClients = true
	})
	conn := dial(t, baseURL)

	writeRaw(t, conn, []byte("junk"))
	writeEnvelope(t, conn, protocol.Seed(3))
	writeEnvelope(t, conn, protocol.Hello("A", "R1"))

	assert.Equal(t, protocol.EventSeed, readEnvelope(t, conn).Type, "rejected frames are dropped")
}

func TestWebSocket_ErrorGoesToSenderOnly(t *testing.T) {
	_, baseURL := setupTestServer(t, nil)

	a := dial(t, baseURL)
	writeEnvelope(t, a, protocol.Hello("A", "R1"))
	readEnvelopes(t, a, 3)
	b := dial(t, baseURL)
	writeEnvelope(t, b, protocol.Hello("B", "R1"))
	readEnvelopes(t, b, 4)
	readEnvelopes(t, a, 2)

	writeEnvelope(t, b, protocol.InputState("R1", "A", protocol.InputMoveLeft))
	env := readEnvelope(t, b)
	require.Equal(t, protocol.EventError, env.Type)
	assert.Equal(t, protocol.CodePlayerMismatch, payloadOf[protocol.ErrorPayload](t, env).Code)

	// A's next frame is the input B sends correctly, not the error.
	writeEnvelope(t, b, protocol.InputState("R1", "B", protocol.InputMoveLeft))
	assert.Equal(t, protocol.EventInputState, readEnvelope(t, a).Type)
}

func TestWebSocket_RateLimit(t *testing.T) {
	_, baseURL := setupTestServer(t, func(cfg *config.Config) {
		cfg.RateLimitMessages = 2
		cfg.RateLimitWindow = time.Minute
	})
	conn := dial(t, baseURL)

	for range 3 {
		writeRaw(t, conn, []byte("{}"))
	}

	codes := make([]string, 0, 3)
	for _, env := range readEnvelopes(t, conn, 3) {
		codes = append(codes, payloadOf[protocol.ErrorPayload](t, env).Code)
	}
	assert.Equal(t, []string{protocol.CodeMalformedMessage, protocol.CodeMalformedMessage, protocol.CodeRateLimited}, codes)
}

// Scenario: A drops, B hears about it once
func TestWebSocket_Disconnect(t *testing.T) {
	_, baseURL := setupTestServer(t, nil)

	a := dial(t, baseURL)
	writeEnvelope(t, a, protocol.Hello("A", "R1"))
	readEnvelopes(t, a, 3)
	b := dial(t, baseURL)
	writeEnvelope(t, b, protocol.Hello("B", "R1"))
	readEnvelopes(t, b, 4)

	require.NoError(t, a.Close(websocket.StatusNormalClosure, "bye"))

	env := readEnvelope(t, b)
	require.Equal(t, protocol.EventDisconnected, env.Type)
	assert.Equal(t, "A", payloadOf[protocol.DisconnectedPayload](t, env).PlayerID)

	// Eventually polls on another goroutine, so no require in here.
	assert.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/api/rooms")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		var rooms []RoomSummary
		if json.NewDecoder(resp.Body).Decode(&rooms) != nil {
			return false
		}
		return len(rooms) == 1 && len(rooms[0].Users) == 1 && rooms[0].Users[0].ID == "B"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocket_ConnectionCount(t *testing.T) {
	s, baseURL := setupTestServer(t, nil)

	conn := dial(t, baseURL)
	assert.Eventually(t, func() bool { return s.connections.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return s.connections.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// Test: shutdown tells connected clients the server is going away
func TestServer_ShutdownClosesSockets(t *testing.T) {
	s, baseURL := setupTestServer(t, nil)
	conn := dial(t, baseURL)
	writeEnvelope(t, conn, protocol.Hello("A", "R1"))
	readEnvelopes(t, conn, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestUnknownPath(t *testing.T) {
	_, baseURL := setupTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/elsewhere", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsHandler(t *testing.T) {
	_, baseURL := setupTestServer(t, nil)

	conn := dial(t, baseURL)
	writeRaw(t, conn, []byte("junk"))
	readEnvelope(t, conn)

	resp, err := http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "blockrelay_connections_active")
	assert.Contains(t, string(body), `blockrelay_protocol_errors_total{code="MALFORMED_MESSAGE"} 1`)
}

func TestTokenHandler_NotConfigured(t *testing.T) {
	_, baseURL := setupTestServer(t, func(cfg *config.Config) {
		cfg.DiscordClientID = ""
		cfg.DiscordClientSecret = ""
	})

	resp, err := http.Post(baseURL+"/api/token", "application/json", strings.NewReader(`{"code":"abc"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type fakeMatchStore struct {
	fakeRecorder

	mu        sync.Mutex
	lastRoom  string
	lastLimit int
	closed    bool
}

func (f *fakeMatchStore) RecentMatches(_ context.Context, roomID string, limit int) ([]MatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRoom, f.lastLimit = roomID, limit
	return []MatchResult{{ID: 7, RoomID: roomID, Seed: 99}}, nil
}

func (f *fakeMatchStore) CleanupOldMatches(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeMatchStore) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func TestMatchesHandler(t *testing.T) {
	t.Run("no database", func(t *testing.T) {
		_, baseURL := setupTestServer(t, nil)

		resp := getJSON(t, baseURL+"/api/rooms/R1/matches", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("with store", func(t *testing.T) {
		store := &fakeMatchStore{}
		_, baseURL := setupTestServer(t, nil, WithMatchStore(store))

		var matches []MatchResult
		resp := getJSON(t, baseURL+"/api/rooms/R1/matches?limit=5", &matches)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, matches, 1)
		assert.Equal(t, int64(7), matches[0].ID)

		store.mu.Lock()
		assert.Equal(t, "R1", store.lastRoom)
		assert.Equal(t, 5, store.lastLimit)
		store.mu.Unlock()

		resp = getJSON(t, baseURL+"/api/rooms/R1/matches", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		store.mu.Lock()
		assert.Equal(t, defaultMatchesLimit, store.lastLimit)
		store.mu.Unlock()

		for _, bad := range []string{"0", "101", "ten"} {
			resp = getJSON(t, baseURL+"/api/rooms/R1/matches?limit="+bad, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", bad)
		}
	})
}

// Test: a finished match played over real sockets reaches the store
func TestWebSocket_GameOverRecordsMatch(t *testing.T) {
	store := &fakeMatchStore{}
	s, baseURL := setupTestServer(t, nil, WithMatchStore(store))

	conn := dial(t, baseURL)
	writeEnvelope(t, conn, protocol.Hello("A", "R1"))
	readEnvelopes(t, conn, 3)

	writeEnvelope(t, conn, protocol.FullState("R1", "A", finishedState(42)))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EventRoomState, env.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	matches := store.recorded()
	require.Len(t, matches, 1)
	assert.Equal(t, 42.0, matches[0].Players[0].Score)

	store.mu.Lock()
	assert.True(t, store.closed)
	store.mu.Unlock()
}
