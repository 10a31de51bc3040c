package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultTokenURL = "https://discord.com/api/oauth2/token"

type Config struct {
	Port   int
	WSPath string

	// HelloReplayDelay is how long after a HELLO the server replays member
	// states if the client never sends READY. Zero disables the timer.
	HelloReplayDelay    time.Duration
	RoomStateValidation bool
	// LegacyClients turns off ERROR replies for clients whose event catalog
	// predates READY and ERROR.
	LegacyClients bool

	RateLimitMessages int
	RateLimitWindow   time.Duration
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	OutboxSize        int

	DatabaseURL    string
	MatchRetention time.Duration

	DiscordClientID     string
	DiscordClientSecret string
	OAuthTokenURL       string

	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
}

// Load reads envFile (if it exists) into the process environment and builds
// a Config from it. Variables already set in the environment win.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var errs []error
	cfg := Config{
		Port:                intVar("SERVER_PORT", intVar("PORT", 3001, &errs), &errs),
		WSPath:              stringVar("WS_PATH", "/ws"),
		HelloReplayDelay:    durationVar("HELLO_REPLAY_DELAY", time.Second, &errs),
		RoomStateValidation: boolVar("ROOM_STATE_VALIDATION", true, &errs),
		LegacyClients:       boolVar("LEGACY_CLIENTS", false, &errs),
		RateLimitMessages:   intVar("RATE_LIMIT_MESSAGES", 120, &errs),
		RateLimitWindow:     durationVar("RATE_LIMIT_WINDOW", time.Second, &errs),
		IdleTimeout:         durationVar("IDLE_TIMEOUT", 2*time.Minute, &errs),
		PingInterval:        durationVar("PING_INTERVAL", 30*time.Second, &errs),
		OutboxSize:          intVar("OUTBOX_SIZE", 64, &errs),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		MatchRetention:      durationVar("MATCH_RETENTION", 720*time.Hour, &errs),
		DiscordClientID:     stringVar("DISCORD_CLIENT_ID", os.Getenv("VITE_DISCORD_CLIENT_ID")),
		DiscordClientSecret: os.Getenv("DISCORD_CLIENT_SECRET"),
		OAuthTokenURL:       stringVar("OAUTH_TOKEN_URL", defaultTokenURL),
		LogLevel:            stringVar("LOG_LEVEL", "info"),
		LogFormat:           stringVar("LOG_FORMAT", "json"),
		AllowedOrigins:      listVar("ALLOWED_ORIGINS", []string{"*"}),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Port:                3001,
		WSPath:              "/ws",
		HelloReplayDelay:    time.Second,
		RoomStateValidation: true,
		RateLimitMessages:   120,
		RateLimitWindow:     time.Second,
		IdleTimeout:         2 * time.Minute,
		PingInterval:        30 * time.Second,
		OutboxSize:          64,
		MatchRetention:      720 * time.Hour,
		OAuthTokenURL:       defaultTokenURL,
		LogLevel:            "info",
		LogFormat:           "json",
		AllowedOrigins:      []string{"*"},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("WS_PATH must start with '/', got %q", c.WSPath))
	}
	if c.HelloReplayDelay < 0 {
		errs = append(errs, errors.New("HELLO_REPLAY_DELAY must not be negative"))
	}
	if c.RateLimitMessages <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate limit must allow at least one message per positive window"))
	}
	if c.IdleTimeout <= 0 || c.PingInterval <= 0 {
		errs = append(errs, errors.New("IDLE_TIMEOUT and PING_INTERVAL must be positive"))
	}
	if c.PingInterval >= c.IdleTimeout {
		errs = append(errs, fmt.Errorf("PING_INTERVAL (%s) must be shorter than IDLE_TIMEOUT (%s)", c.PingInterval, c.IdleTimeout))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

// OAuthConfigured reports whether the token exchange endpoint can serve.
func (c Config) OAuthConfigured() bool {
	return c.DiscordClientID != "" && c.DiscordClientSecret != ""
}

func stringVar(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func intVar(key string, fallback int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func boolVar(key string, fallback bool, errs *[]error) bool {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func durationVar(key string, fallback time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func listVar(key string, fallback []string) []string {
	v := stringVar(key, "")
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
