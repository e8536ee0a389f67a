// Package config loads relay and client configuration from the environment
// (optionally seeded from a .env file) with a small set of command-line
// overrides. Validation happens up front so a misconfigured process fails
// on startup, not mid-call.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/auth"
)

const (
	envVarListenAddr      = "PARLOR_LISTEN_ADDR"
	envVarLogFormat       = "PARLOR_LOG_FORMAT"
	envVarLogLevel        = "PARLOR_LOG_LEVEL"
	envVarShutdownTimeout = "PARLOR_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "PARLOR_ALLOWED_ORIGINS"

	envVarAuthMode  = "PARLOR_AUTH_MODE"
	envVarAPIKey    = "PARLOR_API_KEY"
	envVarJWTSecret = "PARLOR_JWT_SECRET"

	envVarStunURLs          = "PARLOR_STUN_URLS"
	envVarTurnURLs          = "PARLOR_TURN_URLS"
	envVarTurnSharedSecret  = "PARLOR_TURN_SHARED_SECRET"
	envVarTurnCredentialTTL = "PARLOR_TURN_CREDENTIAL_TTL"
	envVarTurnRealm         = "PARLOR_TURN_REALM"

	envVarMaxMessageBytes      = "PARLOR_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "PARLOR_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWriteTimeout         = "PARLOR_WS_WRITE_TIMEOUT"
	envVarPongTimeout          = "PARLOR_WS_PONG_TIMEOUT"

	envVarRelayURL    = "PARLOR_RELAY_URL"
	envVarUserID      = "PARLOR_USER_ID"
	envVarUsername    = "PARLOR_USERNAME"
	envVarRoom        = "PARLOR_ROOM"
	envVarCredential  = "PARLOR_CREDENTIAL"
	envVarRingTimeout = "PARLOR_RING_TIMEOUT"
	envVarSTUNServers = "PARLOR_STUN_SERVERS"
)

type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

// Relay is the relay server configuration.
type Relay struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        zerolog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins restricts websocket upgrades by Origin header.
	// Empty means same-host only; non-browser clients send no Origin
	// header and are always admitted.
	AllowedOrigins []string

	AuthMode  auth.Mode
	APIKey    string
	JWTSecret string

	// STUNURLs and TURNURLs are advertised to endpoints on /ice. TURN
	// entries carry ephemeral credentials minted from TURNSharedSecret.
	STUNURLs          []string
	TURNURLs          []string
	TURNSharedSecret  string
	TURNCredentialTTL time.Duration
	TURNRealm         string

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	WriteTimeout         time.Duration
	PongTimeout          time.Duration
}

// Client is the client engine configuration.
type Client struct {
	RelayURL   string
	UserID     string
	Username   string
	Room       string
	Credential string

	LogFormat LogFormat
	LogLevel  zerolog.Level

	// RingTimeout bounds both outgoing and incoming call ring windows.
	RingTimeout time.Duration

	// STUNServers are stun: URLs handed to every peer connection.
	STUNServers []string
}

// LoadRelay reads relay configuration. A .env file in the working directory
// is loaded first; real environment variables take precedence.
func LoadRelay(args []string) (Relay, error) {
	_ = godotenv.Load()

	cfg := Relay{
		ListenAddr:           envOr(envVarListenAddr, ":8080"),
		ShutdownTimeout:      5 * time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 50,
		WriteTimeout:         10 * time.Second,
		PongTimeout:          60 * time.Second,
	}

	fs := flag.NewFlagSet("parlor-relay", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	var err error
	if cfg.LogFormat, err = parseLogFormat(envOr(envVarLogFormat, string(LogFormatJSON))); err != nil {
		return Relay{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(envOr(envVarLogLevel, "info")); err != nil {
		return Relay{}, err
	}
	if cfg.ShutdownTimeout, err = envDuration(envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Relay{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(os.Getenv(envVarAllowedOrigins)); err != nil {
		return Relay{}, err
	}

	cfg.AuthMode = auth.Mode(envOr(envVarAuthMode, string(auth.ModeNone)))
	cfg.APIKey = os.Getenv(envVarAPIKey)
	cfg.JWTSecret = os.Getenv(envVarJWTSecret)
	if _, err := auth.NewVerifier(cfg.AuthMode, cfg.APIKey, cfg.JWTSecret); err != nil {
		return Relay{}, err
	}

	cfg.STUNURLs = parseURLList(envOr(envVarStunURLs, "stun:stun.l.google.com:19302"))
	cfg.TURNURLs = parseURLList(os.Getenv(envVarTurnURLs))
	cfg.TURNSharedSecret = os.Getenv(envVarTurnSharedSecret)
	cfg.TURNRealm = envOr(envVarTurnRealm, "parlor")
	if cfg.TURNCredentialTTL, err = envDuration(envVarTurnCredentialTTL, time.Hour); err != nil {
		return Relay{}, err
	}
	if cfg.TURNSharedSecret != "" && len(cfg.TURNURLs) == 0 {
		return Relay{}, fmt.Errorf("%s requires %s", envVarTurnSharedSecret, envVarTurnURLs)
	}

	if cfg.MaxMessageBytes, err = envInt64(envVarMaxMessageBytes, cfg.MaxMessageBytes); err != nil {
		return Relay{}, err
	}
	if cfg.MaxMessageBytes <= 0 {
		return Relay{}, fmt.Errorf("%s must be positive", envVarMaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond, err = envInt(envVarMaxMessagesPerSecond, cfg.MaxMessagesPerSecond); err != nil {
		return Relay{}, err
	}
	if cfg.WriteTimeout, err = envDuration(envVarWriteTimeout, cfg.WriteTimeout); err != nil {
		return Relay{}, err
	}
	if cfg.PongTimeout, err = envDuration(envVarPongTimeout, cfg.PongTimeout); err != nil {
		return Relay{}, err
	}

	return cfg, nil
}

// LoadClient reads client configuration. Identity and relay endpoint are
// required; there is no sensible default for either.
func LoadClient() (Client, error) {
	_ = godotenv.Load()

	cfg := Client{
		RelayURL:    os.Getenv(envVarRelayURL),
		UserID:      os.Getenv(envVarUserID),
		Username:    os.Getenv(envVarUsername),
		Room:        os.Getenv(envVarRoom),
		Credential:  os.Getenv(envVarCredential),
		RingTimeout: 30 * time.Second,
	}

	if cfg.RelayURL == "" {
		return Client{}, fmt.Errorf("%s environment variable is required", envVarRelayURL)
	}
	if cfg.UserID == "" {
		return Client{}, fmt.Errorf("%s environment variable is required", envVarUserID)
	}
	if cfg.Username == "" {
		cfg.Username = cfg.UserID
	}

	var err error
	if cfg.LogFormat, err = parseLogFormat(envOr(envVarLogFormat, string(LogFormatConsole))); err != nil {
		return Client{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(envOr(envVarLogLevel, "info")); err != nil {
		return Client{}, err
	}
	if cfg.RingTimeout, err = envDuration(envVarRingTimeout, cfg.RingTimeout); err != nil {
		return Client{}, err
	}
	if cfg.RingTimeout <= 0 {
		return Client{}, fmt.Errorf("%s must be positive", envVarRingTimeout)
	}
	cfg.STUNServers = parseURLList(envOr(envVarSTUNServers, "stun:stun.l.google.com:19302"))

	return cfg, nil
}

func parseURLList(raw string) []string {
	var servers []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

// NewLogger builds the process logger from format and level.
func NewLogger(format LogFormat, level zerolog.Level) zerolog.Logger {
	var logger zerolog.Logger
	switch format {
	case LogFormatConsole:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	default:
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func envInt64(name string, fallback int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(raw)) {
	case LogFormatJSON:
		return LogFormatJSON, nil
	case LogFormatConsole:
		return LogFormatConsole, nil
	default:
		return "", fmt.Errorf("invalid log format %q", raw)
	}
}

func parseLogLevel(raw string) (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return nil, fmt.Errorf("invalid origin %q: must include scheme", origin)
		}
		origins = append(origins, strings.TrimSuffix(origin, "/"))
	}
	return origins, nil
}
