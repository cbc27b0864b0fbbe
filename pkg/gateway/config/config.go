package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type StoreKind string

const (
	StoreFile     StoreKind = "file"
	StorePostgres StoreKind = "postgres"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// WebSocket origin allowlist. Empty => any origin.
	AllowedOrigins map[string]struct{}

	// Remote evaluation service.
	GeminiAPIKey string
	LiveModel    string
	SummaryModel string

	// Default exam length; the client hello may shorten it.
	SessionDuration time.Duration

	// Snapshot persistence.
	Store     StoreKind
	StorePath string
	StoreDSN  string

	// WebSocket limits.
	MaxJSONMessageBytes int64
	HandshakeTimeout    time.Duration
	WSWriteTimeout      time.Duration
	CountdownInterval   time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("OSCE_ADDR", ":8080"),
		AuthMode:            AuthMode(envOr("OSCE_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:             make(map[string]struct{}),
		AllowedOrigins:      make(map[string]struct{}),
		GeminiAPIKey:        strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		LiveModel:           envOr("OSCE_LIVE_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		SummaryModel:        envOr("OSCE_SUMMARY_MODEL", "gemini-2.5-flash"),
		SessionDuration:     envDurationOr("OSCE_SESSION_DURATION", 10*time.Minute),
		Store:               StoreKind(envOr("OSCE_STORE", string(StoreFile))),
		StorePath:           envOr("OSCE_STORE_PATH", "osce_saved_session.json"),
		StoreDSN:            strings.TrimSpace(os.Getenv("OSCE_STORE_DSN")),
		MaxJSONMessageBytes: envInt64Or("OSCE_WS_MAX_JSON_MESSAGE_BYTES", 1<<20), // video frames ride in JSON
		HandshakeTimeout:    envDurationOr("OSCE_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSWriteTimeout:      envDurationOr("OSCE_WS_WRITE_TIMEOUT", 5*time.Second),
		CountdownInterval:   envDurationOr("OSCE_COUNTDOWN_INTERVAL", time.Second),
		ReadHeaderTimeout:   envDurationOr("OSCE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("OSCE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("OSCE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("OSCE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("OSCE_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.LiveModel) == "" {
		return Config{}, fmt.Errorf("OSCE_LIVE_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.SummaryModel) == "" {
		return Config{}, fmt.Errorf("OSCE_SUMMARY_MODEL must not be empty")
	}
	if cfg.SessionDuration <= 0 {
		return Config{}, fmt.Errorf("OSCE_SESSION_DURATION must be > 0")
	}

	switch cfg.Store {
	case StoreFile:
		if strings.TrimSpace(cfg.StorePath) == "" {
			return Config{}, fmt.Errorf("OSCE_STORE_PATH must not be empty when OSCE_STORE=file")
		}
	case StorePostgres:
		if cfg.StoreDSN == "" {
			return Config{}, fmt.Errorf("OSCE_STORE_DSN must be set when OSCE_STORE=postgres")
		}
	default:
		return Config{}, fmt.Errorf("OSCE_STORE must be one of file|postgres")
	}

	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("OSCE_WS_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("OSCE_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("OSCE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.CountdownInterval <= 0 {
		return Config{}, fmt.Errorf("OSCE_COUNTDOWN_INTERVAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("OSCE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("OSCE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("OSCE_API_KEYS must be set when OSCE_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
