package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Deepgram credentials shared by both voice legs.
	DeepgramAPIKey  string
	DeepgramBaseURL string

	// Speech recognition leg.
	STTModel         string
	STTLanguage      string
	STTEndpointingMS int

	// Speech synthesis leg.
	TTSSampleRate int

	// Reply generation. An empty Gemini key means template replies only.
	GeminiAPIKey string
	GeminiModel  string

	// Assistant store. Empty Supabase settings disable the store; the
	// gateway serves the built-in demo assistant only.
	SupabaseURL    string
	SupabaseAPIKey string

	// Redis profile/transcript cache. Empty addr disables caching.
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ProfileCacheTTL time.Duration

	// Upstream reconnect policy, shared by both legs.
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	BackoffMaxAttempts int

	// Conversation engine.
	HistoryBound int

	// Client WebSocket behavior.
	WSPingInterval   time.Duration
	WSWriteTimeout   time.Duration
	WSIdleTimeout    time.Duration
	HandshakeTimeout time.Duration
	EndCallDelay     time.Duration
	MaxSessions      int

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOXGATE_ADDR", ":8080"),
		DeepgramAPIKey:      envOr("VOXGATE_DEEPGRAM_API_KEY", ""),
		DeepgramBaseURL:     envOr("VOXGATE_DEEPGRAM_BASE_URL", "wss://api.deepgram.com"),
		STTModel:            envOr("VOXGATE_STT_MODEL", "nova-2"),
		STTLanguage:         envOr("VOXGATE_STT_LANGUAGE", "en-US"),
		STTEndpointingMS:    envIntOr("VOXGATE_STT_ENDPOINTING_MS", 300),
		TTSSampleRate:       envIntOr("VOXGATE_TTS_SAMPLE_RATE", 8000),
		GeminiAPIKey:        envOr("VOXGATE_GEMINI_API_KEY", ""),
		GeminiModel:         envOr("VOXGATE_GEMINI_MODEL", "gemini-2.0-flash"),
		SupabaseURL:         envOr("VOXGATE_SUPABASE_URL", ""),
		SupabaseAPIKey:      envOr("VOXGATE_SUPABASE_API_KEY", ""),
		RedisAddr:           envOr("VOXGATE_REDIS_ADDR", ""),
		RedisPassword:       envOr("VOXGATE_REDIS_PASSWORD", ""),
		RedisDB:             envIntOr("VOXGATE_REDIS_DB", 0),
		ProfileCacheTTL:     envDurationOr("VOXGATE_PROFILE_CACHE_TTL", 5*time.Minute),
		BackoffBase:         envDurationOr("VOXGATE_BACKOFF_BASE", time.Second),
		BackoffCap:          envDurationOr("VOXGATE_BACKOFF_CAP", 10*time.Second),
		BackoffMaxAttempts:  envIntOr("VOXGATE_BACKOFF_MAX_ATTEMPTS", 3),
		HistoryBound:        envIntOr("VOXGATE_HISTORY_BOUND", 10),
		WSPingInterval:      envDurationOr("VOXGATE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("VOXGATE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSIdleTimeout:       envDurationOr("VOXGATE_WS_IDLE_TIMEOUT", 45*time.Second),
		HandshakeTimeout:    envDurationOr("VOXGATE_HANDSHAKE_TIMEOUT", 5*time.Second),
		EndCallDelay:        envDurationOr("VOXGATE_END_CALL_DELAY", 3*time.Second),
		MaxSessions:         envIntOr("VOXGATE_MAX_SESSIONS", 100),
		CORSAllowedOrigins:  make(map[string]struct{}),
		ReadHeaderTimeout:   envDurationOr("VOXGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOXGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOXGATE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.DeepgramAPIKey) == "" {
		return Config{}, fmt.Errorf("VOXGATE_DEEPGRAM_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.DeepgramBaseURL) == "" {
		return Config{}, fmt.Errorf("VOXGATE_DEEPGRAM_BASE_URL must not be empty")
	}
	if cfg.STTEndpointingMS <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_STT_ENDPOINTING_MS must be > 0")
	}
	if cfg.TTSSampleRate <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_TTS_SAMPLE_RATE must be > 0")
	}
	if (cfg.SupabaseURL == "") != (cfg.SupabaseAPIKey == "") {
		return Config{}, fmt.Errorf("VOXGATE_SUPABASE_URL and VOXGATE_SUPABASE_API_KEY must be set together")
	}
	if cfg.ProfileCacheTTL <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_PROFILE_CACHE_TTL must be > 0")
	}
	if cfg.BackoffBase <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_BACKOFF_BASE must be > 0")
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		return Config{}, fmt.Errorf("VOXGATE_BACKOFF_CAP must be >= VOXGATE_BACKOFF_BASE")
	}
	if cfg.BackoffMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_BACKOFF_MAX_ATTEMPTS must be > 0")
	}
	if cfg.HistoryBound <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_HISTORY_BOUND must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_IDLE_TIMEOUT must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.EndCallDelay <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_END_CALL_DELAY must be > 0")
	}
	if cfg.MaxSessions < 0 {
		return Config{}, fmt.Errorf("VOXGATE_MAX_SESSIONS must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
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

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
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
