package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxgate/voxgate/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		StoreEnabled  bool     `json:"store_enabled"`
		CacheEnabled  bool     `json:"cache_enabled"`
		GeminiEnabled bool     `json:"gemini_enabled"`
		MaxSessions   int      `json:"max_sessions"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.DeepgramAPIKey == "" {
		issues = append(issues, "deepgram api key not configured")
	}
	if h.Config.BackoffBase <= 0 || h.Config.BackoffCap < h.Config.BackoffBase || h.Config.BackoffMaxAttempts <= 0 {
		issues = append(issues, "invalid reconnect backoff policy")
	}
	if h.Config.HistoryBound <= 0 {
		issues = append(issues, "history bound must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 || h.Config.WSIdleTimeout <= 0 {
		issues = append(issues, "websocket timings must be > 0")
	}
	if h.Config.HandshakeTimeout <= 0 {
		issues = append(issues, "handshake timeout must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		StoreEnabled:  h.Config.SupabaseURL != "",
		CacheEnabled:  h.Config.RedisAddr != "",
		GeminiEnabled: h.Config.GeminiAPIKey != "",
		MaxSessions:   h.Config.MaxSessions,
		Issues:        issues,
	})
}
