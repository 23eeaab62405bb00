package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxgate/voxgate/pkg/core/convo"
	"github.com/voxgate/voxgate/pkg/gateway/store"
)

// AssistantsHandler serves GET /v1/assistants/{id}: the client-visible slice
// of a resolved assistant profile, without the system prompt.
type AssistantsHandler struct {
	Store  store.Store
	Logger *slog.Logger
}

type assistantResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FirstMessage string `json:"first_message"`
	VoiceID      string `json:"voice_id"`
	Personality  string `json:"personality"`
}

func (h AssistantsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/assistants"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusNotFound, "assistant not found")
		return
	}

	var profile convo.Profile
	if id == "demo" || h.Store == nil {
		profile = convo.DefaultProfile()
	} else {
		var err error
		profile, err = h.Store.Assistant(r.Context(), id, r.URL.Query().Get("userId"))
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "assistant not found")
			return
		}
		if err != nil {
			if h.Logger != nil {
				h.Logger.Warn("assistant lookup failed", "assistant_id", id, "error", err)
			}
			writeJSONError(w, http.StatusBadGateway, "assistant store unavailable")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(assistantResponse{
		ID:           profile.ID,
		Name:         profile.Name,
		FirstMessage: profile.FirstMessage,
		VoiceID:      profile.VoiceID,
		Personality:  profile.Personality,
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
