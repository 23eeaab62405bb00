package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"

	"github.com/voxgate/voxgate/pkg/core/convo"
)

// assistantRow mirrors the assistants table.
type assistantRow struct {
	ID           string   `json:"id"`
	UserID       string   `json:"user_id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	FirstMessage string   `json:"first_message"`
	VoiceID      string   `json:"voice_id"`
	Model        string   `json:"model"`
	Personality  string   `json:"personality"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
}

type logRow struct {
	ID          string `json:"id"`
	CallID      string `json:"call_id"`
	AssistantID string `json:"assistant_id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	CreatedAt   string `json:"created_at"`
}

type SupabaseConfig struct {
	URL    string
	APIKey string
	Logger *slog.Logger
}

// Supabase resolves assistants and appends conversation logs against a
// Supabase project over PostgREST.
type Supabase struct {
	client *supabase.Client
	logger *slog.Logger
}

func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("store: supabase url and api key are required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("store: create supabase client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supabase{client: client, logger: logger}, nil
}

func (s *Supabase) Assistant(ctx context.Context, id, userID string) (convo.Profile, error) {
	_ = ctx

	query := s.client.From("assistants").
		Select("*", "", false).
		Eq("id", id)
	if strings.TrimSpace(userID) != "" {
		query = query.Eq("user_id", userID)
	}

	var row assistantRow
	if _, err := query.Single().ExecuteTo(&row); err != nil {
		if strings.Contains(err.Error(), "0 rows") || strings.Contains(err.Error(), "PGRST116") {
			return convo.Profile{}, ErrNotFound
		}
		return convo.Profile{}, fmt.Errorf("store: fetch assistant %q: %w", id, err)
	}

	return profileFromRow(row), nil
}

func (s *Supabase) AppendLog(ctx context.Context, entry LogEntry) error {
	_ = ctx

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	row := logRow{
		ID:          entry.ID,
		CallID:      entry.CallID,
		AssistantID: entry.AssistantID,
		Role:        entry.Role,
		Content:     entry.Content,
		CreatedAt:   entry.CreatedAt.Format(time.RFC3339Nano),
	}

	if _, _, err := s.client.From("conversation_logs").
		Insert(row, false, "", "minimal", "").
		Execute(); err != nil {
		return fmt.Errorf("store: append conversation log: %w", err)
	}
	return nil
}

// profileFromRow maps a table row onto a profile, filling gaps from the
// built-in default so partially configured assistants still work.
func profileFromRow(row assistantRow) convo.Profile {
	p := convo.DefaultProfile()
	p.ID = row.ID
	if row.Name != "" {
		p.Name = row.Name
	}
	if row.SystemPrompt != "" {
		p.SystemPrompt = row.SystemPrompt
	}
	if row.FirstMessage != "" {
		p.FirstMessage = row.FirstMessage
	}
	if row.VoiceID != "" {
		p.VoiceID = row.VoiceID
	}
	if row.Model != "" {
		p.Model = row.Model
	}
	if row.Personality != "" {
		p.Personality = row.Personality
	}
	if row.Temperature != nil {
		p.Temperature = *row.Temperature
	}
	if row.MaxTokens != nil {
		p.MaxTokens = *row.MaxTokens
	}
	return p
}
