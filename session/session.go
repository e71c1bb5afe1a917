// Package session manages stream chat sessions: discovery, polling,
// scheduling, reply delivery, and lifecycle cleanup.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/loomy/backend/config"
)

// Session statuses.
const (
	StatusActive = "ACTIVE"
	StatusPaused = "PAUSED"
	StatusEnded  = "ENDED"
	StatusError  = "ERROR"
)

// StreamSession mirrors a row of stream_sessions.
type StreamSession struct {
	ID                     string     `json:"id"`
	AccountID              string     `json:"account_id"`
	Platform               string     `json:"platform"`
	ExternalBroadcastID    string     `json:"external_broadcast_id"`
	ExternalChatID         string     `json:"external_chat_id"`
	Title                  string     `json:"title,omitempty"`
	Status                 string     `json:"status"`
	StartedAt              time.Time  `json:"started_at"`
	EndedAt                *time.Time `json:"ended_at,omitempty"`
	LastPolledAt           *time.Time `json:"last_polled_at,omitempty"`
	LastPageToken          string     `json:"-"`
	PollingIntervalMillis  int        `json:"polling_interval_ms"`
	ConsecutiveEmptyPolls  int        `json:"consecutive_empty_polls"`
	MessageCount           int        `json:"message_count"`
	LastProcessedMessageID string     `json:"-"`
	NextPollAt             *time.Time `json:"next_poll_at,omitempty"`
}

// BotConfig mirrors a row of bot_configs.
type BotConfig struct {
	AccountID            string `json:"account_id"`
	TriggerPhrase        string `json:"trigger_phrase"`
	BotName              string `json:"bot_name"`
	Personality          string `json:"personality"`
	IsActive             bool   `json:"is_active"`
	MaxConcurrentStreams int    `json:"max_concurrent_streams"`
	MessageRetentionDays int    `json:"message_retention_days"`
}

// Deps bundles the shared collaborators the session workers need.
type Deps struct {
	DB  *sql.DB
	Cfg *config.Config

	// Responder produces AI-generated answers. Optional; when nil the bot
	// records questions but sends no replies.
	Responder Responder
}

// Responder answers a viewer question on behalf of the configured bot
// persona, using whatever retrieval context it keeps for the account.
type Responder interface {
	Answer(ctx context.Context, accountID, author, question, personality, botName string) (string, error)
}

const sessionCols = `id, account_id, platform, external_broadcast_id, external_chat_id,
	COALESCE(title,''), status, started_at, ended_at, last_polled_at,
	COALESCE(last_page_token,''), polling_interval_ms, consecutive_empty_polls,
	message_count, COALESCE(last_processed_message_id,''), next_poll_at`

func scanSession(row interface{ Scan(...any) error }) (StreamSession, error) {
	var s StreamSession
	err := row.Scan(&s.ID, &s.AccountID, &s.Platform, &s.ExternalBroadcastID, &s.ExternalChatID,
		&s.Title, &s.Status, &s.StartedAt, &s.EndedAt, &s.LastPolledAt,
		&s.LastPageToken, &s.PollingIntervalMillis, &s.ConsecutiveEmptyPolls,
		&s.MessageCount, &s.LastProcessedMessageID, &s.NextPollAt)
	return s, err
}

// CreateSession inserts a new ACTIVE session due for immediate polling.
func CreateSession(ctx context.Context, db *sql.DB, accountID, plat, broadcastID, chatID, title string, intervalMillis int) (StreamSession, error) {
	id := uuid.NewString()
	row := db.QueryRowContext(ctx, `INSERT INTO stream_sessions
		(id, account_id, platform, external_broadcast_id, external_chat_id, title,
		 status, polling_interval_ms, next_poll_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
		RETURNING `+sessionCols,
		id, accountID, plat, broadcastID, chatID, title, StatusActive, intervalMillis)
	s, err := scanSession(row)
	if err != nil {
		return StreamSession{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// GetSession loads one session by id.
func GetSession(ctx context.Context, db *sql.DB, id string) (StreamSession, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM stream_sessions WHERE id=$1`, id)
	return scanSession(row)
}

// FindByBroadcast looks up a session by its platform-scoped broadcast id.
func FindByBroadcast(ctx context.Context, db *sql.DB, plat, broadcastID string) (StreamSession, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM stream_sessions
		WHERE platform=$1 AND external_broadcast_id=$2`, plat, broadcastID)
	return scanSession(row)
}

// ListSessions returns sessions, newest first, optionally filtered by status.
func ListSessions(ctx context.Context, db *sql.DB, status string, limit int) ([]StreamSession, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + sessionCols + ` FROM stream_sessions`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d`, limit)
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StreamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountActive reports how many sessions an account currently has in ACTIVE.
func CountActive(ctx context.Context, db *sql.DB, accountID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions
		WHERE account_id=$1 AND status=$2`, accountID, StatusActive).Scan(&n)
	return n, err
}

// MarkStatus transitions a session to the given status. ENDED sets ended_at;
// ERROR and PAUSED leave it NULL so ended_at always means a clean end. All
// three clear the poll schedule so the worker stops claiming the session.
func MarkStatus(ctx context.Context, db *sql.DB, id, status string) error {
	var err error
	switch status {
	case StatusEnded:
		_, err = db.ExecContext(ctx, `UPDATE stream_sessions
			SET status=$1, ended_at=NOW(), next_poll_at=NULL, updated_at=NOW() WHERE id=$2`, status, id)
	case StatusError, StatusPaused:
		_, err = db.ExecContext(ctx, `UPDATE stream_sessions
			SET status=$1, next_poll_at=NULL, updated_at=NOW() WHERE id=$2`, status, id)
	default:
		_, err = db.ExecContext(ctx, `UPDATE stream_sessions
			SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	}
	return err
}

// Reactivate flips a finished session back to ACTIVE and schedules an
// immediate poll. The dedup cursor is preserved so old messages are not
// replayed; the page token is cleared because the provider may have expired it.
func Reactivate(ctx context.Context, db *sql.DB, id, chatID, title string, intervalMillis int) error {
	_, err := db.ExecContext(ctx, `UPDATE stream_sessions
		SET status=$1, ended_at=NULL, external_chat_id=$2, title=$3,
		    polling_interval_ms=$4, consecutive_empty_polls=0,
		    last_page_token=NULL, next_poll_at=NOW(), updated_at=NOW()
		WHERE id=$5`, StatusActive, chatID, title, intervalMillis, id)
	return err
}

// GetBotConfig loads the bot configuration for an account, applying global
// defaults for any missing row fields.
func GetBotConfig(ctx context.Context, db *sql.DB, cfg *config.Config, accountID string) (BotConfig, error) {
	bc := BotConfig{
		AccountID:            accountID,
		TriggerPhrase:        cfg.DefaultTriggerPhrase,
		BotName:              cfg.DefaultBotName,
		Personality:          cfg.DefaultPersonality,
		MaxConcurrentStreams: cfg.DefaultMaxStreams,
		MessageRetentionDays: cfg.DefaultRetentionDays,
	}
	row := db.QueryRowContext(ctx, `SELECT trigger_phrase, bot_name, personality, is_active,
		max_concurrent_streams, message_retention_days FROM bot_configs WHERE account_id=$1`, accountID)
	err := row.Scan(&bc.TriggerPhrase, &bc.BotName, &bc.Personality, &bc.IsActive,
		&bc.MaxConcurrentStreams, &bc.MessageRetentionDays)
	if err == sql.ErrNoRows {
		return bc, nil
	}
	return bc, err
}

// UpsertBotConfig stores an account's bot configuration.
func UpsertBotConfig(ctx context.Context, db *sql.DB, bc BotConfig) error {
	_, err := db.ExecContext(ctx, `INSERT INTO bot_configs
		(account_id, trigger_phrase, bot_name, personality, is_active,
		 max_concurrent_streams, message_retention_days, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			trigger_phrase=EXCLUDED.trigger_phrase,
			bot_name=EXCLUDED.bot_name,
			personality=EXCLUDED.personality,
			is_active=EXCLUDED.is_active,
			max_concurrent_streams=EXCLUDED.max_concurrent_streams,
			message_retention_days=EXCLUDED.message_retention_days,
			updated_at=NOW()`,
		bc.AccountID, bc.TriggerPhrase, bc.BotName, bc.Personality, bc.IsActive,
		bc.MaxConcurrentStreams, bc.MessageRetentionDays)
	return err
}

// ListActiveAccountIDs returns accounts whose bot is switched on.
func ListActiveAccountIDs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT account_id FROM bot_configs WHERE is_active=TRUE ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
