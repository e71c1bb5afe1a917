// Package db provides database connection helpers, schema migration, and
// small data access helpers shared across packages.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/loomy/backend/crypto"
)

var (
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the token encryptor from ENCRYPTION_KEY. If the
// key is not set, tokens are stored in plaintext (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, refresh tokens will be stored in plaintext",
				slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("err", encryptorErr),
				slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("refresh token encryption enabled (AES-256-GCM)",
			slog.String("component", "db_encryption"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			youtube_channel_id TEXT,
			youtube_refresh_token TEXT,
			encryption_version INTEGER DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS bot_configs (
			account_id TEXT PRIMARY KEY REFERENCES accounts(id),
			trigger_phrase TEXT NOT NULL,
			bot_name TEXT NOT NULL DEFAULT 'Loomy',
			personality TEXT NOT NULL DEFAULT 'friendly',
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			max_concurrent_streams INTEGER NOT NULL DEFAULT 3,
			message_retention_days INTEGER NOT NULL DEFAULT 30,
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS stream_sessions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			external_broadcast_id TEXT NOT NULL,
			external_chat_id TEXT NOT NULL,
			title TEXT,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			started_at TIMESTAMPTZ DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			last_polled_at TIMESTAMPTZ,
			last_page_token TEXT,
			polling_interval_ms INTEGER NOT NULL DEFAULT 5000,
			consecutive_empty_polls INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			last_processed_message_id TEXT,
			next_poll_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			UNIQUE (platform, external_broadcast_id)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			id SERIAL PRIMARY KEY,
			message_id TEXT UNIQUE NOT NULL,
			session_id TEXT NOT NULL,
			author_name TEXT,
			message_text TEXT,
			question TEXT,
			bot_reply TEXT,
			processed_at TIMESTAMPTZ DEFAULT NOW(),
			expires_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS reply_jobs (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			author_name TEXT,
			message_text TEXT,
			question TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS api_quota (
			day DATE PRIMARY KEY,
			request_count INTEGER NOT NULL DEFAULT 0,
			estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			backoff_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_next_poll ON stream_sessions(status, next_poll_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_account ON stream_sessions(account_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_session ON processed_messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_expires ON processed_messages(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reply_jobs_created ON reply_jobs(created_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// UpsertAccountToken stores or updates an account's YouTube refresh token,
// encrypting it when ENCRYPTION_KEY is configured.
func UpsertAccountToken(ctx context.Context, dbx *sql.DB, accountID, channelID, refreshToken string) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion := 0
	toStore := refreshToken
	if enc != nil && refreshToken != "" {
		encVersion = 1
		ct, err := crypto.EncryptString(enc, refreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		toStore = ct
	}

	_, err = dbx.ExecContext(ctx, `INSERT INTO accounts (id, youtube_channel_id, youtube_refresh_token, encryption_version, updated_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (id) DO UPDATE SET
			youtube_channel_id=EXCLUDED.youtube_channel_id,
			youtube_refresh_token=EXCLUDED.youtube_refresh_token,
			encryption_version=EXCLUDED.encryption_version,
			updated_at=NOW()`, accountID, channelID, toStore, encVersion)
	return err
}

// GetAccountToken retrieves (and if needed decrypts) an account's channel id
// and refresh token. Returns zero values when the account has no token.
func GetAccountToken(ctx context.Context, dbx *sql.DB, accountID string) (channelID, refreshToken string, err error) {
	var stored sql.NullString
	var channel sql.NullString
	var encVersion int
	row := dbx.QueryRowContext(ctx, `SELECT youtube_channel_id, youtube_refresh_token, COALESCE(encryption_version,0)
		FROM accounts WHERE id=$1`, accountID)
	if err := row.Scan(&channel, &stored, &encVersion); err != nil {
		if err == sql.ErrNoRows {
			return "", "", nil
		}
		return "", "", err
	}

	refreshToken = stored.String
	if encVersion == 1 && refreshToken != "" {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return "", "", fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return "", "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		plain, decErr := crypto.DecryptString(enc, refreshToken)
		if decErr != nil {
			return "", "", fmt.Errorf("decrypt refresh token: %w", decErr)
		}
		refreshToken = plain
	}
	return channel.String, refreshToken, nil
}

// SetKV upserts an operational key/value pair (job heartbeats, feature state).
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) {
	_, _ = dbx.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
}

// GetKV returns the stored value for key, or "" if absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) string {
	var v string
	_ = dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	return v
}

// MarkJobRun records a job heartbeat timestamp in kv for /status reporting.
func MarkJobRun(ctx context.Context, dbx *sql.DB, job string) {
	SetKV(ctx, dbx, "job_"+job+"_last", time.Now().UTC().Format(time.RFC3339))
}
