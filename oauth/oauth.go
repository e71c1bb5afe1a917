// Package oauth handles the YouTube account connection flow and keeps stored
// refresh tokens healthy.
package oauth

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/onnwee/loomy/backend/config"
	dbpkg "github.com/onnwee/loomy/backend/db"
)

// Config builds the oauth2 client configuration for the YouTube Data API.
func Config(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       strings.Fields(cfg.YTScopes),
		Endpoint:     google.Endpoint,
	}
}

// AuthCodeURL returns the consent page URL for connecting a channel. Offline
// access with forced consent guarantees Google returns a refresh token.
func AuthCodeURL(cfg *config.Config, state string) string {
	return Config(cfg).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange swaps an authorization code for tokens.
func Exchange(ctx context.Context, cfg *config.Config, code string) (*oauth2.Token, error) {
	tok, err := Config(cfg).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth exchange: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("oauth exchange: no refresh token returned")
	}
	return tok, nil
}

// StartRefresher periodically verifies every stored refresh token by minting
// an access token. A token Google rejects is logged loudly so the operator
// can reconnect the channel before its sessions start failing. Runs until
// ctx is cancelled, with start times jittered to avoid herd refreshes.
func StartRefresher(ctx context.Context, db *sql.DB, cfg *config.Config, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	slog.Info("token refresher started", slog.Duration("interval", interval), slog.String("component", "oauth_refresher"))

	for {
		jitter := time.Duration(rand.Int63n(int64(interval) / 10))
		select {
		case <-ctx.Done():
			slog.Info("token refresher stopping", slog.String("component", "oauth_refresher"))
			return
		case <-time.After(interval + jitter):
			verifyAll(ctx, db, cfg)
			dbpkg.MarkJobRun(ctx, db, "oauth_refresher")
		}
	}
}

func verifyAll(ctx context.Context, db *sql.DB, cfg *config.Config) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM accounts WHERE youtube_refresh_token IS NOT NULL AND youtube_refresh_token <> ''`)
	if err != nil {
		slog.Error("list accounts for refresh failed", slog.Any("err", err), slog.String("component", "oauth_refresher"))
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			slog.Error("scan account failed", slog.Any("err", err), slog.String("component", "oauth_refresher"))
			return
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		_, refreshToken, err := dbpkg.GetAccountToken(ctx, db, id)
		if err != nil || refreshToken == "" {
			continue
		}
		tokCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err = Config(cfg).TokenSource(tokCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		cancel()
		if err != nil {
			slog.Error("stored refresh token no longer works, channel needs reconnecting",
				slog.Any("err", err),
				slog.String("account_id", id),
				slog.String("component", "oauth_refresher"))
		}
	}
}
