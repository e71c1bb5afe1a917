package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/loomy/backend/config"
	dbpkg "github.com/onnwee/loomy/backend/db"
	"github.com/onnwee/loomy/backend/platform"
	"github.com/onnwee/loomy/backend/quota"
	"github.com/onnwee/loomy/backend/telemetry"
)

// DiscoverStreams checks every active account for live streams and opens (or
// reactivates) a session per stream, up to the account's concurrency cap.
// Returns the number of sessions started.
func DiscoverStreams(ctx context.Context, deps *Deps) (int, error) {
	accounts, err := ListActiveAccountIDs(ctx, deps.DB)
	if err != nil {
		return 0, fmt.Errorf("list active accounts: %w", err)
	}

	started := 0
	for _, accountID := range accounts {
		n, err := discoverForAccount(ctx, deps, accountID)
		if err != nil {
			slog.Warn("stream discovery failed for account",
				slog.Any("err", err),
				slog.String("account_id", accountID),
				slog.String("component", "discovery"))
			continue
		}
		started += n
	}
	return started, nil
}

func discoverForAccount(ctx context.Context, deps *Deps, accountID string) (int, error) {
	bc, err := GetBotConfig(ctx, deps.DB, deps.Cfg, accountID)
	if err != nil {
		return 0, fmt.Errorf("load bot config: %w", err)
	}
	channelID, refreshToken, err := dbpkg.GetAccountToken(ctx, deps.DB, accountID)
	if err != nil {
		return 0, fmt.Errorf("load account token: %w", err)
	}
	if refreshToken == "" {
		return 0, nil
	}
	creds := platform.Credentials{AccountID: accountID, RefreshToken: refreshToken, ChannelID: channelID}

	adapter, err := platform.ForPlatform(platform.YouTube)
	if err != nil {
		return 0, err
	}

	listCtx, cancel := context.WithTimeout(ctx, deps.Cfg.PlatformTimeout)
	streams, err := adapter.ActiveStreams(listCtx, creds)
	cancel()
	if terr := quota.Track(ctx, deps.DB, 1, 1); terr != nil {
		slog.Warn("quota tracking failed", slog.Any("err", terr), slog.String("component", "discovery"))
	}
	if err != nil {
		return 0, fmt.Errorf("list active streams: %w", err)
	}

	started := 0
	for _, st := range streams {
		if st.ChatID == "" {
			continue
		}
		// Re-check the cap per creation so a burst of simultaneous streams
		// cannot blow past it.
		active, err := CountActive(ctx, deps.DB, accountID)
		if err != nil {
			return started, fmt.Errorf("count active sessions: %w", err)
		}
		if active >= bc.MaxConcurrentStreams {
			slog.Info("stream cap reached, skipping remaining streams",
				slog.String("account_id", accountID),
				slog.Int("cap", bc.MaxConcurrentStreams),
				slog.String("component", "discovery"))
			break
		}

		ok, sessionID, err := openSession(ctx, deps, accountID, st)
		if err != nil {
			slog.Warn("open session failed", slog.Any("err", err),
				slog.String("broadcast_id", st.BroadcastID), slog.String("component", "discovery"))
			continue
		}
		if !ok {
			continue
		}
		started++
		if telemetry.DiscoveredSessions != nil {
			telemetry.DiscoveredSessions.Inc()
		}
		slog.Info("session started",
			slog.String("session_id", sessionID),
			slog.String("account_id", accountID),
			slog.String("title", st.Title),
			slog.String("component", "discovery"))
		sendWelcome(ctx, deps, adapter, st.ChatID, creds, bc.BotName, bc.TriggerPhrase)
	}
	return started, nil
}

// openSession creates a session for the stream or reactivates a finished one.
// Returns false when an ACTIVE session already covers the broadcast.
func openSession(ctx context.Context, deps *Deps, accountID string, st platform.ActiveStream) (bool, string, error) {
	existing, err := FindByBroadcast(ctx, deps.DB, platform.YouTube, st.BroadcastID)
	switch {
	case err == sql.ErrNoRows:
		s, err := CreateSession(ctx, deps.DB, accountID, platform.YouTube, st.BroadcastID, st.ChatID, st.Title, config.DefaultInitialIntervalMillis)
		if err != nil {
			return false, "", err
		}
		return true, s.ID, nil
	case err != nil:
		return false, "", err
	case existing.Status == StatusActive:
		return false, "", nil
	default:
		if err := Reactivate(ctx, deps.DB, existing.ID, st.ChatID, st.Title, config.DefaultInitialIntervalMillis); err != nil {
			return false, "", err
		}
		return true, existing.ID, nil
	}
}

// sendWelcome posts the greeting message. Best effort: a failed greeting never
// blocks the session.
func sendWelcome(ctx context.Context, deps *Deps, adapter platform.Adapter, chatID string, creds platform.Credentials, botName, trigger string) {
	msg := fmt.Sprintf("%s is here! Mention %s followed by your question and I'll answer.", botName, trigger)
	sendCtx, cancel := context.WithTimeout(ctx, deps.Cfg.PlatformTimeout)
	defer cancel()
	if err := adapter.SendMessage(sendCtx, chatID, msg, creds); err != nil {
		slog.Warn("welcome message failed", slog.Any("err", err), slog.String("component", "discovery"))
	}
}

// StartDiscoveryJob runs DiscoverStreams on an interval until ctx is
// cancelled, starting with an immediate run.
func StartDiscoveryJob(ctx context.Context, deps *Deps) {
	interval := deps.Cfg.DiscoveryInterval
	slog.Info("discovery job started", slog.Duration("interval", interval), slog.String("component", "discovery"))

	run := func() {
		runCtx := telemetry.WithCorrelationID(ctx, "")
		if _, err := DiscoverStreams(runCtx, deps); err != nil {
			slog.Error("stream discovery failed", slog.Any("err", err),
				slog.String("correlation_id", telemetry.CorrelationID(runCtx)),
				slog.String("component", "discovery"))
		}
		dbpkg.MarkJobRun(ctx, deps.DB, "discovery")
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("discovery job stopping", slog.String("component", "discovery"))
			return
		case <-ticker.C:
			run()
		}
	}
}
