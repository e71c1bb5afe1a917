package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/loomy/backend/telemetry"
)

// claimLease is how far a claimed session's next_poll_at is pushed forward
// before PollOnce reschedules it properly. It bounds the re-claim delay if a
// worker dies mid-poll.
const claimLease = 2 * time.Minute

// StartPollWorker runs the poll scheduler loop until ctx is cancelled. Each
// tick it claims due ACTIVE sessions and polls them on a bounded goroutine
// pool. The schedule lives in the database, so multiple processes can run
// this worker without double-polling.
func StartPollWorker(ctx context.Context, deps *Deps) {
	interval := deps.Cfg.PollClaimInterval
	sem := make(chan struct{}, deps.Cfg.MaxConcurrentPolls)
	slog.Info("poll worker started",
		slog.Duration("claim_interval", interval),
		slog.Int("max_concurrent", deps.Cfg.MaxConcurrentPolls),
		slog.String("component", "poll_worker"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("poll worker stopping", slog.String("component", "poll_worker"))
			return
		case <-ticker.C:
			claimAndPoll(ctx, deps, sem)
		}
	}
}

// claimAndPoll atomically claims every due session by pushing its due time
// forward, then polls each one concurrently.
func claimAndPoll(ctx context.Context, deps *Deps, sem chan struct{}) {
	rows, err := deps.DB.QueryContext(ctx, `UPDATE stream_sessions
		SET next_poll_at = NOW() + ($1 * INTERVAL '1 millisecond'), updated_at = NOW()
		WHERE status = $2 AND next_poll_at IS NOT NULL AND next_poll_at <= NOW()
		RETURNING id`, claimLease.Milliseconds(), StatusActive)
	if err != nil {
		slog.Error("claim due sessions failed", slog.Any("err", err), slog.String("component", "poll_worker"))
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			slog.Error("scan claimed session failed", slog.Any("err", err), slog.String("component", "poll_worker"))
			return
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(sessionID string) {
			defer func() { <-sem }()
			pollCtx := telemetry.WithCorrelationID(ctx, "")
			if err := PollOnce(pollCtx, deps, sessionID); err != nil {
				slog.Error("poll failed",
					slog.Any("err", err),
					slog.String("session_id", sessionID),
					slog.String("correlation_id", telemetry.CorrelationID(pollCtx)),
					slog.String("component", "poll_worker"))
			}
		}(id)
	}
}
