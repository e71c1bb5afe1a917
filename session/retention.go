package session

import (
	"context"
	"log/slog"
	"time"

	dbpkg "github.com/onnwee/loomy/backend/db"
)

// SweepRetention deletes processed messages past their expiry, plus orphans
// whose session row no longer exists. Returns total rows removed.
func SweepRetention(ctx context.Context, deps *Deps) (int64, error) {
	var removed int64

	res, err := deps.DB.ExecContext(ctx, `DELETE FROM processed_messages
		WHERE expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return removed, err
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = deps.DB.ExecContext(ctx, `DELETE FROM processed_messages pm
		WHERE NOT EXISTS (SELECT 1 FROM stream_sessions s WHERE s.id = pm.session_id)`)
	if err != nil {
		return removed, err
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}
	return removed, nil
}

// StartRetentionJob sweeps expired messages on an interval until ctx is
// cancelled, starting with an immediate run.
func StartRetentionJob(ctx context.Context, deps *Deps) {
	interval := deps.Cfg.RetentionSweepInterval
	slog.Info("retention job started", slog.Duration("interval", interval), slog.String("component", "retention"))

	run := func() {
		n, err := SweepRetention(ctx, deps)
		if err != nil {
			slog.Error("retention sweep failed", slog.Any("err", err), slog.String("component", "retention"))
			return
		}
		if n > 0 {
			slog.Info("retention sweep removed messages", slog.Int64("removed", n), slog.String("component", "retention"))
		}
		dbpkg.MarkJobRun(ctx, deps.DB, "retention")
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopping", slog.String("component", "retention"))
			return
		case <-ticker.C:
			run()
		}
	}
}
