package session

import (
	"context"
	"log/slog"
	"time"

	dbpkg "github.com/onnwee/loomy/backend/db"
	"github.com/onnwee/loomy/backend/platform"
)

// ReapStale inspects ACTIVE sessions that have not been polled within
// staleAfter. A session whose broadcast is gone from the platform is ended;
// one whose broadcast is still live gets rescheduled and a loud warning,
// since a live stream going unpolled means the scheduler is unhealthy.
func ReapStale(ctx context.Context, deps *Deps, staleAfter time.Duration) error {
	rows, err := deps.DB.QueryContext(ctx, `SELECT `+sessionCols+` FROM stream_sessions
		WHERE status=$1 AND COALESCE(last_polled_at, started_at) < NOW() - ($2 * INTERVAL '1 second')`,
		StatusActive, int64(staleAfter.Seconds()))
	if err != nil {
		return err
	}
	var stale []StreamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, sess := range stale {
		reapOne(ctx, deps, sess)
	}
	return nil
}

func reapOne(ctx context.Context, deps *Deps, sess StreamSession) {
	log := slog.With(slog.String("session_id", sess.ID), slog.String("component", "reaper"))

	channelID, refreshToken, err := dbpkg.GetAccountToken(ctx, deps.DB, sess.AccountID)
	if err != nil {
		log.Warn("load account token failed", slog.Any("err", err))
		return
	}
	adapter, err := platform.ForPlatform(sess.Platform)
	if err != nil {
		log.Warn("no platform adapter for stale session", slog.Any("err", err))
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, deps.Cfg.PlatformTimeout)
	streams, err := adapter.ActiveStreams(listCtx, platform.Credentials{
		AccountID: sess.AccountID, RefreshToken: refreshToken, ChannelID: channelID,
	})
	cancel()
	if err != nil {
		log.Warn("recheck broadcast failed, leaving session as is", slog.Any("err", err))
		return
	}

	for _, st := range streams {
		if st.BroadcastID == sess.ExternalBroadcastID {
			log.Error("session stale but broadcast still live, rescheduling poll",
				slog.String("broadcast_id", sess.ExternalBroadcastID),
				slog.Time("last_polled_at", derefTime(sess.LastPolledAt)))
			_, uerr := deps.DB.ExecContext(ctx, `UPDATE stream_sessions
				SET next_poll_at=NOW(), updated_at=NOW() WHERE id=$1`, sess.ID)
			if uerr != nil {
				log.Error("reschedule stale session failed", slog.Any("err", uerr))
			}
			return
		}
	}

	log.Info("broadcast gone, ending stale session", slog.String("broadcast_id", sess.ExternalBroadcastID))
	if err := MarkStatus(ctx, deps.DB, sess.ID, StatusEnded); err != nil {
		log.Error("end stale session failed", slog.Any("err", err))
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// StartReaperJob periodically reaps stale sessions until ctx is cancelled.
func StartReaperJob(ctx context.Context, deps *Deps) {
	interval := deps.Cfg.ReaperInterval
	slog.Info("reaper job started", slog.Duration("interval", interval), slog.String("component", "reaper"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper job stopping", slog.String("component", "reaper"))
			return
		case <-ticker.C:
			if err := ReapStale(ctx, deps, deps.Cfg.StaleAfter); err != nil {
				slog.Error("reap stale sessions failed", slog.Any("err", err), slog.String("component", "reaper"))
			}
			dbpkg.MarkJobRun(ctx, deps.DB, "reaper")
		}
	}
}
