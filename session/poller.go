package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/loomy/backend/bot"
	dbpkg "github.com/onnwee/loomy/backend/db"
	"github.com/onnwee/loomy/backend/platform"
	"github.com/onnwee/loomy/backend/quota"
	"github.com/onnwee/loomy/backend/telemetry"
)

// PollOnce runs a single poll cycle for one session: fetch new chat messages,
// deduplicate against the stored cursor, record them, enqueue reply jobs for
// triggered questions, and reschedule the session's next poll.
func PollOnce(ctx context.Context, deps *Deps, sessionID string) error {
	ctx, span := otel.Tracer("session").Start(ctx, "PollOnce",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	start := time.Now()
	log := slog.With(slog.String("session_id", sessionID), slog.String("component", "poller"))

	sess, err := GetSession(ctx, deps.DB, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status != StatusActive {
		return nil
	}

	bc, err := GetBotConfig(ctx, deps.DB, deps.Cfg, sess.AccountID)
	if err != nil {
		return fmt.Errorf("load bot config: %w", err)
	}
	if !bc.IsActive {
		log.Info("bot disabled for account, ending session")
		return MarkStatus(ctx, deps.DB, sess.ID, StatusEnded)
	}

	// Quota backoff skips the poll entirely but keeps the schedule alive at
	// double the current interval, so the system notices when the flag clears.
	if backoff, berr := quota.ShouldBackoff(ctx, deps.DB, deps.Cfg.QuotaSoftThreshold); berr == nil && backoff {
		log.Info("quota backoff active, skipping poll", slog.Int("retry_ms", sess.PollingIntervalMillis*2))
		telemetry.ObservePoll("quota_skip", time.Since(start).Seconds())
		_, uerr := deps.DB.ExecContext(ctx, `UPDATE stream_sessions SET
			next_poll_at=NOW() + ($1 * INTERVAL '1 millisecond'), updated_at=NOW() WHERE id=$2`,
			sess.PollingIntervalMillis*2, sess.ID)
		return uerr
	}

	channelID, refreshToken, err := dbpkg.GetAccountToken(ctx, deps.DB, sess.AccountID)
	if err != nil {
		return fmt.Errorf("load account token: %w", err)
	}
	creds := platform.Credentials{AccountID: sess.AccountID, RefreshToken: refreshToken, ChannelID: channelID}

	adapter, err := platform.ForPlatform(sess.Platform)
	if err != nil {
		return err
	}

	pollCtx, cancel := context.WithTimeout(ctx, deps.Cfg.PlatformTimeout)
	res, perr := adapter.PollMessages(pollCtx, sess.ExternalChatID, sess.LastPageToken, creds)
	cancel()

	// Every poll attempt consumes provider quota, success or not.
	if terr := quota.Track(ctx, deps.DB, 1, 1); terr != nil {
		log.Warn("quota tracking failed", slog.Any("err", terr))
	}

	if perr != nil {
		return handlePollError(ctx, deps, &sess, perr, start, log)
	}

	batch := bot.ProcessBatch(res.Messages, sess.LastProcessedMessageID, bc.TriggerPhrase, deps.Cfg.RecoveryBatchCap)
	newCount := batch.Total - batch.Skipped
	expiresAt := time.Now().UTC().AddDate(0, 0, bc.MessageRetentionDays)

	for _, ig := range batch.Ignored {
		if _, err := deps.DB.ExecContext(ctx, `INSERT INTO processed_messages
			(message_id, session_id, author_name, message_text, expires_at)
			VALUES ($1,$2,$3,$4,$5) ON CONFLICT (message_id) DO NOTHING`,
			ig.Message.ID, sess.ID, ig.Message.AuthorName, ig.Message.Text, expiresAt); err != nil {
			log.Warn("record message failed", slog.Any("err", err), slog.String("message_id", ig.Message.ID))
		}
	}

	enqueued := 0
	for _, r := range batch.ToReply {
		tag, err := deps.DB.ExecContext(ctx, `INSERT INTO processed_messages
			(message_id, session_id, author_name, message_text, question, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (message_id) DO NOTHING`,
			r.MessageID, sess.ID, r.AuthorName, r.Original, r.Question, expiresAt)
		if err != nil {
			log.Warn("record question failed", slog.Any("err", err), slog.String("message_id", r.MessageID))
			continue
		}
		// Zero rows means another worker (or a pre-recovery run) already
		// handled this message; never double-reply.
		if n, _ := tag.RowsAffected(); n == 0 {
			continue
		}
		if err := EnqueueReply(ctx, deps.DB, ReplyJob{
			SessionID:   sess.ID,
			MessageID:   r.MessageID,
			AuthorName:  r.AuthorName,
			MessageText: r.Original,
			Question:    r.Question,
		}); err != nil {
			log.Warn("enqueue reply failed", slog.Any("err", err), slog.String("message_id", r.MessageID))
			continue
		}
		enqueued++
	}

	// Raw batch size drives the activity counters: a window of already-seen
	// messages still proves the chat is alive (dedup only guards replies).
	emptyPolls := sess.ConsecutiveEmptyPolls
	if batch.Total == 0 {
		emptyPolls++
	} else {
		emptyPolls = 0
	}
	interval := bot.NextPollingInterval(sess.PollingIntervalMillis, emptyPolls, res.PollingIntervalMillis)

	cursor := sess.LastProcessedMessageID
	if batch.LastSeenID != "" {
		cursor = batch.LastSeenID
	}
	_, err = deps.DB.ExecContext(ctx, `UPDATE stream_sessions SET
		last_page_token=$1, last_processed_message_id=$2, consecutive_empty_polls=$3,
		polling_interval_ms=$4, message_count=message_count+$5, last_polled_at=NOW(),
		next_poll_at=NOW() + ($4 * INTERVAL '1 millisecond'), updated_at=NOW()
		WHERE id=$6`,
		res.NextPageToken, nullIfEmpty(cursor), emptyPolls, interval, batch.Total, sess.ID)
	if err != nil {
		return fmt.Errorf("update session after poll: %w", err)
	}

	outcome := "ok"
	if batch.Total == 0 {
		outcome = "empty"
	}
	telemetry.ObservePoll(outcome, time.Since(start).Seconds())
	if telemetry.MessagesProcessed != nil && newCount > 0 {
		telemetry.MessagesProcessed.Add(float64(newCount))
	}
	if newCount > 0 || enqueued > 0 {
		log.Info("poll complete",
			slog.Int("new_messages", newCount),
			slog.Int("replies_enqueued", enqueued),
			slog.Int("next_interval_ms", interval),
			slog.Bool("chat_active", bot.IsChatActive(emptyPolls)))
	}
	return nil
}

func handlePollError(ctx context.Context, deps *Deps, sess *StreamSession, perr error, start time.Time, log *slog.Logger) error {
	switch ClassifyPollError(perr) {
	case ErrEnded:
		log.Info("live chat ended", slog.Any("err", perr))
		telemetry.ObservePoll("ended", time.Since(start).Seconds())
		return MarkStatus(ctx, deps.DB, sess.ID, StatusEnded)
	case ErrCritical:
		log.Error("critical poll failure, marking session ERROR", slog.Any("err", perr))
		telemetry.ObservePoll("error", time.Since(start).Seconds())
		return MarkStatus(ctx, deps.DB, sess.ID, StatusError)
	default:
		// Transient failure: retry at the unmodified interval, no status
		// change. last_polled_at is left alone so it only ever records a
		// successful poll.
		log.Warn("transient poll failure", slog.Any("err", perr), slog.Int("retry_ms", sess.PollingIntervalMillis))
		telemetry.ObservePoll("error", time.Since(start).Seconds())
		_, err := deps.DB.ExecContext(ctx, `UPDATE stream_sessions SET
			next_poll_at=NOW() + ($1 * INTERVAL '1 millisecond'), updated_at=NOW()
			WHERE id=$2`, sess.PollingIntervalMillis, sess.ID)
		return err
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
