package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/loomy/backend/bot"
	dbpkg "github.com/onnwee/loomy/backend/db"
	"github.com/onnwee/loomy/backend/platform"
	"github.com/onnwee/loomy/backend/quota"
	"github.com/onnwee/loomy/backend/telemetry"
)

// ReplyJob is one pending answer to a triggered chat question. Jobs live in
// the reply_jobs table so queued replies survive restarts.
type ReplyJob struct {
	ID          int64
	SessionID   string
	MessageID   string
	AuthorName  string
	MessageText string
	Question    string
}

// EnqueueReply persists a reply job for the worker pool.
func EnqueueReply(ctx context.Context, db *sql.DB, job ReplyJob) error {
	_, err := db.ExecContext(ctx, `INSERT INTO reply_jobs
		(session_id, message_id, author_name, message_text, question)
		VALUES ($1,$2,$3,$4,$5)`,
		job.SessionID, job.MessageID, job.AuthorName, job.MessageText, job.Question)
	if err != nil {
		return fmt.Errorf("enqueue reply: %w", err)
	}
	return nil
}

const replyIdleSleep = 2 * time.Second

// StartReplyWorkers runs n reply workers until ctx is cancelled. Each worker
// repeatedly claims the oldest job, generates an answer, and posts it to the
// stream chat.
func StartReplyWorkers(ctx context.Context, deps *Deps, n int) {
	if n <= 0 {
		n = 1
	}
	slog.Info("reply workers started", slog.Int("workers", n), slog.String("component", "reply_worker"))
	for i := 0; i < n; i++ {
		go replyWorkerLoop(ctx, deps, i)
	}
}

func replyWorkerLoop(ctx context.Context, deps *Deps, worker int) {
	log := slog.With(slog.Int("worker", worker), slog.String("component", "reply_worker"))
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := claimReplyJob(ctx, deps.DB)
		if err != nil {
			log.Error("claim reply job failed", slog.Any("err", err))
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(replyIdleSleep):
			}
			continue
		}
		processReplyJob(ctx, deps, job, log)
	}
}

// claimReplyJob removes and returns the oldest queued job. SKIP LOCKED keeps
// concurrent workers from fighting over the same row.
func claimReplyJob(ctx context.Context, db *sql.DB) (ReplyJob, bool, error) {
	var j ReplyJob
	row := db.QueryRowContext(ctx, `DELETE FROM reply_jobs WHERE id = (
			SELECT id FROM reply_jobs ORDER BY created_at, id LIMIT 1 FOR UPDATE SKIP LOCKED
		) RETURNING id, session_id, message_id, COALESCE(author_name,''), COALESCE(message_text,''), COALESCE(question,'')`)
	err := row.Scan(&j.ID, &j.SessionID, &j.MessageID, &j.AuthorName, &j.MessageText, &j.Question)
	if err == sql.ErrNoRows {
		return ReplyJob{}, false, nil
	}
	if err != nil {
		return ReplyJob{}, false, err
	}
	return j, true, nil
}

// processReplyJob generates and sends one reply. Any failure is terminal for
// the job: the question stays recorded with a null bot_reply and the stream
// moves on, rather than stalling the queue on a poison message.
func processReplyJob(ctx context.Context, deps *Deps, job ReplyJob, log *slog.Logger) {
	log = log.With(slog.String("session_id", job.SessionID), slog.String("message_id", job.MessageID))

	sess, err := GetSession(ctx, deps.DB, job.SessionID)
	if err != nil || sess.Status != StatusActive {
		log.Info("dropping reply for inactive session")
		telemetry.ObserveReply("dropped")
		return
	}
	if deps.Responder == nil {
		log.Warn("no responder configured, dropping reply")
		telemetry.ObserveReply("dropped")
		return
	}

	bc, err := GetBotConfig(ctx, deps.DB, deps.Cfg, sess.AccountID)
	if err != nil {
		log.Error("load bot config failed", slog.Any("err", err))
		telemetry.ObserveReply("failed")
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, deps.Cfg.GenerateTimeout)
	answer, err := deps.Responder.Answer(genCtx, sess.AccountID, job.AuthorName, job.Question, bc.Personality, bc.BotName)
	cancel()
	if err != nil {
		log.Error("generate reply failed", slog.Any("err", err))
		telemetry.ObserveReply("failed")
		return
	}

	text := bot.FormatReply(job.AuthorName, answer)
	channelID, refreshToken, err := dbpkg.GetAccountToken(ctx, deps.DB, sess.AccountID)
	if err != nil {
		log.Error("load account token failed", slog.Any("err", err))
		telemetry.ObserveReply("failed")
		return
	}
	adapter, err := platform.ForPlatform(sess.Platform)
	if err != nil {
		log.Error("no platform adapter", slog.Any("err", err))
		telemetry.ObserveReply("failed")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, deps.Cfg.PlatformTimeout)
	err = adapter.SendMessage(sendCtx, sess.ExternalChatID, text, platform.Credentials{
		AccountID: sess.AccountID, RefreshToken: refreshToken, ChannelID: channelID,
	})
	cancel()
	// The send is an API request whether or not it succeeded.
	if terr := quota.Track(ctx, deps.DB, 1, 1); terr != nil {
		log.Warn("quota tracking failed", slog.Any("err", terr))
	}
	if err != nil {
		log.Error("send reply failed", slog.Any("err", err))
		telemetry.ObserveReply("failed")
		return
	}

	if _, err := deps.DB.ExecContext(ctx, `UPDATE processed_messages SET bot_reply=$1 WHERE message_id=$2`, text, job.MessageID); err != nil {
		log.Warn("record bot reply failed", slog.Any("err", err))
	}
	telemetry.ObserveReply("sent")
	log.Info("reply sent", slog.String("author", job.AuthorName), slog.Int("len", len(text)))
}
