package session_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/loomy/backend/config"
	dbpkg "github.com/onnwee/loomy/backend/db"
	"github.com/onnwee/loomy/backend/platform"
	"github.com/onnwee/loomy/backend/quota"
	"github.com/onnwee/loomy/backend/session"
	"github.com/onnwee/loomy/backend/testutil"
)

func testDeps(t *testing.T) (*session.Deps, *sql.DB) {
	t.Helper()
	d := testutil.SetupTestDB(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &session.Deps{DB: d, Cfg: cfg}, d
}

func seedAccount(t *testing.T, d *sql.DB, accountID string) {
	t.Helper()
	ctx := context.Background()
	if err := dbpkg.UpsertAccountToken(ctx, d, accountID, "chan-"+accountID, "refresh-"+accountID); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := session.UpsertBotConfig(ctx, d, session.BotConfig{
		AccountID:            accountID,
		TriggerPhrase:        "@loomy",
		BotName:              "Loomy",
		Personality:          "friendly",
		IsActive:             true,
		MaxConcurrentStreams: 2,
		MessageRetentionDays: 30,
	}); err != nil {
		t.Fatalf("seed bot config: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	_, d := testDeps(t)
	ctx := context.Background()
	seedAccount(t, d, "acct1")

	s, err := session.CreateSession(ctx, d, "acct1", platform.YouTube, "bcast1", "chat1", "My Stream", 5000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Status != session.StatusActive {
		t.Errorf("status = %q, want ACTIVE", s.Status)
	}
	if s.NextPollAt == nil {
		t.Error("new session has no next_poll_at")
	}
	if s.PollingIntervalMillis != 5000 {
		t.Errorf("interval = %d, want 5000", s.PollingIntervalMillis)
	}

	// Duplicate broadcast rejected by the unique constraint.
	if _, err := session.CreateSession(ctx, d, "acct1", platform.YouTube, "bcast1", "chat1", "dup", 5000); err == nil {
		t.Error("duplicate broadcast create succeeded, want error")
	}

	if err := session.MarkStatus(ctx, d, s.ID, session.StatusEnded); err != nil {
		t.Fatalf("mark ended: %v", err)
	}
	got, err := session.GetSession(ctx, d, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != session.StatusEnded || got.EndedAt == nil || got.NextPollAt != nil {
		t.Errorf("ended session = %+v; want ENDED with ended_at set and no next_poll_at", got)
	}

	if err := session.Reactivate(ctx, d, s.ID, "chat1b", "My Stream pt2", 5000); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	got, _ = session.GetSession(ctx, d, s.ID)
	if got.Status != session.StatusActive || got.NextPollAt == nil {
		t.Errorf("reactivated session = %+v; want ACTIVE and due", got)
	}
	if got.ExternalChatID != "chat1b" {
		t.Errorf("chat id = %q, want chat1b", got.ExternalChatID)
	}

	n, err := session.CountActive(ctx, d, "acct1")
	if err != nil || n != 1 {
		t.Errorf("CountActive = %d (%v), want 1", n, err)
	}
}

func TestPollOnceRecordsAndEnqueues(t *testing.T) {
	deps, d := testDeps(t)
	ctx := context.Background()
	seedAccount(t, d, "acct1")

	stub := &testutil.StubAdapter{
		PollResults: []platform.PollResult{{
			Messages: []platform.Message{
				{ID: "m1", Text: "hello there", AuthorName: "alice"},
				{ID: "m2", Text: "@loomy what game is this", AuthorName: "bob"},
			},
			NextPageToken:         "page2",
			PollingIntervalMillis: 3000,
		}},
	}
	platform.Register(platform.YouTube, stub)

	s, err := session.CreateSession(ctx, d, "acct1", platform.YouTube, "bcast1", "chat1", "t", 5000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := session.PollOnce(ctx, deps, s.ID); err != nil {
		t.Fatalf("poll once: %v", err)
	}

	got, _ := session.GetSession(ctx, d, s.ID)
	if got.LastProcessedMessageID != "m2" {
		t.Errorf("cursor = %q, want m2", got.LastProcessedMessageID)
	}
	if got.LastPageToken != "page2" {
		t.Errorf("page token = %q, want page2", got.LastPageToken)
	}
	if got.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2", got.MessageCount)
	}
	if got.PollingIntervalMillis != 3000 {
		t.Errorf("interval = %d, want platform-recommended 3000", got.PollingIntervalMillis)
	}

	var recorded int
	if err := d.QueryRow(`SELECT COUNT(*) FROM processed_messages WHERE session_id=$1`, s.ID).Scan(&recorded); err != nil {
		t.Fatalf("count processed: %v", err)
	}
	if recorded != 2 {
		t.Errorf("processed_messages = %d, want 2", recorded)
	}
	var jobs int
	if err := d.QueryRow(`SELECT COUNT(*) FROM reply_jobs WHERE session_id=$1`, s.ID).Scan(&jobs); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if jobs != 1 {
		t.Errorf("reply_jobs = %d, want 1", jobs)
	}

	// Polling the same batch again must not re-record or re-enqueue, but the
	// raw window still counts as chat activity.
	mustExec(t, d, `UPDATE stream_sessions SET consecutive_empty_polls=3 WHERE id=$1`, s.ID)
	if err := session.PollOnce(ctx, deps, s.ID); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	_ = d.QueryRow(`SELECT COUNT(*) FROM reply_jobs WHERE session_id=$1`, s.ID).Scan(&jobs)
	if jobs != 1 {
		t.Errorf("reply_jobs after repoll = %d, want 1", jobs)
	}
	got, _ = session.GetSession(ctx, d, s.ID)
	if got.ConsecutiveEmptyPolls != 0 {
		t.Errorf("consecutive_empty_polls = %d, want 0 for a non-empty window", got.ConsecutiveEmptyPolls)
	}
	if got.MessageCount != 4 {
		t.Errorf("message_count = %d, want 4 after two polls of the same window", got.MessageCount)
	}
}

func TestPollOnceEndsSessionWhenBotDisabled(t *testing.T) {
	deps, d := testDeps(t)
	ctx := context.Background()
	seedAccount(t, d, "acct1")
	bc, _ := session.GetBotConfig(ctx, d, deps.Cfg, "acct1")
	bc.IsActive = false
	if err := session.UpsertBotConfig(ctx, d, bc); err != nil {
		t.Fatalf("disable bot: %v", err)
	}

	stub := &testutil.StubAdapter{}
	platform.Register(platform.YouTube, stub)

	s, _ := session.CreateSession(ctx, d, "acct1", platform.YouTube, "bcast1", "chat1", "t", 5000)
	if err := session.PollOnce(ctx, deps, s.ID); err != nil {
		t.Fatalf("poll once: %v", err)
	}
	got, _ := session.GetSession(ctx, d, s.ID)
	if got.Status != session.StatusEnded {
		t.Errorf("status = %q, want ENDED for disabled bot", got.Status)
	}
	if stub.PollCalls() != 0 {
		t.Errorf("poll calls = %d, want 0 for disabled bot", stub.PollCalls())
	}
}

func TestPollOnceSkipsWhenQuotaBackoffActive(t *testing.T) {
	deps, d := testDeps(t)
	ctx := context.Background()
	seedAccount(t, d, "acct1")

	// Push today's usage past the soft threshold and engage the flag.
	if err := quota.Track(ctx, d, deps.Cfg.QuotaSoftThreshold+1, 0); err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, err := quota.ShouldBackoff(ctx, d, deps.Cfg.QuotaSoftThreshold); err != nil {
		t.Fatalf("engage backoff: %v", err)
	}

	stub := &testutil.StubAdapter{}
	platform.Register(platform.YouTube, stub)

	s, _ := session.CreateSession(ctx, d, "acct1", platform.YouTube, "bcast1", "chat1", "t", 5000)
	if err := session.PollOnce(ctx, deps, s.ID); err != nil {
		t.Fatalf("poll once: %v", err)
	}
	if stub.PollCalls() != 0 {
		t.Errorf("poll calls = %d, want 0 under quota backoff", stub.PollCalls())
	}
	got, _ := session.GetSession(ctx, d, s.ID)
	if got.Status != session.StatusActive {
		t.Errorf("status = %q, want still ACTIVE", got.Status)
	}
	if got.NextPollAt == nil || !got.NextPollAt.After(time.Now()) {
		t.Error("quota skip did not reschedule the session")
	}
}

func TestPollOnceEndsSessionOnChatEnded(t *testing.T) {
	deps, d := testDeps(t)
	ctx := context.Background()
	seedAccount(t, d, "acct1")

	stub := &testutil.StubAdapter{PollErr: errors.New("googleapi: Error 403: liveChatEnded")}
	platform.Register(platform.YouTube, stub)

	s, _ := session.CreateSession(ctx, d, "acct1", platform.YouTube, "bcast1", "chat1", "t", 5000)
	if err := session.PollOnce(ctx, deps, s.ID); err != nil {
		t.Fatalf("poll once: %v", err)
	}
	got, _ := session.GetSession(ctx, d, s.ID)
	if got.Status != session.StatusEnded {
		t.Errorf("status = %q, want ENDED", got.Status)
	}
}

func TestPollOnceMarksErrorOnAuthFailure(t *testing.T) {
	deps, d := testDeps(t)
	ctx := context.Background()
	seedAccount(t, d, "acct1")

	stub := &testutil.StubAdapter{PollErr: errors.New("googleapi: Error 401: Unauthorized")}
	platform.Register(platform.YouTube, stub)

	s, _ := session.CreateSession(ctx, d, "acct1", platform.YouTube, "bcast1", "chat1", "t", 5000)
	if err := session.PollOnce(ctx, deps, s.ID); err != nil {
		t.Fatalf("poll once: %v", err)
	}
	got, _ := session.GetSession(ctx, d, s.ID)
	if got.Status != session.StatusError {
		t.Errorf("status = %q, want ERROR", got.Status)
	}
	// ended_at marks clean ends only; an ERROR session never ended.
	if got.EndedAt != nil {
		t.Errorf("ended_at = %v, want NULL for ERROR", got.EndedAt)
	}
	if got.NextPollAt != nil {
		t.Error("ERROR session still scheduled for polling")
	}
}

func TestPollOnceTransientFailureKeepsSessionActive(t *testing.T) {
	deps, d := testDeps(t)
	ctx := context.Background()
	seedAccount(t, d, "acct1")

	stub := &testutil.StubAdapter{PollErr: errors.New("dial tcp: i/o timeout")}
	platform.Register(platform.YouTube, stub)

	s, _ := session.CreateSession(ctx, d, "acct1", platform.YouTube, "bcast1", "chat1", "t", 5000)
	if err := session.PollOnce(ctx, deps, s.ID); err != nil {
		t.Fatalf("poll once: %v", err)
	}
	got, _ := session.GetSession(ctx, d, s.ID)
	if got.Status != session.StatusActive {
		t.Errorf("status = %q, want ACTIVE", got.Status)
	}
	if got.NextPollAt == nil || !got.NextPollAt.After(time.Now()) {
		t.Error("transient failure did not push next_poll_at into the future")
	}
	if got.PollingIntervalMillis != 5000 {
		t.Errorf("stored interval changed to %d on transient failure", got.PollingIntervalMillis)
	}
	if got.LastPolledAt != nil {
		t.Errorf("last_polled_at = %v, want NULL after a failed poll", got.LastPolledAt)
	}
}

func TestDiscoverStreamsCapsAndReactivates(t *testing.T) {
	deps, d := testDeps(t)
	ctx := context.Background()
	seedAccount(t, d, "acct1")

	stub := &testutil.StubAdapter{
		Streams: []platform.ActiveStream{
			{BroadcastID: "b1", ChatID: "c1", Title: "one"},
			{BroadcastID: "b2", ChatID: "c2", Title: "two"},
			{BroadcastID: "b3", ChatID: "c3", Title: "three"},
		},
	}
	platform.Register(platform.YouTube, stub)

	started, err := session.DiscoverStreams(ctx, deps)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	// MaxConcurrentStreams is 2 for the seeded account.
	if started != 2 {
		t.Errorf("started = %d, want 2", started)
	}
	if len(stub.Sent) != 2 {
		t.Errorf("welcome messages = %d, want 2", len(stub.Sent))
	}

	// Second run: both broadcasts already ACTIVE, nothing new starts.
	started, err = session.DiscoverStreams(ctx, deps)
	if err != nil {
		t.Fatalf("rediscover: %v", err)
	}
	if started != 0 {
		t.Errorf("rediscover started = %d, want 0", started)
	}

	// End one session; rediscovery reactivates it instead of duplicating.
	s, err := session.FindByBroadcast(ctx, d, platform.YouTube, "b1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := session.MarkStatus(ctx, d, s.ID, session.StatusEnded); err != nil {
		t.Fatalf("end: %v", err)
	}
	started, err = session.DiscoverStreams(ctx, deps)
	if err != nil {
		t.Fatalf("rediscover after end: %v", err)
	}
	if started != 1 {
		t.Errorf("reactivation started = %d, want 1", started)
	}
	got, _ := session.GetSession(ctx, d, s.ID)
	if got.Status != session.StatusActive {
		t.Errorf("status = %q, want reactivated ACTIVE", got.Status)
	}
	var total int
	_ = d.QueryRow(`SELECT COUNT(*) FROM stream_sessions WHERE external_broadcast_id='b1'`).Scan(&total)
	if total != 1 {
		t.Errorf("sessions for b1 = %d, want 1 (no duplicate)", total)
	}
}

func TestSweepRetention(t *testing.T) {
	deps, d := testDeps(t)
	ctx := context.Background()
	seedAccount(t, d, "acct1")

	s, _ := session.CreateSession(ctx, d, "acct1", platform.YouTube, "bcast1", "chat1", "t", 5000)
	mustExec(t, d, `INSERT INTO processed_messages (message_id, session_id, expires_at) VALUES ('old', $1, NOW() - INTERVAL '1 day')`, s.ID)
	mustExec(t, d, `INSERT INTO processed_messages (message_id, session_id, expires_at) VALUES ('fresh', $1, NOW() + INTERVAL '1 day')`, s.ID)
	mustExec(t, d, `INSERT INTO processed_messages (message_id, session_id, expires_at) VALUES ('orphan', 'no-such-session', NOW() + INTERVAL '1 day')`)

	removed, err := session.SweepRetention(ctx, deps)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 (expired + orphan)", removed)
	}
	var left string
	if err := d.QueryRow(`SELECT message_id FROM processed_messages`).Scan(&left); err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if left != "fresh" {
		t.Errorf("remaining = %q, want fresh", left)
	}
}

func mustExec(t *testing.T, d *sql.DB, q string, args ...any) {
	t.Helper()
	if _, err := d.Exec(q, args...); err != nil {
		t.Fatalf("exec %s: %v", q, err)
	}
}
