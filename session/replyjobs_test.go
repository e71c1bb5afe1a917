package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/onnwee/loomy/backend/config"
	dbpkg "github.com/onnwee/loomy/backend/db"
	"github.com/onnwee/loomy/backend/platform"
	"github.com/onnwee/loomy/backend/testutil"
)

type stubResponder struct {
	answer string
	err    error
}

func (s *stubResponder) Answer(_ context.Context, _, _, _, _, _ string) (string, error) {
	return s.answer, s.err
}

func replyTestDeps(t *testing.T) (*Deps, *testutil.StubAdapter) {
	t.Helper()
	d := testutil.SetupTestDB(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	stub := &testutil.StubAdapter{}
	platform.Register(platform.YouTube, stub)

	ctx := context.Background()
	if err := dbpkg.UpsertAccountToken(ctx, d, "acct1", "chan1", "refresh1"); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return &Deps{DB: d, Cfg: cfg, Responder: &stubResponder{answer: "it is a speedrun"}}, stub
}

func TestClaimReplyJobFIFO(t *testing.T) {
	deps, _ := replyTestDeps(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		if err := EnqueueReply(ctx, deps.DB, ReplyJob{SessionID: "s1", MessageID: id, Question: "q"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	j, ok, err := claimReplyJob(ctx, deps.DB)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if j.MessageID != "m1" {
		t.Errorf("first claim = %q, want m1", j.MessageID)
	}
	j, ok, _ = claimReplyJob(ctx, deps.DB)
	if !ok || j.MessageID != "m2" {
		t.Errorf("second claim = %q (ok=%v), want m2", j.MessageID, ok)
	}
	_, ok, err = claimReplyJob(ctx, deps.DB)
	if err != nil {
		t.Fatalf("empty claim: %v", err)
	}
	if ok {
		t.Error("claim on empty queue returned a job")
	}
}

func TestProcessReplyJobSendsAndRecords(t *testing.T) {
	deps, stub := replyTestDeps(t)
	ctx := context.Background()

	s, err := CreateSession(ctx, deps.DB, "acct1", platform.YouTube, "b1", "c1", "t", 5000)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	mustInsertProcessed(t, deps, s.ID, "m1", "what game")

	processReplyJob(ctx, deps, ReplyJob{
		SessionID: s.ID, MessageID: "m1", AuthorName: "bob", Question: "what game",
	}, slog.Default())

	if len(stub.Sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(stub.Sent))
	}
	if !strings.HasPrefix(stub.Sent[0], "@bob ") {
		t.Errorf("reply %q does not address the author", stub.Sent[0])
	}
	var reply string
	if err := deps.DB.QueryRow(`SELECT bot_reply FROM processed_messages WHERE message_id='m1'`).Scan(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.Contains(reply, "speedrun") {
		t.Errorf("recorded reply = %q", reply)
	}

	// The chat send counts against today's API quota.
	var requests int
	if err := deps.DB.QueryRow(`SELECT request_count FROM api_quota WHERE day=CURRENT_DATE`).Scan(&requests); err != nil {
		t.Fatalf("read quota: %v", err)
	}
	if requests != 1 {
		t.Errorf("request_count = %d, want 1 after the send", requests)
	}
}

func TestProcessReplyJobGenerationFailureLeavesNullReply(t *testing.T) {
	deps, stub := replyTestDeps(t)
	deps.Responder = &stubResponder{err: errors.New("model unavailable")}
	ctx := context.Background()

	s, err := CreateSession(ctx, deps.DB, "acct1", platform.YouTube, "b1", "c1", "t", 5000)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	mustInsertProcessed(t, deps, s.ID, "m1", "what game")

	processReplyJob(ctx, deps, ReplyJob{
		SessionID: s.ID, MessageID: "m1", AuthorName: "bob", Question: "what game",
	}, slog.Default())

	if len(stub.Sent) != 0 {
		t.Errorf("sent = %d, want 0 on generation failure", len(stub.Sent))
	}
	var reply any
	if err := deps.DB.QueryRow(`SELECT bot_reply FROM processed_messages WHERE message_id='m1'`).Scan(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply != nil {
		t.Errorf("bot_reply = %v, want NULL", reply)
	}
}

func TestProcessReplyJobDropsForInactiveSession(t *testing.T) {
	deps, stub := replyTestDeps(t)
	ctx := context.Background()

	s, err := CreateSession(ctx, deps.DB, "acct1", platform.YouTube, "b1", "c1", "t", 5000)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := MarkStatus(ctx, deps.DB, s.ID, StatusEnded); err != nil {
		t.Fatalf("end session: %v", err)
	}

	processReplyJob(ctx, deps, ReplyJob{
		SessionID: s.ID, MessageID: "m1", AuthorName: "bob", Question: "q",
	}, slog.Default())

	if len(stub.Sent) != 0 {
		t.Errorf("sent = %d, want 0 for ended session", len(stub.Sent))
	}
}

func mustInsertProcessed(t *testing.T, deps *Deps, sessionID, messageID, question string) {
	t.Helper()
	if _, err := deps.DB.Exec(`INSERT INTO processed_messages (message_id, session_id, author_name, question)
		VALUES ($1,$2,'bob',$3)`, messageID, sessionID, question); err != nil {
		t.Fatalf("insert processed: %v", err)
	}
}
