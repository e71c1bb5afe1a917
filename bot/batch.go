package bot

import "github.com/onnwee/loomy/backend/platform"

// IgnoredMessage is a new message that produced no reply candidate. It is
// persisted as a no-reply processed record so the id is never re-evaluated.
type IgnoredMessage struct {
	Message platform.Message
	Reason  SkipReason
}

// BatchResult is the outcome of running one poll batch through dedup and
// trigger extraction.
type BatchResult struct {
	ToReply    []Reply
	Ignored    []IgnoredMessage
	LastSeenID string
	Total      int
	Skipped    int
}

// ProcessBatch composes FilterNewMessages and ExtractQuestion over a poll
// batch. Messages at or before the cursor are skipped entirely; the rest are
// split into reply candidates and ignored messages.
func ProcessBatch(messages []platform.Message, lastProcessedID, triggerPhrase string, recoveryCap int) BatchResult {
	filtered := FilterNewMessages(messages, lastProcessedID, recoveryCap)

	res := BatchResult{
		LastSeenID: filtered.LastSeenID,
		Total:      filtered.Total,
		Skipped:    filtered.Skipped,
	}

	for _, msg := range filtered.ToProcess {
		reply, reason := ExtractQuestion(msg, triggerPhrase)
		if reason != SkipNone {
			res.Ignored = append(res.Ignored, IgnoredMessage{Message: msg, Reason: reason})
			continue
		}
		res.ToReply = append(res.ToReply, reply)
	}
	return res
}
