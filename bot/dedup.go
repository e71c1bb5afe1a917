// Package bot contains the pure message pipeline: deduplication against the
// last-seen cursor, trigger phrase extraction, reply formatting, and the
// adaptive polling interval calculator. Everything here is side-effect free;
// persistence and scheduling live in the session package.
package bot

import "github.com/onnwee/loomy/backend/platform"

// FilterResult describes which messages of a poll batch are genuinely new.
type FilterResult struct {
	// ToProcess holds the messages after the last-seen cursor, in platform
	// delivery order.
	ToProcess []platform.Message
	// LastSeenID is the id of the final message in the batch ("" for an
	// empty batch); it becomes the next poll's cursor.
	LastSeenID string
	// Total is the size of the raw batch.
	Total int
	// Skipped counts messages at or before the cursor position.
	Skipped int
}

// FilterNewMessages resolves a poll batch against the durable last-processed
// message id.
//
// Chat APIs return a sliding window with rotating pagination tokens, so the
// cursor id may have rolled out of the window entirely. When that happens the
// whole batch is processed rather than silently dropped; over-processing is
// bounded downstream by the trigger filter and the processed_messages unique
// key. recoveryCap > 0 limits that recovery path to the newest N messages of
// the batch (0 keeps the full batch).
func FilterNewMessages(messages []platform.Message, lastProcessedID string, recoveryCap int) FilterResult {
	if len(messages) == 0 {
		return FilterResult{}
	}

	res := FilterResult{
		LastSeenID: messages[len(messages)-1].ID,
		Total:      len(messages),
	}

	// First run: no cursor yet, everything is new.
	if lastProcessedID == "" {
		res.ToProcess = messages
		return res
	}

	idx := -1
	for i, m := range messages {
		if m.ID == lastProcessedID {
			idx = i
			break
		}
	}

	// Cursor not in the window: recovery path, process the whole batch.
	if idx == -1 {
		res.ToProcess = messages
		if recoveryCap > 0 && len(res.ToProcess) > recoveryCap {
			res.Skipped = len(res.ToProcess) - recoveryCap
			res.ToProcess = res.ToProcess[len(res.ToProcess)-recoveryCap:]
		}
		return res
	}

	res.ToProcess = messages[idx+1:]
	res.Skipped = idx + 1
	return res
}
