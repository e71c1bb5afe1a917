package bot

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/onnwee/loomy/backend/platform"
)

// Platform chat message limit. YouTube caps live chat messages at 200
// characters; replies are truncated at 197 so the ellipsis still fits.
const (
	MaxReplyLength      = 200
	replyTruncateAt     = 197
	replyTruncateSuffix = "..."
)

// SkipReason explains why a message produced no reply candidate.
type SkipReason string

const (
	// SkipNone means the message survived filtering.
	SkipNone SkipReason = ""
	// SkipBotSelf means the author is the bot itself (echoed message).
	SkipBotSelf SkipReason = "bot_self"
	// SkipNoTrigger means the trigger phrase is absent.
	SkipNoTrigger SkipReason = "no_trigger"
	// SkipEmptyQuestion means nothing remained after removing the trigger.
	SkipEmptyQuestion SkipReason = "empty_question"
)

// Reply is a trigger hit ready for the downstream answer pipeline.
type Reply struct {
	MessageID  string
	Question   string
	AuthorName string
	// Original is the raw message text, kept for the processed-message log.
	Original string
}

// NormalizeAuthor strips a single leading @ from a display name so replies
// prefixed with @ never produce @@handle. Idempotent.
func NormalizeAuthor(name string) string {
	return strings.TrimPrefix(name, "@")
}

// ExtractQuestion applies the trigger rules to one message:
//
//  1. author equal (case-insensitive) to the trigger handle -> bot_self
//  2. trigger phrase absent (case-insensitive substring) -> no_trigger
//  3. text with ALL trigger occurrences removed and trimmed empty -> empty_question
//
// On success it returns the question and the normalized author. The function
// is pure; recording the skip so the id is never re-evaluated is the
// caller's job.
func ExtractQuestion(msg platform.Message, triggerPhrase string) (Reply, SkipReason) {
	handle := NormalizeAuthor(triggerPhrase)
	author := NormalizeAuthor(msg.AuthorName)
	if strings.EqualFold(author, handle) {
		return Reply{}, SkipBotSelf
	}

	stripped, found := removeAllFold(msg.Text, triggerPhrase)
	if !found {
		return Reply{}, SkipNoTrigger
	}

	question := strings.TrimSpace(stripped)
	if question == "" {
		return Reply{}, SkipEmptyQuestion
	}

	return Reply{
		MessageID:  msg.ID,
		Question:   question,
		AuthorName: author,
		Original:   msg.Text,
	}, SkipNone
}

// removeAllFold removes every case-insensitive occurrence of phrase from s
// and reports whether at least one occurrence was found. Matching is done
// rune-wise so multi-byte text whose lowercase form has a different byte
// length (Turkish dotted I and friends) never desyncs the scan.
func removeAllFold(s, phrase string) (string, bool) {
	if phrase == "" {
		return s, false
	}
	runes := []rune(s)
	needle := []rune(phrase)
	var b strings.Builder
	b.Grow(len(s))
	found := false
	for i := 0; i < len(runes); {
		if foldMatchAt(runes, needle, i) {
			found = true
			i += len(needle)
			continue
		}
		b.WriteRune(runes[i])
		i++
	}
	return b.String(), found
}

// foldMatchAt reports whether needle matches runes at offset i under simple
// case folding.
func foldMatchAt(runes, needle []rune, i int) bool {
	if i+len(needle) > len(runes) {
		return false
	}
	for j, p := range needle {
		r := runes[i+j]
		if r != p && unicode.ToLower(r) != unicode.ToLower(p) {
			return false
		}
	}
	return true
}

// FormatReply builds the outgoing chat line `@author text`, truncated to the
// platform limit with an ellipsis suffix. The result never exceeds
// MaxReplyLength.
func FormatReply(authorName, text string) string {
	reply := "@" + NormalizeAuthor(authorName) + " " + text
	if utf8.RuneCountInString(reply) > MaxReplyLength {
		reply = string([]rune(reply)[:replyTruncateAt]) + replyTruncateSuffix
	}
	return reply
}
