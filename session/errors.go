package session

import "strings"

// ErrorClass describes how a poll failure affects the session lifecycle.
type ErrorClass int

const (
	// ErrTransient means the poll should be retried after a backoff.
	ErrTransient ErrorClass = iota
	// ErrEnded means the live chat finished; the session should end cleanly.
	ErrEnded
	// ErrCritical means credentials or permissions are broken; polling this
	// session cannot succeed until an operator intervenes.
	ErrCritical
)

var endedSignatures = []string{
	"livechatended",
	"live chat is no longer live",
	"livechatnotfound",
	"the live chat is no longer available",
}

var criticalSignatures = []string{
	"unauthorized",
	"invalid_grant",
	"forbidden",
	"invalid credentials",
	"invalid token",
	"token has been expired or revoked",
	"accessnotconfigured",
}

// ClassifyPollError buckets a platform poll failure by message substring.
// Unknown errors are treated as transient so a flaky network never kills a
// session.
func ClassifyPollError(err error) ErrorClass {
	if err == nil {
		return ErrTransient
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range endedSignatures {
		if strings.Contains(msg, sig) {
			return ErrEnded
		}
	}
	for _, sig := range criticalSignatures {
		if strings.Contains(msg, sig) {
			return ErrCritical
		}
	}
	return ErrTransient
}
