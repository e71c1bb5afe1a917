// Package platform defines the capability contract every streaming platform
// adapter implements: list active broadcasts, poll chat messages, send a chat
// message. The session core depends only on this interface; platform-specific
// API types never leak past an adapter.
package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Platform names as stored in stream_sessions.platform.
const (
	YouTube = "YOUTUBE"
	Twitch  = "TWITCH"
	Discord = "DISCORD"
)

// ActiveStream is a currently-live broadcast discovered for an account.
type ActiveStream struct {
	BroadcastID string
	ChatID      string
	Title       string
}

// Message is one chat message in platform delivery order (oldest first).
type Message struct {
	ID          string
	Text        string
	AuthorName  string
	PublishedAt time.Time
}

// PollResult is the outcome of a single chat poll call.
type PollResult struct {
	Messages []Message
	// NextPageToken is the opaque cursor for the next poll ("" when the
	// platform did not return one).
	NextPageToken string
	// PollingIntervalMillis is the platform-recommended minimum delay before
	// the next poll (0 when the platform has no recommendation).
	PollingIntervalMillis int
}

// Credentials identifies the account an adapter call acts on behalf of.
type Credentials struct {
	AccountID    string
	RefreshToken string
	ChannelID    string
}

// Adapter abstracts one streaming platform. Implementations must return
// errors whose text carries enough signal for session error classification
// (ended vs auth vs transient).
type Adapter interface {
	ActiveStreams(ctx context.Context, creds Credentials) ([]ActiveStream, error)
	PollMessages(ctx context.Context, chatID, pageToken string, creds Credentials) (PollResult, error)
	SendMessage(ctx context.Context, chatID, text string, creds Credentials) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Adapter{}
)

// Register installs an adapter for a platform name. Called from main wiring;
// later registrations replace earlier ones.
func Register(name string, a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = a
}

// ForPlatform returns the adapter registered for name.
func ForPlatform(name string) (Adapter, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", name)
	}
	return a, nil
}
