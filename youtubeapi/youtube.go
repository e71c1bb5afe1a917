// Package youtubeapi implements the platform adapter for YouTube live chat
// using the YouTube Data API v3.
package youtubeapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/onnwee/loomy/backend/config"
	"github.com/onnwee/loomy/backend/oauth"
	"github.com/onnwee/loomy/backend/platform"
)

// Adapter talks to the YouTube Data API on behalf of connected accounts.
type Adapter struct {
	cfg *config.Config
}

// New returns a YouTube adapter. Requires YT_CLIENT_ID / YT_CLIENT_SECRET.
func New(cfg *config.Config) (*Adapter, error) {
	if err := cfg.ValidateYouTubeReady(); err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg}, nil
}

// service builds a per-call YouTube client from the account's refresh token.
// The oauth2 token source mints and caches access tokens transparently.
func (a *Adapter) service(ctx context.Context, creds platform.Credentials) (*youtube.Service, error) {
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("youtube: account %s has no refresh token", creds.AccountID)
	}
	ts := oauth.Config(a.cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	svc, err := youtube.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("youtube: create service: %w", err)
	}
	return svc, nil
}

// ActiveStreams lists the account's currently live broadcasts that have an
// attached live chat.
func (a *Adapter) ActiveStreams(ctx context.Context, creds platform.Credentials) ([]platform.ActiveStream, error) {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	resp, err := svc.LiveBroadcasts.List([]string{"id", "snippet", "status"}).
		BroadcastStatus("active").
		BroadcastType("all").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("youtube: list broadcasts: %w", err)
	}

	out := make([]platform.ActiveStream, 0, len(resp.Items))
	for _, b := range resp.Items {
		if b.Snippet == nil || b.Snippet.LiveChatId == "" {
			continue
		}
		out = append(out, platform.ActiveStream{
			BroadcastID: b.Id,
			ChatID:      b.Snippet.LiveChatId,
			Title:       b.Snippet.Title,
		})
	}
	return out, nil
}

// PollMessages fetches one page of live chat messages. The returned interval
// is YouTube's recommended minimum delay before the next poll.
func (a *Adapter) PollMessages(ctx context.Context, chatID, pageToken string, creds platform.Credentials) (platform.PollResult, error) {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return platform.PollResult{}, err
	}
	call := svc.LiveChatMessages.List(chatID, []string{"id", "snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return platform.PollResult{}, fmt.Errorf("youtube: poll chat: %w", err)
	}

	res := platform.PollResult{
		NextPageToken:         resp.NextPageToken,
		PollingIntervalMillis: int(resp.PollingIntervalMillis),
		Messages:              make([]platform.Message, 0, len(resp.Items)),
	}
	for _, item := range resp.Items {
		if item.Snippet == nil {
			continue
		}
		text := item.Snippet.DisplayMessage
		if text == "" && item.Snippet.TextMessageDetails != nil {
			text = item.Snippet.TextMessageDetails.MessageText
		}
		author := ""
		if item.AuthorDetails != nil {
			// YouTube handles arrive as "@Name"; store the bare name.
			author = strings.TrimPrefix(item.AuthorDetails.DisplayName, "@")
		}
		published := time.Time{}
		if item.Snippet.PublishedAt != "" {
			if t, perr := time.Parse(time.RFC3339, item.Snippet.PublishedAt); perr == nil {
				published = t
			}
		}
		res.Messages = append(res.Messages, platform.Message{
			ID:          item.Id,
			Text:        text,
			AuthorName:  author,
			PublishedAt: published,
		})
	}
	return res, nil
}

// SendMessage posts a text message into the live chat.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string, creds platform.Credentials) error {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return err
	}
	msg := &youtube.LiveChatMessage{
		Snippet: &youtube.LiveChatMessageSnippet{
			LiveChatId: chatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &youtube.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	if _, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("youtube: send message: %w", err)
	}
	return nil
}
