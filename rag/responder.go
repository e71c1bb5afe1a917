package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
)

const searchTopK = 3

var personalityStyles = map[string]string{
	"friendly":     "Be warm, upbeat, and welcoming. Use casual language.",
	"professional": "Be concise, accurate, and polite. Avoid slang.",
	"humorous":     "Be playful and witty. A light joke is welcome when it fits.",
}

// Answer generates a reply to a viewer question. Retrieval context comes from
// the account's vector store; retrieval failure degrades to an uncontexted
// answer rather than failing the reply.
func (e *Engine) Answer(ctx context.Context, accountID, author, question, personality, botName string) (string, error) {
	// The query embedding and the completion each cost one API call, made or
	// failed.
	docs, err := e.store.Search(ctx, accountID, question, searchTopK)
	e.trackUsage(ctx, 1)
	if err != nil {
		slog.Warn("vector search failed, answering without context",
			slog.Any("err", err),
			slog.String("account_id", accountID),
			slog.String("component", "rag"))
		docs = nil
	}

	resp, err := e.llm.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt(botName, personality, docs)),
			llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf("%s asks: %s", author, question)),
		},
		llms.WithTemperature(0.7),
		llms.WithMaxTokens(120),
	)
	e.trackUsage(ctx, 1)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generate reply: model returned no choices")
	}
	answer := cleanResponse(resp.Choices[0].Content)
	if answer == "" {
		return "", fmt.Errorf("generate reply: model returned empty content")
	}

	e.remember(ctx, accountID, author, question, answer)
	return answer, nil
}

// remember stores the exchange so later questions can retrieve it. Best
// effort: ingest failure never fails a reply that was already generated.
func (e *Engine) remember(ctx context.Context, accountID, author, question, answer string) {
	text := fmt.Sprintf("%s asked: %s\nAnswered: %s", author, question, answer)
	err := e.store.AddDocument(ctx, accountID, "qa_"+uuid.NewString(), text, map[string]string{"kind": "qa"})
	e.trackUsage(ctx, 1)
	if err != nil {
		slog.Warn("store conversation failed", slog.Any("err", err),
			slog.String("account_id", accountID), slog.String("component", "rag"))
	}
}

func systemPrompt(botName, personality string, contextDocs []string) string {
	style, ok := personalityStyles[strings.ToLower(personality)]
	if !ok {
		style = personalityStyles["friendly"]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a chat bot answering viewer questions in a live stream chat. %s\n", botName, style)
	b.WriteString("Keep answers to one or two short sentences; chat messages are capped at 200 characters. Plain text only, no markdown.\n")
	if len(contextDocs) > 0 {
		b.WriteString("Relevant context from this channel:\n")
		for _, d := range contextDocs {
			b.WriteString("- ")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// cleanResponse normalizes model output into a single chat-safe line: strips
// wrapping quotes and collapses all whitespace runs.
func cleanResponse(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'")
	return strings.Join(strings.Fields(s), " ")
}
