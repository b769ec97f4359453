package chat

import (
	"context"
	"strings"

	"promptctf/webapi/internal/metrics"
	"promptctf/webapi/internal/scoring"
)

// CompletionResponder renders the chat into a single prompt and asks
// the completion service for the next bot turn. Orchestration beyond
// that (planning, tool use) lives in the completion service itself.
type CompletionResponder struct {
	completer scoring.Completer
}

func NewCompletionResponder(completer scoring.Completer) *CompletionResponder {
	return &CompletionResponder{completer: completer}
}

func (cr *CompletionResponder) Respond(ctx context.Context, s *Session, history []*Message, userMessage *Message) (string, error) {
	var b strings.Builder
	if s.RagDocument != "" {
		b.WriteString("[DOCUMENT]\n")
		b.WriteString(s.RagDocument)
		b.WriteString("\n[/DOCUMENT]\n\n")
	}
	for _, m := range history {
		switch m.Role {
		case RoleBot:
			b.WriteString("Bot: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("Bot: ")

	comp, err := cr.completer.Complete(ctx, b.String())
	if err != nil {
		return "", err
	}
	metrics.TokensUsed.Add(float64(comp.TotalTokens))
	return comp.Text, nil
}
