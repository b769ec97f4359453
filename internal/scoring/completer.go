// Package scoring decides whether a bot reply satisfies the challenge
// goal, either by regex or by asking a judge model, and hands winning
// chats to the flag-submission coordinator.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Completion is one judge-model response.
type Completion struct {
	Text        string `json:"text"`
	TotalTokens int    `json:"total_tokens"`
}

// Completer produces a completion for a fully rendered prompt. The chat
// responder and the scorer judge both sit behind this seam; tests
// substitute a canned implementation.
type Completer interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

// HTTPCompleter calls the completion sidecar over plain JSON.
type HTTPCompleter struct {
	endpoint string
	http     *http.Client
}

func NewHTTPCompleter(endpoint string) *HTTPCompleter {
	return &HTTPCompleter{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *HTTPCompleter) Complete(ctx context.Context, prompt string) (*Completion, error) {
	body, err := json.Marshal(struct {
		Prompt string `json:"prompt"`
	}{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion endpoint returned status %d", resp.StatusCode)
	}
	var out Completion
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse completion: %w", err)
	}
	return &out, nil
}
