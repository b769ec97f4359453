// Package ctfd talks to the external CTFd scoreboard: checking solve
// status and submitting the challenge flag on behalf of a user, reusing
// the session cookie and CSRF nonce captured during authentication.
package ctfd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"promptctf/webapi/internal/auth"
	"promptctf/webapi/internal/config"
	"promptctf/webapi/internal/metrics"
)

// Credentials are what a flag submission needs: the user's own CTFd
// session cookie, replayed verbatim, and the anti-CSRF nonce from that
// session.
type Credentials struct {
	Cookie string `json:"cookie"`
	Nonce  string `json:"nonce"`
}

// Broadcaster notifies connected clients of a chat-scoped event.
type Broadcaster interface {
	Broadcast(chatID, event string, payload any)
}

type challengeData struct {
	Name       string `json:"name"`
	ID         int    `json:"id"`
	Value      int    `json:"value"`
	SolvedByMe bool   `json:"solved_by_me"`
}

type attemptData struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

type flagAttempt struct {
	ChallengeID int    `json:"challenge_id"`
	Submission  string `json:"submission"`
}

// Client is the flag-submission coordinator. A nil-config Client is
// valid and treats every operation as a no-op, which is how challenges
// without a scoreboard run.
type Client struct {
	cfg  *config.CtfdCfg
	http *http.Client
	hub  Broadcaster
	log  zerolog.Logger
}

func NewClient(cfg *config.CtfdCfg, hub Broadcaster, log zerolog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
		hub:  hub,
		log:  log,
	}
}

func (c *Client) Enabled() bool { return c.cfg != nil }

// CredentialsFromContext extracts submission credentials from the
// request identity. Returns nil, not an error, when flag submission is
// disabled or the identity lacks the CTFd claims; callers treat nil as
// "nothing to submit".
func (c *Client) CredentialsFromContext(ctx context.Context) *Credentials {
	if !c.Enabled() {
		c.log.Info().Msg("flag submission is not enabled for this challenge")
		return nil
	}
	id := auth.IdentityFrom(ctx)
	if id == nil {
		c.log.Error().Msg("no identity on request; cannot build ctfd credentials")
		return nil
	}
	if id.RawCookie == "" || id.Nonce == "" {
		c.log.Error().Msg("identity is missing the ctfd cookie or nonce claim")
		return nil
	}
	return &Credentials{Cookie: id.RawCookie, Nonce: id.Nonce}
}

// SubmitFlagFromContext resolves credentials from the request identity
// and submits. No-op when credentials cannot be resolved.
func (c *Client) SubmitFlagFromContext(ctx context.Context, chatID string) bool {
	creds := c.CredentialsFromContext(ctx)
	if creds == nil {
		return false
	}
	return c.SubmitFlag(ctx, chatID, creds)
}

// SubmitFlag checks solve status and posts the flag at most once.
// Returns true when the challenge ends up solved (freshly submitted or
// already solved before). Failures are logged and swallowed: a
// scoreboard outage must never break the chat flow that earned the
// solve. Idempotence rests on the remote already-solved check; two
// racing submissions can both POST, which CTFd handles (duplicate
// correct submissions do not double score).
func (c *Client) SubmitFlag(ctx context.Context, chatID string, creds *Credentials) bool {
	if creds == nil || !c.Enabled() {
		return false
	}
	status, err := c.challengeStatus(ctx, creds)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to get challenge info")
		metrics.FlagSubmissions.WithLabelValues("status_error").Inc()
		return false
	}
	if status.SolvedByMe {
		c.log.Info().Str("chat_id", chatID).Msg("flag is already submitted")
		metrics.FlagSubmissions.WithLabelValues("already_solved").Inc()
		return true
	}
	if err := c.postFlag(ctx, creds); err != nil {
		c.log.Error().Err(err).Msg("failed to submit the flag")
		metrics.FlagSubmissions.WithLabelValues("failure").Inc()
		return false
	}
	c.log.Info().Str("chat_id", chatID).Msg("flag is submitted")
	metrics.FlagSubmissions.WithLabelValues("success").Inc()
	if c.hub != nil {
		c.hub.Broadcast(chatID, "FlagSubmitted", nil)
	}
	return true
}

// ScorerMessage is the flag-disclosure hint appended to success
// messages when a scoreboard is configured. The wording (typo included)
// is fixed: the front-end pattern-matches it.
func (c *Client) ScorerMessage() string {
	if !c.Enabled() {
		return ""
	}
	return fmt.Sprintf("\n\nHere's the flag for this challlenge that was already submitted on your behalf: %q.", c.cfg.Flag)
}

func (c *Client) challengeStatus(ctx context.Context, creds *Credentials) (*challengeData, error) {
	url := fmt.Sprintf("%s/api/v1/challenges/%d", c.cfg.URL, c.cfg.ChallengeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req, creds)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("challenge info returned status %d", resp.StatusCode)
	}
	var env envelope[challengeData]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return nil, fmt.Errorf("parse challenge info: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("challenge info request was not successful")
	}
	return &env.Data, nil
}

func (c *Client) postFlag(ctx context.Context, creds *Credentials) error {
	body, err := json.Marshal(flagAttempt{
		ChallengeID: c.cfg.ChallengeID,
		Submission:  c.cfg.Flag,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/api/v1/challenges/attempt", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req, creds)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("attempt returned status %d", resp.StatusCode)
	}
	var env envelope[attemptData]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return fmt.Errorf("parse attempt response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("attempt was not successful: %s", env.Data.Message)
	}
	if env.Data.Status != "correct" {
		return fmt.Errorf("attempt status %q", env.Data.Status)
	}
	return nil
}

// setAuthHeaders replays the user's own session cookie as a raw header
// (it is never re-signed) plus the CSRF nonce.
func (c *Client) setAuthHeaders(req *http.Request, creds *Credentials) {
	req.Header.Set("Cookie", "session="+creds.Cookie)
	req.Header.Set("CSRF-Token", creds.Nonce)
}
