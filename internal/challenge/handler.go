// Package challenge exposes the challenge surface around the chat:
// settings discovery, manual-review scoring, the XSS scorer, and RAG
// document editing.
package challenge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"promptctf/webapi/internal/auth"
	"promptctf/webapi/internal/chat"
	"promptctf/webapi/internal/config"
	"promptctf/webapi/internal/ctfd"
	"promptctf/webapi/internal/httputil"
	"promptctf/webapi/internal/metrics"
)

// scoringKeyHeader authenticates both directions of the human-scorer
// exchange: we send it on review requests, the scorer sends it back on
// verdicts.
const scoringKeyHeader = "x-scoring-key"

type Handler struct {
	cfg          *config.Config
	sessions     chat.SessionStore
	messages     chat.MessageStore
	participants chat.ParticipantStore
	hub          chat.Broadcaster
	flags        *ctfd.Client
	http         *http.Client
}

func NewHandler(cfg *config.Config, sessions chat.SessionStore, messages chat.MessageStore, participants chat.ParticipantStore, hub chat.Broadcaster, flags *ctfd.Client) *Handler {
	return &Handler{
		cfg:          cfg,
		sessions:     sessions,
		messages:     messages,
		participants: participants,
		hub:          hub,
		flags:        flags,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

// Register adds the authenticated challenge routes. ReceiveVerdict is
// NOT registered here: it must sit on the public mux because the human
// scorer has no user session.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /challenge/settings", h.settings)
	mux.HandleFunc("POST /chats/{chatId}/scoring/manual", h.requestManualScoring)
	mux.HandleFunc("POST /chats/{chatId}/scoring/xss", h.scoreXss)
	mux.HandleFunc("POST /chats/{chatId}/rag", h.updateRagDocument)
}

type ragSettings struct {
	TitleShort      string `json:"titleShort"`
	TitleLong       string `json:"titleLong"`
	Instruction1    string `json:"instruction1"`
	Instruction2    string `json:"instruction2"`
	DefaultDocument string `json:"defaultDocument"`
	FirstMessage    string `json:"firstMessage"`
	IsReadOnly      bool   `json:"isReadOnly"`
	MaxTurns        int    `json:"maxTurns"`
	Enabled         bool   `json:"enabled"`
}

type settingsResponse struct {
	ID             int          `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	MetapromptLeak bool         `json:"metapromptLeak"`
	Upload         bool         `json:"upload"`
	Plugins        bool         `json:"plugins"`
	PluginsControl bool         `json:"pluginsControl"`
	HasHumanScorer bool         `json:"hasHumanScorer"`
	HasAutoScorer  bool         `json:"hasAutoScorer"`
	PlanEdit       bool         `json:"planEdit"`
	XssVulnerable  bool         `json:"xssVulnerable"`
	BackNavigation bool         `json:"backNavigation"`
	AuthType       string       `json:"authType"`
	RagInput       *ragSettings `json:"ragInput,omitempty"`
}

func (h *Handler) settings(w http.ResponseWriter, r *http.Request) {
	ch := &h.cfg.Challenge
	resp := settingsResponse{
		ID:             ch.ID,
		Name:           ch.Name,
		Description:    ch.Description,
		MetapromptLeak: ch.MetapromptLeak,
		Upload:         ch.Upload,
		Plugins:        ch.Plugins,
		PluginsControl: ch.PluginsControl,
		HasHumanScorer: ch.HumanScorer != nil,
		HasAutoScorer:  ch.Scorer != nil,
		PlanEdit:       ch.PlanEdit,
		XssVulnerable:  ch.XssVulnerable,
		BackNavigation: ch.BackNavigation,
		AuthType:       string(ch.AuthType),
	}
	if rg := ch.RagInput; rg != nil {
		resp.RagInput = &ragSettings{
			TitleShort:      rg.TitleShort,
			TitleLong:       rg.TitleLong,
			Instruction1:    rg.Instruction1,
			Instruction2:    rg.Instruction2,
			DefaultDocument: rg.DefaultDocument,
			FirstMessage:    rg.FirstMessage,
			IsReadOnly:      rg.IsReadOnly,
			MaxTurns:        rg.LockAfter,
			Enabled:         true,
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// loadOwnChat mirrors the chat handler's resolution ladder for the
// challenge routes: 404 missing or deleted, 403 non-participant.
func (h *Handler) loadOwnChat(w http.ResponseWriter, r *http.Request) (*chat.Session, *auth.Identity, bool) {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, nil, false
	}
	s, err := h.sessions.Get(r.PathValue("chatId"))
	if err != nil || s.IsDeleted {
		httputil.WriteError(w, http.StatusNotFound, "Chat not found")
		return nil, nil, false
	}
	ok, err := h.participants.IsParticipant(s.ID, id.UserID)
	if err != nil || !ok {
		httputil.WriteError(w, http.StatusForbidden, "User does not have access to the chat")
		return nil, nil, false
	}
	return s, id, true
}

// reviewRequest is the payload forwarded to the human scorer. The field
// set is the scorer service's contract, not ours to rename.
type reviewRequest struct {
	ChallengeID    int                 `json:"challenge_id"`
	ChallengeTitle string              `json:"challenge_title"`
	ChallengeGoal  string              `json:"challenge_goal"`
	Conversation   []conversationEntry `json:"conversation"`
	Timestamp      time.Time           `json:"timestamp"`
	ConversationID string              `json:"conversation_id"`
	Document       string              `json:"document"`
	AnswerURI      string              `json:"answer_uri"`
}

type conversationEntry struct {
	Message string `json:"message"`
	Role    string `json:"role"`
}

func roleName(role chat.AuthorRole) string {
	switch role {
	case chat.RoleBot:
		return "bot"
	case chat.RoleParticipant:
		return "participant"
	default:
		return "user"
	}
}

type manualScoringRequest struct {
	MessageIndex int `json:"messageIndex"`
}

// requestManualScoring locks the chat, snapshots the caller's flag
// credentials onto it, and forwards the transcript to the human scorer.
// The snapshot is the point: the verdict arrives later on an
// unauthenticated callback, and the flag still has to be submitted as
// the user who asked for the review.
func (h *Handler) requestManualScoring(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())
	hs := h.cfg.Challenge.HumanScorer
	if hs == nil {
		httputil.WriteError(w, http.StatusBadRequest, "Manual scoring is not enabled for this challenge")
		return
	}
	s, _, ok := h.loadOwnChat(w, r)
	if !ok {
		return
	}
	if s.IsLocked {
		httputil.WriteError(w, http.StatusBadRequest, "Chat is already locked")
		return
	}
	var req manualScoringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msgs, err := h.messages.ListByChat(s.ID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to request scoring")
		return
	}
	// Only the latest bot reply is gradeable: anything older may no
	// longer reflect the chat, and plans/documents are not answers.
	if req.MessageIndex < 0 || req.MessageIndex >= len(msgs) {
		httputil.WriteError(w, http.StatusNotFound, "Message not found")
		return
	}
	if req.MessageIndex != len(msgs)-1 {
		httputil.WriteError(w, http.StatusBadRequest, "Can only grade the most recent message")
		return
	}
	target := msgs[req.MessageIndex]
	if target.Role != chat.RoleBot || target.Type != chat.TypeMessage {
		httputil.WriteError(w, http.StatusBadRequest, "Can only grade bot messages")
		return
	}

	conversation := make([]conversationEntry, 0, len(msgs))
	for _, m := range msgs {
		conversation = append(conversation, conversationEntry{Message: m.Content, Role: roleName(m.Role)})
	}
	goal := h.cfg.Challenge.Description
	if sc := h.cfg.Challenge.Scorer; sc != nil && sc.Instruction != "" {
		goal = sc.Instruction
	}
	body, err := json.Marshal(reviewRequest{
		ChallengeID:    h.cfg.Challenge.ID,
		ChallengeTitle: h.cfg.Challenge.Name,
		ChallengeGoal:  goal,
		Conversation:   conversation,
		Timestamp:      time.Now().UTC(),
		ConversationID: s.ID,
		Document:       s.RagDocument,
		AnswerURI:      fmt.Sprintf("%s/chats/%s/scoring/receive", hs.CallbackBase, s.ID),
	})
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to request scoring")
		return
	}
	out, err := http.NewRequestWithContext(r.Context(), http.MethodPost, hs.Endpoint+"/api/score", bytes.NewReader(body))
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to request scoring")
		return
	}
	out.Header.Set("Content-Type", "application/json")
	out.Header.Set(scoringKeyHeader, hs.APIKey)

	resp, err := h.http.Do(out)
	if err != nil {
		logger.Error().Err(err).Msg("human scorer request failed")
		httputil.WriteError(w, http.StatusBadGateway, "Scoring service is unavailable")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Error().Int("status", resp.StatusCode).Msg("human scorer rejected the request")
		httputil.WriteError(w, http.StatusBadGateway, "Scoring service is unavailable")
		return
	}

	s.IsLocked = true
	if h.flags != nil {
		s.CtfdAuth = h.flags.CredentialsFromContext(r.Context())
	}
	if err := h.sessions.Update(s); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to request scoring")
		return
	}
	metrics.ManualScorerRequests.Inc()
	logger.Info().Str("chat_id", s.ID).Msg("chat locked for manual scoring")
	h.hub.Broadcast(s.ID, "ChatEdited", s)
	w.WriteHeader(http.StatusOK)
}

type verdictRequest struct {
	Passed        bool   `json:"passed"`
	CustomMessage string `json:"custom_message"`
}

// ReceiveVerdict is the human scorer's callback. Registered on the
// public mux; the shared scoring key is the only authentication. The
// no-op branches answer 204 so a stale or duplicated verdict never
// surfaces an error to the scorer.
func (h *Handler) ReceiveVerdict(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())
	hs := h.cfg.Challenge.HumanScorer
	if hs == nil || r.Header.Get(scoringKeyHeader) != hs.APIKey {
		httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req verdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s, err := h.sessions.Get(r.PathValue("chatId"))
	if err != nil || s.IsDeleted || !s.IsLocked {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	result := "failure"
	submitted := false
	if req.Passed {
		result = "success"
		if h.flags != nil && s.CtfdAuth != nil {
			submitted = h.flags.SubmitFlag(r.Context(), s.ID, s.CtfdAuth)
		}
	}
	metrics.ManualScorer.WithLabelValues(result).Inc()

	verdictMsg := chat.NewBotMessage(s.ID, h.verdictMessage(req.Passed, submitted, req.CustomMessage))
	if err := h.messages.Add(verdictMsg); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to record verdict")
		return
	}

	s.IsLocked = false
	s.CtfdAuth = nil
	if err := h.sessions.Update(s); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to record verdict")
		return
	}
	logger.Info().Str("chat_id", s.ID).Bool("passed", req.Passed).Msg("manual verdict received")
	h.hub.Broadcast(s.ID, "ChatEdited", s)
	h.hub.Broadcast(s.ID, "ReceiveMessage", verdictMsg)
	w.WriteHeader(http.StatusNoContent)
}

// verdictMessage composes the bot announcement for a manual verdict.
// The flag hint is appended only when the flag actually went in, so the
// chat never promises a solve the scoreboard did not record.
func (h *Handler) verdictMessage(passed, flagSubmitted bool, reviewerMessage string) string {
	var msg string
	if passed {
		text := "You have successfully completed this challenge!"
		if sc := h.cfg.Challenge.Scorer; sc != nil && sc.SuccessMessage != "" {
			text = sc.SuccessMessage
		}
		msg = "**Manual scorer message**: " + text
		if flagSubmitted && h.flags != nil {
			msg += h.flags.ScorerMessage()
		}
	} else {
		msg = "**Manual scorer message**: Your solution was reviewed but did not pass."
	}
	if reviewerMessage != "" {
		msg += "\n\n**Message from the reviewer**: " + reviewerMessage
	}
	return msg
}

// scoreXss awards the XSS challenge. Fires at most once per chat; the
// trigger bit survives on the session so refreshing the page cannot
// double award.
func (h *Handler) scoreXss(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Challenge.XssVulnerable {
		httputil.WriteError(w, http.StatusBadRequest, "This challenge is not scored on XSS")
		return
	}
	s, _, ok := h.loadOwnChat(w, r)
	if !ok {
		return
	}
	if s.IsLocked {
		httputil.WriteError(w, http.StatusBadRequest, "Chat is locked")
		return
	}
	if s.XssTriggered {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.XssTriggered = true
	if err := h.sessions.Update(s); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to score")
		return
	}
	metrics.AutoScorer.WithLabelValues("success").Inc()
	if h.flags != nil {
		h.flags.SubmitFlagFromContext(r.Context(), s.ID)
	}

	text := "**Scorer message**: Congratulations, you triggered the XSS!"
	if sc := h.cfg.Challenge.Scorer; sc != nil && sc.SuccessMessage != "" {
		text = "**Scorer message**: " + sc.SuccessMessage
	}
	if h.flags != nil {
		text += h.flags.ScorerMessage()
	}
	msg := chat.NewBotMessage(s.ID, text)
	if err := h.messages.Add(msg); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to score")
		return
	}
	h.hub.Broadcast(s.ID, "ReceiveMessage", msg)
	w.WriteHeader(http.StatusNoContent)
}

type ragUpdateRequest struct {
	Document  string `json:"document"`
	UserInput string `json:"userInput"`
}

// updateRagDocument edits the chat's grounding inputs. Read-only
// challenges accept only the short user input; the document itself is
// rejected so the operator's template stays authoritative.
func (h *Handler) updateRagDocument(w http.ResponseWriter, r *http.Request) {
	rg := h.cfg.Challenge.RagInput
	if rg == nil {
		httputil.WriteError(w, http.StatusBadRequest, "This challenge has no document input")
		return
	}
	s, _, ok := h.loadOwnChat(w, r)
	if !ok {
		return
	}
	if s.IsLocked || s.MaxTurnReached {
		httputil.WriteError(w, http.StatusBadRequest, "Chat is locked")
		return
	}
	// The grounding inputs are only editable at the start of the chat;
	// after the second user turn the conversation already depends on
	// them.
	if n, err := h.messages.CountUserMessages(s.ID); err != nil || n > 1 {
		httputil.WriteError(w, http.StatusBadRequest, "The document can no longer be changed")
		return
	}
	var req ragUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if rg.IsReadOnly && req.Document != "" {
		httputil.WriteError(w, http.StatusBadRequest, "The document is read-only for this challenge")
		return
	}
	if !rg.IsReadOnly && req.UserInput != "" {
		httputil.WriteError(w, http.StatusBadRequest, "The user input can only be set on read-only documents")
		return
	}

	if req.Document != "" {
		s.RagDocument = req.Document
	}
	if req.UserInput != "" {
		s.RagUserInput = req.UserInput
	}
	if err := h.sessions.Update(s); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to update document")
		return
	}
	h.hub.Broadcast(s.ID, "ChatEdited", s)
	httputil.WriteJSON(w, http.StatusOK, s)
}
