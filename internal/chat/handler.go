package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"promptctf/webapi/internal/auth"
	"promptctf/webapi/internal/config"
	"promptctf/webapi/internal/ctfd"
	"promptctf/webapi/internal/httputil"
	"promptctf/webapi/internal/metrics"
	"promptctf/webapi/internal/scoring"
)

// Broadcaster pushes a chat-scoped event to connected clients.
type Broadcaster interface {
	Broadcast(chatID, event string, payload any)
}

// Responder generates the bot reply for one user turn. Implementations
// must honor ctx cancellation; the handler maps a deadline overrun to a
// gateway timeout.
type Responder interface {
	Respond(ctx context.Context, s *Session, history []*Message, userMessage *Message) (string, error)
}

// WebsocketServer is the slice of the relay hub the handler needs for
// the per-chat event stream.
type WebsocketServer interface {
	Serve(w http.ResponseWriter, r *http.Request, chatID string)
}

// Handler owns the /chats routes.
type Handler struct {
	cfg          *config.Config
	sessions     SessionStore
	messages     MessageStore
	participants ParticipantStore
	hub          Broadcaster
	ws           WebsocketServer
	responder    Responder
	scorer       *scoring.Engine
	flags        *ctfd.Client
}

func NewHandler(cfg *config.Config, sessions SessionStore, messages MessageStore, participants ParticipantStore, hub Broadcaster, ws WebsocketServer, responder Responder, scorer *scoring.Engine, flags *ctfd.Client) *Handler {
	return &Handler{
		cfg:          cfg,
		sessions:     sessions,
		messages:     messages,
		participants: participants,
		hub:          hub,
		ws:           ws,
		responder:    responder,
		scorer:       scorer,
		flags:        flags,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /chats", h.createChat)
	mux.HandleFunc("GET /chats", h.listChats)
	mux.HandleFunc("GET /chats/{chatId}", h.getChat)
	mux.HandleFunc("DELETE /chats/{chatId}", h.deleteChat)
	mux.HandleFunc("GET /chats/{chatId}/messages", h.listMessages)
	mux.HandleFunc("POST /chats/{chatId}/messages", h.ask)
	mux.HandleFunc("GET /chats/{chatId}/ws", h.serveWs)
}

type createChatRequest struct {
	Title string `json:"title"`
}

type createChatResponse struct {
	ChatSession    *Session `json:"chatSession"`
	InitialMessage *Message `json:"initialBotMessage"`
}

func (h *Handler) createChat(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Title == "" {
		req.Title = "New chat"
	}

	s := NewSession(id.UserID, req.Title)
	if rg := h.cfg.Challenge.RagInput; rg != nil {
		s.RagDocument = rg.DefaultDocument
	}
	if err := h.sessions.Create(s); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to create chat")
		return
	}
	if err := h.participants.AddParticipant(&Participant{UserID: id.UserID, ChatID: s.ID}); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to create chat")
		return
	}

	first := NewBotMessage(s.ID, h.initialBotMessage())
	if err := h.messages.Add(first); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to create chat")
		return
	}

	metrics.ChatsCreated.Inc()
	httputil.GetLogger(r.Context()).Info().Str("chat_id", s.ID).Msg("chat created")
	httputil.WriteJSON(w, http.StatusCreated, createChatResponse{ChatSession: s, InitialMessage: first})
}

// initialBotMessage prefers the RAG first message when the challenge
// defines one.
func (h *Handler) initialBotMessage() string {
	if rg := h.cfg.Challenge.RagInput; rg != nil && rg.FirstMessage != "" {
		return rg.FirstMessage
	}
	if h.cfg.Service.InitialBotMessage != "" {
		return h.cfg.Service.InitialBotMessage
	}
	return "Hello! How can I help you today?"
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	chatIDs, err := h.participants.ChatsForUser(id.UserID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list chats")
		return
	}
	out := make([]*Session, 0, len(chatIDs))
	for _, chatID := range chatIDs {
		s, err := h.sessions.Get(chatID)
		if err != nil || s.IsDeleted {
			continue
		}
		out = append(out, s)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// loadOwnChat resolves {chatId} for read endpoints: 404 when missing or
// soft-deleted, 403 when the caller is not a participant.
func (h *Handler) loadOwnChat(w http.ResponseWriter, r *http.Request) (*Session, *auth.Identity, bool) {
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

func (h *Handler) getChat(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.loadOwnChat(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.loadOwnChat(w, r)
	if !ok {
		return
	}
	msgs, err := h.messages.ListByChat(s.ID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, msgs)
}

func (h *Handler) deleteChat(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.loadOwnChat(w, r)
	if !ok {
		return
	}
	s.IsDeleted = true
	if err := h.sessions.Update(s); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to delete chat")
		return
	}
	metrics.ChatsDeleted.Inc()
	h.hub.Broadcast(s.ID, "ChatDeleted", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveWs(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.loadOwnChat(w, r)
	if !ok {
		return
	}
	h.ws.Serve(w, r, s.ID)
}

type askRequest struct {
	Input        string `json:"input"`
	RagDocument  string `json:"ragDocument"`
	RagUserInput string `json:"ragUserInput"`
}

type askResponse struct {
	Message *Message `json:"message"`
	// ScorerMessage is set when the reply passed auto scoring.
	ScorerMessage *Message `json:"scorerMessage,omitempty"`
}

// ask is the main chat turn. The gate order is deliberate and load
// bearing: the turn-limit check precedes the deleted and locked checks
// so a chat that just hit its limit reports the limit, and the
// auto-lock is applied before the message is processed so the lock
// covers the turn that triggered it.
func (h *Handler) ask(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s, err := h.sessions.Get(r.PathValue("chatId"))
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "Chat not found")
		return
	}
	if s.MaxTurnReached {
		httputil.WriteError(w, http.StatusBadRequest, "Max number of turns reached")
		return
	}
	if rg := h.cfg.Challenge.RagInput; rg != nil && rg.LockAfter > 0 {
		count, err := h.messages.CountUserMessages(s.ID)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "Failed to process message")
			return
		}
		if count+1 >= rg.LockAfter {
			s.MaxTurnReached = true
			if err := h.sessions.Update(s); err != nil {
				httputil.WriteError(w, http.StatusInternalServerError, "Failed to process message")
				return
			}
			h.hub.Broadcast(s.ID, "ChatEdited", s)
		}
	}
	if s.IsDeleted {
		httputil.WriteError(w, http.StatusNotFound, "Chat not found")
		return
	}
	if s.IsLocked {
		httputil.WriteError(w, http.StatusBadRequest, "Chat is locked")
		return
	}
	ok, err := h.participants.IsParticipant(s.ID, id.UserID)
	if err != nil || !ok {
		httputil.WriteError(w, http.StatusForbidden, "User does not have access to the chat")
		return
	}

	if rg := h.cfg.Challenge.RagInput; rg != nil {
		if !rg.IsReadOnly && req.RagDocument != "" {
			s.RagDocument = req.RagDocument
		}
		if req.RagUserInput != "" {
			s.RagUserInput = req.RagUserInput
		}
		s.RagDocument = scoring.AssembleRagDocument(rg, s.RagDocument, s.RagUserInput)
		if err := h.sessions.Update(s); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "Failed to process message")
			return
		}
	}

	userMsg := NewUserMessage(s.ID, id.UserID, id.DisplayName, req.Input)
	if err := h.messages.Add(userMsg); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}
	metrics.ChatMessages.Inc()
	h.hub.Broadcast(s.ID, "ReceiveMessage", userMsg)

	history, err := h.messages.ListByChat(s.ID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}

	ctx := r.Context()
	if timeout := h.cfg.ResponseTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	reply, err := h.responder.Respond(ctx, s, history, userMsg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			httputil.WriteError(w, http.StatusGatewayTimeout, "Bot response timed out")
			return
		}
		logger.Error().Err(err).Str("chat_id", s.ID).Msg("bot response failed")
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to generate a response")
		return
	}

	botMsg := NewBotMessage(s.ID, reply)
	if err := h.messages.Add(botMsg); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}
	h.hub.Broadcast(s.ID, "ReceiveMessage", botMsg)

	resp := askResponse{Message: botMsg}
	if h.scorer != nil && h.scorer.Enabled() {
		var creds *ctfd.Credentials
		if h.flags != nil {
			creds = h.flags.CredentialsFromContext(r.Context())
		}
		if outcome := h.scorer.Score(r.Context(), s.ID, reply, creds); outcome.Passed {
			scorerMsg := NewBotMessage(s.ID, outcome.Message)
			if err := h.messages.Add(scorerMsg); err == nil {
				h.hub.Broadcast(s.ID, "ReceiveMessage", scorerMsg)
				resp.ScorerMessage = scorerMsg
			}
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
