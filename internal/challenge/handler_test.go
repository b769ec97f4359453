package challenge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"promptctf/webapi/internal/auth"
	"promptctf/webapi/internal/chat"
	"promptctf/webapi/internal/config"
	"promptctf/webapi/internal/ctfd"
)

type fakeHub struct {
	events []string
}

func (f *fakeHub) Broadcast(chatID, event string, payload any) {
	f.events = append(f.events, event)
}

type testEnv struct {
	cfg     *config.Config
	store   *chat.MemoryStore
	hub     *fakeHub
	handler *Handler
}

func newTestEnv(cfg *config.Config) *testEnv {
	if cfg == nil {
		cfg = &config.Config{}
	}
	env := &testEnv{
		cfg:   cfg,
		store: chat.NewMemoryStore(),
		hub:   &fakeHub{},
	}
	flags := ctfd.NewClient(nil, nil, zerolog.Nop())
	env.handler = NewHandler(cfg, env.store, env.store, env.store, env.hub, flags)
	return env
}

func (env *testEnv) newChat(t *testing.T, userID string) *chat.Session {
	t.Helper()
	s := chat.NewSession(userID, "test chat")
	if err := env.store.Create(s); err != nil {
		t.Fatal(err)
	}
	if err := env.store.AddParticipant(&chat.Participant{UserID: userID, ChatID: s.ID}); err != nil {
		t.Fatal(err)
	}
	return s
}

// seedBotReply appends a bot answer and returns its index in the
// transcript.
func (env *testEnv) seedBotReply(t *testing.T, s *chat.Session, content string) int {
	t.Helper()
	if err := env.store.Add(chat.NewBotMessage(s.ID, content)); err != nil {
		t.Fatal(err)
	}
	msgs, err := env.store.ListByChat(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	return len(msgs) - 1
}

func identityReq(method, target, userID, chatID string, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if userID != "" {
		id := &auth.Identity{UserID: userID, DisplayName: auth.DefaultUserName}
		r = r.WithContext(auth.WithIdentity(r.Context(), id))
	}
	if chatID != "" {
		r.SetPathValue("chatId", chatID)
	}
	return r
}

func TestSettings(t *testing.T) {
	cfg := &config.Config{}
	cfg.Challenge.ID = 7
	cfg.Challenge.Name = "leak"
	cfg.Challenge.AuthType = config.AuthNone
	cfg.Challenge.MetapromptLeak = true
	cfg.Challenge.Plugins = true
	cfg.Challenge.Scorer = &config.ScorerCfg{IsRegex: true, Instruction: "x"}
	cfg.Challenge.RagInput = &config.RagInputCfg{
		TitleShort: "doc",
		IsReadOnly: true,
		LockAfter:  5,
	}
	env := newTestEnv(cfg)

	rec := httptest.NewRecorder()
	env.handler.settings(rec, identityReq(http.MethodGet, "/challenge/settings", "u", "", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp settingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != 7 || resp.Name != "leak" || !resp.MetapromptLeak || !resp.Plugins {
		t.Fatalf("settings %+v", resp)
	}
	if !resp.HasAutoScorer || resp.HasHumanScorer {
		t.Fatalf("scorer flags %+v", resp)
	}
	if resp.RagInput == nil || !resp.RagInput.Enabled || resp.RagInput.MaxTurns != 5 || !resp.RagInput.IsReadOnly {
		t.Fatalf("rag settings %+v", resp.RagInput)
	}
}

func scorerServer(t *testing.T, wantKey string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/score" {
			t.Errorf("path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-scoring-key"); got != wantKey {
			t.Errorf("scoring key %q", got)
		}
		var body reviewRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad review body: %v", err)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func manualCfg(endpoint string) *config.Config {
	cfg := &config.Config{}
	cfg.Challenge.HumanScorer = &config.HumanScorerCfg{
		Endpoint:     endpoint,
		APIKey:       "shared-key",
		CallbackBase: "https://challenge.example.com",
	}
	return cfg
}

func TestRequestManualScoringLocksChat(t *testing.T) {
	srv := scorerServer(t, "shared-key", http.StatusAccepted)
	env := newTestEnv(manualCfg(srv.URL))
	s := env.newChat(t, "user-1")
	idx := env.seedBotReply(t, s, "here is my answer")
	body := fmt.Sprintf(`{"messageIndex": %d}`, idx)

	rec := httptest.NewRecorder()
	env.handler.requestManualScoring(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/manual", "user-1", s.ID, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	got, _ := env.store.Get(s.ID)
	if !got.IsLocked {
		t.Fatal("chat not locked")
	}

	// A second request on the locked chat is rejected.
	rec = httptest.NewRecorder()
	env.handler.requestManualScoring(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/manual", "user-1", s.ID, body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second request status %d", rec.Code)
	}
}

func TestRequestManualScoringValidatesMessage(t *testing.T) {
	srv := scorerServer(t, "shared-key", http.StatusAccepted)
	env := newTestEnv(manualCfg(srv.URL))
	s := env.newChat(t, "user-1")
	env.seedBotReply(t, s, "first answer")
	if err := env.store.Add(chat.NewUserMessage(s.ID, "user-1", "Default User", "a follow-up")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"out of range", `{"messageIndex": 9}`, http.StatusNotFound},
		{"negative", `{"messageIndex": -1}`, http.StatusNotFound},
		{"not the latest", `{"messageIndex": 0}`, http.StatusBadRequest},
		{"latest is not a bot message", `{"messageIndex": 1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.handler.requestManualScoring(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/manual", "user-1", s.ID, tt.body))
			if rec.Code != tt.want {
				t.Fatalf("status %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
	got, _ := env.store.Get(s.ID)
	if got.IsLocked {
		t.Fatal("chat locked by a rejected request")
	}
}

func TestRequestManualScoringScorerDown(t *testing.T) {
	srv := scorerServer(t, "shared-key", http.StatusInternalServerError)
	env := newTestEnv(manualCfg(srv.URL))
	s := env.newChat(t, "user-1")
	idx := env.seedBotReply(t, s, "here is my answer")

	rec := httptest.NewRecorder()
	env.handler.requestManualScoring(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/manual", "user-1", s.ID, fmt.Sprintf(`{"messageIndex": %d}`, idx)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d", rec.Code)
	}
	got, _ := env.store.Get(s.ID)
	if got.IsLocked {
		t.Fatal("chat locked although the scorer rejected the request")
	}
}

func TestRequestManualScoringDisabled(t *testing.T) {
	env := newTestEnv(nil)
	s := env.newChat(t, "user-1")

	rec := httptest.NewRecorder()
	env.handler.requestManualScoring(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/manual", "user-1", s.ID, ""))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestReceiveVerdictUnlocksAndAnnounces(t *testing.T) {
	env := newTestEnv(manualCfg("http://unused"))
	s := env.newChat(t, "user-1")
	s.IsLocked = true
	env.store.Update(s)

	req := identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/receive", "", s.ID, `{"passed": true, "custom_message": "nice work"}`)
	req.Header.Set("x-scoring-key", "shared-key")
	rec := httptest.NewRecorder()
	env.handler.ReceiveVerdict(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	got, _ := env.store.Get(s.ID)
	if got.IsLocked {
		t.Fatal("chat still locked after the verdict")
	}
	msgs, _ := env.store.ListByChat(s.ID)
	if len(msgs) != 1 {
		t.Fatalf("%d messages, want the verdict announcement", len(msgs))
	}
	content := msgs[0].Content
	if !strings.HasPrefix(content, "**Manual scorer message**: ") {
		t.Fatalf("verdict message %q", content)
	}
	if !strings.Contains(content, "**Message from the reviewer**: nice work") {
		t.Fatalf("reviewer note missing from %q", content)
	}
	var gotReceive, gotEdited bool
	for _, ev := range env.hub.events {
		switch ev {
		case "ReceiveMessage":
			gotReceive = true
		case "ChatEdited":
			gotEdited = true
		}
	}
	if !gotReceive || !gotEdited {
		t.Fatalf("events %v", env.hub.events)
	}
}

func TestReceiveVerdictBadKey(t *testing.T) {
	env := newTestEnv(manualCfg("http://unused"))
	s := env.newChat(t, "user-1")

	req := identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/receive", "", s.ID, `{"passed": true}`)
	req.Header.Set("x-scoring-key", "wrong")
	rec := httptest.NewRecorder()
	env.handler.ReceiveVerdict(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestReceiveVerdictNoOps(t *testing.T) {
	env := newTestEnv(manualCfg("http://unused"))

	unlocked := env.newChat(t, "user-1")
	deleted := env.newChat(t, "user-1")
	deleted.IsDeleted = true
	deleted.IsLocked = true
	env.store.Update(deleted)

	for _, chatID := range []string{"missing-chat", unlocked.ID, deleted.ID} {
		req := identityReq(http.MethodPost, "/chats/"+chatID+"/scoring/receive", "", chatID, `{"passed": false}`)
		req.Header.Set("x-scoring-key", "shared-key")
		rec := httptest.NewRecorder()
		env.handler.ReceiveVerdict(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("chat %s: status %d, want 204", chatID, rec.Code)
		}
	}
}

func TestScoreXssOncePerChat(t *testing.T) {
	cfg := &config.Config{}
	cfg.Challenge.XssVulnerable = true
	cfg.Challenge.Scorer = &config.ScorerCfg{SuccessMessage: "you popped it"}
	env := newTestEnv(cfg)
	s := env.newChat(t, "user-1")

	rec := httptest.NewRecorder()
	env.handler.scoreXss(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/xss", "user-1", s.ID, ""))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	msgs, _ := env.store.ListByChat(s.ID)
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0].Content, "**Scorer message**: you popped it") {
		t.Fatalf("messages %+v", msgs)
	}

	// Second trigger is a no-op.
	rec = httptest.NewRecorder()
	env.handler.scoreXss(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/xss", "user-1", s.ID, ""))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("second trigger status %d", rec.Code)
	}
	msgs, _ = env.store.ListByChat(s.ID)
	if len(msgs) != 1 {
		t.Fatalf("%d messages after double trigger", len(msgs))
	}
}

func TestScoreXssLockedChat(t *testing.T) {
	cfg := &config.Config{}
	cfg.Challenge.XssVulnerable = true
	env := newTestEnv(cfg)
	s := env.newChat(t, "user-1")
	s.IsLocked = true
	env.store.Update(s)

	rec := httptest.NewRecorder()
	env.handler.scoreXss(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/xss", "user-1", s.ID, ""))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	got, _ := env.store.Get(s.ID)
	if got.XssTriggered {
		t.Fatal("locked chat was awarded")
	}
	if msgs, _ := env.store.ListByChat(s.ID); len(msgs) != 0 {
		t.Fatalf("%d messages posted to a locked chat", len(msgs))
	}
}

func TestScoreXssNotVulnerable(t *testing.T) {
	env := newTestEnv(nil)
	s := env.newChat(t, "user-1")

	rec := httptest.NewRecorder()
	env.handler.scoreXss(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/scoring/xss", "user-1", s.ID, ""))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestUpdateRagDocument(t *testing.T) {
	cfg := &config.Config{}
	cfg.Challenge.RagInput = &config.RagInputCfg{DefaultDocument: "default"}
	env := newTestEnv(cfg)
	s := env.newChat(t, "user-1")

	rec := httptest.NewRecorder()
	env.handler.updateRagDocument(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/rag", "user-1", s.ID, `{"document": "my doc"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	got, _ := env.store.Get(s.ID)
	if got.RagDocument != "my doc" {
		t.Fatalf("document %q", got.RagDocument)
	}

	// The short user input belongs to read-only challenges only.
	rec = httptest.NewRecorder()
	env.handler.updateRagDocument(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/rag", "user-1", s.ID, `{"userInput": "snippet"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("user input on editable document: status %d", rec.Code)
	}
	got, _ = env.store.Get(s.ID)
	if got.RagUserInput != "" {
		t.Fatalf("user input %q was stored", got.RagUserInput)
	}
}

func TestUpdateRagDocumentReadOnly(t *testing.T) {
	cfg := &config.Config{}
	cfg.Challenge.RagInput = &config.RagInputCfg{IsReadOnly: true, DefaultDocument: "default"}
	env := newTestEnv(cfg)
	s := env.newChat(t, "user-1")

	rec := httptest.NewRecorder()
	env.handler.updateRagDocument(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/rag", "user-1", s.ID, `{"document": "override"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}

	// The short user input is still accepted.
	rec = httptest.NewRecorder()
	env.handler.updateRagDocument(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/rag", "user-1", s.ID, `{"userInput": "snippet"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("user input status %d: %s", rec.Code, rec.Body)
	}
	got, _ := env.store.Get(s.ID)
	if got.RagUserInput != "snippet" {
		t.Fatalf("user input %q", got.RagUserInput)
	}
}

func TestUpdateRagDocumentClosesAfterSecondTurn(t *testing.T) {
	cfg := &config.Config{}
	cfg.Challenge.RagInput = &config.RagInputCfg{DefaultDocument: "default"}
	env := newTestEnv(cfg)
	s := env.newChat(t, "user-1")
	if err := env.store.Add(chat.NewUserMessage(s.ID, "user-1", "Default User", "first question")); err != nil {
		t.Fatal(err)
	}

	// One user turn in, the document is still editable.
	rec := httptest.NewRecorder()
	env.handler.updateRagDocument(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/rag", "user-1", s.ID, `{"document": "my doc"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	if err := env.store.Add(chat.NewUserMessage(s.ID, "user-1", "Default User", "second question")); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	env.handler.updateRagDocument(rec, identityReq(http.MethodPost, "/chats/"+s.ID+"/rag", "user-1", s.ID, `{"document": "too late"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d after second turn", rec.Code)
	}
	got, _ := env.store.Get(s.ID)
	if got.RagDocument != "my doc" {
		t.Fatalf("document %q changed after the window closed", got.RagDocument)
	}
}
