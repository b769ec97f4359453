// Package chat holds the conversation domain model: sessions, messages,
// participants, and the storage interfaces the handlers work against.
package chat

import (
	"time"

	"github.com/google/uuid"

	"promptctf/webapi/internal/ctfd"
)

// Session is one conversation. Lock state is split in two: IsLocked is
// the manual-review lock (cleared when a verdict arrives) and
// MaxTurnReached is the permanent turn-limit lock; they are independent
// and checked separately so the client can show the right banner.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"userId"`
	CreatedOn time.Time `json:"createdOn"`

	IsDeleted      bool `json:"isDeleted"`
	IsLocked       bool `json:"locked"`
	MaxTurnReached bool `json:"maxTurnReached"`
	XssTriggered   bool `json:"xssTriggered"`

	RagDocument  string `json:"ragDocument,omitempty"`
	RagUserInput string `json:"ragUserInput,omitempty"`

	// CtfdAuth is the credential snapshot taken when the chat is locked
	// for manual review, so a later verdict can still submit the flag on
	// behalf of the user who requested the review. Never serialized to
	// clients.
	CtfdAuth *ctfd.Credentials `json:"-"`
}

func NewSession(userID, title string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Title:     title,
		UserID:    userID,
		CreatedOn: time.Now().UTC(),
	}
}

// Participant links a user to a chat they may read and post to.
type Participant struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
}
