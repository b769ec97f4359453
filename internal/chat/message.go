package chat

import (
	"time"

	"github.com/google/uuid"
)

// AuthorRole says who produced a message. The numeric values are part
// of the client contract.
type AuthorRole int

const (
	RoleUser AuthorRole = iota
	RoleBot
	RoleParticipant
)

// MessageType distinguishes plain chat text from plan and document
// payloads.
type MessageType int

const (
	TypeMessage MessageType = iota
	TypePlan
	TypeDocument
)

type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	UserID    string      `json:"userId"`
	UserName  string      `json:"userName"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Role      AuthorRole  `json:"authorRole"`
	Type      MessageType `json:"type"`
}

func NewUserMessage(chatID, userID, userName, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		UserID:    userID,
		UserName:  userName,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Role:      RoleUser,
		Type:      TypeMessage,
	}
}

func NewBotMessage(chatID, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		UserID:    "bot",
		UserName:  "Bot",
		Content:   content,
		Timestamp: time.Now().UTC(),
		Role:      RoleBot,
		Type:      TypeMessage,
	}
}
