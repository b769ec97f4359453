package chat

import (
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("chat: not found")

// SessionStore persists chat sessions. Get returns soft-deleted
// sessions too; callers decide whether deletion matters for them.
type SessionStore interface {
	Create(s *Session) error
	Get(chatID string) (*Session, error)
	Update(s *Session) error
}

type MessageStore interface {
	Add(m *Message) error
	ListByChat(chatID string) ([]*Message, error)
	// CountUserMessages counts messages authored by users (not the bot)
	// in a chat; the turn-limit lock is defined over this count.
	CountUserMessages(chatID string) (int, error)
}

type ParticipantStore interface {
	AddParticipant(p *Participant) error
	IsParticipant(chatID, userID string) (bool, error)
	ChatsForUser(userID string) ([]string, error)
}

// MemoryStore is the in-process implementation of all three stores.
// Values are cloned at the boundary in both directions so callers can
// never mutate stored state without going through Update.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	messages     map[string][]*Message
	participants map[string]map[string]struct{} // chatID -> userID set
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*Session),
		messages:     make(map[string][]*Message),
		participants: make(map[string]map[string]struct{}),
	}
}

func (ms *MemoryStore) Create(s *Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.sessions[s.ID]; ok {
		return errors.New("chat: session already exists")
	}
	cp := *s
	ms.sessions[s.ID] = &cp
	return nil
}

func (ms *MemoryStore) Get(chatID string) (*Session, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	s, ok := ms.sessions[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (ms *MemoryStore) Update(s *Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	ms.sessions[s.ID] = &cp
	return nil
}

func (ms *MemoryStore) Add(m *Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *m
	ms.messages[m.ChatID] = append(ms.messages[m.ChatID], &cp)
	return nil
}

func (ms *MemoryStore) ListByChat(chatID string) ([]*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	src := ms.messages[chatID]
	out := make([]*Message, 0, len(src))
	for _, m := range src {
		cp := *m
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (ms *MemoryStore) CountUserMessages(chatID string) (int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	n := 0
	for _, m := range ms.messages[chatID] {
		if m.Role != RoleBot {
			n++
		}
	}
	return n, nil
}

func (ms *MemoryStore) AddParticipant(p *Participant) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	set, ok := ms.participants[p.ChatID]
	if !ok {
		set = make(map[string]struct{})
		ms.participants[p.ChatID] = set
	}
	set[p.UserID] = struct{}{}
	return nil
}

func (ms *MemoryStore) IsParticipant(chatID, userID string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, ok := ms.participants[chatID][userID]
	return ok, nil
}

func (ms *MemoryStore) ChatsForUser(userID string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []string
	for chatID, set := range ms.participants {
		if _, ok := set[userID]; ok {
			out = append(out, chatID)
		}
	}
	sort.Strings(out)
	return out, nil
}
