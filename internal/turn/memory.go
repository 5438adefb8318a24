package turn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaultbot/internal/llm"
)

type memStore struct {
	mu    sync.Mutex
	turns map[string]Turn
}

func NewMemoryStore() Store { return &memStore{turns: map[string]Turn{}} }

func (m *memStore) Create(_ context.Context, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[t.ID] = clone(t)
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.turns[id]
	if !ok {
		return Turn{}, ErrNotFound
	}
	return clone(t), nil
}

func (m *memStore) Save(_ context.Context, t Turn, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.turns[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != from {
		return ErrStateConflict
	}
	m.turns[t.ID] = clone(t)
	return nil
}

func clone(t Turn) Turn {
	t.Messages = append([]llm.Message(nil), t.Messages...)
	t.Deferred = append([]string(nil), t.Deferred...)
	if t.Interrupt != nil {
		i := *t.Interrupt
		i.RequiredScopes = append([]string(nil), i.RequiredScopes...)
		t.Interrupt = &i
	}
	return t
}

type memMessages struct {
	mu    sync.Mutex
	msgs  []ownedMessage
	owner map[string]string // threadID -> first writer
}

type ownedMessage struct {
	Message
	userID string
}

func NewMemoryMessages() MessageStore { return &memMessages{owner: map[string]string{}} }

func (m *memMessages) CheckThread(_ context.Context, userID, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(userID, threadID)
}

func (m *memMessages) check(userID, threadID string) error {
	if owner, ok := m.owner[threadID]; ok && owner != userID {
		return ErrThreadForbidden
	}
	return nil
}

func (m *memMessages) History(_ context.Context, userID, threadID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.msgs {
		if msg.ThreadID == threadID && msg.userID == userID {
			out = append(out, msg.Message)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memMessages) append(userID, threadID, turnID string, role llm.Role, content string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(userID, threadID); err != nil {
		return false, err
	}
	for _, msg := range m.msgs {
		if msg.TurnID == turnID && msg.Role == role {
			return false, nil
		}
	}
	m.owner[threadID] = userID
	m.msgs = append(m.msgs, ownedMessage{
		Message: Message{ID: uuid.NewString(), ThreadID: threadID, TurnID: turnID, Role: role, Content: content, CreatedAt: time.Now().UTC()},
		userID:  userID,
	})
	return true, nil
}

func (m *memMessages) AppendUser(_ context.Context, userID, threadID, turnID, content string) error {
	_, err := m.append(userID, threadID, turnID, llm.RoleUser, content)
	return err
}

func (m *memMessages) AppendAssistant(_ context.Context, userID, threadID, turnID, content string) (bool, error) {
	return m.append(userID, threadID, turnID, llm.RoleAssistant, content)
}
