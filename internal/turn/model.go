// Package turn runs chat turns and suspends them while the user grants a
// connection the assistant needs.
package turn

import (
	"context"
	"errors"
	"time"

	"vaultbot/internal/llm"
)

type State string

const (
	Running     State = "running"
	Interrupted State = "interrupted"
	Resumed     State = "resumed"
	Completed   State = "completed"
	Failed      State = "failed"
)

var (
	ErrNotFound      = errors.New("turn not found")
	ErrStateConflict = errors.New("turn is not in the expected state")
	// ErrThreadForbidden is returned when a thread id already belongs to
	// another user.
	ErrThreadForbidden = errors.New("thread belongs to another user")
)

const InterruptType = "token-vault-interrupt"

// Interrupt is streamed to the client when a turn needs a grant. It names
// the connection and scopes only; tool arguments stay server-side so the
// model remains the author of every tool call.
type Interrupt struct {
	Type           string   `json:"type"`
	Connection     string   `json:"connection"`
	RequiredScopes []string `json:"requiredScopes"`
	TurnID         string   `json:"turnId"`
}

type Turn struct {
	ID       string        `json:"id"`
	ThreadID string        `json:"thread_id"`
	UserID   string        `json:"user_id"`
	State    State         `json:"state"`
	Messages []llm.Message `json:"messages"`
	// Interrupt is set while the turn is Interrupted.
	Interrupt *Interrupt `json:"interrupt,omitempty"`
	// Deferred lists tool calls of the interrupted step that had not run yet.
	Deferred  []string  `json:"deferred,omitempty"`
	Resumes   int       `json:"resumes"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists turns so a resume can land on any process.
type Store interface {
	Create(ctx context.Context, t Turn) error
	Get(ctx context.Context, id string) (Turn, error)
	// Save writes t only if the stored state is still from; otherwise
	// ErrStateConflict.
	Save(ctx context.Context, t Turn, from State) error
}

// Message is a persisted chat message.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	TurnID    string    `json:"turn_id"`
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageStore keeps the visible conversation. Each turn contributes at
// most one user and one assistant message.
type MessageStore interface {
	// CheckThread returns ErrThreadForbidden when threadID has messages
	// from a user other than userID.
	CheckThread(ctx context.Context, userID, threadID string) error
	History(ctx context.Context, userID, threadID string) ([]Message, error)
	AppendUser(ctx context.Context, userID, threadID, turnID, content string) error
	// AppendAssistant reports false when the turn already has its message.
	AppendAssistant(ctx context.Context, userID, threadID, turnID, content string) (bool, error)
}
