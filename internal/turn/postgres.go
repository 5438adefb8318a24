package turn

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the turn and message tables. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chat_turns (
  id uuid PRIMARY KEY,
  thread_id uuid NOT NULL,
  user_id text NOT NULL,
  state text NOT NULL,
  data jsonb NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS chat_turns_thread_idx ON chat_turns(thread_id);
CREATE TABLE IF NOT EXISTS chat_messages (
  id uuid PRIMARY KEY,
  thread_id uuid NOT NULL,
  turn_id uuid NOT NULL,
  user_id text NOT NULL,
  role text NOT NULL,
  content text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  UNIQUE (turn_id, role)
);
CREATE INDEX IF NOT EXISTS chat_messages_thread_idx ON chat_messages(thread_id, created_at);
`)
	return err
}

type pgStore struct{ pool *pgxpool.Pool }

func NewPostgresStore(pool *pgxpool.Pool) Store { return &pgStore{pool: pool} }

func (s *pgStore) Create(ctx context.Context, t Turn) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO chat_turns(id, thread_id, user_id, state, data, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, t.ID, t.ThreadID, t.UserID, string(t.State), data, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *pgStore) Get(ctx context.Context, id string) (Turn, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM chat_turns WHERE id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Turn{}, ErrNotFound
	}
	if err != nil {
		return Turn{}, err
	}
	var t Turn
	if err := json.Unmarshal(data, &t); err != nil {
		return Turn{}, err
	}
	return t, nil
}

func (s *pgStore) Save(ctx context.Context, t Turn, from State) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE chat_turns SET state=$2, data=$3, updated_at=$4 WHERE id=$1 AND state=$5`,
		t.ID, string(t.State), data, t.UpdatedAt, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

type pgMessages struct{ pool *pgxpool.Pool }

func NewPostgresMessages(pool *pgxpool.Pool) MessageStore { return &pgMessages{pool: pool} }

func (s *pgMessages) History(ctx context.Context, userID, threadID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, thread_id, turn_id, role, content, created_at FROM chat_messages
		WHERE thread_id=$1 AND user_id=$2 ORDER BY created_at`, threadID, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.ThreadID, &m.TurnID, &m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
}

func (s *pgMessages) CheckThread(ctx context.Context, userID, threadID string) error {
	var foreign bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_messages WHERE thread_id=$1 AND user_id<>$2)`,
		threadID, userID).Scan(&foreign)
	if err != nil {
		return err
	}
	if foreign {
		return ErrThreadForbidden
	}
	return nil
}

// insert writes nothing when the thread already has another user's messages.
func (s *pgMessages) insert(ctx context.Context, userID, threadID, turnID, role, content string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO chat_messages(id, thread_id, turn_id, user_id, role, content)
		SELECT gen_random_uuid(), $1::uuid, $2::uuid, $3::text, $4::text, $5::text
		WHERE NOT EXISTS (SELECT 1 FROM chat_messages WHERE thread_id=$1::uuid AND user_id<>$3::text)
		ON CONFLICT (turn_id, role) DO NOTHING`,
		threadID, turnID, userID, role, content)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := s.CheckThread(ctx, userID, threadID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *pgMessages) AppendUser(ctx context.Context, userID, threadID, turnID, content string) error {
	_, err := s.insert(ctx, userID, threadID, turnID, "user", content)
	return err
}

func (s *pgMessages) AppendAssistant(ctx context.Context, userID, threadID, turnID, content string) (bool, error) {
	return s.insert(ctx, userID, threadID, turnID, "assistant", content)
}
