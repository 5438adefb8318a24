package linkstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vaultbot/pkg/secret"
)

// EnsureSchema creates the identity_links table. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS identity_links (
  id uuid PRIMARY KEY,
  chatbot_user_id text NOT NULL UNIQUE,
  merchant_user_id text NOT NULL,
  refresh_token text NOT NULL DEFAULT '',
  linked_at timestamptz NOT NULL DEFAULT NOW(),
  last_refreshed_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS identity_links_merchant_idx ON identity_links(merchant_user_id, linked_at);
`)
	return err
}

type pgStore struct {
	pool   *pgxpool.Pool
	sealer secret.Sealer
}

func NewPostgresStore(pool *pgxpool.Pool, sealer secret.Sealer) Store {
	return &pgStore{pool: pool, sealer: sealer}
}

const linkColumns = `id, chatbot_user_id, merchant_user_id, refresh_token, linked_at, last_refreshed_at`

func (s *pgStore) scan(row pgx.Row, extra ...any) (IdentityLink, error) {
	var l IdentityLink
	var sealed string
	dest := append([]any{&l.ID, &l.ChatbotUserID, &l.MerchantUserID, &sealed, &l.LinkedAt, &l.LastRefreshedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdentityLink{}, ErrNotFound
		}
		return IdentityLink{}, err
	}
	tok, err := s.sealer.Open(sealed)
	if err != nil {
		return IdentityLink{}, err
	}
	l.RefreshToken = tok
	return l, nil
}

func (s *pgStore) Upsert(ctx context.Context, chatbotUserID, merchantUserID, refreshToken string) (UpsertResult, error) {
	sealed, err := s.sealer.Seal(refreshToken)
	if err != nil {
		return UpsertResult{}, err
	}
	var prev *string
	var inserted bool
	// prev reads the row as it was before this statement.
	row := s.pool.QueryRow(ctx, `
WITH prev AS (SELECT merchant_user_id FROM identity_links WHERE chatbot_user_id=$1)
INSERT INTO identity_links(id, chatbot_user_id, merchant_user_id, refresh_token, linked_at, last_refreshed_at)
VALUES (gen_random_uuid(), $1, $2, $3, NOW(), NOW())
ON CONFLICT (chatbot_user_id) DO UPDATE SET
  merchant_user_id = EXCLUDED.merchant_user_id,
  refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN identity_links.refresh_token ELSE EXCLUDED.refresh_token END,
  linked_at = CASE WHEN identity_links.merchant_user_id = EXCLUDED.merchant_user_id THEN identity_links.linked_at ELSE NOW() END,
  last_refreshed_at = NOW()
RETURNING `+linkColumns+`, (SELECT merchant_user_id FROM prev), (xmax = 0)`,
		chatbotUserID, merchantUserID, sealed)
	l, err := s.scan(row, &prev, &inserted)
	if err != nil {
		return UpsertResult{}, err
	}
	res := UpsertResult{Link: l, Created: inserted}
	if prev != nil && *prev != merchantUserID {
		res.Replaced = *prev
	}
	return res, nil
}

func (s *pgStore) FindByChatbotUser(ctx context.Context, chatbotUserID string) (IdentityLink, error) {
	return s.scan(s.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM identity_links WHERE chatbot_user_id=$1`, chatbotUserID))
}

func (s *pgStore) FindByMerchantUser(ctx context.Context, merchantUserID string) (IdentityLink, error) {
	return s.scan(s.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM identity_links WHERE merchant_user_id=$1
		ORDER BY linked_at ASC LIMIT 1`, merchantUserID))
}

func (s *pgStore) Touch(ctx context.Context, chatbotUserID, refreshToken string) error {
	sealed := ""
	if refreshToken != "" {
		var err error
		if sealed, err = s.sealer.Seal(refreshToken); err != nil {
			return err
		}
	}
	tag, err := s.pool.Exec(ctx, `UPDATE identity_links SET last_refreshed_at=NOW(),
		refresh_token = CASE WHEN $2 = '' THEN refresh_token ELSE $2 END WHERE chatbot_user_id=$1`, chatbotUserID, sealed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identity_links WHERE last_refreshed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
