package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vaultbot/pkg/secret"
)

// pgStore persists credentials in PostgreSQL. Token columns hold sealed values.
type pgStore struct {
	pool   *pgxpool.Pool
	sealer secret.Sealer
}

func NewPostgresStore(pool *pgxpool.Pool, sealer secret.Sealer) Store {
	return &pgStore{pool: pool, sealer: sealer}
}

// EnsureSchema creates the credential tables. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credentials (
  user_id text NOT NULL,
  connection text NOT NULL,
  access_token text NOT NULL,
  refresh_token text NOT NULL DEFAULT '',
  scopes text[] NOT NULL DEFAULT '{}',
  issued_at timestamptz NOT NULL,
  expires_at timestamptz,
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  PRIMARY KEY (user_id, connection)
);
CREATE TABLE IF NOT EXISTS derived_credentials (
  user_id text NOT NULL,
  connection text NOT NULL,
  token text NOT NULL,
  user_hash text NOT NULL DEFAULT '',
  expires_at timestamptz NOT NULL,
  PRIMARY KEY (user_id, connection)
);
CREATE TABLE IF NOT EXISTS granted_scopes (
  user_id text NOT NULL,
  connection_id text NOT NULL,
  scope text NOT NULL,
  granted_at timestamptz NOT NULL DEFAULT NOW(),
  PRIMARY KEY (user_id, connection_id, scope)
);
`)
	return err
}

func (s *pgStore) GetCredential(ctx context.Context, userID, connection string) (Credential, error) {
	c := Credential{UserID: userID, Connection: connection}
	var access, refresh string
	var expires *time.Time
	err := s.pool.QueryRow(ctx, `SELECT access_token, refresh_token, scopes, issued_at, expires_at
		FROM credentials WHERE user_id=$1 AND connection=$2`, userID, connection).
		Scan(&access, &refresh, &c.Scopes, &c.IssuedAt, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	if c.AccessToken, err = s.sealer.Open(access); err != nil {
		return Credential{}, fmt.Errorf("open access token: %w", err)
	}
	if c.RefreshToken, err = s.sealer.Open(refresh); err != nil {
		return Credential{}, fmt.Errorf("open refresh token: %w", err)
	}
	if expires != nil {
		c.ExpiresAt = *expires
	}
	return c, nil
}

func (s *pgStore) PutCredential(ctx context.Context, c Credential) error {
	access, err := s.sealer.Seal(c.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.sealer.Seal(c.RefreshToken)
	if err != nil {
		return err
	}
	var expires *time.Time
	if !c.ExpiresAt.IsZero() {
		t := c.ExpiresAt.UTC()
		expires = &t
	}
	if c.Scopes == nil {
		c.Scopes = []string{}
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO credentials(user_id, connection, access_token, refresh_token, scopes, issued_at, expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (user_id, connection) DO UPDATE SET access_token=EXCLUDED.access_token,
		  refresh_token=EXCLUDED.refresh_token, scopes=EXCLUDED.scopes, issued_at=EXCLUDED.issued_at,
		  expires_at=EXCLUDED.expires_at, updated_at=NOW()`,
		c.UserID, c.Connection, access, refresh, c.Scopes, c.IssuedAt.UTC(), expires)
	return err
}

func (s *pgStore) DeleteCredential(ctx context.Context, userID, connection string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE user_id=$1 AND connection=$2`, userID, connection)
	return err
}

func (s *pgStore) GetDerived(ctx context.Context, userID, connection string) (DerivedCredential, error) {
	d := DerivedCredential{UserID: userID, Connection: connection}
	var tok string
	err := s.pool.QueryRow(ctx, `SELECT token, user_hash, expires_at FROM derived_credentials WHERE user_id=$1 AND connection=$2`,
		userID, connection).Scan(&tok, &d.UserHash, &d.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DerivedCredential{}, ErrNotFound
	}
	if err != nil {
		return DerivedCredential{}, err
	}
	if d.Token, err = s.sealer.Open(tok); err != nil {
		return DerivedCredential{}, fmt.Errorf("open derived token: %w", err)
	}
	return d, nil
}

func (s *pgStore) PutDerived(ctx context.Context, d DerivedCredential) error {
	tok, err := s.sealer.Seal(d.Token)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO derived_credentials(user_id, connection, token, user_hash, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (user_id, connection) DO UPDATE SET token=EXCLUDED.token, user_hash=EXCLUDED.user_hash, expires_at=EXCLUDED.expires_at`,
		d.UserID, d.Connection, tok, d.UserHash, d.ExpiresAt.UTC())
	return err
}

func (s *pgStore) DeleteDerived(ctx context.Context, userID, connection string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM derived_credentials WHERE user_id=$1 AND connection=$2`, userID, connection)
	return err
}

func (s *pgStore) RecordGrantedScopes(ctx context.Context, userID, connectionID string, scopes []string, at time.Time) error {
	if len(scopes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sc := range scopes {
		batch.Queue(`INSERT INTO granted_scopes(user_id, connection_id, scope, granted_at) VALUES ($1,$2,$3,$4)
			ON CONFLICT (user_id, connection_id, scope) DO NOTHING`, userID, connectionID, sc, at.UTC())
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *pgStore) ListGrantedScopes(ctx context.Context, userID string) ([]GrantedScope, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, connection_id, scope, granted_at FROM granted_scopes
		WHERE user_id=$1 ORDER BY connection_id, scope`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (GrantedScope, error) {
		var g GrantedScope
		err := row.Scan(&g.UserID, &g.ConnectionID, &g.Scope, &g.GrantedAt)
		return g, err
	})
}

func (s *pgStore) DeleteGrantedScopes(ctx context.Context, userID, connectionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM granted_scopes WHERE user_id=$1 AND connection_id=$2`, userID, connectionID)
	return err
}

func (s *pgStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE refresh_token='' AND expires_at IS NOT NULL AND expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	tag, err = s.pool.Exec(ctx, `DELETE FROM derived_credentials WHERE expires_at < $1`, cutoff.UTC())
	if err != nil {
		return n, err
	}
	return n + tag.RowsAffected(), nil
}
