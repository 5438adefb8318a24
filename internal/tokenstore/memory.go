package tokenstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memStore struct {
	mu      sync.RWMutex
	creds   map[string]Credential
	derived map[string]DerivedCredential
	granted map[string]GrantedScope // user|connection|scope
}

// NewMemoryStore returns a process-local Store for dev and tests.
func NewMemoryStore() Store {
	return &memStore{
		creds:   map[string]Credential{},
		derived: map[string]DerivedCredential{},
		granted: map[string]GrantedScope{},
	}
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += "|"
		}
		k += p
	}
	return k
}

func (m *memStore) GetCredential(_ context.Context, userID, connection string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[key(userID, connection)]
	if !ok {
		return Credential{}, ErrNotFound
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return c, nil
}

func (m *memStore) PutCredential(_ context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Scopes = append([]string(nil), c.Scopes...)
	m.creds[key(c.UserID, c.Connection)] = c
	return nil
}

func (m *memStore) DeleteCredential(_ context.Context, userID, connection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, key(userID, connection))
	return nil
}

func (m *memStore) GetDerived(_ context.Context, userID, connection string) (DerivedCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.derived[key(userID, connection)]
	if !ok {
		return DerivedCredential{}, ErrNotFound
	}
	return d, nil
}

func (m *memStore) PutDerived(_ context.Context, d DerivedCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.derived[key(d.UserID, d.Connection)] = d
	return nil
}

func (m *memStore) DeleteDerived(_ context.Context, userID, connection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.derived, key(userID, connection))
	return nil
}

func (m *memStore) RecordGrantedScopes(_ context.Context, userID, connectionID string, scopes []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range scopes {
		k := key(userID, connectionID, s)
		if _, ok := m.granted[k]; ok {
			continue
		}
		m.granted[k] = GrantedScope{UserID: userID, ConnectionID: connectionID, Scope: s, GrantedAt: at.UTC()}
	}
	return nil
}

func (m *memStore) DeleteGrantedScopes(_ context.Context, userID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, g := range m.granted {
		if g.UserID == userID && g.ConnectionID == connectionID {
			delete(m.granted, k)
		}
	}
	return nil
}

func (m *memStore) ListGrantedScopes(_ context.Context, userID string) ([]GrantedScope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []GrantedScope
	for _, g := range m.granted {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectionID != out[j].ConnectionID {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].Scope < out[j].Scope
	})
	return out, nil
}

func (m *memStore) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.creds {
		if c.RefreshToken == "" && !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(cutoff) {
			delete(m.creds, k)
			n++
		}
	}
	for k, d := range m.derived {
		if d.ExpiresAt.Before(cutoff) {
			delete(m.derived, k)
			n++
		}
	}
	return n, nil
}
