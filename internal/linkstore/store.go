// Package linkstore persists the mapping between chatbot users and
// merchant users. There is at most one link per chatbot user.
package linkstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("identity link not found")

type IdentityLink struct {
	ID              string    `json:"id"`
	ChatbotUserID   string    `json:"chatbot_user_id"`
	MerchantUserID  string    `json:"merchant_user_id"`
	RefreshToken    string    `json:"-"`
	LinkedAt        time.Time `json:"linked_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// UpsertResult describes what an upsert changed. Replaced holds the
// previous merchant user id when the chatbot user was re-linked.
type UpsertResult struct {
	Link     IdentityLink
	Created  bool
	Replaced string
}

type Store interface {
	// Upsert links chatbotUserID to merchantUserID, replacing any previous
	// link of that chatbot user. An empty refreshToken keeps the stored one.
	Upsert(ctx context.Context, chatbotUserID, merchantUserID, refreshToken string) (UpsertResult, error)
	FindByChatbotUser(ctx context.Context, chatbotUserID string) (IdentityLink, error)
	// FindByMerchantUser returns the oldest link of merchantUserID.
	FindByMerchantUser(ctx context.Context, merchantUserID string) (IdentityLink, error)
	// Touch records a silent refresh of the link.
	Touch(ctx context.Context, chatbotUserID, refreshToken string) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type memStore struct {
	mu    sync.Mutex
	links map[string]IdentityLink // by chatbot user
	now   func() time.Time
}

func NewMemoryStore() Store { return &memStore{links: map[string]IdentityLink{}, now: time.Now} }

func (m *memStore) Upsert(_ context.Context, chatbotUserID, merchantUserID, refreshToken string) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	cur, ok := m.links[chatbotUserID]
	if !ok {
		l := IdentityLink{ID: uuid.NewString(), ChatbotUserID: chatbotUserID, MerchantUserID: merchantUserID,
			RefreshToken: refreshToken, LinkedAt: now, LastRefreshedAt: now}
		m.links[chatbotUserID] = l
		return UpsertResult{Link: l, Created: true}, nil
	}
	res := UpsertResult{}
	if cur.MerchantUserID != merchantUserID {
		res.Replaced = cur.MerchantUserID
		cur.MerchantUserID = merchantUserID
		cur.LinkedAt = now
	}
	if refreshToken != "" {
		cur.RefreshToken = refreshToken
	}
	cur.LastRefreshedAt = now
	m.links[chatbotUserID] = cur
	res.Link = cur
	return res, nil
}

func (m *memStore) FindByChatbotUser(_ context.Context, chatbotUserID string) (IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[chatbotUserID]
	if !ok {
		return IdentityLink{}, ErrNotFound
	}
	return l, nil
}

func (m *memStore) FindByMerchantUser(_ context.Context, merchantUserID string) (IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []IdentityLink
	for _, l := range m.links {
		if l.MerchantUserID == merchantUserID {
			matches = append(matches, l)
		}
	}
	if len(matches) == 0 {
		return IdentityLink{}, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].LinkedAt.Before(matches[j].LinkedAt) })
	return matches[0], nil
}

func (m *memStore) Touch(_ context.Context, chatbotUserID, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[chatbotUserID]
	if !ok {
		return ErrNotFound
	}
	if refreshToken != "" {
		l.RefreshToken = refreshToken
	}
	l.LastRefreshedAt = m.now().UTC()
	m.links[chatbotUserID] = l
	return nil
}

func (m *memStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, l := range m.links {
		if l.LastRefreshedAt.Before(cutoff) {
			delete(m.links, k)
			n++
		}
	}
	return n, nil
}
