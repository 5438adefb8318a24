package connect

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

var (
	ErrSessionNotFound = errors.New("connect session not found or already used")
	ErrSessionExists   = errors.New("connect session already exists")
)

// PendingSession is the server half of one consent attempt. Only the hash
// of the state is kept.
type PendingSession struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Connection  string    `json:"connection"`
	Scopes      []string  `json:"scopes"`
	RedirectURI string    `json:"redirect_uri,omitempty"`
	ReturnTo    string    `json:"return_to,omitempty"`
	Verifier    string    `json:"verifier,omitempty"`
	StateHash   string    `json:"state_hash"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (p PendingSession) expired(now time.Time) bool { return !now.Before(p.ExpiresAt) }

// matches compares state against the stored hash in constant time.
func (p PendingSession) matches(state string) bool {
	h := hashState(state)
	return subtle.ConstantTimeCompare([]byte(h), []byte(p.StateHash)) == 1
}

// SessionStore keeps pending sessions until they are redeemed once or expire.
type SessionStore interface {
	Put(ctx context.Context, s PendingSession, ttl time.Duration) error
	// Redeem returns and removes the session atomically. When owner is not
	// empty and the session belongs to someone else it returns
	// ErrWrongOwner and leaves the session in place.
	Redeem(ctx context.Context, id, owner string) (PendingSession, error)
}

func newState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashState(state string) string {
	sum := sha256.Sum256([]byte(state))
	return hex.EncodeToString(sum[:])
}

type redisSessions struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSessions(rdb *redis.Client) SessionStore {
	return &redisSessions{rdb: rdb, prefix: "vaultbot:connect:"}
}

func (r *redisSessions) Put(ctx context.Context, s PendingSession, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ok, err := r.rdb.SetNX(ctx, r.prefix+s.ID, b, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

// redeemScript deletes the key only when the stored user_id matches
// ARGV[1] (or ARGV[1] is empty). Replies {1, value} on success and
// {0, ""} on an owner mismatch.
var redeemScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return false end
if ARGV[1] ~= '' and cjson.decode(v)['user_id'] ~= ARGV[1] then return {0, ''} end
redis.call('DEL', KEYS[1])
return {1, v}
`)

func (r *redisSessions) Redeem(ctx context.Context, id, owner string) (PendingSession, error) {
	res, err := redeemScript.Run(ctx, r.rdb, []string{r.prefix + id}, owner).Slice()
	if errors.Is(err, redis.Nil) {
		return PendingSession{}, ErrSessionNotFound
	}
	if err != nil {
		return PendingSession{}, err
	}
	if len(res) != 2 {
		return PendingSession{}, fmt.Errorf("redeem: unexpected reply %v", res)
	}
	if ok, _ := res[0].(int64); ok != 1 {
		return PendingSession{}, ErrWrongOwner
	}
	raw, _ := res[1].(string)
	var s PendingSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return PendingSession{}, err
	}
	return s, nil
}

type memorySessions struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, PendingSession]
}

// NewMemorySessions keeps sessions in process. Only suitable for a single
// instance.
func NewMemorySessions() SessionStore {
	c := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, PendingSession](),
	)
	go c.Start()
	return &memorySessions{cache: c}
}

func (m *memorySessions) Put(_ context.Context, s PendingSession, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Has(s.ID) {
		return ErrSessionExists
	}
	m.cache.Set(s.ID, s, ttl)
	return nil
}

func (m *memorySessions) Redeem(_ context.Context, id, owner string) (PendingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.cache.Get(id)
	if item == nil {
		return PendingSession{}, ErrSessionNotFound
	}
	if owner != "" && item.Value().UserID != owner {
		return PendingSession{}, ErrWrongOwner
	}
	m.cache.Delete(id)
	return item.Value(), nil
}
