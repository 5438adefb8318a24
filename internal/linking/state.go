package linking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

var (
	ErrStateInvalid  = errors.New("link state is malformed")
	ErrStateExpired  = errors.New("link state is too old")
	ErrStateReplayed = errors.New("link state was already used or is unknown")
)

// linkState travels through the merchant authorize round trip.
type linkState struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

func encodeState(s linkState) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeState(raw string) (linkState, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		// Some clients pad.
		if b, err = base64.URLEncoding.DecodeString(raw); err != nil {
			return linkState{}, ErrStateInvalid
		}
	}
	var s linkState
	if err := json.Unmarshal(b, &s); err != nil || s.SessionID == "" || s.Timestamp == 0 {
		return linkState{}, ErrStateInvalid
	}
	return s, nil
}

func newSessionID() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StateGuard remembers which chatbot user started a link session. Take
// succeeds once per session id.
type StateGuard interface {
	Put(ctx context.Context, sessionID, userID string, ttl time.Duration) error
	Take(ctx context.Context, sessionID string) (string, error)
}

type redisGuard struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisGuard(rdb *redis.Client) StateGuard {
	return &redisGuard{rdb: rdb, prefix: "vaultbot:link:"}
}

func (g *redisGuard) Put(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	ok, err := g.rdb.SetNX(ctx, g.prefix+sessionID, userID, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrStateReplayed
	}
	return nil
}

func (g *redisGuard) Take(ctx context.Context, sessionID string) (string, error) {
	v, err := g.rdb.GetDel(ctx, g.prefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrStateReplayed
	}
	return v, err
}

type memoryGuard struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, string]
}

func NewMemoryGuard() StateGuard {
	c := ttlcache.New(ttlcache.WithDisableTouchOnHit[string, string]())
	go c.Start()
	return &memoryGuard{cache: c}
}

func (g *memoryGuard) Put(_ context.Context, sessionID, userID string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cache.Has(sessionID) {
		return ErrStateReplayed
	}
	g.cache.Set(sessionID, userID, ttl)
	return nil
}

func (g *memoryGuard) Take(_ context.Context, sessionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	item := g.cache.Get(sessionID)
	if item == nil {
		return "", ErrStateReplayed
	}
	g.cache.Delete(sessionID)
	return item.Value(), nil
}
