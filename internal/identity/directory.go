// Package identity is the chatbot-side user directory used when linking
// merchant accounts.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("user not found")
	ErrConflict = errors.New("user already exists")
)

type User struct {
	ID            string    `json:"user_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name,omitempty"`
	Picture       string    `json:"picture,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

type NewUser struct {
	Email    string
	Name     string
	Password string
}

type Directory interface {
	// FindByEmail returns ErrNotFound when no user has email.
	FindByEmail(ctx context.Context, email string) (User, error)
	// Create provisions an unverified user; ErrConflict if the email is taken.
	Create(ctx context.Context, u NewUser) (User, error)
	Get(ctx context.Context, id string) (User, error)
}

// FindOrCreate returns the user with email, creating one with a random
// strong password when absent. Concurrent creation of the same email
// resolves to the user that won.
func FindOrCreate(ctx context.Context, dir Directory, email, name string) (User, bool, error) {
	u, err := dir.FindByEmail(ctx, email)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, false, err
	}
	pw, err := StrongPassword()
	if err != nil {
		return User{}, false, err
	}
	u, err = dir.Create(ctx, NewUser{Email: email, Name: name, Password: pw})
	if errors.Is(err, ErrConflict) {
		u, err = dir.FindByEmail(ctx, email)
		return u, false, err
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

const (
	lower   = "abcdefghijkmnopqrstuvwxyz"
	upper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digits  = "23456789"
	symbols = "!@#$%^&*-_+="
)

// StrongPassword returns a 24 character password with every character class.
func StrongPassword() (string, error) {
	classes := []string{lower, upper, digits, symbols}
	all := strings.Join(classes, "")
	out := make([]byte, 0, 24)
	for _, c := range classes {
		b, err := pick(c)
		if err != nil {
			return "", err
		}
		out = append(out, b)
	}
	for len(out) < 24 {
		b, err := pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, b)
	}
	// Shuffle so the class prefix is not predictable.
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func pick(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, err
	}
	return set[n.Int64()], nil
}

// Memory is an in-process Directory for dev and tests.
type Memory struct {
	mu    sync.RWMutex
	users map[string]User
	// FailGet makes Get fail, simulating a directory outage.
	FailGet bool
}

func NewMemory() *Memory { return &Memory{users: map[string]User{}} }

// Add seeds a user and returns it.
func (m *Memory) Add(u User) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = "auth0|" + uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	return u
}

func (m *Memory) FindByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []User
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			matches = append(matches, u)
		}
	}
	if len(matches) == 0 {
		return User{}, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	return matches[0], nil
}

func (m *Memory) Create(_ context.Context, nu NewUser) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, nu.Email) {
			return User{}, ErrConflict
		}
	}
	u := User{ID: "auth0|" + uuid.NewString(), Email: nu.Email, Name: nu.Name, CreatedAt: time.Now().UTC()}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) Get(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailGet {
		return User{}, errors.New("directory unavailable")
	}
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// Count returns the number of users. Used by tests.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}
