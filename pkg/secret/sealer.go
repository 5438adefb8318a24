package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Sealer protects token material at rest.
type Sealer interface {
	Seal(value string) (string, error)
	Open(sealed string) (string, error)
}

const (
	version   = 0x01
	plainMark = "plain:"
)

// AESGCMSealer seals values as base64(0x01 | nonce | ciphertext).
type AESGCMSealer struct {
	aead cipher.AEAD
}

// New returns an AES-GCM sealer keyed by sha256(key), or a passthrough
// sealer when key is empty.
func New(key string) (Sealer, error) {
	if strings.TrimSpace(key) == "" {
		return PlainSealer{}, nil
	}
	h := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &AESGCMSealer{aead: aead}, nil
}

func (s *AESGCMSealer) Seal(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	ct := s.aead.Seal(nil, nonce, []byte(value), nil)
	out := make([]byte, 1+len(nonce)+len(ct))
	out[0] = version
	copy(out[1:1+len(nonce)], nonce)
	copy(out[1+len(nonce):], ct)
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *AESGCMSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	blob, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(blob) < 1+s.aead.NonceSize() {
		return "", fmt.Errorf("sealed value is too short")
	}
	if blob[0] != version {
		return "", fmt.Errorf("unsupported version %d", blob[0])
	}
	nonce := blob[1 : 1+s.aead.NonceSize()]
	plain, err := s.aead.Open(nil, nonce, blob[1+s.aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt sealed value: %w", err)
	}
	return string(plain), nil
}

// PlainSealer marks values without encrypting them (dev only).
type PlainSealer struct{}

func (PlainSealer) Seal(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	return plainMark + value, nil
}

func (PlainSealer) Open(sealed string) (string, error) {
	return strings.TrimPrefix(sealed, plainMark), nil
}
