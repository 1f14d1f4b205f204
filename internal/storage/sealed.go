package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealed encrypts every value before handing it to the wrapped store. The key
// name is bound as additional data, so a value copied under another key fails
// to open.
type Sealed struct {
	base KV
	aead cipher.AEAD
}

// NewSealed derives an XChaCha20-Poly1305 key from secret.
func NewSealed(base KV, secret string) (*Sealed, error) {
	if base == nil {
		return nil, errors.New("sealed storage: base store is required")
	}
	if secret == "" {
		return nil, errors.New("sealed storage: secret is required")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte("karyon-client"), []byte("kv seal v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init seal cipher: %w", err)
	}
	return &Sealed{base: base, aead: aead}, nil
}

// Get opens the sealed value stored under key.
func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.base.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("open %s: %w", key, ErrCorrupt)
	}

	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, ErrCorrupt)
	}
	return plain, nil
}

// Put seals value with a fresh random nonce and stores nonce||ciphertext.
func (s *Sealed) Put(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("seal nonce: %w", err)
	}
	return s.base.Put(ctx, key, s.aead.Seal(nonce, nonce, value, []byte(key)))
}

// Delete removes the listed keys from the wrapped store.
func (s *Sealed) Delete(ctx context.Context, keys ...string) error {
	return s.base.Delete(ctx, keys...)
}
