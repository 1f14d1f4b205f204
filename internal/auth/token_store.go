package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karyon/client/internal/models"
	"github.com/karyon/client/internal/storage"
)

// Storage keys shared with other local state.
const (
	TokensKey   = "tokens"
	IdentityKey = "user"
)

const storageTimeout = 5 * time.Second

// TokenStore keeps the credential pair and the signed-in identity in durable
// storage. Apart from SetSession its methods never fail: storage errors are
// logged and reads fall back to "no session".
type TokenStore struct {
	kv     storage.KV
	logger *slog.Logger

	mu sync.Mutex
}

// NewTokenStore returns a TokenStore over kv.
func NewTokenStore(kv storage.KV, logger *slog.Logger) *TokenStore {
	if kv == nil {
		panic("auth: token storage must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{kv: kv, logger: logger}
}

// Get returns the stored pair. ok is false when no usable pair exists.
func (s *TokenStore) Get() (models.Tokens, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens models.Tokens
	if !s.read(TokensKey, &tokens) {
		return models.Tokens{}, false
	}
	return tokens, tokens.Valid()
}

// Set replaces the stored pair.
func (s *TokenStore) Set(tokens models.Tokens) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(TokensKey, tokens)
}

// Identity returns the signed-in account, if any.
func (s *TokenStore) Identity() (models.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var identity models.Identity
	if !s.read(IdentityKey, &identity) {
		return models.Identity{}, false
	}
	return identity, identity.Email != ""
}

// SetIdentity records the signed-in account.
func (s *TokenStore) SetIdentity(identity models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(IdentityKey, identity)
}

// SetSession stores the pair and the identity. If either write fails both
// keys are removed, so a restart never finds half a session.
func (s *TokenStore) SetSession(tokens models.Tokens, identity models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	err := s.put(ctx, TokensKey, tokens)
	if err == nil {
		err = s.put(ctx, IdentityKey, identity)
	}
	if err != nil {
		if derr := s.kv.Delete(ctx, TokensKey, IdentityKey); derr != nil {
			s.logger.Error("clear partial session", "error", derr)
		}
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Clear erases the pair and the identity together.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	if err := s.kv.Delete(ctx, TokensKey, IdentityKey); err != nil {
		s.logger.Error("clear session", "error", err)
	}
}

func (s *TokenStore) read(key string, out any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("read session state", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("discarding malformed session state", "key", key, "error", err)
		return false
	}
	return true
}

func (s *TokenStore) write(key string, value any) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	if err := s.put(ctx, key, value); err != nil {
		s.logger.Error("write session state", "key", key, "error", err)
	}
}

func (s *TokenStore) put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
