// Package chat keeps per-video conversations and their local history.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/karyon/client/internal/models"
	"github.com/karyon/client/internal/storage"
)

// HistoryKey is the storage key of the history map.
const HistoryKey = "chat_history"

// HistoryStore persists the map of video id to conversation. Writes for one
// video never touch another video's messages.
type HistoryStore struct {
	kv     storage.KV
	logger *slog.Logger

	mu sync.Mutex
}

// NewHistoryStore returns a HistoryStore over kv.
func NewHistoryStore(kv storage.KV, logger *slog.Logger) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{kv: kv, logger: logger}
}

// Load returns every stored conversation. Absent or malformed storage reads
// as an empty map.
func (h *HistoryStore) Load(ctx context.Context) map[int64][]models.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	all, err := h.loadLocked(ctx)
	if err != nil {
		h.logger.Error("read chat history", "error", err)
		return make(map[int64][]models.ChatMessage)
	}
	return all
}

// Messages returns one video's conversation.
func (h *HistoryStore) Messages(ctx context.Context, videoID int64) []models.ChatMessage {
	return h.Load(ctx)[videoID]
}

// Save replaces the conversation of videoID. The write is skipped when the
// stored conversation is already identical.
func (h *HistoryStore) Save(ctx context.Context, videoID int64, messages []models.ChatMessage) error {
	if messages == nil {
		messages = []models.ChatMessage{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	all, err := h.loadLocked(ctx)
	if err != nil {
		return err
	}
	if existing, ok := all[videoID]; ok && sameMessages(existing, messages) {
		return nil
	}
	all[videoID] = messages

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode chat history: %w", err)
	}
	if err := h.kv.Put(ctx, HistoryKey, data); err != nil {
		return fmt.Errorf("write chat history: %w", err)
	}
	return nil
}

// Clear empties one video's conversation.
func (h *HistoryStore) Clear(ctx context.Context, videoID int64) error {
	return h.Save(ctx, videoID, []models.ChatMessage{})
}

// loadLocked reads the stored map. Only absent or malformed history starts
// from an empty map.
func (h *HistoryStore) loadLocked(ctx context.Context) (map[int64][]models.ChatMessage, error) {
	all := make(map[int64][]models.ChatMessage)

	data, err := h.kv.Get(ctx, HistoryKey)
	if errors.Is(err, storage.ErrNotFound) {
		return all, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chat history: %w", err)
	}
	if err := json.Unmarshal(data, &all); err != nil {
		h.logger.Warn("discarding malformed chat history", "error", err)
		return make(map[int64][]models.ChatMessage), nil
	}
	return all, nil
}

func sameMessages(a, b []models.ChatMessage) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}
