package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/karyon/client/internal/api"
	"github.com/karyon/client/internal/models"
)

// FallbackAnswer is shown in place of an answer when asking fails.
const FallbackAnswer = "Sorry, I encountered an error. Please try again."

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("question must not be empty")

// Asker sends a question about a video to the API.
type Asker interface {
	Ask(ctx context.Context, videoID int64, question string, history []models.ChatMessage) (models.Answer, error)
}

// Conversation is the question and answer thread of one video. Every change
// is persisted through the HistoryStore.
type Conversation struct {
	videoID int64
	asker   Asker
	history *HistoryStore
	logger  *slog.Logger

	mu       sync.Mutex
	messages []models.ChatMessage
}

// Open resumes the stored conversation of videoID.
func Open(ctx context.Context, videoID int64, asker Asker, history *HistoryStore, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		videoID:  videoID,
		asker:    asker,
		history:  history,
		logger:   logger.With("videoId", videoID),
		messages: history.Messages(ctx, videoID),
	}
}

// Messages returns a copy of the thread.
func (c *Conversation) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ChatMessage(nil), c.messages...)
}

// Ask appends the question, asks the API with the whole thread and appends
// the answer. When the API call fails a fallback answer is appended instead;
// the error is returned only when the session has ended or ctx was cancelled.
func (c *Conversation) Ask(ctx context.Context, question string) (models.ChatMessage, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.ChatMessage{}, ErrEmptyQuestion
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.appendLocked(ctx, models.ChatMessage{Role: models.RoleUser, Content: question})

	answer, err := c.asker.Ask(ctx, c.videoID, question, c.messages)
	if err != nil {
		c.logger.Warn("ask failed", "error", err)
		fallback := models.ChatMessage{
			Role:       models.RoleAssistant,
			Content:    FallbackAnswer,
			Confidence: models.ConfidenceLow,
		}
		c.appendLocked(context.WithoutCancel(ctx), fallback)
		if api.IsAuth(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fallback, err
		}
		return fallback, nil
	}

	msg := answer.Message()
	c.appendLocked(ctx, msg)
	return msg, nil
}

// Clear empties the thread.
func (c *Conversation) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	return c.history.Clear(ctx, c.videoID)
}

func (c *Conversation) appendLocked(ctx context.Context, msg models.ChatMessage) {
	c.messages = append(c.messages, msg)
	if err := c.history.Save(ctx, c.videoID, c.messages); err != nil {
		c.logger.Error("persist conversation", "error", err)
	}
}

// FormatTimestamp renders a seconds offset as m:ss.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
