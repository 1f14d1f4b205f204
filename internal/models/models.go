package models

import "time"

// Identity is the minimal profile kept alongside the credential pair.
type Identity struct {
	ID    int64  `json:"id,omitempty"`
	Email string `json:"email"`
}

// Tokens groups the bearer credentials issued by the Karyon API.
type Tokens struct {
	AccessToken  string `json:"access"`
	RefreshToken string `json:"refresh"`
}

// Valid reports whether the pair carries an access token.
func (t Tokens) Valid() bool {
	return t.AccessToken != ""
}

// VideoStatus is the server-reported processing state of a video.
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusReady      VideoStatus = "ready"
	VideoStatusFailed     VideoStatus = "failed"
	VideoStatusError      VideoStatus = "error"

	// Labels emitted by older servers before status normalisation.
	VideoStatusUploaded     VideoStatus = "uploaded"
	VideoStatusTranscribing VideoStatus = "transcribing"
)

// Terminal reports whether the status will not change without user action.
// Unknown labels count as non-terminal; the server moves them eventually.
func (s VideoStatus) Terminal() bool {
	switch s {
	case VideoStatusReady, VideoStatusFailed, VideoStatusError:
		return true
	default:
		return false
	}
}

// ProcessingMode selects which analysis the server runs for a video.
type ProcessingMode string

const (
	ProcessingModeAudio  ProcessingMode = "audio"
	ProcessingModeVisual ProcessingMode = "visual"
	ProcessingModeBoth   ProcessingMode = "both"
)

// Video is a record from GET /videos/.
type Video struct {
	ID             int64          `json:"id"`
	Title          string         `json:"title"`
	Status         VideoStatus    `json:"status"`
	FileURL        string         `json:"file,omitempty"`
	YouTubeURL     string         `json:"youtube_url,omitempty"`
	ProcessingMode ProcessingMode `json:"processing_mode,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Confidence grades how well an answer is supported by the video.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ChatMessage is one entry of a per-video conversation.
type ChatMessage struct {
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	Confidence  Confidence `json:"confidence,omitempty"`
	Timestamp   *float64   `json:"timestamp,omitempty"`
	SegmentText string     `json:"segment_text,omitempty"`
	HasAnswer   *bool      `json:"has_answer,omitempty"`
}

// Answer is the payload returned by POST /videos/{id}/ask/.
type Answer struct {
	Answer      string     `json:"answer"`
	Confidence  Confidence `json:"confidence"`
	Timestamp   *float64   `json:"timestamp"`
	SegmentText string     `json:"segment_text"`
	HasAnswer   *bool      `json:"has_answer"`
}

// Message converts the answer into an assistant chat message.
func (a Answer) Message() ChatMessage {
	msg := ChatMessage{
		Role:        RoleAssistant,
		Content:     a.Answer,
		Timestamp:   a.Timestamp,
		SegmentText: a.SegmentText,
		HasAnswer:   a.HasAnswer,
	}
	switch a.Confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		msg.Confidence = a.Confidence
	}
	if msg.Timestamp != nil && *msg.Timestamp < 0 {
		zero := 0.0
		msg.Timestamp = &zero
	}
	return msg
}

// Settings reports the account's provider-credential configuration.
type Settings struct {
	HasOpenAIKey bool `json:"has_openai_key"`
}

// LinkMetadata is the payload of POST /fetch-youtube-metadata/.
type LinkMetadata struct {
	Title       string  `json:"title"`
	Duration    float64 `json:"duration"`
	Thumbnail   string  `json:"thumbnail"`
	Description string  `json:"description"`
}
