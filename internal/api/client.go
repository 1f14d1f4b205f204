package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/karyon/client/internal/models"
)

// Client is the typed Karyon REST client. Every call goes through the
// Gateway so credentials are attached and renewed transparently.
type Client struct {
	gw *Gateway
}

// NewClient wraps gw.
func NewClient(gw *Gateway) *Client {
	return &Client{gw: gw}
}

// Gateway exposes the underlying gateway.
func (c *Client) Gateway() *Gateway {
	return c.gw
}

// Login exchanges an identifier and secret for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (models.Tokens, error) {
	resp, err := c.gw.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "/auth/token/",
		Body:      JSONBody(map[string]string{"username": username, "password": password}),
		Anonymous: true,
	})
	if err != nil {
		return models.Tokens{}, err
	}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return models.Tokens{}, &AuthError{StatusCode: resp.StatusCode, Err: ErrInvalidCredentials}
	}

	var tokens models.Tokens
	if err := decode(resp, &tokens); err != nil {
		return models.Tokens{}, err
	}
	if !tokens.Valid() {
		return models.Tokens{}, &ServerError{StatusCode: resp.StatusCode, Message: "token response missing access token"}
	}
	return tokens, nil
}

// Signup creates an account and returns its identity and first token pair.
func (c *Client) Signup(ctx context.Context, email, password string) (models.Identity, models.Tokens, error) {
	resp, err := c.gw.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "/auth/signup/",
		Body:      JSONBody(map[string]string{"email": email, "password": password}),
		Anonymous: true,
	})
	if err != nil {
		return models.Identity{}, models.Tokens{}, err
	}

	var payload struct {
		User   models.Identity `json:"user"`
		Tokens models.Tokens   `json:"tokens"`
	}
	if err := decode(resp, &payload); err != nil {
		return models.Identity{}, models.Tokens{}, err
	}
	if !payload.Tokens.Valid() {
		return models.Identity{}, models.Tokens{}, &ServerError{StatusCode: resp.StatusCode, Message: "signup response missing tokens"}
	}
	if payload.User.Email == "" {
		payload.User.Email = email
	}
	return payload.User, payload.Tokens, nil
}

// ListVideos returns the caller's videos.
func (c *Client) ListVideos(ctx context.Context) ([]models.Video, error) {
	resp, err := c.gw.Do(ctx, Request{Method: http.MethodGet, Path: "/videos/"})
	if err != nil {
		return nil, err
	}
	var videos []models.Video
	if err := decode(resp, &videos); err != nil {
		return nil, err
	}
	return videos, nil
}

// AllowedVideoExtensions lists the file types accepted for upload.
var AllowedVideoExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".webm", ".flv", ".wmv", ".m4v"}

// CheckVideoFile rejects files whose extension the server will not accept.
func CheckVideoFile(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range AllowedVideoExtensions {
		if ext == allowed {
			return nil
		}
	}
	return &ValidationError{Field: "file", Message: fmt.Sprintf("%s is not a supported video file", filepath.Base(name))}
}

// UploadFile streams a local video file to POST /videos/. The title is the
// file's base name.
func (c *Client) UploadFile(ctx context.Context, path string) (models.Video, error) {
	if err := CheckVideoFile(path); err != nil {
		return models.Video{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return models.Video{}, fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		return models.Video{}, &ValidationError{Field: "file", Message: path + " is a directory"}
	}

	title := filepath.Base(path)
	body := func() (io.Reader, string, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", err
		}
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer f.Close()
			err := writeUpload(mw, f, title)
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()
		return pr, mw.FormDataContentType(), nil
	}

	resp, err := c.gw.Do(ctx, Request{Method: http.MethodPost, Path: "/videos/", Body: body})
	if err != nil {
		return models.Video{}, err
	}
	var video models.Video
	if err := decode(resp, &video); err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func writeUpload(mw *multipart.Writer, f io.Reader, title string) error {
	part, err := mw.CreateFormFile("file", title)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.WriteField("title", title)
}

// LinkUpload describes a video submitted by URL.
type LinkUpload struct {
	URL   string
	Title string
	Mode  models.ProcessingMode
}

// UploadLink registers a hosted video with the server.
func (c *Client) UploadLink(ctx context.Context, link LinkUpload) (models.Video, error) {
	link.URL = strings.TrimSpace(link.URL)
	if link.URL == "" {
		return models.Video{}, &ValidationError{Field: "youtube_url", Message: "a video link is required"}
	}

	payload := map[string]string{"youtube_url": link.URL}
	if title := strings.TrimSpace(link.Title); title != "" {
		payload["title"] = title
	}
	switch link.Mode {
	case "":
	case models.ProcessingModeAudio, models.ProcessingModeVisual, models.ProcessingModeBoth:
		payload["processing_mode"] = string(link.Mode)
	default:
		return models.Video{}, &ValidationError{Field: "processing_mode", Message: fmt.Sprintf("unknown processing mode %q", link.Mode)}
	}

	resp, err := c.gw.Do(ctx, Request{Method: http.MethodPost, Path: "/videos/", Body: JSONBody(payload)})
	if err != nil {
		return models.Video{}, err
	}
	var video models.Video
	if err := decode(resp, &video); err != nil {
		return models.Video{}, err
	}
	return video, nil
}

// DeleteVideo removes one video.
func (c *Client) DeleteVideo(ctx context.Context, id int64) error {
	resp, err := c.gw.Do(ctx, Request{Method: http.MethodDelete, Path: "/videos/" + strconv.FormatInt(id, 10) + "/"})
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// DeleteVideos removes every id, attempting all of them, and reports the
// first failure.
func (c *Client) DeleteVideos(ctx context.Context, ids []int64) error {
	var first error
	for _, id := range ids {
		if err := c.DeleteVideo(ctx, id); err != nil && first == nil {
			first = fmt.Errorf("delete video %d: %w", id, err)
		}
	}
	return first
}

// Ask poses a question about a video. history is the conversation so far,
// including the question itself; only role and content are sent.
func (c *Client) Ask(ctx context.Context, videoID int64, question string, history []models.ChatMessage) (models.Answer, error) {
	type turn struct {
		Role    models.Role `json:"role"`
		Content string      `json:"content"`
	}
	turns := make([]turn, 0, len(history))
	for _, msg := range history {
		turns = append(turns, turn{Role: msg.Role, Content: msg.Content})
	}

	resp, err := c.gw.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/videos/" + strconv.FormatInt(videoID, 10) + "/ask/",
		Body: JSONBody(map[string]any{
			"question":             strings.TrimSpace(question),
			"conversation_history": turns,
		}),
	})
	if err != nil {
		return models.Answer{}, err
	}
	var answer models.Answer
	if err := decode(resp, &answer); err != nil {
		return models.Answer{}, err
	}
	return answer, nil
}

// Settings returns whether a provider key is configured.
func (c *Client) Settings(ctx context.Context) (models.Settings, error) {
	resp, err := c.gw.Do(ctx, Request{Method: http.MethodGet, Path: "/settings/"})
	if err != nil {
		return models.Settings{}, err
	}
	var settings models.Settings
	if err := decode(resp, &settings); err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

// SetProviderKey validates and stores the account's provider key.
func (c *Client) SetProviderKey(ctx context.Context, key string) error {
	key, err := ValidateProviderKey(key)
	if err != nil {
		return err
	}
	resp, err := c.gw.Do(ctx, Request{
		Method: http.MethodPut,
		Path:   "/settings/api-key/",
		Body:   JSONBody(map[string]string{"api_key": key}),
	})
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// RemoveProviderKey deletes the account's provider key.
func (c *Client) RemoveProviderKey(ctx context.Context) error {
	resp, err := c.gw.Do(ctx, Request{Method: http.MethodDelete, Path: "/settings/api-key/"})
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// LinkMetadata fetches title and thumbnail details for a hosted video.
func (c *Client) LinkMetadata(ctx context.Context, link string) (models.LinkMetadata, error) {
	resp, err := c.gw.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/fetch-youtube-metadata/",
		Body:   JSONBody(map[string]string{"url": link}),
	})
	if err != nil {
		return models.LinkMetadata{}, err
	}
	var meta models.LinkMetadata
	if err := decode(resp, &meta); err != nil {
		return models.LinkMetadata{}, err
	}
	return meta, nil
}

// MediaURL resolves a file path returned by the API against the API origin.
// Absolute URLs are returned unchanged.
func (c *Client) MediaURL(file string) string {
	return ResolveMediaURL(c.gw.BaseURL(), file)
}

// ResolveMediaURL is MediaURL without a client.
func ResolveMediaURL(apiURL, file string) string {
	if file == "" || strings.HasPrefix(file, "http://") || strings.HasPrefix(file, "https://") {
		return file
	}
	base, err := url.Parse(apiURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return file
	}
	if !strings.HasPrefix(file, "/") {
		file = "/" + file
	}
	return base.Scheme + "://" + base.Host + file
}

// decode maps a non-2xx response to the error taxonomy, or unmarshals a
// successful body into out.
func decode(resp *Response, out any) error {
	if !resp.OK() {
		field, message := serverMessage(resp.Body)
		switch resp.StatusCode {
		case http.StatusBadRequest:
			if message == "" {
				message = "request rejected"
			}
			return &ValidationError{Field: field, Message: message}
		case http.StatusUnauthorized:
			return &AuthError{StatusCode: resp.StatusCode, Err: errors.New(orDefault(message, "unauthorized"))}
		default:
			return &ServerError{StatusCode: resp.StatusCode, Message: message}
		}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
