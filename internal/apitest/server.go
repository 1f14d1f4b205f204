// Package apitest provides an in-process fake of the Karyon REST API for
// exercising the client end to end.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/karyon/client/internal/models"
)

// AskRequest is a recorded POST /videos/{id}/ask/ payload.
type AskRequest struct {
	VideoID             int64                `json:"-"`
	Question            string               `json:"question"`
	ConversationHistory []models.ChatMessage `json:"conversation_history"`
}

// Server is a fake Karyon API. All fields are guarded by mu; use the
// methods to script behaviour.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	passwords map[string]string
	access    map[string]string
	refresh   map[string]string
	issued    int

	videos []models.Video
	nextID int64

	settings models.Settings
	answer   models.Answer
	asks     []AskRequest
	metadata map[string]models.LinkMetadata

	rotateRefresh bool
	rejectRefresh bool
	refreshDelay  time.Duration
	failures      map[string]int

	counts map[string]int
}

// New starts a fake API and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		passwords: make(map[string]string),
		access:    make(map[string]string),
		refresh:   make(map[string]string),
		metadata:  make(map[string]models.LinkMetadata),
		failures:  make(map[string]int),
		counts:    make(map[string]int),
		nextID:    1,
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// BaseURL is the API root to configure clients with.
func (s *Server) BaseURL() string {
	return s.URL + "/api"
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/token/", s.handleLogin)
		r.Post("/auth/token/refresh/", s.handleRefresh)
		r.Post("/auth/signup/", s.handleSignup)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/videos/", s.handleListVideos)
			r.Post("/videos/", s.handleCreateVideo)
			r.Delete("/videos/{id}/", s.handleDeleteVideo)
			r.Post("/videos/{id}/ask/", s.handleAsk)

			r.Get("/settings/", s.handleSettings)
			r.Put("/settings/api-key/", s.handleSetKey)
			r.Delete("/settings/api-key/", s.handleDeleteKey)

			r.Post("/fetch-youtube-metadata/", s.handleMetadata)
		})
	})
	return r
}

// AddUser registers an account that can log in.
func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[username] = password
}

// Issue mints a token pair for username without going through login.
func (s *Server) Issue(username string) models.Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(username)
}

func (s *Server) issueLocked(username string) models.Tokens {
	s.issued++
	tokens := models.Tokens{
		AccessToken:  fmt.Sprintf("access-%d", s.issued),
		RefreshToken: fmt.Sprintf("refresh-%d", s.issued),
	}
	s.access[tokens.AccessToken] = username
	s.refresh[tokens.RefreshToken] = username
	return tokens
}

// ExpireAccess invalidates every outstanding access token.
func (s *Server) ExpireAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RotateRefresh makes the refresh endpoint return a new refresh token.
func (s *Server) RotateRefresh(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = rotate
}

// RejectRefresh makes every refresh attempt fail with 401.
func (s *Server) RejectRefresh(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = reject
}

// SlowRefresh delays refresh responses.
func (s *Server) SlowRefresh(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// FailNext answers the next n requests to method+path with status 500.
// path is relative to the API root, e.g. "/videos/".
func (s *Server) FailNext(method, path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" /api"+path] = n
}

// Count returns how many requests reached method+path.
func (s *Server) Count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method+" /api"+path]
}

// SetVideos replaces the video collection.
func (s *Server) SetVideos(videos ...models.Video) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos = append([]models.Video(nil), videos...)
	for _, v := range videos {
		if v.ID >= s.nextID {
			s.nextID = v.ID + 1
		}
	}
}

// SetStatus changes the status of one video.
func (s *Server) SetStatus(id int64, status models.VideoStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.videos {
		if s.videos[i].ID == id {
			s.videos[i].Status = status
		}
	}
}

// Videos returns a copy of the collection.
func (s *Server) Videos() []models.Video {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Video(nil), s.videos...)
}

// SetAnswer scripts the response of the ask endpoint.
func (s *Server) SetAnswer(answer models.Answer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answer = answer
}

// Asks returns the recorded ask payloads.
func (s *Server) Asks() []AskRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AskRequest(nil), s.asks...)
}

// SetMetadata scripts the metadata returned for link.
func (s *Server) SetMetadata(link string, meta models.LinkMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[link] = meta
}

// HasProviderKey reports whether a provider key is stored.
func (s *Server) HasProviderKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.HasOpenAIKey
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.counts[key]++
		fail := s.failures[key] > 0
		if fail {
			s.failures[key]--
		}
		s.mu.Unlock()

		if fail {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "scripted failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		_, ok := s.access[token]
		s.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid for any token type"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.passwords[req.Username]; !ok || pw != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
		return
	}
	writeJSON(w, http.StatusOK, s.issueLocked(req.Username))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}

	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.refresh[req.Refresh]
	if !ok || s.rejectRefresh {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired"})
		return
	}

	fresh := s.issueLocked(user)
	if !s.rotateRefresh {
		delete(s.refresh, fresh.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]string{"access": fresh.AccessToken})
		return
	}
	delete(s.refresh, req.Refresh)
	writeJSON(w, http.StatusOK, fresh)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Email and password are required."})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.passwords[req.Email]; exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "An account with this email already exists."})
		return
	}
	s.passwords[req.Email] = req.Password
	tokens := s.issueLocked(req.Email)
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":   models.Identity{ID: int64(len(s.passwords)), Email: req.Email},
		"tokens": tokens,
	})
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	videos := append([]models.Video{}, s.videos...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	video := models.Video{Status: models.VideoStatusPending}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"file": {"No file was submitted."}})
			return
		}
		file.Close()
		video.Title = r.FormValue("title")
		video.FileURL = "/media/videos/" + header.Filename
	} else {
		var req struct {
			YouTubeURL     string                `json:"youtube_url"`
			Title          string                `json:"title"`
			ProcessingMode models.ProcessingMode `json:"processing_mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.YouTubeURL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "youtube_url is required"})
			return
		}
		video.YouTubeURL = req.YouTubeURL
		video.Title = req.Title
		video.ProcessingMode = req.ProcessingMode
		if video.Title == "" {
			video.Title = req.YouTubeURL
		}
	}

	s.mu.Lock()
	video.ID = s.nextID
	s.nextID++
	s.videos = append(s.videos, video)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, video)
}

func (s *Server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.videos {
		if v.ID == id {
			s.videos = append(s.videos[:i], s.videos[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"question": {"This field may not be blank."}})
		return
	}
	req.VideoID = id

	s.mu.Lock()
	s.asks = append(s.asks, req)
	answer := s.answer
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "API key is required."})
		return
	}
	s.mu.Lock()
	s.settings.HasOpenAIKey = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "API key saved."})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.settings.HasOpenAIKey = false
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "API key removed."})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "URL is required"})
		return
	}

	s.mu.Lock()
	meta, ok := s.metadata[req.URL]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Could not fetch video metadata"})
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
