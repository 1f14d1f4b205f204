package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karyon/client/internal/api"
	"github.com/karyon/client/internal/apitest"
	"github.com/karyon/client/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}

func newTestApp(t *testing.T, srv *apitest.Server, input string) (*App, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	a, err := New(context.Background(), testConfig(srv.BaseURL()), strings.NewReader(input), out, discardLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, out
}

func TestAppRequiresSignIn(t *testing.T) {
	srv := apitest.New(t)
	a, out := newTestApp(t, srv, "")
	ctx := context.Background()

	if err := a.Exec(ctx, []string{"videos"}); !errors.Is(err, errNotSignedIn) {
		t.Fatalf("expected sign-in error got %v", err)
	}
	if err := a.Exec(ctx, []string{"status"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := out.take(); !strings.Contains(got, "Not signed in.") {
		t.Fatalf("unexpected status output %q", got)
	}
}

func TestAppLoginPromptsForKey(t *testing.T) {
	srv := apitest.New(t)
	srv.AddUser("ada@example.com", "hunter22")
	a, out := newTestApp(t, srv, "wrong\nhunter22\n")
	ctx := context.Background()

	if err := a.Exec(ctx, []string{"login", "ada@example.com"}); err == nil || err.Error() != "invalid email or password" {
		t.Fatalf("expected generic login failure got %v", err)
	}
	out.take()

	if err := a.Exec(ctx, []string{"login", "ada@example.com"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	got := out.take()
	if !strings.Contains(got, "Signed in as ada@example.com.") || !strings.Contains(got, KeyPrompt) {
		t.Fatalf("expected sign-in and key prompt got %q", got)
	}

	if err := a.Exec(ctx, []string{"set-key", "sk-short"}); err == nil {
		t.Fatal("expected invalid key to be rejected")
	}
	if err := a.Exec(ctx, []string{"set-key", "sk-abcdefghijklmnopqrstuvwxyz"}); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if err := a.Exec(ctx, []string{"settings"}); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if got := out.take(); !strings.Contains(got, "OpenAI API key: configured") {
		t.Fatalf("unexpected settings output %q", got)
	}

	if err := a.Exec(ctx, []string{"logout"}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := a.Exec(ctx, []string{"settings"}); !errors.Is(err, errNotSignedIn) {
		t.Fatalf("expected sign-in error after logout got %v", err)
	}
}

func TestAppSignupValidatesPasswords(t *testing.T) {
	srv := apitest.New(t)
	a, out := newTestApp(t, srv, "secret1\nsecret2\nsecret1\nsecret1\n")
	ctx := context.Background()

	if err := a.Exec(ctx, []string{"signup", "grace@example.com"}); err == nil || !strings.Contains(err.Error(), "Passwords do not match.") {
		t.Fatalf("expected mismatch error got %v", err)
	}
	if err := a.Exec(ctx, []string{"signup", "grace@example.com"}); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if got := out.take(); !strings.Contains(got, "Account created for grace@example.com.") {
		t.Fatalf("unexpected signup output %q", got)
	}
}

func TestAppVideoWorkflow(t *testing.T) {
	srv := apitest.New(t)
	srv.AddUser("ada@example.com", "hunter22")
	a, out := newTestApp(t, srv, "hunter22\n")
	ctx := context.Background()

	if err := a.Exec(ctx, []string{"login", "ada@example.com"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	out.take()

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if list := srv.Videos(); len(list) == 1 {
				time.Sleep(50 * time.Millisecond)
				srv.SetStatus(list[0].ID, models.VideoStatusReady)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	if err := a.Exec(ctx, []string{"upload", "-mode", "audio", "https://youtu.be/abc123"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	got := out.take()
	if !strings.Contains(got, "uploaded as video 1") || !strings.Contains(got, "ready") {
		t.Fatalf("unexpected upload output %q", got)
	}

	ts := 65.0
	srv.SetAnswer(models.Answer{Answer: "It covers sorting.", Confidence: models.ConfidenceMedium, Timestamp: &ts})
	if err := a.Exec(ctx, []string{"ask", "1", "What", "is", "covered?"}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	got = out.take()
	if !strings.Contains(got, "Karyon: It covers sorting.") || !strings.Contains(got, "confidence: medium, at 1:05") {
		t.Fatalf("unexpected ask output %q", got)
	}

	if err := a.Exec(ctx, []string{"history", "1"}); err != nil {
		t.Fatalf("history: %v", err)
	}
	if got := out.take(); !strings.Contains(got, "You: What is covered?") {
		t.Fatalf("unexpected history output %q", got)
	}
	if err := a.Exec(ctx, []string{"history", "1", "-clear"}); err != nil {
		t.Fatalf("clear history: %v", err)
	}
	out.take()
	if err := a.Exec(ctx, []string{"history", "1"}); err != nil {
		t.Fatalf("history: %v", err)
	}
	if got := out.take(); !strings.Contains(got, "No conversation yet.") {
		t.Fatalf("expected cleared history got %q", got)
	}

	srv.SetMetadata("https://youtu.be/xyz789", models.LinkMetadata{Title: "Graph Algorithms"})
	if err := a.Exec(ctx, []string{"title", "https://youtu.be/xyz789"}); err != nil {
		t.Fatalf("title: %v", err)
	}
	if got := out.take(); strings.TrimSpace(got) != "Graph Algorithms" {
		t.Fatalf("unexpected title output %q", got)
	}

	if err := a.Exec(ctx, []string{"delete", "1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := a.Exec(ctx, []string{"videos"}); err != nil {
		t.Fatalf("videos: %v", err)
	}
	if got := out.take(); !strings.Contains(got, "No videos yet.") {
		t.Fatalf("expected empty list got %q", got)
	}
}

func TestAppWatchStopsWhenSessionEnds(t *testing.T) {
	srv := apitest.New(t)
	srv.AddUser("ada@example.com", "hunter22")
	srv.SetVideos(models.Video{ID: 7, Title: "Lecture", Status: models.VideoStatusProcessing})
	a, out := newTestApp(t, srv, "hunter22\n")
	ctx := context.Background()

	if err := a.Exec(ctx, []string{"login", "ada@example.com"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	out.take()

	done := make(chan error, 1)
	go func() { done <- a.Exec(ctx, []string{"watch"}) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Count(http.MethodGet, "/videos/") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("watch never polled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.RejectRefresh(true)
	srv.ExpireAccess()

	select {
	case err := <-done:
		if !errors.Is(err, api.ErrSessionExpired) || !api.IsAuth(err) {
			t.Fatalf("expected session expired auth error got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch kept polling after the session ended")
	}

	time.Sleep(50 * time.Millisecond)
	before := srv.Count(http.MethodGet, "/videos/")
	time.Sleep(100 * time.Millisecond)
	if after := srv.Count(http.MethodGet, "/videos/"); after != before {
		t.Fatalf("expected polling to stop, requests grew %d -> %d", before, after)
	}

	if err := a.Exec(ctx, []string{"videos"}); !errors.Is(err, errNotSignedIn) {
		t.Fatalf("expected sign-in error after teardown got %v", err)
	}
}

func TestParseUploadArgs(t *testing.T) {
	opts, err := parseUploadArgs([]string{"-mode", "visual", "--title", "Week 1", "a.mp4", "https://youtu.be/x"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.mode != models.ProcessingModeVisual || opts.title != "Week 1" || len(opts.sources) != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}

	if _, err := parseUploadArgs([]string{"-mode"}); err == nil {
		t.Fatal("expected missing value error")
	}
	if _, err := parseUploadArgs(nil); err == nil {
		t.Fatal("expected usage error")
	}
}
