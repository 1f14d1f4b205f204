package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/karyon/client/internal/apitest"
	"github.com/karyon/client/internal/models"
)

type memCredentials struct {
	mu     sync.Mutex
	tokens models.Tokens
	clears int
}

func (m *memCredentials) Get() (models.Tokens, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, m.tokens.Valid()
}

func (m *memCredentials) Set(t models.Tokens) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = t
}

func (m *memCredentials) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = models.Tokens{}
	m.clears++
}

func (m *memCredentials) snapshot() (models.Tokens, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, m.clears
}

func newTestClient(t *testing.T) (*apitest.Server, *memCredentials, *Client) {
	t.Helper()
	srv := apitest.New(t)
	creds := &memCredentials{}
	gw := NewGateway(srv.BaseURL(), srv.Client(), creds, nil)
	return srv, creds, NewClient(gw)
}

func TestGatewayRefreshesOnceAndRetries(t *testing.T) {
	srv, creds, client := newTestClient(t)
	srv.SetVideos(models.Video{ID: 1, Title: "Intro", Status: models.VideoStatusReady})

	initial := srv.Issue("ada")
	creds.Set(initial)
	srv.ExpireAccess()

	videos, err := client.ListVideos(context.Background())
	if err != nil {
		t.Fatalf("list videos: %v", err)
	}
	if len(videos) != 1 || videos[0].Title != "Intro" {
		t.Fatalf("unexpected videos %+v", videos)
	}
	if got := srv.Count(http.MethodPost, "/auth/token/refresh/"); got != 1 {
		t.Fatalf("expected one refresh got %d", got)
	}
	if got := srv.Count(http.MethodGet, "/videos/"); got != 2 {
		t.Fatalf("expected original request and one retry got %d", got)
	}

	tokens, clears := creds.snapshot()
	if tokens.AccessToken == initial.AccessToken {
		t.Fatal("expected access token to be replaced")
	}
	if tokens.RefreshToken != initial.RefreshToken {
		t.Fatalf("expected refresh token to be kept, got %q", tokens.RefreshToken)
	}
	if clears != 0 {
		t.Fatalf("expected no clears got %d", clears)
	}
}

func TestGatewayStoresRotatedRefreshToken(t *testing.T) {
	srv, creds, client := newTestClient(t)
	srv.RotateRefresh(true)

	initial := srv.Issue("ada")
	creds.Set(initial)
	srv.ExpireAccess()

	if _, err := client.ListVideos(context.Background()); err != nil {
		t.Fatalf("list videos: %v", err)
	}
	tokens, _ := creds.snapshot()
	if tokens.RefreshToken == initial.RefreshToken {
		t.Fatal("expected rotated refresh token to be stored")
	}
}

func TestGatewayRefreshFailureEndsSession(t *testing.T) {
	srv, creds, client := newTestClient(t)
	srv.RejectRefresh(true)

	var fired int
	client.Gateway().OnSessionExpired(func() { fired++ })

	creds.Set(srv.Issue("ada"))
	srv.ExpireAccess()

	_, err := client.ListVideos(context.Background())
	if !IsAuth(err) {
		t.Fatalf("expected auth error got %v", err)
	}
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired got %v", err)
	}

	tokens, clears := creds.snapshot()
	if tokens.Valid() || clears != 1 {
		t.Fatalf("expected credentials cleared once, tokens=%+v clears=%d", tokens, clears)
	}
	if fired != 1 {
		t.Fatalf("expected session hook fired once got %d", fired)
	}
	if got := srv.Count(http.MethodGet, "/videos/"); got != 1 {
		t.Fatalf("expected no retry after failed refresh got %d", got)
	}
}

func TestGatewayWithoutRefreshTokenPropagates401(t *testing.T) {
	srv, creds, client := newTestClient(t)
	creds.Set(models.Tokens{AccessToken: "stale"})

	_, err := client.ListVideos(context.Background())
	if !IsAuth(err) {
		t.Fatalf("expected auth error got %v", err)
	}
	if got := srv.Count(http.MethodPost, "/auth/token/refresh/"); got != 0 {
		t.Fatalf("expected no refresh got %d", got)
	}
	if _, clears := creds.snapshot(); clears != 0 {
		t.Fatalf("expected credentials untouched got %d clears", clears)
	}
}

func TestGatewayRetriesAtMostOnce(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls[r.URL.Path]++
		mu.Unlock()
		if r.URL.Path == "/auth/token/refresh/" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access":"fresh"}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	creds := &memCredentials{}
	creds.Set(models.Tokens{AccessToken: "stale", RefreshToken: "r1"})
	gw := NewGateway(srv.URL, srv.Client(), creds, nil)

	_, err := gw.Do(context.Background(), Request{Method: http.MethodGet, Path: "/videos/"})
	if !IsAuth(err) {
		t.Fatalf("expected auth error got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls["/auth/token/refresh/"] != 1 {
		t.Fatalf("expected exactly one refresh got %d", calls["/auth/token/refresh/"])
	}
	if calls["/videos/"] != 2 {
		t.Fatalf("expected exactly one re-issue got %d", calls["/videos/"])
	}
}

func TestGatewayConcurrentRefreshIsShared(t *testing.T) {
	srv, creds, client := newTestClient(t)
	srv.SlowRefresh(100 * time.Millisecond)

	creds.Set(srv.Issue("ada"))
	srv.ExpireAccess()

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ListVideos(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("list videos: %v", err)
		}
	}
	if got := srv.Count(http.MethodPost, "/auth/token/refresh/"); got != 1 {
		t.Fatalf("expected a single shared refresh got %d", got)
	}
}

func TestGatewayAnonymousRequestsSkipCredentials(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	creds := &memCredentials{}
	creds.Set(models.Tokens{AccessToken: "a1", RefreshToken: "r1"})
	gw := NewGateway(srv.URL, srv.Client(), creds, nil)

	resp, err := gw.Do(context.Background(), Request{Method: http.MethodPost, Path: "/auth/token/", Anonymous: true})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 passed through got %d", resp.StatusCode)
	}
	if gotAuth != "" {
		t.Fatalf("expected no authorization header got %q", gotAuth)
	}
}

func TestGatewayNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gw := NewGateway(url, nil, &memCredentials{}, nil)
	_, err := gw.Do(context.Background(), Request{Method: http.MethodGet, Path: "/videos/"})

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected network error got %v", err)
	}
}

func TestGatewayCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	gw := NewGateway(srv.URL, srv.Client(), &memCredentials{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.Do(ctx, Request{Method: http.MethodGet, Path: "/videos/"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded got %v", err)
	}
}

func TestGatewayClosesBodyWhenRequestCannotBeBuilt(t *testing.T) {
	pr, pw := io.Pipe()
	written := make(chan error, 1)
	go func() {
		_, err := pw.Write([]byte("payload"))
		written <- err
	}()

	gw := NewGateway("http://localhost:8000/api", nil, &memCredentials{}, nil)
	_, err := gw.Do(context.Background(), Request{
		Method:    "NOT A METHOD",
		Path:      "/videos/",
		Anonymous: true,
		Body: func() (io.Reader, string, error) {
			return pr, "application/octet-stream", nil
		},
	})
	if err == nil {
		t.Fatal("expected build error")
	}

	select {
	case err := <-written:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Fatalf("expected writer to see a closed pipe got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("body writer still blocked after failed request")
	}
}
