package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/karyon/client/internal/logging"
	"github.com/karyon/client/internal/models"
)

const (
	refreshPath  = "/auth/token/refresh/"
	maxBodyBytes = 8 << 20
)

// Credentials is the gateway's view of the token store.
type Credentials interface {
	Get() (models.Tokens, bool)
	Set(models.Tokens)
	Clear()
}

// BodyFunc produces a fresh request body and its content type. It is called
// once per attempt so a request can be re-sent after a refresh.
type BodyFunc func() (io.Reader, string, error)

// JSONBody encodes v as the request body.
func JSONBody(v any) BodyFunc {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// Request describes one logical API call.
type Request struct {
	Method string
	Path   string
	Body   BodyFunc
	// Anonymous requests carry no credentials and never trigger a refresh.
	Anonymous bool
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type retryState int

const (
	stateInitial retryState = iota
	stateRefreshing
	stateRetried
)

// Gateway sends API requests with the stored bearer token and transparently
// renews the token pair once when a request is rejected with 401.
type Gateway struct {
	baseURL string
	client  *http.Client
	creds   Credentials
	logger  *slog.Logger

	refreshes singleflight.Group

	mu        sync.Mutex
	onExpired func()
}

// NewGateway constructs a Gateway rooted at baseURL.
func NewGateway(baseURL string, client *http.Client, creds Credentials, logger *slog.Logger) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		creds:   creds,
		logger:  logger,
	}
}

// BaseURL returns the API root the gateway was configured with.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// OnSessionExpired registers the hook fired after a failed refresh has
// cleared the stored credentials.
func (g *Gateway) OnSessionExpired(fn func()) {
	g.mu.Lock()
	g.onExpired = fn
	g.mu.Unlock()
}

// Do issues req. A 401 is answered with at most one refresh and one re-issue.
// Any other response, including non-2xx, is returned to the caller as is.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	state := stateInitial
	for {
		var tokens models.Tokens
		if !req.Anonymous {
			tokens, _ = g.creds.Get()
		}

		resp, err := g.send(ctx, req, tokens.AccessToken)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized || req.Anonymous {
			return resp, nil
		}
		if state == stateRetried {
			return nil, &AuthError{StatusCode: resp.StatusCode, Err: ErrSessionExpired}
		}

		state = stateRefreshing
		if err := g.refresh(ctx, tokens.AccessToken); err != nil {
			return nil, err
		}
		state = stateRetried
		logging.FromContext(ctx).Debug("re-issuing request after refresh", "method", req.Method, "path", req.Path)
	}
}

func (g *Gateway) send(ctx context.Context, req Request, accessToken string) (*Response, error) {
	var (
		body        io.Reader
		contentType string
	)
	if req.Body != nil {
		var err error
		body, contentType, err = req.Body()
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", req.Method, req.Path, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.baseURL+req.Path, body)
	if err != nil {
		// Streaming bodies have a writer waiting on the other end.
		if closer, ok := body.(io.Closer); ok {
			closer.Close()
		}
		return nil, fmt.Errorf("build %s %s: %w", req.Method, req.Path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Op: req.Method + " " + req.Path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Op: "read " + req.Method + " " + req.Path, Err: err}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// refresh renews the pair unless a concurrent request already rotated the
// access token that was rejected. Concurrent callers holding the same refresh
// token share one exchange.
func (g *Gateway) refresh(ctx context.Context, rejected string) error {
	current, ok := g.creds.Get()
	if ok && current.AccessToken != "" && current.AccessToken != rejected {
		return nil
	}
	if current.RefreshToken == "" {
		return &AuthError{StatusCode: http.StatusUnauthorized, Err: ErrSessionExpired}
	}

	// The exchange outlives any single caller so a cancelled request cannot
	// end the session for the others waiting on it.
	shared := context.WithoutCancel(ctx)
	_, err, _ := g.refreshes.Do(current.RefreshToken, func() (any, error) {
		if now, ok := g.creds.Get(); ok && now.AccessToken != "" && now.AccessToken != rejected {
			return nil, nil
		}
		return nil, g.exchange(shared, current)
	})
	return err
}

func (g *Gateway) exchange(ctx context.Context, current models.Tokens) error {
	if logging.FromContext(ctx) == slog.Default() {
		ctx = logging.WithLogger(ctx, g.logger)
	}
	ctx, span := logging.StartSpan(ctx, "refresh credentials")

	status := 0
	fresh, err := func() (models.Tokens, error) {
		resp, err := g.send(ctx, Request{
			Method:    http.MethodPost,
			Path:      refreshPath,
			Body:      JSONBody(map[string]string{"refresh": current.RefreshToken}),
			Anonymous: true,
		}, "")
		if err != nil {
			return models.Tokens{}, err
		}
		status = resp.StatusCode
		if !resp.OK() {
			return models.Tokens{}, fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
		}
		var tokens models.Tokens
		if err := json.Unmarshal(resp.Body, &tokens); err != nil {
			return models.Tokens{}, fmt.Errorf("decode refresh response: %w", err)
		}
		if !tokens.Valid() {
			return models.Tokens{}, errors.New("refresh response missing access token")
		}
		return tokens, nil
	}()

	if err != nil {
		span.Fail(err)
		g.creds.Clear()
		g.fireExpired()
		if status == 0 {
			status = http.StatusUnauthorized
		}
		return &AuthError{StatusCode: status, Err: fmt.Errorf("%w: %w", ErrSessionExpired, err)}
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = current.RefreshToken
	}
	g.creds.Set(fresh)
	span.End()
	return nil
}

func (g *Gateway) fireExpired() {
	g.mu.Lock()
	fn := g.onExpired
	g.mu.Unlock()
	if fn != nil {
		fn()
	}
}
