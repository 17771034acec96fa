// Package xapi is the HTTP transport for the X API: v2 endpoints for posts
// and reposts, v1.1 endpoints for media upload.
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/dghubble/oauth1"

	"github.com/mikequentel/xclient/internal/apierror"
	"github.com/mikequentel/xclient/internal/config"
	"github.com/mikequentel/xclient/internal/ratelimit"
)

const (
	DefaultAPIBaseURL = "https://api.twitter.com/2"
	DefaultUploadURL  = "https://upload.twitter.com/1.1/media/upload.json"
	DefaultChunkSize  = 4 * 1024 * 1024
)

// Client signs user-context requests with OAuth 1.0a and, when a bearer
// token is configured, sends app-only reads with it. Every request runs
// through RateLimit when set.
type Client struct {
	APIBaseURL  string
	UploadURL   string
	ChunkSize   int
	RateLimit   *ratelimit.Handler
	ShouldRetry ratelimit.RetryPredicate

	user *http.Client
	app  *http.Client

	mu     sync.Mutex
	userID string
}

// New wraps pre-authorized HTTP clients. app may be nil.
func New(user, app *http.Client) *Client {
	return &Client{
		APIBaseURL: DefaultAPIBaseURL,
		UploadURL:  DefaultUploadURL,
		ChunkSize:  DefaultChunkSize,
		user:       user,
		app:        app,
	}
}

// NewFromCredentials builds a signed client with the default retry policy.
// Replace RateLimit to tune it.
func NewFromCredentials(ctx context.Context, c config.Credentials) (*Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	oc := oauth1.NewConfig(c.APIKey, c.APISecret)
	token := oauth1.NewToken(c.AccessToken, c.AccessTokenSecret)
	var app *http.Client
	if c.BearerToken != "" {
		app = &http.Client{Transport: bearerTransport{token: c.BearerToken, base: http.DefaultTransport}}
	}
	client := New(oc.Client(ctx, token), app)
	client.RateLimit = ratelimit.NewHandler(ratelimit.DefaultRetryConfig())
	return client, nil
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

// httpFor picks the app-only client for calls that do not need user
// context, when one is configured.
func (c *Client) httpFor(userAuth bool) *http.Client {
	if !userAuth && c.app != nil {
		return c.app
	}
	return c.user
}

func (c *Client) sendJSON(ctx context.Context, hc *http.Client, method, url string, payload, out any) (http.Header, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s: %w", method, url, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return do(hc, req, out)
}

// do sends req and decodes a 2xx JSON body into out. Other statuses are
// translated into apierror types.
func do(hc *http.Client, req *http.Request, out any) (http.Header, error) {
	op := req.Method + " " + req.URL.Path
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.Header, translateError(resp, body, op)
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.Header, &apierror.ResponseError{Message: fmt.Sprintf("%s: decode response: %v", op, err)}
		}
	}
	return resp.Header, nil
}
