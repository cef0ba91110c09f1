package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/quizbattle/internal/battle"
	"github.com/park285/quizbattle/internal/obslog"
)

const mePath = "/api/users/me"

var (
	ErrUnauthorized = errors.New("portal rejected credentials")
	ErrEmptyProfile = errors.New("portal returned a profile without a name")
)

// HeaderProvider injects per-request headers (bearer token, session id).
type HeaderProvider func() map[string]string

// Client talks to the portal REST API for the local player's profile.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider
	logger  *zap.Logger

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

// WithBearerToken is a HeaderProvider shortcut for a static token.
func WithBearerToken(token string) Option {
	token = strings.TrimSpace(token)
	return func(c *Client) {
		if token == "" {
			return
		}
		c.headers = func() map[string]string {
			return map[string]string{"Authorization": "Bearer " + token}
		}
	}
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 8},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
		logger:         obslog.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Me fetches the signed-in user. Transient failures (network, 5xx) are retried
// with backoff; 401/403 map to ErrUnauthorized.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.doJSON(ctx, fasthttp.MethodGet, mePath, &u); err != nil {
		return nil, err
	}
	if strings.TrimSpace(u.DisplayName()) == "" {
		return nil, ErrEmptyProfile
	}
	return &u, nil
}

// Identity resolves the local player, falling back to the given identity's
// fields wherever the portal has nothing.
func (c *Client) Identity(ctx context.Context, fallback battle.Identity) (battle.Identity, error) {
	u, err := c.Me(ctx)
	if err != nil {
		return fallback, err
	}
	id := u.Identity()
	if id.ID == "" {
		id.ID = fallback.ID
	}
	if id.AvatarURL == "" {
		id.AvatarURL = fallback.AvatarURL
	}
	return id, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			switch {
			case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
				return fmt.Errorf("%w: status=%d", ErrUnauthorized, status)
			case status >= 200 && status < 300:
				if out != nil {
					if err := json.Unmarshal(resp.Body(), out); err != nil {
						return fmt.Errorf("decode response: %w", err)
					}
				}
				return nil
			}
			err = fmt.Errorf("portal api error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if !shouldRetryStatus(status) {
				return err
			}
		} else {
			err = fmt.Errorf("request failed: %w", err)
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		c.logger.Debug("portal_retry", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
