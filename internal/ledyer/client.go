package ledyer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-paysync/internal/obs"
	"github.com/noah-isme/backend-paysync/internal/resilience"
)

// Options configures a provider API client.
type Options struct {
	ClientID     string
	ClientSecret string
	StoreID      string
	BaseURL      string
	AuthURL      string
	Sandbox      bool
	Timeout      time.Duration
	RetryBase    time.Duration
	MaxAttempts  int
	Jitter       float64
	Breaker      *resilience.Breaker
	Logger       *zerolog.Logger
}

// Client talks to the Ledyer payment API. Access tokens are obtained through
// the OAuth client-credentials flow and cached until shortly before expiry.
type Client struct {
	opts Options
	http resilience.HTTPClient

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient builds a Client from the given options. Zero option fields fall
// back to sensible defaults.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	wrapped := resilience.HTTPClient{
		Client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Breaker:     opts.Breaker,
		BaseBackoff: opts.RetryBase,
		MaxAttempts: opts.MaxAttempts,
		Jitter:      opts.Jitter,
		Target:      "ledyer",
		Logger:      opts.Logger,
	}
	return &Client{opts: opts, http: wrapped}
}

func (c *Client) baseURL() string {
	if base := strings.TrimSpace(c.opts.BaseURL); base != "" {
		return strings.TrimRight(base, "/")
	}
	if c.opts.Sandbox {
		return "https://api.sandbox.ledyer.com"
	}
	return "https://api.live.ledyer.com"
}

func (c *Client) authURL() string {
	if auth := strings.TrimSpace(c.opts.AuthURL); auth != "" {
		return strings.TrimRight(auth, "/")
	}
	if c.opts.Sandbox {
		return "https://auth.sandbox.ledyer.com/oauth/token"
	}
	return "https://auth.live.ledyer.com/oauth/token"
}

// CreateSession opens a new payment session and returns the provider's view
// of it, including the payment category configuration.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	req.StoreID = c.opts.StoreID
	return c.sessionCall(ctx, "create_session", http.MethodPost, "/v1/payment-sessions", req)
}

// UpdateSession pushes changed cart contents to an existing session. The
// response never includes configuration; callers keep their cached copy.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, req SessionRequest) (Session, error) {
	req.StoreID = ""
	req.Settings.URLs = nil
	path := "/v1/payment-sessions/" + url.PathEscape(sessionID)
	return c.sessionCall(ctx, "update_session", http.MethodPost, path, req)
}

// GetSession fetches the current state of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	path := "/v1/payment-sessions/" + url.PathEscape(sessionID)
	return c.sessionCall(ctx, "get_session", http.MethodGet, path, nil)
}

// CreateOrder exchanges an authorization token for a provider order. This
// acknowledges the purchase after the customer completed the hosted flow.
func (c *Client) CreateOrder(ctx context.Context, authToken string, req OrderRequest) (Order, error) {
	req.StoreID = c.opts.StoreID
	path := "/v1/authorization-tokens/" + url.PathEscape(authToken) + "/order"
	body, err := c.call(ctx, "create_order", http.MethodPost, path, req)
	if err != nil {
		return Order{}, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return Order{}, fmt.Errorf("decode order response: %w", err)
	}
	return order, nil
}

func (c *Client) sessionCall(ctx context.Context, op, method, path string, payload any) (Session, error) {
	body, err := c.call(ctx, op, method, path, payload)
	if err != nil {
		return Session{}, err
	}
	session, err := decodeSession(body)
	if err != nil {
		return Session{}, fmt.Errorf("decode session response: %w", err)
	}
	return session, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	ctx, span := otel.Tracer("ledyer.Client").Start(ctx, "ledyer."+op)
	defer span.End()
	span.SetAttributes(attribute.String("ledyer.operation", op))

	token, err := c.token(ctx)
	if err != nil {
		c.observe(op, "auth_error")
		span.RecordError(err)
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.observe(op, "error")
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(op, "error")
		span.RecordError(err)
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		c.observe(op, "api_error")
		apiErr := newAPIError(resp.StatusCode, respBody)
		span.RecordError(apiErr)
		return nil, apiErr
	}
	c.observe(op, "ok")
	return respBody, nil
}

func (c *Client) observe(op, result string) {
	if obs.ProviderRequestTotal != nil {
		obs.ProviderRequestTotal.WithLabelValues(op, result).Inc()
	}
}

// token returns a cached access token or requests a fresh one. The returned
// value already includes the token type prefix.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		token := c.accessToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.opts.ClientID, c.opts.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("request access token: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", newAPIError(resp.StatusCode, body)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	tokenType := payload.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	token := tokenType + " " + payload.AccessToken
	ttl := time.Duration(payload.ExpiresIn) * time.Second
	if ttl > time.Minute {
		ttl -= 30 * time.Second
	}

	c.mu.Lock()
	c.accessToken = token
	c.tokenExpiry = time.Now().Add(ttl)
	c.mu.Unlock()
	return token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}
