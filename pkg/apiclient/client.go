package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/models"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
	maxBackoff        = 8 * time.Second
)

// Client talks to the training portal REST API on behalf of one taker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithRetry sets the bounded retry count and the base backoff for transient failures.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// WithToken sets a bearer token obtained elsewhere.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates an API client for baseURL (e.g. http://localhost:8080).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Login exchanges credentials for a bearer token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (*models.UserPublic, error) {
	var out struct {
		Token string            `json:"token"`
		User  models.UserPublic `json:"user"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, nil, &out); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return &out.User, nil
}

// ListAssessments calls GET /assessments.
func (c *Client) ListAssessments(ctx context.Context) ([]models.AssessmentSummary, error) {
	var out []models.AssessmentSummary
	if err := c.do(ctx, http.MethodGet, "/assessments", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	return out, nil
}

// StartAttempt calls POST /assessments/:id/start. The server creates or resumes the attempt.
func (c *Client) StartAttempt(ctx context.Context, assessmentID uuid.UUID) (*models.StartedAttempt, error) {
	var out models.StartedAttempt
	if err := c.do(ctx, http.MethodPost, "/assessments/"+assessmentID.String()+"/start", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	return &out, nil
}

// FinalizeAttempt calls POST /attempts/:id/finalize with the attempt id as idempotency key.
func (c *Client) FinalizeAttempt(ctx context.Context, attemptID uuid.UUID, req models.FinalizeRequest) (*models.Result, error) {
	var out models.FinalizeResponse
	headers := map[string]string{"Idempotency-Key": attemptID.String()}
	if err := c.do(ctx, http.MethodPost, "/attempts/"+attemptID.String()+"/finalize", req, headers, &out); err != nil {
		return nil, fmt.Errorf("finalize attempt: %w", err)
	}
	if out.Result == nil {
		return nil, fmt.Errorf("finalize attempt: empty result")
	}
	if out.Result.AttemptID == uuid.Nil {
		out.Result.AttemptID = out.AttemptID
	}
	return out.Result, nil
}

// GetResult calls GET /attempts/:id/result.
func (c *Client) GetResult(ctx context.Context, attemptID uuid.UUID) (*models.Result, error) {
	var out models.Result
	if err := c.do(ctx, http.MethodGet, "/attempts/"+attemptID.String()+"/result", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return &out, nil
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do performs a request with per-attempt timeout and bounded retries for transient failures,
// then unwraps the {success,data,error,code} envelope into out.
func (c *Client) do(
	ctx context.Context,
	method, path string,
	body interface{},
	headers map[string]string,
	out interface{},
) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffFor(c.backoff, attempt-1)
			c.logger.Debug("retrying api call",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)
			if err := Sleep(ctx, wait); err != nil {
				return err
			}
		}

		data, err := c.roundTrip(ctx, method, path, payload, headers)
		if err == nil {
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode data: %w", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrTransient) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) roundTrip(
	ctx context.Context,
	method, path string,
	payload []byte,
	headers map[string]string,
) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		request.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Code    string          `json:"code"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if retryableStatus(resp.StatusCode) {
			return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("decode envelope (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !envelope.Success {
		return nil, &APIError{Status: resp.StatusCode, Code: envelope.Code, Message: envelope.Error}
	}
	return envelope.Data, nil
}

// backoffFor returns base * 2^n capped at maxBackoff.
func backoffFor(base time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
