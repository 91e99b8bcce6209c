// internal/decision/client.go
package decision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// Client talks to a remote decision service over HTTP.
type Client struct {
	endpoint   string
	apiKey     string
	cfg        config.DecisionConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ Service = (*Client)(nil)

// NewClient initializes the client.
func NewClient(cfg config.DecisionConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("decision endpoint is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.Named("decision_client"),
	}, nil
}

// InitSession asks the service for a new session id for objective.
func (c *Client) InitSession(ctx context.Context, objective string) (string, error) {
	var resp initSessionResponse
	if err := c.post(ctx, "/sessions", initSessionRequest{Objective: objective}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", &automation.BackendUnavailableError{Attempts: 1, Err: errors.New("session response carried no sessionId")}
	}
	return resp.SessionID, nil
}

// NextAction sends one step request and returns the service's batch.
func (c *Client) NextAction(ctx context.Context, req StepRequest) (automation.ActionBatch, error) {
	var batch automation.ActionBatch
	if err := c.post(ctx, "/step", req, &batch); err != nil {
		return automation.ActionBatch{}, err
	}
	return batch, nil
}

// post sends payload to path with bounded retries and decodes the response into out.
// Every failure that is not a context cancellation surfaces as a
// BackendUnavailableError.
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	if c.cfg.MaxRetryDelay > 0 {
		b.MaxInterval = c.cfg.MaxRetryDelay
	}
	b.MaxElapsedTime = 0 // bounded by attempts, not wall time
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	url := c.endpoint + path

	operation := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error during decision request, retrying...", zap.String("path", path), zap.Int("attempt", attempts), zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			c.logger.Warn("Malformed decision response, retrying...", zap.String("path", path), zap.Int("attempt", attempts), zap.Error(err))
			return fmt.Errorf("failed to decode response payload: %w", err)
		}

		c.logger.Debug("Decision request complete.", zap.String("path", path), zap.Int("attempt", attempts), zap.Duration("duration", time.Since(startTime)))
		return nil
	}

	err = backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	c.logger.Error("Decision service unavailable.", zap.String("path", path), zap.Int("attempts", attempts), zap.Error(err))
	return &automation.BackendUnavailableError{Attempts: attempts, Err: err}
}

func (c *Client) handleAPIError(statusCode int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	err := fmt.Errorf("decision service error: status %d, body: %s", statusCode, snippet)

	switch {
	case statusCode >= 500, statusCode == http.StatusTooManyRequests, statusCode == http.StatusRequestTimeout:
		c.logger.Warn("Decision service returned a transient error status.", zap.Int("status", statusCode))
		return err
	default:
		c.logger.Error("Decision service rejected the request.", zap.Int("status", statusCode), zap.String("response", snippet))
		return backoff.Permanent(err)
	}
}
