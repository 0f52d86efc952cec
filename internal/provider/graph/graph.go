package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/provider/retry"
)

const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Config holds the tenant, app registration and mailbox used to send.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox (UPN or id) whose sendMail endpoint is called.
	Sender string
}

// Provider delivers messages through the Graph sendMail endpoint of a
// single mailbox.
type Provider struct {
	endpoint   string
	httpClient *http.Client
	token      *tokenSource
	retryDelay time.Duration
}

// New returns a Provider for the public Microsoft Graph cloud.
func New(cfg Config) *Provider {
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	endpoint := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))
	return newWithOverrides(cfg, endpoint, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

func newWithOverrides(cfg Config, endpoint, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		endpoint:   endpoint,
		httpClient: client,
		token:      newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retryDelay: baseRetryDelay,
	}
}

// Name returns the provider name.
func (g *Provider) Name() string {
	return "graph"
}

// Send posts msg to sendMail. Server errors and throttling are retried with
// backoff (429 honours Retry-After); a 401 drops the cached token and is
// retried once straight away; other 4xx replies fail immediately.
func (g *Provider) Send(ctx context.Context, msg email.Mail) error {
	req, err := buildSendMailRequest(msg)
	if err != nil {
		return fmt.Errorf("failed to build request body: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var (
		lastErr   error
		refreshed bool
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := g.post(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var sendErr *sendError
		if !errors.As(err, &sendErr) {
			return err
		}

		if sendErr.statusCode == http.StatusUnauthorized && !refreshed {
			slog.Info("refreshing Graph API token after 401")
			if _, err := g.token.ForceRefresh(); err != nil {
				return fmt.Errorf("token refresh failed: %w", err)
			}
			refreshed = true
			continue
		}

		delay, ok := g.nextDelay(sendErr, attempt)
		if !ok {
			return sendErr
		}
		slog.Info("Graph API request failed, retrying",
			"to", msg.ToAddress(),
			"status", sendErr.statusCode,
			"attempt", attempt+1,
			"delay", delay,
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// nextDelay returns how long to wait before retrying err, or false when it
// should not be retried.
func (g *Provider) nextDelay(err *sendError, attempt int) (time.Duration, bool) {
	if err.permanent || !err.transient {
		return 0, false
	}
	if err.statusCode == http.StatusTooManyRequests {
		if d, ok := parseRetryAfter(err.retryAfter, time.Now()); ok {
			return d, true
		}
	}
	return retry.Backoff(g.retryDelay, attempt), true
}

// post performs one sendMail request.
func (g *Provider) post(ctx context.Context, payload []byte) error {
	token, err := g.token.Token()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &sendError{message: fmt.Sprintf("HTTP request failed: %v", err), transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := string(body)
	var errResp graphErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// sendError is a failed sendMail call, classified for retry decisions.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// Permanent reports whether resending the same request cannot succeed.
func (e *sendError) Permanent() bool {
	return e.permanent
}

// classifyError maps an HTTP status to a retry class: 401, 429 and 5xx are
// transient, every other status is permanent.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}
	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

// parseRetryAfter accepts both forms of the header: delay seconds or an
// HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
	}
	return 0, false
}
