package ddi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ota-agent/internal/retry"
)

// ClientConfig describes how to reach a tenant's controller API
type ClientConfig struct {
	ServerURL  string // scheme://host:port
	TenantID   string
	TargetName string
	AuthToken  string
	Timeout    time.Duration
	Retry      retry.Config
	HTTPClient *http.Client
}

// Client talks to the controller (DDI) API of the update server
type Client struct {
	base   string
	token  string
	http   *http.Client
	retry  retry.Config
	logger *slog.Logger
}

// NewClient creates a new DDI client
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	base := strings.TrimRight(cfg.ServerURL, "/") + "/" +
		url.PathEscape(cfg.TenantID) + "/controller/v1/" + url.PathEscape(cfg.TargetName)

	return &Client{
		base:   base,
		token:  cfg.AuthToken,
		http:   httpClient,
		retry:  cfg.Retry,
		logger: logger,
	}
}

// Poll fetches the controller base resource
func (c *Client) Poll(ctx context.Context) (*Base, error) {
	var base Base
	if err := c.getJSON(ctx, c.base, &base); err != nil {
		return nil, err
	}
	return &base, nil
}

// DeploymentBase fetches the deployment descriptor of an action
func (c *Client) DeploymentBase(ctx context.Context, actionID, resource string) (*DeploymentBase, error) {
	endpoint := c.base + "/deploymentBase/" + url.PathEscape(actionID) + "?c=" + url.QueryEscape(resource)

	var deployment DeploymentBase
	if err := c.getJSON(ctx, endpoint, &deployment); err != nil {
		return nil, err
	}
	return &deployment, nil
}

// DeploymentFeedback reports on the progress or outcome of an action
func (c *Client) DeploymentFeedback(ctx context.Context, actionID string, fb Feedback) error {
	endpoint := c.base + "/deploymentBase/" + url.PathEscape(actionID) + "/feedback"
	return c.sendJSON(ctx, http.MethodPost, endpoint, newFeedbackRequest(actionID, fb))
}

// CancelAction fetches a cancel request
func (c *Client) CancelAction(ctx context.Context, actionID string) (*CancelAction, error) {
	var cancel CancelAction
	if err := c.getJSON(ctx, c.base+"/cancelAction/"+url.PathEscape(actionID), &cancel); err != nil {
		return nil, err
	}
	return &cancel, nil
}

// CancelFeedback answers a cancel request
func (c *Client) CancelFeedback(ctx context.Context, stopID string, fb Feedback) error {
	endpoint := c.base + "/cancelAction/" + url.PathEscape(stopID) + "/feedback"
	return c.sendJSON(ctx, http.MethodPost, endpoint, newFeedbackRequest(stopID, fb))
}

// ConfigData publishes the target attributes
func (c *Client) ConfigData(ctx context.Context, attributes map[string]string) error {
	req := configDataRequest{
		Time: timestamp(),
		Status: feedbackStatus{
			Execution: ExecutionClosed,
			Result:    feedbackResult{Finished: ResultSuccess},
			Details:   []string{},
		},
		Data: attributes,
		Mode: "merge",
	}
	return c.sendJSON(ctx, http.MethodPut, c.base+"/configData", req)
}

func newFeedbackRequest(id string, fb Feedback) feedbackRequest {
	details := fb.Details
	if details == nil {
		details = []string{}
	}
	return feedbackRequest{
		ID:   id,
		Time: timestamp(),
		Status: feedbackStatus{
			Execution: fb.Execution,
			Result:    feedbackResult{Finished: fb.Result, Progress: fb.Progress},
			Details:   details,
		},
	}
}

func timestamp() string {
	return time.Now().UTC().Format("20060102T150405")
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: failed to decode %s: %v", ErrProtocol, endpoint, err)
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, method, endpoint string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	_, err = c.do(ctx, method, endpoint, data)
	return err
}

// do performs a request, retrying transport failures and server errors
func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.retry, isRetryable, func() error {
		var err error
		body, err = c.once(ctx, method, endpoint, payload)
		if err != nil {
			c.logger.Debug("request failed", "method", method, "url", endpoint, "error", err)
		}
		return err
	})
	return body, err
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/hal+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "TargetToken "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response of %s: %v", ErrTransport, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			Method:     method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// isRetryable retries what will likely succeed a moment later. Client errors
// are returned straight away.
func isRetryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return IsTransient(err)
}
