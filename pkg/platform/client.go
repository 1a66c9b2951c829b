package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Config holds the connection settings for one Strata project.
type Config struct {
	// BaseURL is the cluster endpoint, e.g. "https://westeurope-1.stratadata.io".
	BaseURL string `validate:"required,url"`

	// Project is the project (tenant) all resource routes are scoped to.
	Project string `validate:"required"`

	// Token is the bearer token used for authentication.
	Token string `validate:"required"`

	// Timeout bounds each individual API call.
	Timeout time.Duration

	// RetryMax is the number of transport-level retries per call.
	RetryMax int
}

// Client is a typed HTTP client for the platform's resource APIs.
// All bulk endpoints accept and return {"items": [...]} envelopes.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	project string
	token   string
	timeout time.Duration
	logger  zerolog.Logger
}

type itemsEnvelope struct {
	Items []json.RawMessage `json:"items"`
}

type retrieveRequest struct {
	Items            []json.RawMessage `json:"items"`
	IgnoreUnknownIDs bool              `json:"ignoreUnknownIds"`
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a platform client from the given configuration.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, NewPermanentError("platform base URL is required", nil).WithCode(ErrCodeBadRequest)
	}
	if cfg.Project == "" {
		return nil, NewPermanentError("platform project is required", nil).WithCode(ErrCodeBadRequest)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = &retryLogger{logger: logger.With().Str("component", "platform-client").Logger()}

	return &Client{
		http:    rc,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		project: cfg.Project,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "platform-client").Logger(),
	}, nil
}

// CreateItems bulk-creates items of the given resource.
func (c *Client) CreateItems(ctx context.Context, resource string, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	err := c.post(ctx, c.resourcePath(resource), itemsEnvelope{Items: items}, nil)
	if err != nil {
		return withOp(err, resource, "create")
	}
	return nil
}

// RetrieveItems bulk-retrieves items by their identifier references.
// Unknown identifiers are ignored by the platform rather than erroring.
func (c *Client) RetrieveItems(ctx context.Context, resource string, refs []json.RawMessage) ([]json.RawMessage, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	var out itemsEnvelope
	err := c.post(ctx, c.resourcePath(resource)+"/byids", retrieveRequest{Items: refs, IgnoreUnknownIDs: true}, &out)
	if err != nil {
		return nil, withOp(err, resource, "retrieve")
	}
	return out.Items, nil
}

// UpdateItems bulk-updates items of the given resource.
func (c *Client) UpdateItems(ctx context.Context, resource string, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	err := c.post(ctx, c.resourcePath(resource)+"/update", itemsEnvelope{Items: items}, nil)
	if err != nil {
		return withOp(err, resource, "update")
	}
	return nil
}

// DeleteItems bulk-deletes items by their identifier references. Targets
// already absent are treated as deleted.
func (c *Client) DeleteItems(ctx context.Context, resource string, refs []json.RawMessage) error {
	if len(refs) == 0 {
		return nil
	}
	err := c.post(ctx, c.resourcePath(resource)+"/delete", retrieveRequest{Items: refs, IgnoreUnknownIDs: true}, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return withOp(err, resource, "delete")
	}
	return nil
}

// CountContained returns the number of bulk data items held by one
// resource-container instance (rows, datapoints, graph instances).
func (c *Client) CountContained(ctx context.Context, resource string, ref json.RawMessage) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	err := c.post(ctx, c.resourcePath(resource)+"/count", map[string]json.RawMessage{"item": ref}, &out)
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, withOp(err, resource, "count")
	}
	return out.Count, nil
}

// PurgeContained drops the bulk data held by one resource-container
// instance without deleting its configuration. Returns the number of
// items dropped.
func (c *Client) PurgeContained(ctx context.Context, resource string, ref json.RawMessage) (int64, error) {
	var out struct {
		Dropped int64 `json:"dropped"`
	}
	err := c.post(ctx, c.resourcePath(resource)+"/purge", map[string]json.RawMessage{"item": ref}, &out)
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, withOp(err, resource, "purge")
	}
	return out.Dropped, nil
}

// InspectToken returns the capabilities held by the current credentials.
func (c *Client) InspectToken(ctx context.Context) (CapabilitySet, error) {
	var out struct {
		Capabilities CapabilitySet `json:"capabilities"`
	}
	if err := c.get(ctx, "/api/v1/token/inspect", &out); err != nil {
		return nil, withOp(err, "token", "inspect")
	}
	return out.Capabilities, nil
}

// Project returns the project this client is scoped to.
func (c *Client) Project() string {
	return c.project
}

func (c *Client) resourcePath(resource string) string {
	return fmt.Sprintf("/api/v1/projects/%s/%s", url.PathEscape(c.project), resource)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return NewPermanentError("failed to encode request body", err).WithCode(ErrCodeInternal)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(callCtx, method, c.baseURL+path, body)
	if err != nil {
		return NewPermanentError("failed to build request", err).WithCode(ErrCodeInternal)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return NewTransientError("request timed out", err).WithCode(ErrCodeTimeout)
		}
		return NewTransientError("request failed", err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("API call")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTransientError("failed to read response body", err)
	}

	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return NewPermanentError("failed to decode response body", err).WithCode(ErrCodeInternal)
		}
	}
	return nil
}

// classifyStatus maps an HTTP error status to the error taxonomy.
func classifyStatus(status int, body []byte) *Error {
	message := http.StatusText(status)
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	var e *Error
	switch {
	case status == http.StatusBadRequest:
		e = NewValidationError(message, nil).WithCode(ErrCodeBadRequest)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = NewAuthorizationError(message, nil).WithCode(ErrCodeForbidden)
	case status == http.StatusNotFound:
		e = NewNotFoundError(message, nil).WithCode(ErrCodeNotFound)
	case status == http.StatusConflict:
		e = NewConflictError(message, nil).WithCode(ErrCodeAlreadyExists)
	case status == http.StatusRequestEntityTooLarge:
		e = NewValidationError(message, nil).WithCode(ErrCodeTooLarge)
	case status == http.StatusTooManyRequests:
		e = NewThrottledError(message, nil).WithCode(ErrCodeRateLimited)
	case status >= 500:
		e = NewTransientError(message, nil).WithCode(ErrCodeInternal)
	default:
		e = NewPermanentError(message, nil)
	}
	e.Status = status
	return e
}

func withOp(err error, resource, operation string) error {
	if e, ok := err.(*Error); ok {
		return e.WithResource(resource).WithOperation(operation)
	}
	return err
}

// retryLogger adapts zerolog to retryablehttp's leveled logger.
type retryLogger struct {
	logger zerolog.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
