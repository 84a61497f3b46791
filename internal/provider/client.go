// Package provider is the HTTP client for the remote compute provider that
// runs training jobs. It translates calls and answers between the provider's
// wire format and the training package's types and classifies every failure
// as transient or rejected. It never retries; the caller decides.
package provider

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
	"strings"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/training"
	"trainingjobs/pkg/circuitbreaker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4 << 10

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per request (default: 30s)
	Breaker circuitbreaker.Config
}

// Client calls the compute provider's training API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: circuitbreaker.New("provider", cfg.Breaker),
		tracer:  otel.Tracer("trainingjobs/provider"),
		logger:  slog.With("component", "provider"),
	}
}

// startResponse is the provider's answer to a start request.
type startResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StartTraining submits a job definition. The training job id doubles as the
// idempotency key so a retried start cannot create a second remote job.
func (c *Client) StartTraining(ctx context.Context, def training.Definition) (*training.Dispatch, error) {
	const op = "provider.startTraining"
	ctx, span := c.startSpan(ctx, op, attribute.String("job.id", def.JobID), attribute.Int("job.assets", len(def.Assets)))
	defer span.End()

	body, err := json.Marshal(def)
	if err != nil {
		return nil, c.fail(span, apperrors.Internal(op, fmt.Errorf("marshal definition: %w", err)))
	}

	var out startResponse
	err = c.call(ctx, span, op, http.MethodPost, "/v1/training/jobs", body, def.JobID, func(resp *http.Response) error {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return classifyStatus(op, resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return apperrors.DispatchRejected(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
		}
		if strings.TrimSpace(out.ID) == "" {
			return apperrors.DispatchRejected(op, resp.StatusCode, errors.New("response carries no job id"))
		}
		return nil
	})
	if err != nil {
		return nil, c.fail(span, err)
	}

	span.SetAttributes(attribute.String("provider.job_id", out.ID), attribute.String("provider.status", out.Status))
	c.logger.Debug("Training started", "jobId", def.JobID, "externalJobId", out.ID, "status", out.Status)
	return &training.Dispatch{ExternalJobID: out.ID, StatusCode: out.Status}, nil
}

// GetStatus fetches the current state of a remote job. The answer has the
// same shape as a webhook payload and is parsed the same way.
func (c *Client) GetStatus(ctx context.Context, externalJobID string) (*training.Update, error) {
	const op = "provider.getStatus"
	ctx, span := c.startSpan(ctx, op, attribute.String("provider.job_id", externalJobID))
	defer span.End()

	var update training.Update
	err := c.call(ctx, span, op, http.MethodGet, "/v1/training/jobs/"+url.PathEscape(externalJobID), nil, "", func(resp *http.Response) error {
		if resp.StatusCode == http.StatusNotFound {
			return apperrors.NotFound("provider job", externalJobID)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return classifyStatus(op, resp)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.DispatchTransient(op, resp.StatusCode, fmt.Errorf("read response: %w", err))
		}
		var skipped []string
		update, skipped, err = training.ParseUpdate(data)
		if err != nil {
			return apperrors.DispatchRejected(op, resp.StatusCode, err)
		}
		if len(skipped) > 0 {
			c.logger.Warn("Ignored malformed status fields", "externalJobId", externalJobID, "fields", skipped)
		}
		return nil
	})
	if err != nil {
		return nil, c.fail(span, err)
	}

	span.SetAttributes(attribute.String("provider.status", update.Code))
	return &update, nil
}

// Cancel asks the provider to stop a remote job. It returns false without an
// error when the provider cannot cancel the job: unknown job, unsupported
// operation or a job already past the point of cancelling.
func (c *Client) Cancel(ctx context.Context, externalJobID string) (bool, error) {
	const op = "provider.cancel"
	ctx, span := c.startSpan(ctx, op, attribute.String("provider.job_id", externalJobID))
	defer span.End()

	var cancelled bool
	err := c.call(ctx, span, op, http.MethodPost, "/v1/training/jobs/"+url.PathEscape(externalJobID)+"/cancel", nil, "", func(resp *http.Response) error {
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			cancelled = true
			return nil
		case resp.StatusCode == http.StatusNotFound,
			resp.StatusCode == http.StatusMethodNotAllowed,
			resp.StatusCode == http.StatusConflict,
			resp.StatusCode == http.StatusNotImplemented:
			return nil
		default:
			return classifyStatus(op, resp)
		}
	})
	if err != nil {
		return false, c.fail(span, err)
	}

	span.SetAttributes(attribute.Bool("provider.cancelled", cancelled))
	return cancelled, nil
}

// call performs one request through the circuit breaker and hands the
// response to handle. Only transient failures count against the breaker.
func (c *Client) call(ctx context.Context, span trace.Span, op, method, path string, body []byte, idempotencyKey string, handle func(*http.Response) error) error {
	err := c.breaker.Execute(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return apperrors.Internal(op, fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperrors.DispatchTransient(op, 0, err)
		}
		defer resp.Body.Close()
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return handle(resp)
	}, apperrors.IsRetryable)

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.DispatchTransient(op, 0, err)
	}
	return err
}

// classifyStatus turns a non-2xx answer into a transient or rejected error.
// 5xx, 408 and 429 are transient; every other 4xx is a rejection.
func classifyStatus(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	cause := fmt.Errorf("provider answered %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.DispatchTransient(op, resp.StatusCode, cause)
	default:
		return apperrors.DispatchRejected(op, resp.StatusCode, cause)
	}
}

func (c *Client) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// BreakerState reports the provider circuit breaker's state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

var _ training.Provider = (*Client)(nil)
