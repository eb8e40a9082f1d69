package diagnose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/odvcencio/checkride/pkg/logging"
	"github.com/odvcencio/checkride/pkg/telemetry"
)

const analyzePath = "/api/ai/analyze-error"

// ClientConfig tunes the diagnostics transport.
type ClientConfig struct {
	URL          string
	Timeout      time.Duration
	RetryMax     int
	RateLimitRPS float64
}

// Client calls the diagnostics collaborator synchronously. The rate
// limiter keeps a storm of failing runs from flooding the collaborator;
// every failure mode collapses into the fallback analysis.
type Client struct {
	baseURL string
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

type clientLogAdaptor struct {
	logger *logging.Logger
}

func (a *clientLogAdaptor) Printf(format string, args ...interface{}) {
	a.logger.Debug(logging.CategoryDiagnostics, "http_retry", fmt.Sprintf(format, args...), nil)
}

// NewClient builds a Client from config.
func NewClient(cfg ClientConfig, logger *logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 1
	}

	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.HTTPClient.Timeout = timeout
	client.Logger = &clientLogAdaptor{logger: logger}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// Analyze implements Analyzer. It never returns an error: unreachable
// collaborator, non-2xx answer, malformed body, and rate-limit expiry
// all degrade to Fallback.
func (c *Client) Analyze(ctx context.Context, req Request) Analysis {
	if c == nil || c.baseURL == "" {
		return Fallback(req.ErrorMessage)
	}

	ctx, span := telemetry.StartSpan(ctx, "diagnose.analyze")
	defer span.End()
	telemetry.SetAttributes(ctx, telemetry.AttrStepName.String(req.StepName))

	if err := c.limiter.Wait(ctx); err != nil {
		c.unavailable(ctx, req, "rate limit wait", err)
		return Fallback(req.ErrorMessage)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		c.unavailable(ctx, req, "encode request", err)
		return Fallback(req.ErrorMessage)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, bytes.NewReader(payload))
	if err != nil {
		c.unavailable(ctx, req, "build request", err)
		return Fallback(req.ErrorMessage)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.unavailable(ctx, req, "transport", err)
		return Fallback(req.ErrorMessage)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.unavailable(ctx, req, fmt.Sprintf("status %d", resp.StatusCode), nil)
		return Fallback(req.ErrorMessage)
	}

	var analysis Analysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		c.unavailable(ctx, req, "decode response", err)
		return Fallback(req.ErrorMessage)
	}
	if analysis.RootCause == "" {
		analysis.RootCause = req.ErrorMessage
	}
	if analysis.Confidence == "" {
		analysis.Confidence = ConfidenceLow
	}

	c.logger.Info(logging.CategoryDiagnostics, "analysis_received", analysis.RootCause, map[string]any{
		"step":       req.StepName,
		"confidence": analysis.Confidence,
	})
	return analysis
}

func (c *Client) unavailable(ctx context.Context, req Request, stage string, err error) {
	details := map[string]any{"step": req.StepName, "stage": stage}
	if err != nil {
		details["error"] = err.Error()
		telemetry.RecordError(ctx, err)
	}
	c.logger.Warn(logging.CategoryDiagnostics, "unavailable", "diagnostics collaborator unavailable, using fallback", details)
}
