package testcase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/logging"
)

// ServiceSource fetches cases and suites from the platform's case
// service over HTTP. Transport retries follow retryablehttp defaults
// with a small budget; a 404 maps to NOT_FOUND so the coordinator can
// abort before any browser work.
type ServiceSource struct {
	baseURL string
	client  *retryablehttp.Client
}

// retryLogAdaptor routes retryablehttp's internal logging into the
// structured event log at debug level.
type retryLogAdaptor struct {
	logger *logging.Logger
}

func (a *retryLogAdaptor) Printf(format string, args ...interface{}) {
	a.logger.Debug(logging.CategoryCase, "http_retry", fmt.Sprintf(format, args...), nil)
}

// NewServiceSource creates a ServiceSource for the given base URL.
func NewServiceSource(baseURL string, logger *logging.Logger) (*ServiceSource, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "case service url is required")
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = &retryLogAdaptor{logger: logger}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &ServiceSource{baseURL: baseURL, client: client}, nil
}

// Case fetches GET /api/cases/{id}.
func (s *ServiceSource) Case(ctx context.Context, id string) (*Case, error) {
	var c Case
	if err := s.getJSON(ctx, "/api/cases/"+id, fmt.Sprintf("test case not found: %s", id), &c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = id
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid case definition").WithContext("case_id", id)
	}
	return &c, nil
}

// Suite fetches GET /api/suites/{id}.
func (s *ServiceSource) Suite(ctx context.Context, id string) (*Suite, error) {
	var su Suite
	if err := s.getJSON(ctx, "/api/suites/"+id, fmt.Sprintf("test suite not found: %s", id), &su); err != nil {
		return nil, err
	}
	if su.ID == "" {
		su.ID = id
	}
	if err := su.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid suite definition").WithContext("suite_id", id)
	}
	return &su, nil
}

func (s *ServiceSource) getJSON(ctx context.Context, path, notFoundMsg string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "build case service request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "case service request failed").
			WithContext("path", path).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.New(errors.ErrCodeNotFound, notFoundMsg)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.New(errors.ErrCodeStorageRead, "case service returned non-success status").
			WithContext("status", resp.StatusCode).
			WithContext("body", strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "decode case service response").WithContext("path", path)
	}
	return nil
}
