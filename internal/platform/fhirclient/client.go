// Package fhirclient publishes resources to a remote FHIR repository with an
// idempotent, retrying upload protocol.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/bridge/internal/platform/auth"
	"github.com/ehr/bridge/internal/platform/fhir"
)

const (
	contentType = "application/fhir+json"

	// diagnosticsLimit caps raw (non-OperationOutcome) error bodies.
	diagnosticsLimit = 500

	maxResponseBody = 4 << 20

	// maxRetryDelay caps the exponential backoff between attempts.
	maxRetryDelay = 5 * time.Minute
)

var (
	// ErrInvalidResource means the resource failed local validation and was
	// never sent.
	ErrInvalidResource = errors.New("invalid resource")

	// ErrMaxRetries means every attempt failed transiently.
	ErrMaxRetries = errors.New("max retries exceeded")

	// ErrUnavailable means the liveness probe failed.
	ErrUnavailable = errors.New("FHIR server not accessible")
)

// StatusError is a non-2xx answer from the repository. 400 and 422 are
// permanent; every other status is retried.
type StatusError struct {
	Method      string
	URL         string
	StatusCode  int
	Diagnostics string
}

func (e *StatusError) Error() string {
	if e.Diagnostics == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Diagnostics)
}

// Permanent reports whether retrying cannot change the outcome.
func (e *StatusError) Permanent() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

// Config holds connection settings.
type Config struct {
	BaseURL     string
	Credentials auth.Credentials
	// Timeout bounds each individual request.
	Timeout     time.Duration
	MaxAttempts int
	// RetryBase is the delay before the second attempt; it doubles after
	// every further failure.
	RetryBase time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for attempt, retry and verification events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithSleep replaces the backoff wait. Tests use it to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// Client talks to one FHIR repository.
type Client struct {
	base        string
	creds       auth.Credentials
	timeout     time.Duration
	maxAttempts int
	retryBase   time.Duration
	http        *http.Client
	log         zerolog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a Client. Zero config values fall back to 30s timeout, 3
// attempts and a 1s retry base.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		base:        strings.TrimRight(cfg.BaseURL, "/"),
		creds:       cfg.Credentials,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		log:         zerolog.Nop(),
		sleep:       sleepContext,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 3
	}
	if c.retryBase <= 0 {
		c.retryBase = time.Second
	}
	c.http = &http.Client{Timeout: c.timeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the repository base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.base }

// Ping probes GET {base}/metadata. Only a 200 counts as accessible.
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, c.base+"/metadata", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, status, fhir.ResponseDiagnostics(body, 100))
	}
	return nil
}

// Read fetches {base}/{kind}/{id}. found is false on 404 or 410.
func (c *Client) Read(ctx context.Context, kind, id string) (raw json.RawMessage, found bool, err error) {
	u := c.resourceURL(kind, id)
	status, body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	switch {
	case status == http.StatusOK:
		return body, true, nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return nil, false, nil
	default:
		return nil, false, &StatusError{
			Method:      http.MethodGet,
			URL:         u,
			StatusCode:  status,
			Diagnostics: fhir.ResponseDiagnostics(body, diagnosticsLimit),
		}
	}
}

// SearchBySubject lists resources of kind that reference Patient/patientID.
func (c *Client) SearchBySubject(ctx context.Context, kind, patientID string) (*fhir.Bundle, error) {
	q := url.Values{"subject": {fhir.KindPatient + "/" + patientID}}
	u := c.base + "/" + kind + "?" + q.Encode()
	status, body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{
			Method:      http.MethodGet,
			URL:         u,
			StatusCode:  status,
			Diagnostics: fhir.ResponseDiagnostics(body, diagnosticsLimit),
		}
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decode search bundle: %w", err)
	}
	return &bundle, nil
}

// Result describes a completed upload.
type Result struct {
	Method     string
	StatusCode int
	Attempts   int
	Verified   bool
}

// Upsert publishes r. It validates locally, then on every attempt probes
// for an existing resource and writes with PUT (found) or POST (not found).
// 400 and 422 fail immediately; other statuses and transport faults are
// retried with exponential backoff. A successful write is re-read to verify
// it; a failed verification is logged but does not fail the upload.
func (c *Client) Upsert(ctx context.Context, r fhir.Resource) (*Result, error) {
	missing, err := fhir.MissingFields(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s %q missing %s", ErrInvalidResource, r.Kind(), r.ResourceID(), strings.Join(missing, ", "))
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}

	logger := c.log.With().Str("resource_type", r.Kind()).Str("resource_id", r.ResourceID()).Logger()
	res := &Result{}
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt)
			logger.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Msg("retrying upload")
			if err := c.sleep(ctx, delay); err != nil {
				return res, err
			}
		}
		res.Attempts = attempt

		method, u, err := c.target(ctx, r)
		if err != nil {
			lastErr = err
			continue
		}
		res.Method = method

		status, body, err := c.do(ctx, method, u, payload)
		if err != nil {
			lastErr = err
			continue
		}
		res.StatusCode = status

		if status >= 200 && status < 300 {
			res.Verified = c.verify(ctx, r, logger)
			logger.Info().Str("method", method).Int("status", status).Int("attempts", attempt).Msg("resource uploaded")
			return res, nil
		}

		serr := &StatusError{
			Method:      method,
			URL:         u,
			StatusCode:  status,
			Diagnostics: fhir.ResponseDiagnostics(body, diagnosticsLimit),
		}
		if serr.Permanent() {
			logger.Error().Int("status", status).Str("diagnostics", serr.Diagnostics).Msg("upload rejected")
			return res, serr
		}
		lastErr = serr
	}

	logger.Error().Err(lastErr).Int("attempts", res.Attempts).Msg("upload failed")
	return res, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, res.Attempts, lastErr)
}

// backoff returns the delay before attempt (2-based): retryBase doubled per
// prior retry, capped at maxRetryDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.retryBase
	for i := 2; i < attempt; i++ {
		if delay >= maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// target probes for r and returns the write verb and address.
func (c *Client) target(ctx context.Context, r fhir.Resource) (method, u string, err error) {
	_, found, err := c.Read(ctx, r.Kind(), r.ResourceID())
	if err != nil {
		return "", "", fmt.Errorf("existence probe: %w", err)
	}
	if found {
		return http.MethodPut, c.resourceURL(r.Kind(), r.ResourceID()), nil
	}
	return http.MethodPost, c.base + "/" + r.Kind(), nil
}

func (c *Client) verify(ctx context.Context, r fhir.Resource, logger zerolog.Logger) bool {
	_, found, err := c.Read(ctx, r.Kind(), r.ResourceID())
	if err != nil {
		logger.Warn().Err(err).Msg("upload verification failed")
		return false
	}
	if !found {
		logger.Warn().Msg("uploaded resource not found on verification")
		return false
	}
	return true
}

// do performs one request bounded by the client timeout and returns the
// status and body.
func (c *Client) do(ctx context.Context, method, u string, payload []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", contentType)
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	c.creds.Apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) resourceURL(kind, id string) string {
	return c.base + "/" + kind + "/" + url.PathEscape(id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
