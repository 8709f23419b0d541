package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/metrics"
	"go.uber.org/zap"
)

// StatusError is returned for a non-2xx reply.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http status %d: %s", e.URL, e.Code, e.Body)
}

// Is maps the status code onto the adapter error kinds.
func (e *StatusError) Is(target error) bool {
	switch target {
	case adapter.ErrNotFound:
		return e.Code == http.StatusNotFound
	case adapter.ErrConflict:
		return e.Code == http.StatusConflict
	case adapter.ErrInvalidInput:
		return e.Code == http.StatusBadRequest || e.Code == http.StatusUnprocessableEntity ||
			e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case adapter.ErrNotSupported:
		return e.Code == http.StatusNotImplemented
	case adapter.ErrUnavailable:
		return e.Code >= 500 && e.Code != http.StatusNotImplemented
	}
	return false
}

// maxErrorBody caps how much of an error reply is kept in a StatusError.
const maxErrorBody = 4096

// Client performs HTTP requests with a bearer token, retrying transport
// errors and 5xx replies.
type Client struct {
	http       *http.Client
	userAgent  string
	maxRetries int
	retryWait  time.Duration
	verbose    bool
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *zap.Logger
}

func NewClient(cfg config.HTTPClientConfig, logger *zap.Logger) *Client {
	dialer := &net.Dialer{Timeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		retryWait:  time.Duration(cfg.SleepSeconds) * time.Second,
		verbose:    cfg.Verbose,
		sleep:      sleepContext,
		logger:     logger,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get fetches rawURL and returns the reply body.
func (c *Client) Get(ctx context.Context, rawURL, token string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, rawURL, token, func() (io.Reader, string, error) {
		return nil, "", nil
	})
}

// PostForm sends fields as multipart/form-data. Keys are written in sorted
// order.
func (c *Client) PostForm(ctx context.Context, rawURL, token string, fields url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodPost, rawURL, token, func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range fields[k] {
				if err := w.WriteField(k, v); err != nil {
					return nil, "", err
				}
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	})
}

func (c *Client) do(ctx context.Context, method, rawURL, token string, body func() (io.Reader, string, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.HTTPRetries.WithLabelValues(method).Inc()
			c.logger.Debug("retrying request",
				zap.String("method", method),
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			if err := c.sleep(ctx, c.retryWait); err != nil {
				return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
			}
		}

		reader, contentType, err := body()
		if err != nil {
			return nil, fmt.Errorf("building request body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, adapter.Errorf(adapter.ErrInvalidInput, "bad request url %q: %v", rawURL, err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		data, retry, err := c.roundTrip(req)
		if err == nil {
			return data, nil
		}
		if !retry || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	var se *StatusError
	if errors.As(lastErr, &se) {
		return nil, lastErr
	}
	return nil, adapter.Errorf(adapter.ErrUnavailable, "%s %s failed after %d attempts: %v", method, rawURL, c.maxRetries+1, lastErr)
}

// roundTrip performs one attempt and reports whether a failure is worth
// retrying.
func (c *Client) roundTrip(req *http.Request) ([]byte, bool, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("reading reply from %s: %w", req.URL, err)
	}
	if c.verbose {
		c.logger.Debug("http request",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Int("status", resp.StatusCode),
			zap.Int("bytes", len(data)),
			zap.Duration("took", time.Since(start)),
		)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, false, nil
	}
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	se := &StatusError{Code: resp.StatusCode, URL: req.URL.String(), Body: string(bytes.TrimSpace(data))}
	return nil, resp.StatusCode >= 500, se
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
