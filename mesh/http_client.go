package mesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for SWC fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20
)

// FetchOption configures FetchSWCFromURL behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// FetchSWCFromURL downloads an SWC reconstruction and parses it. It retries
// transient failures with exponential backoff.
func FetchSWCFromURL(url, name string, logger *Logger, opts ...FetchOption) (*NeuronSegment, error) {
	return FetchSWCFromURLWithContext(context.Background(), url, name, logger, opts...)
}

// FetchSWCFromURLWithContext is like FetchSWCFromURL but accepts a context for cancellation.
func FetchSWCFromURLWithContext(ctx context.Context, url, name string, logger *Logger, opts ...FetchOption) (*NeuronSegment, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch swc: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch swc: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, url)
		if err != nil {
			if !retryable(err) {
				return nil, fmt.Errorf("fetch swc: %w", err)
			}
			lastErr = err
			continue
		}

		root, err := ParseSWC(bytes.NewReader(body), name, logger)
		if err != nil {
			// Parse errors are not transient; do not retry.
			return nil, fmt.Errorf("fetch swc: %w", err)
		}
		return root, nil
	}

	return nil, fmt.Errorf("fetch swc: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// LoadRemoteReconstructions fetches every configured remote source.
func LoadRemoteReconstructions(ctx context.Context, sources []RemoteSource, logger *Logger, opts ...FetchOption) ([]*Reconstruction, error) {
	out := make([]*Reconstruction, 0, len(sources))
	for _, src := range sources {
		name := src.Name
		if name == "" {
			name = src.URL
		}
		root, err := FetchSWCFromURLWithContext(ctx, src.URL, name, logger, opts...)
		if err != nil {
			return nil, err
		}
		conf := src.Confidence
		if conf == 0 {
			conf = 1
		}
		r, err := NewReconstruction(name, root, conf)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// StatusError is returned for a response other than 200 OK.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP GET %s: status %d", e.URL, e.Code)
}

// retryable reports whether a failed attempt may succeed when repeated.
// Client errors mean the file is missing or refused and are final, except
// for timeouts and rate limiting.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return se.Code < 400 || se.Code >= 500
	}
	return true
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	return body, nil
}
