// Package httpsource adapts a remote HTTP object into a random-access byte
// source for container reads. Ranged GETs let a reader fetch the container
// index and individual payloads without downloading the whole archive.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrRangeUnsupported means the server ignored the Range header.
	// Callers can fall back to a single linear pass via Fetch.
	ErrRangeUnsupported = errors.New("httpsource: server does not support range requests")

	// ErrTransient wraps failures worth retrying: connection errors and
	// 5xx or 429 responses. Reads retry these internally with backoff
	// before giving up.
	ErrTransient = errors.New("httpsource: transient fetch failure")
)

type config struct {
	client     *http.Client
	headers    http.Header
	maxRetries uint64
	maxWait    time.Duration
	logger     *slog.Logger
}

// Option configures a Source.
type Option func(*config)

// WithClient sets the HTTP client. Defaults to one with a 30s timeout.
func WithClient(client *http.Client) Option {
	return func(cfg *config) { cfg.client = client }
}

// WithHeader adds a header to every request, e.g. Authorization.
func WithHeader(key, value string) Option {
	return func(cfg *config) { cfg.headers.Set(key, value) }
}

// WithMaxRetries caps retries of transient failures per read.
func WithMaxRetries(n uint64) Option {
	return func(cfg *config) { cfg.maxRetries = n }
}

// WithLogger sets the logger. Logging is off by default.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = logger }
}

// Source is a read-only view of one remote object. It is safe for
// concurrent use.
type Source struct {
	url  string
	size int64
	cfg  config
}

func newConfig(opts []Option) config {
	cfg := config{
		client:     &http.Client{Timeout: 30 * time.Second},
		headers:    make(http.Header),
		maxRetries: 4,
		maxWait:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return cfg
}

// New probes url with a one-byte range request and returns a Source when
// the server honors ranges. Servers that answer 200 to a ranged request
// get ErrRangeUnsupported; use Get for those.
func New(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{url: url, cfg: newConfig(opts)}
	size, err := s.probe(ctx)
	if err != nil {
		return nil, err
	}
	s.size = size
	return s, nil
}

// probe issues a bytes=0-0 request and extracts the total object size from
// the Content-Range response header.
func (s *Source) probe(ctx context.Context) (int64, error) {
	var size int64
	err := s.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		s.applyHeaders(req)
		req.Header.Set("Range", "bytes=0-0")

		resp, err := s.cfg.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer drainBody(resp)

		switch {
		case resp.StatusCode == http.StatusPartialContent:
			size, err = parseContentRangeTotal(resp.Header.Get("Content-Range"))
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		case resp.StatusCode == http.StatusOK:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrRangeUnsupported, s.url))
		case retryableStatus(resp.StatusCode):
			return fmt.Errorf("%w: probe %s: %s", ErrTransient, s.url, resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("probe %s: unexpected status %s", s.url, resp.Status))
		}
	})
	return size, err
}

// ReadAt fetches p from the remote object at off via a ranged GET.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	return s.readAt(context.Background(), p, off)
}

func (s *Source) readAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("httpsource: negative offset %d", off)
	}
	if off >= s.size || len(p) == 0 {
		if off >= s.size {
			return 0, io.EOF
		}
		return 0, nil
	}
	want := int64(len(p))
	if off+want > s.size {
		want = s.size - off
	}

	var n int
	err := s.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		s.applyHeaders(req)
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+want-1))

		resp, err := s.cfg.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer drainBody(resp)

		switch {
		case resp.StatusCode == http.StatusPartialContent:
		case resp.StatusCode == http.StatusOK:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrRangeUnsupported, s.url))
		case retryableStatus(resp.StatusCode):
			return fmt.Errorf("%w: read %s: %s", ErrTransient, s.url, resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("read %s: unexpected status %s", s.url, resp.Status))
		}

		n, err = io.ReadFull(resp.Body, p[:want])
		if err != nil {
			n = 0
			return fmt.Errorf("%w: short range body: %v", ErrTransient, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// Get streams url with a single plain GET, skipping the range probe. It is
// the fallback path for servers without range support; the caller owns the
// returned body.
func Get(ctx context.Context, url string, opts ...Option) (io.ReadCloser, error) {
	s := &Source{url: url, cfg: newConfig(opts)}
	return s.fetch(ctx)
}

// fetch streams the whole object with a plain GET.
func (s *Source) fetch(ctx context.Context) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		s.applyHeaders(req)

		resp, err := s.cfg.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			body = resp.Body
			return nil
		case retryableStatus(resp.StatusCode):
			drainBody(resp)
			return fmt.Errorf("%w: fetch %s: %s", ErrTransient, s.url, resp.Status)
		default:
			drainBody(resp)
			return backoff.Permanent(fmt.Errorf("fetch %s: unexpected status %s", s.url, resp.Status))
		}
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Size returns the total object size learned from the probe.
func (s *Source) Size() int64 { return s.size }

// SourceID returns the object URL.
func (s *Source) SourceID() string { return s.url }

func (s *Source) applyHeaders(req *http.Request) {
	for key, values := range s.cfg.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

func (s *Source) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = s.cfg.maxWait
	return backoff.Retry(func() error {
		err := op()
		if err != nil && errors.Is(err, ErrTransient) {
			s.cfg.logger.Debug("retrying fetch", "url", s.url, "error", err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, s.cfg.maxRetries), ctx))
}

// retryableStatus reports response codes that tend to clear on retry.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// parseContentRangeTotal extracts the total size from a Content-Range
// header of the form "bytes 0-0/12345".
func parseContentRangeTotal(header string) (int64, error) {
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, fmt.Errorf("httpsource: malformed Content-Range %q", header)
	}
	_, totalStr, ok := strings.Cut(rest, "/")
	if !ok || totalStr == "*" {
		return 0, fmt.Errorf("httpsource: Content-Range %q has no total size", header)
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil || total < 0 {
		return 0, fmt.Errorf("httpsource: Content-Range %q has bad total size", header)
	}
	return total, nil
}

// drainBody consumes and closes a response body so the connection can be
// reused.
func drainBody(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
