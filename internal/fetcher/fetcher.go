// Package fetcher is the network side of the media cache: it turns a URL into
// raw bytes and nothing more. Connection reuse, timeouts and size limits live
// here; retries do not.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

var (
	ErrStatus    = errors.New("unexpected response status")
	ErrEmptyBody = errors.New("empty response body")
	ErrTooLarge  = errors.New("response body too large")
	ErrNotImage  = errors.New("response is not an image")
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, url string) ([]byte, error)

func (f Func) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

type Options struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	Client    *http.Client
}

type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	logger    *zap.Logger
}

func NewHTTPFetcher(opts Options, logger *zap.Logger) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}

	return &HTTPFetcher{
		client:    client,
		maxBytes:  maxBytes,
		userAgent: opts.UserAgent,
		logger:    logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d from %s", ErrStatus, resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body from %s: %w", url, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrTooLarge, f.maxBytes, url)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBody, url)
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: %s from %s", ErrNotImage, mtype.String(), url)
	}

	f.logger.Debug("Fetched media",
		zap.String("url", url),
		zap.Int("bytes", len(data)),
		zap.String("content_type", mtype.String()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return data, nil
}
