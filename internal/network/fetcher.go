// internal/network/fetcher.go
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// maxArtifactSize caps a downloaded document.
const maxArtifactSize = 64 << 20

// ErrEmptyArtifact is returned when the portal answers with an empty body.
var ErrEmptyArtifact = errors.New("artifact response is empty")

// FetchRequest describes one authenticated download.
type FetchRequest struct {
	URL     string
	Referer string
	// Cookies are the browser's cookies for URL; they carry the portal login.
	Cookies   []*http.Cookie
	UserAgent string
	// Proxy routes the download through the same relay as the browser, so
	// the portal sees one client address per session.
	Proxy string
}

// Fetcher downloads documents with the browser's credentials.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]byte, error)
}

// ArtifactFetcher is the HTTP implementation of Fetcher.
type ArtifactFetcher struct {
	config  *ClientConfig
	client  *Client
	logger  *zap.Logger
	retries int
	timeout time.Duration
	backoff func() backoff.BackOff
}

var _ Fetcher = (*ArtifactFetcher)(nil)

// NewArtifactFetcher creates a fetcher from config (nil means defaults).
// retries is the number of additional attempts after the first one fails
// with a transient error.
func NewArtifactFetcher(config *ClientConfig, timeout time.Duration, retries int, logger *zap.Logger) *ArtifactFetcher {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	if retries < 0 {
		retries = 0
	}
	return &ArtifactFetcher{
		config:  config,
		client:  NewClient(config),
		logger:  logger.Named("fetcher"),
		retries: retries,
		timeout: timeout,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// Fetch downloads req.URL. Server errors and transport failures are retried;
// client errors are not.
func (f *ArtifactFetcher) Fetch(ctx context.Context, req FetchRequest) ([]byte, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid artifact url %q: %w", req.URL, err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	jar.SetCookies(target, req.Cookies)

	base := f.client
	if req.Proxy != "" {
		proxyURL, err := url.Parse(req.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		cfg := *f.config
		cfg.ProxyURL = proxyURL
		base = NewClient(&cfg)
		defer base.CloseIdleConnections()
	}
	client := *base.Client
	client.Jar = jar

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		b, err := f.fetchOnce(ctx, &client, target, req)
		if err != nil {
			f.logger.Warn("Artifact fetch failed.",
				zap.String("url", target.Redacted()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		body = b
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(f.backoff(), uint64(f.retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	f.logger.Debug("Artifact fetched.", zap.String("url", target.Redacted()), zap.Int("bytes", len(body)))
	return body, nil
}

func (f *ArtifactFetcher) fetchOnce(ctx context.Context, client *http.Client, target *url.URL, req FetchRequest) ([]byte, error) {
	reqCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	httpReq.Header.Set("Accept", "application/pdf,*/*")

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("artifact server returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("artifact server returned %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact body: %w", err)
	}
	if len(body) == 0 {
		return nil, ErrEmptyArtifact
	}
	return body, nil
}
