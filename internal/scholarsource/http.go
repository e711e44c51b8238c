package scholarsource

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/types"
)

// HTTPSource fetches Scholar pages over plain net/http. It handles its
// own decompression (including brotli, which Go's transport cannot) and
// never lets a transport error escape Fetch: it is reported inside the
// returned FetchResult's Error field, per the Source contract.
type HTTPSource struct {
	client     *http.Client
	cfg        *config.FetcherConfig
	logger     *slog.Logger
	userAgents []string
	uaIndex    atomic.Int64
}

// NewHTTPSource builds an HTTPSource from the fetcher configuration.
func NewHTTPSource(cfg *config.Config, logger *slog.Logger) (*HTTPSource, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.Fetcher.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Fetcher.MaxIdleConns / 2,
		IdleConnTimeout:     cfg.Fetcher.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{},
		DisableCompression:  true,
	}

	redirectPolicy := func(req *http.Request, via []*http.Request) error {
		if !cfg.Fetcher.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= cfg.Fetcher.MaxRedirects {
			return fmt.Errorf("max redirects (%d) reached", cfg.Fetcher.MaxRedirects)
		}
		return nil
	}

	timeout := cfg.Fetcher.RequestTimeout
	if timeout < cfg.Fetcher.MinRequestTimeout {
		timeout = cfg.Fetcher.MinRequestTimeout
	}

	client := &http.Client{
		Transport:     transport,
		Jar:           jar,
		Timeout:       timeout,
		CheckRedirect: redirectPolicy,
	}

	return &HTTPSource{
		client:     client,
		cfg:        &cfg.Fetcher,
		logger:     logger.With("component", "scholarsource_http"),
		userAgents: cfg.Fetcher.UserAgents,
	}, nil
}

// Fetch implements Source, dispatching to the profile-page or
// author-search request shape per params.Kind.
func (s *HTTPSource) Fetch(ctx context.Context, params types.FetchParams) types.FetchResult {
	requestedURL := requestURLFor(params)
	return s.fetch(ctx, requestedURL)
}

func (s *HTTPSource) fetch(ctx context.Context, requestedURL string) types.FetchResult {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestedURL, nil)
	if err != nil {
		return types.FetchResult{RequestedURL: requestedURL, Error: &types.FetchError{URL: requestedURL, Err: err, Retryable: false}}
	}

	httpReq.Header.Set("User-Agent", s.nextUserAgent())
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	httpReq.Header.Set("Connection", "keep-alive")
	if s.cfg.ContactMailto != "" {
		httpReq.Header.Set("From", s.cfg.ContactMailto)
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return types.FetchResult{
			RequestedURL: requestedURL,
			Error: &types.FetchError{
				URL:       requestedURL,
				Err:       err,
				Retryable: isRetryableError(err),
			},
		}
	}
	defer httpResp.Body.Close()

	finalURL := requestedURL
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL.String()
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return types.FetchResult{
			RequestedURL: requestedURL,
			StatusCode:   httpResp.StatusCode,
			FinalURL:     finalURL,
			Body:         body,
			Error: &types.FetchError{
				URL:        requestedURL,
				StatusCode: httpResp.StatusCode,
				Err:        fmt.Errorf("HTTP 429: rate limited: %s", strings.TrimSpace(string(body))),
				Retryable:  true,
				RetryAfter: retryAfter,
			},
		}
	}

	if httpResp.StatusCode >= 500 {
		// Server errors are transient transport failures, not pages:
		// report them with no status code so the parser classifies
		// NETWORK_ERROR and the paged fetcher's retry/backoff owns them.
		return types.FetchResult{
			RequestedURL: requestedURL,
			FinalURL:     finalURL,
			Error: &types.FetchError{
				URL:        requestedURL,
				StatusCode: httpResp.StatusCode,
				Err:        fmt.Errorf("HTTP %d: server error", httpResp.StatusCode),
				Retryable:  true,
			},
		}
	}

	var reader io.Reader = httpResp.Body
	if s.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, s.cfg.MaxBodySize)
	}

	reader, err = decompressReader(httpResp, reader)
	if err != nil {
		return types.FetchResult{RequestedURL: requestedURL, StatusCode: httpResp.StatusCode, FinalURL: finalURL, Error: &types.FetchError{URL: requestedURL, Err: err, Retryable: false}}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return types.FetchResult{RequestedURL: requestedURL, StatusCode: httpResp.StatusCode, FinalURL: finalURL, Error: &types.FetchError{URL: requestedURL, Err: err, Retryable: true}}
	}

	s.logger.Debug("fetch complete", "url", requestedURL, "status", httpResp.StatusCode, "size", len(body))

	return types.FetchResult{
		RequestedURL: requestedURL,
		StatusCode:   httpResp.StatusCode,
		FinalURL:     finalURL,
		Body:         body,
	}
}

// Close releases idle connections.
func (s *HTTPSource) Close() {
	s.client.CloseIdleConnections()
}

func (s *HTTPSource) nextUserAgent() string {
	if len(s.userAgents) == 0 {
		return "Mozilla/5.0 (compatible; ingestcore/1.0)"
	}
	idx := s.uaIndex.Add(1) % int64(len(s.userAgents))
	return s.userAgents[idx]
}

func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) || errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 5 * time.Second
}
