package scholarsource

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/types"
)

// StealthSource is the fallback fetcher used when the plain HTTP source
// keeps coming back blocked_or_captcha. It drives a real headless
// Chromium tab through go-rod/stealth so the page runs Scholar's own
// JavaScript and lands past the interstitial, at the cost of being far
// slower than HTTPSource. FallbackSource only reaches for this after the
// plain fetch classifies as blocked.
type StealthSource struct {
	browser *rod.Browser
	logger  *slog.Logger
}

// NewStealthSource launches a headless Chromium instance and wraps it in
// go-rod/stealth's anti-detection page constructor.
func NewStealthSource(cfg *config.Config, logger *slog.Logger) (*StealthSource, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox")

	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch stealth browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect stealth browser: %w", err)
	}

	return &StealthSource{
		browser: browser,
		logger:  logger.With("component", "scholarsource_stealth"),
	}, nil
}

// Fetch implements Source by rendering the requested page in a stealth
// tab and returning its final DOM as HTML.
func (s *StealthSource) Fetch(ctx context.Context, params types.FetchParams) types.FetchResult {
	requestedURL := requestURLFor(params)
	return s.render(ctx, requestedURL)
}

func (s *StealthSource) render(ctx context.Context, targetURL string) types.FetchResult {
	page, err := stealth.Page(s.browser)
	if err != nil {
		return types.FetchResult{RequestedURL: targetURL, Error: fmt.Errorf("open stealth page: %w", err)}
	}
	defer page.Close()

	page = page.Context(ctx)
	if err := page.Navigate(targetURL); err != nil {
		return types.FetchResult{RequestedURL: targetURL, Error: fmt.Errorf("navigate %s: %w", targetURL, err)}
	}
	if err := page.WaitLoad(); err != nil {
		return types.FetchResult{RequestedURL: targetURL, Error: fmt.Errorf("wait load %s: %w", targetURL, err)}
	}
	// Scholar's interstitial, when present, resolves within a couple
	// seconds of real JS execution; give it room before reading the DOM.
	time.Sleep(2 * time.Second)

	html, err := page.HTML()
	if err != nil {
		return types.FetchResult{RequestedURL: targetURL, Error: fmt.Errorf("read html %s: %w", targetURL, err)}
	}

	finalURL := targetURL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}

	return types.FetchResult{
		RequestedURL: targetURL,
		StatusCode:   200,
		FinalURL:     finalURL,
		Body:         []byte(html),
	}
}

// Close shuts down the headless browser.
func (s *StealthSource) Close() error {
	return s.browser.Close()
}

var stealthRateLimitBannerRe = regexp.MustCompile(`(?i)unusual traffic|automated queries|prove you.?re not a robot|recaptcha`)

const stealthSignInHost = "accounts.google.com"

// looksBlocked applies the same coarse heuristic C2 uses to classify
// BLOCKED_OR_CAPTCHA, without importing scholarparse: a 429, a rate-limit
// banner in the body, or a sign-in redirect.
func looksBlocked(r types.FetchResult) bool {
	if r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if stealthRateLimitBannerRe.Match(r.Body) {
		return true
	}
	if r.FinalURL == "" {
		return false
	}
	u, err := url.Parse(r.FinalURL)
	if err != nil {
		return false
	}
	return u.Host == stealthSignInHost
}

// FallbackSource tries the plain HTTP source first and only escalates to
// a headless stealth render when the plain fetch looks blocked, so the
// common case stays cheap.
type FallbackSource struct {
	primary *HTTPSource
	stealth *StealthSource
	enabled bool
	logger  *slog.Logger
}

// NewFallbackSource wraps primary with an optional stealth escalation
// path. If stealthSrc is nil or enabled is false, Fetch never escalates.
func NewFallbackSource(primary *HTTPSource, stealthSrc *StealthSource, enabled bool, logger *slog.Logger) *FallbackSource {
	return &FallbackSource{primary: primary, stealth: stealthSrc, enabled: enabled, logger: logger.With("component", "scholarsource_fallback")}
}

// Fetch implements Source.
func (f *FallbackSource) Fetch(ctx context.Context, params types.FetchParams) types.FetchResult {
	result := f.primary.Fetch(ctx, params)
	if !f.enabled || f.stealth == nil {
		return result
	}
	if !looksBlocked(result) {
		return result
	}
	f.logger.Info("escalating to stealth fetch after blocked response", "url", result.RequestedURL)
	return f.stealth.Fetch(ctx, params)
}
