package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/nullvector/scrapectl/internal/config"
	"github.com/nullvector/scrapectl/internal/types"
)

// BrowserBackend implements ScraperContract for the browser_driven backend
// kind: a headless Chromium instance via go-rod, stealth-patched via
// go-rod/stealth, driving JS-rendered listing pages that HTTPBackend's plain
// GET cannot render.
type BrowserBackend struct {
	browser    *rod.Browser
	stealthCfg *StealthConfig
	proxyMgr   *ProxyManager
	solver     CAPTCHASolver
	extractor  *StructuredDataExtractor
	deadline   time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	pagePool chan *rod.Page
	maxPages int
}

// NewBrowserBackend launches a headless Chromium instance and returns a
// ready BrowserBackend. sharedProxyMgr, when non-nil, is reused so proxy
// rotation triggered by the health monitor (§4.8) applies here too.
func NewBrowserBackend(cfg *config.Config, logger *slog.Logger, sharedProxyMgr *ProxyManager) (*BrowserBackend, error) {
	bb := &BrowserBackend{
		stealthCfg: DefaultStealthConfig(),
		solver:     NoopCAPTCHASolver{},
		extractor:  NewStructuredDataExtractor(logger),
		deadline:   cfg.Orchestrator.HTTPRequestTimeout,
		logger:     logger.With("component", "browser_backend"),
		maxPages:   cfg.Orchestrator.ScraperPoolSizes[types.SourceBrowserDriven],
	}
	if bb.maxPages <= 0 {
		bb.maxPages = 2
	}

	bb.proxyMgr = sharedProxyMgr
	if bb.proxyMgr == nil && cfg.Proxy.Enabled && len(cfg.Proxy.URLs) > 0 {
		bb.proxyMgr = NewProxyManager(&cfg.Proxy, logger)
	}

	launchURL, err := bb.launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	bb.browser = browser
	bb.pagePool = make(chan *rod.Page, bb.maxPages)

	bb.logger.Info("browser backend ready", "max_pages", bb.maxPages)
	return bb, nil
}

func (bb *BrowserBackend) launch() (string, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-blink-features", "AutomationControlled")

	if bb.proxyMgr != nil {
		if proxyURL := bb.proxyMgr.Next(); proxyURL != nil {
			l = l.Proxy(proxyURL.String())
		}
	}
	if bb.stealthCfg.UserDataDir != "" {
		l = l.UserDataDir(bb.stealthCfg.UserDataDir)
	}
	if bb.stealthCfg.WindowSize != "" {
		l = l.Set("window-size", bb.stealthCfg.WindowSize)
	}

	return l.Launch()
}

func (bb *BrowserBackend) Kind() string { return types.SourceBrowserDriven }

// Reset is a no-op: putPage already navigates each page back to
// about:blank when it returns it to the pool, and the browser process is
// kept running.
func (bb *BrowserBackend) Reset() error { return nil }

func (bb *BrowserBackend) Close() error {
	close(bb.pagePool)
	for page := range bb.pagePool {
		_ = page.Close()
	}
	if bb.browser != nil {
		return bb.browser.Close()
	}
	return nil
}

// Scrape renders url in a stealth-patched headless tab and extracts
// structured job data from the fully rendered DOM.
func (bb *BrowserBackend) Scrape(ctx context.Context, sourceTag string, filters types.Filters, url string) (*types.ScrapeResult, error) {
	page, err := bb.getPage()
	if err != nil {
		return nil, &types.FetchError{URL: url, Err: err, Retryable: true}
	}
	defer bb.putPage(page)

	stealthPage, err := stealth.Page(bb.browser)
	if err != nil {
		return nil, &types.FetchError{URL: url, Err: fmt.Errorf("stealth page: %w", err), Retryable: true}
	}
	page = stealthPage.Context(ctx)

	if err := page.Timeout(bb.deadline).Navigate(url); err != nil {
		return nil, &types.FetchError{URL: url, Err: err, Retryable: true}
	}
	if err := page.Timeout(bb.deadline).WaitStable(300 * time.Millisecond); err != nil {
		bb.logger.Warn("page stability timeout, continuing", "url", url, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, &types.FetchError{URL: url, Err: err, Retryable: true}
	}

	if captchaType, siteKey := DetectCAPTCHA(html); captchaType != "" {
		if _, err := bb.solver.Solve(ctx, CAPTCHARequest{Type: captchaType, SiteKey: siteKey, SiteURL: url}); err != nil {
			return nil, &types.FetchError{URL: url, Err: fmt.Errorf("captcha challenge: %w", err), Retryable: false, Blocked: true}
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &types.ParseError{URL: url, Err: err}
	}

	structured := bb.extractor.Extract(doc)
	rec := JobRecordFromStructuredData(structured, sourceTag, url)
	if rec == nil {
		return &types.ScrapeResult{}, nil
	}
	return &types.ScrapeResult{Records: []types.JobRecord{*rec}}, nil
}

func (bb *BrowserBackend) getPage() (*rod.Page, error) {
	select {
	case page := <-bb.pagePool:
		return page, nil
	default:
		return bb.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
}

func (bb *BrowserBackend) putPage(page *rod.Page) {
	_ = page.Navigate("about:blank")
	select {
	case bb.pagePool <- page:
	default:
		_ = page.Close()
	}
}
