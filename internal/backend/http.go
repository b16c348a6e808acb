package backend

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/publicsuffix"

	"github.com/nullvector/scrapectl/internal/config"
	"github.com/nullvector/scrapectl/internal/types"
)

// HTTPBackend implements ScraperContract for the rss, company_page, and
// government backend kinds: a plain HTTP GET followed by either XML/RSS
// item extraction or HTML structured-data extraction, depending on kind.
type HTTPBackend struct {
	kind   string
	client *http.Client
	cfg    *config.FetcherConfig
	proxyMgr *ProxyManager
	robots *RobotsManager
	logger *slog.Logger

	extractor  *StructuredDataExtractor
	userAgents []string
	uaIndex    atomic.Int64
}

// NewHTTPBackend builds an HTTPBackend for kind ("rss", "company_page", or
// "government"), sharing one underlying transport/cookie-jar configuration.
// sharedProxyMgr, when non-nil, is reused across every backend instance so
// the health monitor's proxy-rotation corrective action (§4.8) affects
// every in-flight backend rather than a per-instance copy; when nil and
// proxying is enabled, a private ProxyManager is constructed instead.
func NewHTTPBackend(kind string, cfg *config.Config, logger *slog.Logger, sharedProxyMgr *ProxyManager) (*HTTPBackend, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
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
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Fetcher.TLSInsecure,
		},
		DisableCompression: true,
	}

	proxyMgr := sharedProxyMgr
	if proxyMgr == nil && cfg.Proxy.Enabled && len(cfg.Proxy.URLs) > 0 {
		proxyMgr = NewProxyManager(&cfg.Proxy, logger)
	}
	if proxyMgr != nil {
		transport.Proxy = proxyMgr.ProxyFunc()
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

	client := &http.Client{
		Transport:     transport,
		Jar:           jar,
		Timeout:       cfg.Orchestrator.HTTPRequestTimeout,
		CheckRedirect: redirectPolicy,
	}

	return &HTTPBackend{
		kind:       kind,
		client:     client,
		cfg:        &cfg.Fetcher,
		proxyMgr:   proxyMgr,
		robots:     NewRobotsManager(cfg.Fetcher.RespectRobots),
		logger:     logger.With("component", "http_backend", "kind", kind),
		extractor:  NewStructuredDataExtractor(logger),
		userAgents: cfg.Fetcher.UserAgents,
	}, nil
}

func (b *HTTPBackend) Kind() string { return b.kind }

// Reset is a no-op: the instance's cookie jar is intentionally retained across
// checkouts so per-domain session state (rate-limit cookies, CSRF tokens)
// survives a pool round-trip.
func (b *HTTPBackend) Reset() error { return nil }

func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// Scrape fetches url and, depending on kind, parses it as an RSS/Atom feed
// or an HTML page carrying structured job data.
func (b *HTTPBackend) Scrape(ctx context.Context, sourceTag string, filters types.Filters, url string) (*types.ScrapeResult, error) {
	body, contentType, err := b.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	if b.kind == types.SourceRSS || looksLikeFeed(contentType, body) {
		records, err := b.parseFeed(sourceTag, url, body)
		if err != nil {
			return nil, &types.ParseError{URL: url, Err: err}
		}
		return &types.ScrapeResult{Records: records}, nil
	}

	return b.parseHTML(sourceTag, url, body)
}

func looksLikeFeed(contentType string, body []byte) bool {
	if strings.Contains(contentType, "rss") || strings.Contains(contentType, "atom") || strings.Contains(contentType, "xml") {
		return true
	}
	head := strings.TrimSpace(string(body[:min(len(body), 256)]))
	return strings.HasPrefix(head, "<?xml") || strings.Contains(head, "<rss") || strings.Contains(head, "<feed")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (b *HTTPBackend) parseFeed(sourceTag, sourceURL string, body []byte) ([]types.JobRecord, error) {
	doc, err := htmlquery.ParseWithOptions(strings.NewReader(string(body)), htmlquery.ParseOption{Decoder: &htmlquery.DecoderOption{}})
	if err != nil {
		return nil, fmt.Errorf("parse feed xml: %w", err)
	}

	items := htmlquery.Find(doc, "//item|//entry")
	records := make([]types.JobRecord, 0, len(items))

	for _, item := range items {
		title := textOf(htmlquery.FindOne(item, "./title"))
		link := textOf(htmlquery.FindOne(item, "./link"))
		if link == "" {
			if linkNode := htmlquery.FindOne(item, "./link/@href"); linkNode != nil {
				link = htmlquery.InnerText(linkNode)
			}
		}
		description := textOf(htmlquery.FindOne(item, "./description"))
		if description == "" {
			description = textOf(htmlquery.FindOne(item, "./summary"))
		}
		pubDate := textOf(htmlquery.FindOne(item, "./pubDate"))
		if pubDate == "" {
			pubDate = textOf(htmlquery.FindOne(item, "./published"))
		}

		if title == "" {
			continue
		}

		rec := types.JobRecord{
			Source:      sourceTag,
			SourceURL:   firstNonEmpty(link, sourceURL),
			Title:       title,
			Description: description,
		}
		if ts, err := parseFeedDate(pubDate); err == nil {
			rec.PostedAt = ts
		}
		rec.DeriveID()
		records = append(records, rec)
	}

	return records, nil
}

func textOf(n *htmlquery.Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(n))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var feedDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
}

func parseFeedDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range feedDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("empty date")
	}
	return time.Time{}, lastErr
}

func (b *HTTPBackend) parseHTML(sourceTag, sourceURL string, body []byte) (*types.ScrapeResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, &types.ParseError{URL: sourceURL, Err: err}
	}

	structured := b.extractor.Extract(doc)
	rec := JobRecordFromStructuredData(structured, sourceTag, sourceURL)
	if rec == nil {
		return &types.ScrapeResult{}, nil
	}
	return &types.ScrapeResult{Records: []types.JobRecord{*rec}}, nil
}

// fetch performs one HTTP GET, applying UA rotation, retryable-error
// classification, 429/5xx handling, and content-encoding negotiation.
func (b *HTTPBackend) fetch(ctx context.Context, url string) ([]byte, string, error) {
	if b.robots != nil && !b.robots.IsAllowed(url) {
		return nil, "", &types.FetchError{URL: url, Err: fmt.Errorf("disallowed by robots.txt"), Retryable: false}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &types.FetchError{URL: url, Err: err, Retryable: false}
	}

	httpReq.Header.Set("User-Agent", b.nextUserAgent())
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	httpReq.Header.Set("Connection", "keep-alive")

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, "", &types.FetchError{URL: url, Err: err, Retryable: isRetryableError(err)}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, "", &types.FetchError{
			URL:        url,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP 429: rate limited (retry after %s): %s", retryAfter, strings.TrimSpace(string(snippet))),
			Retryable:  true,
			Blocked:    true,
			RetryAfter: retryAfter,
		}
	}

	if httpResp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return nil, "", &types.FetchError{
			URL:        url,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(snippet)),
			Retryable:  true,
		}
	}

	if httpResp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, "", &types.FetchError{
			URL:        url,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(snippet)),
			Retryable:  false,
		}
	}

	var reader io.Reader = httpResp.Body
	if b.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, b.cfg.MaxBodySize)
	}

	reader, err = decompressReader(httpResp, reader)
	if err != nil {
		return nil, "", &types.FetchError{URL: url, Err: err, Retryable: false}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", &types.FetchError{URL: url, Err: err, Retryable: true}
	}

	b.logger.Debug("fetch complete", "url", url, "status", httpResp.StatusCode, "size", len(body))
	return body, httpResp.Header.Get("Content-Type"), nil
}

func (b *HTTPBackend) nextUserAgent() string {
	if len(b.userAgents) == 0 {
		return "scrapectl/" + config.Version
	}
	idx := b.uaIndex.Add(1) % int64(len(b.userAgents))
	return b.userAgents[idx]
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
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
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

// RandomDelay returns a random delay around base (+/-25%), used for
// injecting jitter between sequential requests from the same backend.
func RandomDelay(base time.Duration) time.Duration {
	jitter := float64(base) * 0.25
	return base + time.Duration(rand.Float64()*2*jitter-jitter)
}
