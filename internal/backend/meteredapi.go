package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nullvector/scrapectl/internal/config"
	"github.com/nullvector/scrapectl/internal/types"
)

// MeteredAPIBackend implements ScraperContract for the metered_api backend
// kind: a SerpAPI-style Google Jobs search endpoint. By the time Scrape is
// called the orchestrator has already cleared the call through C3
// (tryAcquire) — this backend's only job is the HTTP round-trip and
// response-shape mapping.
type MeteredAPIBackend struct {
	client   *http.Client
	endpoint string
	apiKey   string
	logger   *slog.Logger
}

// NewMeteredAPIBackend builds a MeteredAPIBackend from quota config.
func NewMeteredAPIBackend(cfg *config.Config, logger *slog.Logger) *MeteredAPIBackend {
	return &MeteredAPIBackend{
		client:   &http.Client{Timeout: cfg.Orchestrator.HTTPRequestTimeout},
		endpoint: cfg.Quota.Endpoint,
		apiKey:   cfg.Quota.APIKey,
		logger:   logger.With("component", "metered_api_backend"),
	}
}

func (b *MeteredAPIBackend) Kind() string { return types.SourceMeteredAPI }

func (b *MeteredAPIBackend) Reset() error { return nil }

func (b *MeteredAPIBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// googleJobsResponse is the subset of a SerpAPI google_jobs response this
// backend maps into JobRecords.
type googleJobsResponse struct {
	JobsResults []struct {
		Title         string `json:"title"`
		Company       string `json:"company_name"`
		Location      string `json:"location"`
		Description   string `json:"description"`
		Via           string `json:"via"`
		ShareLink     string `json:"share_link"`
		DetectedExtensions struct {
			PostedAt   string `json:"posted_at"`
			Schedule   string `json:"schedule_type"`
			SalaryText string `json:"salary"`
		} `json:"detected_extensions"`
		JobID string `json:"job_id"`
	} `json:"jobs_results"`
	Error string `json:"error"`
}

// Scrape queries the metered API for sourceTag's terms and maps the results
// to JobRecords. url, when non-empty, is treated as a query override;
// otherwise the filter keywords build the query.
func (b *MeteredAPIBackend) Scrape(ctx context.Context, sourceTag string, filters types.Filters, rawURL string) (*types.ScrapeResult, error) {
	query := rawURL
	if query == "" {
		query = strings.Join(filters.Keywords, " ")
	}
	if query == "" {
		query = sourceTag
	}

	params := url.Values{
		"engine":  {"google_jobs"},
		"q":       {query},
		"api_key": {b.apiKey},
	}
	if filters.Location != "" {
		params.Set("location", filters.Location)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &types.FetchError{URL: b.endpoint, Err: err, Retryable: false}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &types.FetchError{URL: b.endpoint, Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &types.FetchError{URL: b.endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("metered API rate limited"), Retryable: true, Blocked: true}
	}
	if resp.StatusCode >= 500 {
		return nil, &types.FetchError{URL: b.endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("metered API HTTP %d", resp.StatusCode), Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &types.FetchError{URL: b.endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("metered API HTTP %d", resp.StatusCode), Retryable: false}
	}

	var parsed googleJobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &types.ParseError{URL: b.endpoint, Err: err}
	}
	if parsed.Error != "" {
		return nil, &types.ParseError{URL: b.endpoint, Err: fmt.Errorf("metered API error: %s", parsed.Error)}
	}

	records := make([]types.JobRecord, 0, len(parsed.JobsResults))
	for _, jr := range parsed.JobsResults {
		rec := types.JobRecord{
			Source:      sourceTag,
			SourceURL:   firstNonEmpty(jr.ShareLink, b.endpoint+"#"+jr.JobID),
			Title:       jr.Title,
			Description: jr.Description,
			Location:    jr.Location,
			JobType:     strings.ToLower(jr.DetectedExtensions.Schedule),
		}
		rec.Company.Name = jr.Company
		if salaryMin, salaryMax, ok := parseSalaryRange(jr.DetectedExtensions.SalaryText); ok {
			rec.SalaryMin = salaryMin
			rec.SalaryMax = salaryMax
		}
		if ts, err := parseFeedDate(jr.DetectedExtensions.PostedAt); err == nil {
			rec.PostedAt = ts
		}
		rec.DeriveID()
		records = append(records, rec)
	}

	b.logger.Debug("metered API scrape complete", "query", query, "results", len(records))
	return &types.ScrapeResult{Records: records}, nil
}

// parseSalaryRange extracts a "$50,000 - $70,000 a year" style string into
// a min/max pair; returns ok=false when no numeric range is present.
func parseSalaryRange(text string) (min, max float64, ok bool) {
	text = strings.ReplaceAll(text, "$", "")
	text = strings.ReplaceAll(text, ",", "")
	parts := strings.SplitN(text, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	minFields := strings.Fields(parts[0])
	maxFields := strings.Fields(parts[1])
	if len(minFields) == 0 || len(maxFields) == 0 {
		return 0, 0, false
	}
	minVal, err1 := strconv.ParseFloat(strings.TrimSpace(minFields[0]), 64)
	maxVal, err2 := strconv.ParseFloat(strings.TrimSpace(maxFields[0]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return minVal, maxVal, true
}
