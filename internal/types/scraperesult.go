package types

// ScrapeResult is the return value of a ScraperContract's scrape call.
type ScrapeResult struct {
	Records   []JobRecord
	Companies []CompanyRecord
	Meta      map[string]any
}
