// Package backend holds the ScraperContract reference implementations: one
// per backend kind (metered_api, rss, government, company_page,
// browser_driven), plus the supporting HTTP/session/robots/proxy machinery
// they share.
package backend

import (
	"context"

	"github.com/nullvector/scrapectl/internal/types"
)

// ScraperContract is the single capability set every backend kind
// implements. The pool holds instances behind this contract and never
// downcasts to a concrete type; selection policy lives in the orchestrator,
// not in a class hierarchy.
type ScraperContract interface {
	// Scrape runs one scrape call, honoring ctx cancellation promptly. It
	// MUST NOT retain state across calls that would affect correctness of a
	// later, unrelated call.
	Scrape(ctx context.Context, sourceTag string, filters types.Filters, url string) (*types.ScrapeResult, error)

	// Kind returns the backend-kind tag this instance serves.
	Kind() string
}

// Resettable is optionally implemented by a ScraperContract to clear
// per-call state (cookies, cursors, cache handles) between pool checkouts.
type Resettable interface {
	Reset() error
}

// Closeable is optionally implemented to release held resources when a
// pool permanently retires an instance.
type Closeable interface {
	Close() error
}

// Constructor builds a fresh ScraperContract instance for one backend kind.
type Constructor func() (ScraperContract, error)
