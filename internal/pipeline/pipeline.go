// Package pipeline normalizes raw JobRecords extracted by backends into the
// uniform shape published downstream.
package pipeline

import (
	"log/slog"

	"github.com/nullvector/scrapectl/internal/types"
)

// Middleware processes a JobRecord and returns the (possibly modified)
// record. Return nil to drop the record from the pipeline.
type Middleware interface {
	Name() string
	Process(record *types.JobRecord) (*types.JobRecord, error)
}

// Pipeline chains middleware processors together.
type Pipeline struct {
	middlewares []Middleware
	logger      *slog.Logger
}

// New creates a new Pipeline.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger.With("component", "pipeline"),
	}
}

// Use adds a middleware to the pipeline chain.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
	p.logger.Debug("middleware added", "name", mw.Name(), "position", len(p.middlewares))
}

// Process runs the record through all middleware in order.
func (p *Pipeline) Process(record *types.JobRecord) (*types.JobRecord, error) {
	current := record

	for _, mw := range p.middlewares {
		result, err := mw.Process(current)
		if err != nil {
			return nil, &types.PipelineError{Stage: mw.Name(), Err: err}
		}
		if result == nil {
			p.logger.Debug("record dropped", "stage", mw.Name(), "source_url", record.SourceURL)
			return nil, nil
		}
		current = result
	}

	return current, nil
}

// Len returns the number of middleware in the chain.
func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

// --- Built-in Middleware ---

// RequiredFieldsMiddleware drops records missing a title or company name —
// the minimum needed for a record to be meaningful downstream.
type RequiredFieldsMiddleware struct{}

func (m *RequiredFieldsMiddleware) Name() string { return "required_fields" }

func (m *RequiredFieldsMiddleware) Process(record *types.JobRecord) (*types.JobRecord, error) {
	if record.Title == "" || record.Company.Name == "" {
		return nil, nil
	}
	return record, nil
}

// TrimMiddleware trims whitespace from the free-text string fields.
type TrimMiddleware struct{}

func (m *TrimMiddleware) Name() string { return "trim" }

func (m *TrimMiddleware) Process(record *types.JobRecord) (*types.JobRecord, error) {
	record.Title = trimSpace(record.Title)
	record.Location = trimSpace(record.Location)
	record.Description = trimSpace(record.Description)
	record.Company.Name = trimSpace(record.Company.Name)
	return record, nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// DefaultValueMiddleware fills in a default job type and remote type when
// a backend didn't populate them.
type DefaultValueMiddleware struct {
	JobType    string
	RemoteType string
}

func (m *DefaultValueMiddleware) Name() string { return "default_values" }

func (m *DefaultValueMiddleware) Process(record *types.JobRecord) (*types.JobRecord, error) {
	if record.JobType == "" {
		record.JobType = m.JobType
	}
	if record.RemoteType == "" {
		record.RemoteType = m.RemoteType
	}
	return record, nil
}
