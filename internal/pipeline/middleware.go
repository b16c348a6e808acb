package pipeline

import (
	"html"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nullvector/scrapectl/internal/types"
)

// --- Advanced Middleware ---

// HTMLSanitizeMiddleware strips HTML tags and decodes entities in the
// description field — company pages and government portals routinely emit
// raw HTML in listing bodies.
type HTMLSanitizeMiddleware struct {
	stripRe *regexp.Regexp
}

func NewHTMLSanitizeMiddleware() *HTMLSanitizeMiddleware {
	return &HTMLSanitizeMiddleware{stripRe: regexp.MustCompile(`<[^>]*>`)}
}

func (m *HTMLSanitizeMiddleware) Name() string { return "html_sanitize" }

func (m *HTMLSanitizeMiddleware) Process(record *types.JobRecord) (*types.JobRecord, error) {
	if record.Description == "" {
		return record, nil
	}
	cleaned := m.stripRe.ReplaceAllString(record.Description, "")
	cleaned = html.UnescapeString(cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	record.Description = cleaned
	return record, nil
}

// CurrencyNormalizeMiddleware swaps salary fields so SalaryMin never
// exceeds SalaryMax — some feeds publish them swapped.
type CurrencyNormalizeMiddleware struct{}

func (m *CurrencyNormalizeMiddleware) Name() string { return "currency_normalize" }

func (m *CurrencyNormalizeMiddleware) Process(record *types.JobRecord) (*types.JobRecord, error) {
	if record.SalaryMin > 0 && record.SalaryMax > 0 && record.SalaryMin > record.SalaryMax {
		record.SalaryMin, record.SalaryMax = record.SalaryMax, record.SalaryMin
	}
	return record, nil
}

// PIIRedactMiddleware detects and redacts personally identifiable
// information accidentally captured in a record's description.
type PIIRedactMiddleware struct {
	patterns map[string]*regexp.Regexp
	logger   *slog.Logger
}

func NewPIIRedactMiddleware(logger *slog.Logger) *PIIRedactMiddleware {
	return &PIIRedactMiddleware{
		patterns: map[string]*regexp.Regexp{
			"email":    regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			"phone_us": regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
			"ssn":      regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		},
		logger: logger.With("component", "pii_redact"),
	}
}

func (m *PIIRedactMiddleware) Name() string { return "pii_redact" }

func (m *PIIRedactMiddleware) Process(record *types.JobRecord) (*types.JobRecord, error) {
	s := record.Description
	if s == "" {
		return record, nil
	}
	for piiType, re := range m.patterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, "[REDACTED_"+strings.ToUpper(piiType)+"]")
			m.logger.Debug("PII redacted", "field", "description", "type", piiType)
		}
	}
	record.Description = s
	return record, nil
}

// SkillsNormalizeMiddleware lowercases and de-duplicates the skills slice.
type SkillsNormalizeMiddleware struct{}

func (m *SkillsNormalizeMiddleware) Name() string { return "skills_normalize" }

func (m *SkillsNormalizeMiddleware) Process(record *types.JobRecord) (*types.JobRecord, error) {
	if len(record.Skills) == 0 {
		return record, nil
	}
	seen := make(map[string]struct{}, len(record.Skills))
	out := make([]string, 0, len(record.Skills))
	for _, s := range record.Skills {
		norm := strings.ToLower(strings.TrimSpace(s))
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	record.Skills = out
	return record, nil
}
