package backend

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/nullvector/scrapectl/internal/types"
)

// StructuredDataType identifies the type of structured data.
type StructuredDataType string

const (
	JSONLD      StructuredDataType = "json-ld"
	Microdata   StructuredDataType = "microdata"
	OpenGraph   StructuredDataType = "opengraph"
	TwitterCard StructuredDataType = "twitter_card"
	MetaTags    StructuredDataType = "meta"
)

// StructuredData represents extracted structured data from a page.
type StructuredData struct {
	Type StructuredDataType
	Data map[string]any
	Raw  string
}

// StructuredDataExtractor extracts JSON-LD, Microdata, OpenGraph, and meta
// tags from an HTML document. It never interprets site-specific CSS
// selectors — only the generic structured-data surfaces every page may
// expose.
type StructuredDataExtractor struct {
	logger *slog.Logger
}

func NewStructuredDataExtractor(logger *slog.Logger) *StructuredDataExtractor {
	return &StructuredDataExtractor{logger: logger.With("component", "structured_data")}
}

// Extract finds and parses all structured data in doc.
func (sde *StructuredDataExtractor) Extract(doc *goquery.Document) []StructuredData {
	var results []StructuredData

	results = append(results, sde.extractJSONLD(doc)...)

	if og := sde.extractOpenGraph(doc); len(og.Data) > 0 {
		results = append(results, og)
	}
	if tc := sde.extractTwitterCard(doc); len(tc.Data) > 0 {
		results = append(results, tc)
	}
	results = append(results, sde.extractMicrodata(doc)...)
	if meta := sde.extractMetaTags(doc); len(meta.Data) > 0 {
		results = append(results, meta)
	}

	return results
}

func (sde *StructuredDataExtractor) extractJSONLD(doc *goquery.Document) []StructuredData {
	var results []StructuredData

	doc.Find(`script[type="application/ld+json"]`).Each(func(i int, sel *goquery.Selection) {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return
		}

		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			results = append(results, StructuredData{Type: JSONLD, Data: data, Raw: raw})
			return
		}

		var dataArr []map[string]any
		if err := json.Unmarshal([]byte(raw), &dataArr); err == nil {
			for _, d := range dataArr {
				results = append(results, StructuredData{Type: JSONLD, Data: d, Raw: raw})
			}
		}
	})

	return results
}

func (sde *StructuredDataExtractor) extractOpenGraph(doc *goquery.Document) StructuredData {
	data := make(map[string]any)
	doc.Find(`meta[property^="og:"]`).Each(func(i int, sel *goquery.Selection) {
		property, _ := sel.Attr("property")
		content, _ := sel.Attr("content")
		if property != "" && content != "" {
			data[strings.TrimPrefix(property, "og:")] = content
		}
	})
	return StructuredData{Type: OpenGraph, Data: data}
}

func (sde *StructuredDataExtractor) extractTwitterCard(doc *goquery.Document) StructuredData {
	data := make(map[string]any)
	doc.Find(`meta[name^="twitter:"], meta[property^="twitter:"]`).Each(func(i int, sel *goquery.Selection) {
		name, _ := sel.Attr("name")
		if name == "" {
			name, _ = sel.Attr("property")
		}
		content, _ := sel.Attr("content")
		if name != "" && content != "" {
			data[strings.TrimPrefix(name, "twitter:")] = content
		}
	})
	return StructuredData{Type: TwitterCard, Data: data}
}

func (sde *StructuredDataExtractor) extractMicrodata(doc *goquery.Document) []StructuredData {
	var results []StructuredData

	doc.Find("[itemscope]:not([itemscope] [itemscope])").Each(func(i int, sel *goquery.Selection) {
		data := make(map[string]any)

		if itemType, _ := sel.Attr("itemtype"); itemType != "" {
			data["@type"] = itemType
		}

		sel.Find("[itemprop]").Each(func(j int, prop *goquery.Selection) {
			name, _ := prop.Attr("itemprop")
			if name == "" {
				return
			}
			var value string
			switch {
			case hasAttr(prop, "href"):
				value, _ = prop.Attr("href")
			case hasAttr(prop, "src"):
				value, _ = prop.Attr("src")
			case hasAttr(prop, "content"):
				value, _ = prop.Attr("content")
			case hasAttr(prop, "datetime"):
				value, _ = prop.Attr("datetime")
			default:
				value = strings.TrimSpace(prop.Text())
			}
			if value != "" {
				data[name] = value
			}
		})

		if len(data) > 0 {
			results = append(results, StructuredData{Type: Microdata, Data: data})
		}
	})

	return results
}

func hasAttr(sel *goquery.Selection, name string) bool {
	_, ok := sel.Attr(name)
	return ok
}

func (sde *StructuredDataExtractor) extractMetaTags(doc *goquery.Document) StructuredData {
	data := make(map[string]any)

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		data["title"] = title
	}

	for _, name := range []string{"description", "keywords", "author", "robots"} {
		if content, exists := doc.Find(`meta[name="` + name + `"]`).Attr("content"); exists && content != "" {
			data[name] = content
		}
	}
	if canonical, exists := doc.Find(`link[rel="canonical"]`).Attr("href"); exists && canonical != "" {
		data["canonical"] = canonical
	}

	return StructuredData{Type: MetaTags, Data: data}
}

// jobPostingTypes are the schema.org @type values recognized as a job
// posting JSON-LD block.
var jobPostingTypes = map[string]bool{"JobPosting": true}

// JobRecordFromStructuredData maps the first JSON-LD JobPosting block (plus
// OpenGraph/meta-tag fallbacks) in results into a JobRecord. Returns nil if
// no job-shaped structured data was found.
func JobRecordFromStructuredData(results []StructuredData, sourceTag, sourceURL string) *types.JobRecord {
	var jobLD map[string]any
	var og, meta map[string]any

	for _, sd := range results {
		switch sd.Type {
		case JSONLD:
			if t, _ := sd.Data["@type"].(string); jobLD == nil && jobPostingTypes[t] {
				jobLD = sd.Data
			}
		case OpenGraph:
			og = sd.Data
		case MetaTags:
			meta = sd.Data
		}
	}

	if jobLD == nil && og == nil {
		return nil
	}

	rec := &types.JobRecord{Source: sourceTag, SourceURL: sourceURL, Metadata: make(map[string]any)}

	if jobLD != nil {
		rec.Title, _ = jobLD["title"].(string)
		rec.Description, _ = jobLD["description"].(string)

		if org, ok := jobLD["hiringOrganization"].(map[string]any); ok {
			rec.Company.Name, _ = org["name"].(string)
			rec.Company.Domain, _ = org["sameAs"].(string)
		}

		if loc, ok := jobLD["jobLocation"].(map[string]any); ok {
			if addr, ok := loc["address"].(map[string]any); ok {
				parts := []string{}
				for _, k := range []string{"addressLocality", "addressRegion", "addressCountry"} {
					if v, _ := addr[k].(string); v != "" {
						parts = append(parts, v)
					}
				}
				rec.Location = strings.Join(parts, ", ")
			}
		}

		if salary, ok := jobLD["baseSalary"].(map[string]any); ok {
			if val, ok := salary["value"].(map[string]any); ok {
				rec.SalaryMin = toFloat(val["minValue"])
				rec.SalaryMax = toFloat(val["maxValue"])
			}
		}

		if t, _ := jobLD["employmentType"].(string); t != "" {
			rec.JobType = strings.ToLower(t)
		}

		if posted, _ := jobLD["datePosted"].(string); posted != "" {
			if ts, err := time.Parse("2006-01-02", posted); err == nil {
				rec.PostedAt = ts
			} else if ts, err := time.Parse(time.RFC3339, posted); err == nil {
				rec.PostedAt = ts
			}
		}
	}

	if rec.Title == "" && og != nil {
		if title, _ := og["title"].(string); title != "" {
			rec.Title = title
		}
	}
	if rec.Description == "" && og != nil {
		if desc, _ := og["description"].(string); desc != "" {
			rec.Description = desc
		}
	}
	if rec.Description == "" && meta != nil {
		if desc, _ := meta["description"].(string); desc != "" {
			rec.Description = desc
		}
	}

	rec.DeriveID()
	return rec
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
