package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Company is the nested company sub-record on a JobRecord.
type Company struct {
	Name    string `json:"name"`
	Domain  string `json:"domain,omitempty"`
	Size    string `json:"size,omitempty"`
	Industry string `json:"industry,omitempty"`
}

// JobRecord is the output unit published downstream. The orchestrator treats
// it opaquely except to deduplicate on ID.
type JobRecord struct {
	ID               string         `json:"id"`
	Source           string         `json:"source"`
	SourceURL        string         `json:"source_url"`
	Title            string         `json:"title"`
	Company          Company        `json:"company"`
	Location         string         `json:"location,omitempty"`
	Description      string         `json:"description,omitempty"`
	SalaryMin        float64        `json:"salary_min,omitempty"`
	SalaryMax        float64        `json:"salary_max,omitempty"`
	JobType          string         `json:"job_type,omitempty"`
	ExperienceLevel  string         `json:"experience_level,omitempty"`
	RemoteType       string         `json:"remote_type,omitempty"`
	PostedAt         time.Time      `json:"posted_at,omitempty"`
	Skills           []string       `json:"skills,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// DeriveID assigns a deterministic id (hash of source+url, falling back to
// source+title+company when no url is present) if one is not already set.
// This runs before dedup so that every record, regardless of which backend
// produced it, carries a stable id.
func (j *JobRecord) DeriveID() {
	if j.ID != "" {
		return
	}
	h := sha256.New()
	if j.SourceURL != "" {
		h.Write([]byte(strings.ToLower(j.Source)))
		h.Write([]byte("|"))
		h.Write([]byte(strings.ToLower(j.SourceURL)))
	} else {
		h.Write([]byte(strings.ToLower(j.Source)))
		h.Write([]byte("|"))
		h.Write([]byte(strings.ToLower(j.Title)))
		h.Write([]byte("|"))
		h.Write([]byte(strings.ToLower(j.Company.Name)))
	}
	j.ID = hex.EncodeToString(h.Sum(nil))[:32]
}

// MergeUnion merges other into j as the "union-merge" rule for hybrid task
// results: first-writer wins per scalar field, except slice fields which
// union by value.
func (j *JobRecord) MergeUnion(other *JobRecord) {
	if other == nil {
		return
	}
	if j.Title == "" {
		j.Title = other.Title
	}
	if j.Company.Name == "" {
		j.Company = other.Company
	}
	if j.Location == "" {
		j.Location = other.Location
	}
	if j.Description == "" {
		j.Description = other.Description
	}
	if j.SalaryMin == 0 {
		j.SalaryMin = other.SalaryMin
	}
	if j.SalaryMax == 0 {
		j.SalaryMax = other.SalaryMax
	}
	if j.JobType == "" {
		j.JobType = other.JobType
	}
	if j.ExperienceLevel == "" {
		j.ExperienceLevel = other.ExperienceLevel
	}
	if j.RemoteType == "" {
		j.RemoteType = other.RemoteType
	}
	if j.PostedAt.IsZero() {
		j.PostedAt = other.PostedAt
	}
	j.Skills = unionStrings(j.Skills, other.Skills)
	if j.Metadata == nil {
		j.Metadata = make(map[string]any, len(other.Metadata))
	}
	for k, v := range other.Metadata {
		if _, ok := j.Metadata[k]; !ok {
			j.Metadata[k] = v
		}
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// CompanyRecord is an optional companion record some backends emit alongside
// job records (company metadata discovered incidentally during a scrape).
type CompanyRecord struct {
	Name     string `json:"name"`
	Domain   string `json:"domain,omitempty"`
	Industry string `json:"industry,omitempty"`
	Size     string `json:"size,omitempty"`
}
