package engine

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"moltjobs/internal/domain"
	"moltjobs/internal/repo"
)

const (
	maxTitle        = 200
	minTitle        = 3
	maxDescription  = 5000
	minDescription  = 10
	maxRequirements = 3000
	maxCompensation = 500
	maxJobSkills    = 20
	maxSkillLen     = 50
	maxSubmolt      = 100
	maxMessage      = 3000
	maxAgentSkills  = 30

	defaultSubmolt = "general"
)

func checkLen(v *domain.ValidationError, field, value string, min, max int) {
	n := utf8.RuneCountInString(value)
	switch {
	case n < min:
		v.Add(field, fmt.Sprintf("must be at least %d characters", min))
	case n > max:
		v.Add(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

func checkSkills(v *domain.ValidationError, field string, skills []string, max int) {
	if len(skills) > max {
		v.Add(field, fmt.Sprintf("must have at most %d entries", max))
		return
	}
	for i, s := range skills {
		if utf8.RuneCountInString(s) > maxSkillLen {
			v.Add(fmt.Sprintf("%s[%d]", field, i), fmt.Sprintf("must be at most %d characters", maxSkillLen))
		}
	}
}

func validateSkills(skills []string) error {
	var v domain.ValidationError
	checkSkills(&v, "skills", skills, maxAgentSkills)
	return v.Err()
}

// normalizeExpiry parses an RFC 3339 timestamp into the stored layout.
func normalizeExpiry(v *domain.ValidationError, raw string) string {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		v.Add("expires_at", "must be an RFC 3339 timestamp")
		return ""
	}
	return domain.FormatTime(t)
}

// SearchQuery is the loosely typed job search accepted from HTTP, MCP and the
// CLI. Skills is comma separated.
type SearchQuery struct {
	Status  string
	Type    string
	Submolt string
	Skills  string
	Q       string
	Sort    string
	Limit   int
	Offset  int
}

// ParseSearch validates q and turns it into a store search. An empty status
// means open; "all" searches every status.
func ParseSearch(q SearchQuery) (repo.JobSearch, error) {
	var v domain.ValidationError
	s := repo.JobSearch{
		Submolt: strings.TrimSpace(q.Submolt),
		Skills:  SplitSkills(q.Skills),
		Q:       strings.TrimSpace(q.Q),
		Limit:   q.Limit,
		Offset:  q.Offset,
	}
	switch status := strings.TrimSpace(q.Status); status {
	case "":
		s.Status = domain.JobStatusOpen
	case "all":
	default:
		s.Status = domain.JobStatus(status)
		if !s.Status.Valid() {
			v.Add("status", "must be one of open, closed, filled, cancelled, all")
		}
	}
	if t := strings.TrimSpace(q.Type); t != "" {
		s.Type = domain.JobType(t)
		if !s.Type.Valid() {
			v.Add("type", "must be one of contract, collaboration, bounty, full-time")
		}
	}
	switch sort := domain.JobSort(strings.TrimSpace(q.Sort)); sort {
	case "":
		s.Sort = domain.SortNewest
	case domain.SortNewest, domain.SortOldest, domain.SortMostApplications:
		s.Sort = sort
	default:
		v.Add("sort", "must be one of newest, oldest, most_applications")
	}
	if q.Limit < 0 || q.Limit > repo.MaxSearchLimit {
		v.Add("limit", fmt.Sprintf("must be between 1 and %d", repo.MaxSearchLimit))
	}
	if q.Offset < 0 {
		v.Add("offset", "must not be negative")
	}
	if err := v.Err(); err != nil {
		return repo.JobSearch{}, err
	}
	return repo.NormalizeSearch(s), nil
}

// SplitSkills splits a comma separated skill list, dropping blanks.
func SplitSkills(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
