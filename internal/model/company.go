package model

import (
	"regexp"
	"strings"
	"time"
)

// CompanyStatus represents the lifecycle state of a portfolio company.
// Companies are never deleted, only status-transitioned.
type CompanyStatus string

const (
	CompanyActive     CompanyStatus = "active"
	CompanyInactive   CompanyStatus = "inactive"
	CompanyExited     CompanyStatus = "exited"
	CompanyWrittenOff CompanyStatus = "written_off"
)

// ValidCompanyStatus reports whether s is a known status value.
func ValidCompanyStatus(s CompanyStatus) bool {
	switch s {
	case CompanyActive, CompanyInactive, CompanyExited, CompanyWrittenOff:
		return true
	}
	return false
}

// Company is a portfolio company, the root of the canonical ledger.
// The ID is a stable slug and immutable once created.
type Company struct {
	ID        string        `json:"id"`
	LegalName string        `json:"legal_name"`
	AKA       string        `json:"aka,omitempty"`
	Website   string        `json:"website,omitempty"`
	Status    CompanyStatus `json:"status"`
	Lineage   Lineage       `json:"lineage"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

var (
	corpSuffixRe  = regexp.MustCompile(`(?i)\b(llc|inc|corp|corporation|ltd|limited|co|company)\b\.?`)
	nonWordRe     = regexp.MustCompile(`[^\w\s-]`)
	spaceRunRe    = regexp.MustCompile(`\s+`)
	slugSepRunRe  = regexp.MustCompile(`[-\s]+`)
	websiteHostRe = regexp.MustCompile(`(?i)^(?:https?://)?(?:www\.)?([^/]+)`)
)

// NormalizeCompanyName reduces a legal name to a matching key: lowercase,
// corporate suffixes and punctuation stripped, whitespace collapsed.
func NormalizeCompanyName(name string) string {
	name = corpSuffixRe.ReplaceAllString(name, "")
	name = nonWordRe.ReplaceAllString(name, "")
	name = spaceRunRe.ReplaceAllString(name, " ")
	return strings.ToLower(strings.TrimSpace(name))
}

// Slugify derives a stable company id from a display name.
func Slugify(name string) string {
	s := nonWordRe.ReplaceAllString(strings.ToLower(name), "")
	s = slugSepRunRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// WebsiteDomain extracts the bare domain from a website URL for
// sender-domain matching.
func WebsiteDomain(website string) string {
	m := websiteHostRe.FindStringSubmatch(strings.TrimSpace(website))
	if len(m) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

// CompanySummary is one row of the derived per-company read view.
type CompanySummary struct {
	CompanyID        string  `json:"company_id"`
	LegalName        string  `json:"legal_name"`
	Status           string  `json:"status"`
	LatestOwnership  *string `json:"latest_ownership_pct,omitempty"`
	TotalInvested    string  `json:"total_invested"`
	TotalDistributed string  `json:"total_distributed"`
	DaysSinceUpdate  *int    `json:"days_since_last_update,omitempty"`
}
