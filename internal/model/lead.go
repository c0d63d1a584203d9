package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// LeadSource identifies where a lead candidate was discovered.
type LeadSource string

const (
	LeadSourceGooglePlaces LeadSource = "googlePlaces"
	LeadSourceFirestore    LeadSource = "firestore"
	LeadSourceApifyMaps    LeadSource = "apifyMaps"
	LeadSourceNotion       LeadSource = "notion"
	LeadSourceFile         LeadSource = "file"
)

// Valid reports whether s is a known lead source.
func (s LeadSource) Valid() bool {
	switch s {
	case LeadSourceGooglePlaces, LeadSourceFirestore, LeadSourceApifyMaps, LeadSourceNotion, LeadSourceFile:
		return true
	}
	return false
}

// LeadCandidate is a discovered business lead. It is treated as immutable
// once fetched; derived data lives next to it on the run's lead entry.
type LeadCandidate struct {
	ID             string        `json:"id" yaml:"id"`
	Source         LeadSource    `json:"source" yaml:"source"`
	CompanyName    string        `json:"company_name" yaml:"company_name"`
	FounderName    string        `json:"founder_name,omitempty" yaml:"founder_name"`
	Email          string        `json:"email,omitempty" yaml:"email"`
	Phone          string        `json:"phone,omitempty" yaml:"phone"`
	Phones         []string      `json:"phones,omitempty" yaml:"phones"`
	Website        string        `json:"website,omitempty" yaml:"website"`
	Location       string        `json:"location,omitempty" yaml:"location"`
	Industry       string        `json:"industry,omitempty" yaml:"industry"`
	Rating         *float64      `json:"rating,omitempty" yaml:"rating"`
	ReviewCount    *int          `json:"review_count,omitempty" yaml:"review_count"`
	BusinessStatus string        `json:"business_status,omitempty" yaml:"business_status"`
	Enriched       bool          `json:"enriched,omitempty" yaml:"enriched"`
	Score          *int          `json:"score,omitempty" yaml:"score"`
	ScoreSignals   *ScoreSignals `json:"score_signals,omitempty" yaml:"score_signals"`
}

// HasPhone reports whether any phone number is on file.
func (c LeadCandidate) HasPhone() bool {
	if c.Phone != "" {
		return true
	}
	for _, p := range c.Phones {
		if p != "" {
			return true
		}
	}
	return false
}

// TargetingCriteria describes what the current run is looking for.
type TargetingCriteria struct {
	TargetIndustry string   `json:"target_industry,omitempty" yaml:"target_industry"`
	Keywords       []string `json:"keywords,omitempty" yaml:"keywords"`
	Location       string   `json:"location,omitempty" yaml:"location"`
}

// ScoreSignals explains how a score was reached.
type ScoreSignals struct {
	IndustryMatch bool     `json:"industry_match"`
	KeywordMatch  bool     `json:"keyword_match"`
	LocationMatch bool     `json:"location_match"`
	Rating        *float64 `json:"rating,omitempty"`
	ReviewCount   *int     `json:"review_count,omitempty"`
	HasWebsite    bool     `json:"has_website"`
	HasPhone      bool     `json:"has_phone"`
	HasEmail      bool     `json:"has_email"`
}

// ScoreResult is a lead's fit score in [0, 100] with its signals.
type ScoreResult struct {
	Score   int          `json:"score"`
	Signals ScoreSignals `json:"signals"`
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// MaxIDLength caps sanitized document ids.
const MaxIDLength = 120

// SanitizeID replaces characters outside [a-zA-Z0-9_-] with underscores and
// truncates to MaxIDLength. Empty input yields fallback.
func SanitizeID(raw, fallback string) string {
	clean := unsafeIDChars.ReplaceAllString(raw, "_")
	if len(clean) > MaxIDLength {
		clean = clean[:MaxIDLength]
	}
	if clean == "" {
		return fallback
	}
	return clean
}

// LeadDocID builds the stable per-run document id for a lead. Ids that
// sanitizing or truncation had to alter get a short hash of the raw id
// appended, so "a.b" and "a_b" stay distinct.
func LeadDocID(source LeadSource, id string) string {
	raw := string(source) + "-" + id
	clean := SanitizeID(raw, "lead")
	if clean == raw {
		return clean
	}
	sum := sha256.Sum256([]byte(raw))
	suffix := "-" + hex.EncodeToString(sum[:4])
	if len(clean)+len(suffix) > MaxIDLength {
		clean = clean[:MaxIDLength-len(suffix)]
	}
	return clean + suffix
}
