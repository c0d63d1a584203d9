// Package scorer ranks lead candidates against a run's targeting criteria.
package scorer

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/leadrun/internal/model"
)

// MaxScore is the upper bound of every score.
const MaxScore = 100

// Weights holds the points awarded per signal.
type Weights struct {
	IndustryMatch int
	KeywordMatch  int
	LocationMatch int
	MaxRating     int // awarded in proportion to rating/5
	MaxReviews    int // awarded in proportion to min(reviews, ReviewCap)/ReviewCap
	ReviewCap     int
	HasWebsite    int
	HasPhone      int
	HasEmail      int
}

// DefaultWeights returns the production weights. All signals together sum
// to exactly MaxScore.
func DefaultWeights() Weights {
	return Weights{
		IndustryMatch: 30,
		KeywordMatch:  15,
		LocationMatch: 10,
		MaxRating:     20,
		MaxReviews:    15,
		ReviewCap:     200,
		HasWebsite:    5,
		HasPhone:      3,
		HasEmail:      7,
	}
}

// Score computes a candidate's fit with the default weights.
func Score(c model.LeadCandidate, criteria model.TargetingCriteria) (model.ScoreResult, error) {
	return ScoreWith(c, criteria, DefaultWeights())
}

// ScoreWith computes a candidate's fit. It is deterministic and the result
// is always within [0, MaxScore]. A non-finite rating is a ValidationError.
func ScoreWith(c model.LeadCandidate, criteria model.TargetingCriteria, w Weights) (model.ScoreResult, error) {
	if c.Rating != nil && (math.IsNaN(*c.Rating) || math.IsInf(*c.Rating, 0)) {
		return model.ScoreResult{}, model.NewValidationError("rating", "must be a finite number")
	}

	fold := cases.Fold()
	norm := func(s string) string { return strings.TrimSpace(fold.String(s)) }

	industry := norm(criteria.TargetIndustry)
	location := norm(criteria.Location)
	var keywords []string
	for _, k := range criteria.Keywords {
		if k = norm(k); k != "" {
			keywords = append(keywords, k)
		}
	}

	name := norm(c.CompanyName)
	candIndustry := norm(c.Industry)
	candLocation := norm(c.Location)
	website := norm(c.Website)

	signals := model.ScoreSignals{
		Rating:      c.Rating,
		ReviewCount: c.ReviewCount,
		HasWebsite:  strings.TrimSpace(c.Website) != "",
		HasPhone:    c.HasPhone(),
		HasEmail:    strings.TrimSpace(c.Email) != "",
	}
	signals.IndustryMatch = industry != "" &&
		(strings.Contains(candIndustry, industry) || strings.Contains(name, industry))
	signals.LocationMatch = location != "" && strings.Contains(candLocation, location)
	for _, k := range keywords {
		if strings.Contains(name, k) || strings.Contains(candIndustry, k) ||
			strings.Contains(candLocation, k) || strings.Contains(website, k) {
			signals.KeywordMatch = true
			break
		}
	}

	score := 0
	if signals.IndustryMatch {
		score += w.IndustryMatch
	}
	if signals.KeywordMatch {
		score += w.KeywordMatch
	}
	if signals.LocationMatch {
		score += w.LocationMatch
	}
	if c.Rating != nil {
		rating := math.Min(math.Max(*c.Rating, 0), 5)
		score += int(math.Round(rating / 5 * float64(w.MaxRating)))
	}
	if c.ReviewCount != nil && w.ReviewCap > 0 {
		reviews := math.Min(math.Max(float64(*c.ReviewCount), 0), float64(w.ReviewCap))
		score += int(math.Round(reviews / float64(w.ReviewCap) * float64(w.MaxReviews)))
	}
	if signals.HasWebsite {
		score += w.HasWebsite
	}
	if signals.HasPhone {
		score += w.HasPhone
	}
	if signals.HasEmail {
		score += w.HasEmail
	}

	return model.ScoreResult{Score: clamp(score), Signals: signals}, nil
}

func clamp(score int) int {
	return max(0, min(MaxScore, score))
}

// Scored pairs a candidate with its result.
type Scored struct {
	Lead   model.LeadCandidate
	Result model.ScoreResult
}

// Rank scores every candidate and sorts by score descending. Ties keep
// input order. Candidates that already carry a score keep it.
func Rank(leads []model.LeadCandidate, criteria model.TargetingCriteria) ([]Scored, error) {
	out := make([]Scored, 0, len(leads))
	for _, lead := range leads {
		var res model.ScoreResult
		if lead.Score != nil {
			res.Score = clamp(*lead.Score)
			if lead.ScoreSignals != nil {
				res.Signals = *lead.ScoreSignals
			}
		} else {
			var err error
			if res, err = Score(lead, criteria); err != nil {
				return nil, err
			}
		}
		out = append(out, Scored{Lead: lead, Result: res})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Result.Score > out[j].Result.Score })
	return out, nil
}

// Filter splits ranked leads into those at or above minScore and the rest.
func Filter(ranked []Scored, minScore int) (kept, dropped []Scored) {
	for _, s := range ranked {
		if s.Result.Score >= minScore {
			kept = append(kept, s)
		} else {
			dropped = append(dropped, s)
		}
	}
	return kept, dropped
}
