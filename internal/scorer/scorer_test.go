package scorer

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadrun/internal/model"
)

func ptrF(v float64) *float64 { return &v }
func ptrI(v int) *int         { return &v }

func TestScore_HVACScenario(t *testing.T) {
	c := model.LeadCandidate{
		CompanyName: "Lone Star Air",
		Industry:    "HVAC contractors",
		Location:    "Austin, TX",
		Rating:      ptrF(4.6),
		ReviewCount: ptrI(120),
	}
	criteria := model.TargetingCriteria{
		TargetIndustry: "HVAC",
		Keywords:       []string{"contractors", "Austin"},
		Location:       "Austin",
	}

	res, err := Score(c, criteria)
	require.NoError(t, err)
	assert.True(t, res.Signals.IndustryMatch)
	assert.True(t, res.Signals.KeywordMatch)
	assert.True(t, res.Signals.LocationMatch)
	// 30 + 15 + 10 + round(18.4) + round(9)
	assert.Equal(t, 82, res.Score)
	assert.Greater(t, res.Score, 60)
}

func TestScore_NoCriteriaNoData(t *testing.T) {
	res, err := Score(model.LeadCandidate{CompanyName: "Anon"}, model.TargetingCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Score)
	assert.False(t, res.Signals.IndustryMatch)
	assert.False(t, res.Signals.KeywordMatch)
	assert.False(t, res.Signals.LocationMatch)
}

func TestScore_EverythingMaxesAt100(t *testing.T) {
	c := model.LeadCandidate{
		CompanyName: "Austin HVAC Pros",
		Industry:    "HVAC",
		Location:    "Austin",
		Website:     "https://hvac.example",
		Phone:       "555-0100",
		Email:       "owner@hvac.example",
		Rating:      ptrF(5),
		ReviewCount: ptrI(5000),
	}
	criteria := model.TargetingCriteria{TargetIndustry: "hvac", Keywords: []string{"pros"}, Location: "austin"}

	res, err := Score(c, criteria)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
}

func TestScoreWith_ClampsOverweightedTotals(t *testing.T) {
	w := DefaultWeights()
	w.IndustryMatch = 500
	res, err := ScoreWith(model.LeadCandidate{Industry: "dental"}, model.TargetingCriteria{TargetIndustry: "dental"}, w)
	require.NoError(t, err)
	assert.Equal(t, MaxScore, res.Score)

	w = DefaultWeights()
	w.HasEmail = -50
	res, err = ScoreWith(model.LeadCandidate{Email: "a@b.co"}, model.TargetingCriteria{}, w)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Score)
}

func TestScore_OutOfRangeInputsStayBounded(t *testing.T) {
	res, err := Score(model.LeadCandidate{Rating: ptrF(-3), ReviewCount: ptrI(-10)}, model.TargetingCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Score)

	res, err = Score(model.LeadCandidate{Rating: ptrF(99)}, model.TargetingCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Score)
}

func TestScore_NonFiniteRating(t *testing.T) {
	_, err := Score(model.LeadCandidate{Rating: ptrF(math.NaN())}, model.TargetingCriteria{})
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "rating", ve.Field)
}

func TestScore_CaseInsensitiveUnicode(t *testing.T) {
	c := model.LeadCandidate{CompanyName: "STRASSE Bäckerei", Location: "MÜNCHEN"}
	res, err := Score(c, model.TargetingCriteria{Keywords: []string{"straße"}, Location: "münchen"})
	require.NoError(t, err)
	assert.True(t, res.Signals.KeywordMatch)
	assert.True(t, res.Signals.LocationMatch)
}

func TestScore_KeywordSources(t *testing.T) {
	tests := []struct {
		name string
		lead model.LeadCandidate
	}{
		{"company name", model.LeadCandidate{CompanyName: "Acme Roofing"}},
		{"industry", model.LeadCandidate{Industry: "roofing"}},
		{"location", model.LeadCandidate{Location: "Roofing Springs"}},
		{"website", model.LeadCandidate{Website: "https://roofing.example"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Score(tt.lead, model.TargetingCriteria{Keywords: []string{" Roofing ", ""}})
			require.NoError(t, err)
			assert.True(t, res.Signals.KeywordMatch)
		})
	}
}

func TestScore_IndustryMatchesCompanyName(t *testing.T) {
	res, err := Score(model.LeadCandidate{CompanyName: "Smith Plumbing LLC"}, model.TargetingCriteria{TargetIndustry: "plumbing"})
	require.NoError(t, err)
	assert.True(t, res.Signals.IndustryMatch)
	assert.Equal(t, 30, res.Score)
}

func TestScore_Deterministic(t *testing.T) {
	c := model.LeadCandidate{Industry: "HVAC", Rating: ptrF(3.3), ReviewCount: ptrI(77), Phones: []string{"555"}}
	criteria := model.TargetingCriteria{TargetIndustry: "hvac"}
	first, err := Score(c, criteria)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Score(c, criteria)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.True(t, first.Signals.HasPhone)
}

func TestRankAndFilter(t *testing.T) {
	leads := []model.LeadCandidate{
		{ID: "a", CompanyName: "Low"},
		{ID: "b", CompanyName: "HVAC One", Industry: "HVAC"},
		{ID: "c", CompanyName: "Preset", Score: ptrI(150)},
		{ID: "d", CompanyName: "HVAC Two", Industry: "HVAC"},
	}

	ranked, err := Rank(leads, model.TargetingCriteria{TargetIndustry: "hvac"})
	require.NoError(t, err)
	require.Len(t, ranked, 4)
	assert.Equal(t, "c", ranked[0].Lead.ID)
	assert.Equal(t, 100, ranked[0].Result.Score)
	// Equal scores keep input order.
	assert.Equal(t, "b", ranked[1].Lead.ID)
	assert.Equal(t, "d", ranked[2].Lead.ID)
	assert.Equal(t, "a", ranked[3].Lead.ID)

	kept, dropped := Filter(ranked, 30)
	assert.Len(t, kept, 3)
	require.Len(t, dropped, 1)
	assert.Equal(t, "a", dropped[0].Lead.ID)
}
