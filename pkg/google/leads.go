package google

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/resilience"
)

// maxPageSize is the largest page the Text Search API returns.
const maxPageSize = 20

// SearchLeads runs a Text Search and converts up to limit places into lead
// candidates, following page tokens as needed. Places without a name are
// dropped. A limit of zero or less means one page. Throttled or failing
// pages are retried with the default policy.
func SearchLeads(ctx context.Context, c Client, query string, limit int) ([]model.LeadCandidate, error) {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("google_places", "search_text")
	return searchLeads(ctx, c, query, limit, retry)
}

func searchLeads(ctx context.Context, c Client, query string, limit int, retry resilience.RetryConfig) ([]model.LeadCandidate, error) {
	if limit <= 0 {
		limit = maxPageSize
	}

	var leads []model.LeadCandidate
	req := SearchRequest{TextQuery: query}
	for {
		req.PageSize = min(limit-len(leads), maxPageSize)
		resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*SearchResponse, error) {
			return c.SearchText(ctx, req)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "google: search leads %q", query)
		}
		for _, p := range resp.Places {
			lead, ok := PlaceToLead(p)
			if !ok {
				continue
			}
			leads = append(leads, lead)
			if len(leads) >= limit {
				return leads, nil
			}
		}
		if resp.NextPageToken == "" || len(resp.Places) == 0 {
			return leads, nil
		}
		req.PageToken = resp.NextPageToken
	}
}

// PlaceToLead maps a place onto a lead candidate. It reports false when the
// place has no display name.
func PlaceToLead(p Place) (model.LeadCandidate, bool) {
	if p.DisplayName.Text == "" {
		return model.LeadCandidate{}, false
	}
	lead := model.LeadCandidate{
		ID:             p.ID,
		Source:         model.LeadSourceGooglePlaces,
		CompanyName:    p.DisplayName.Text,
		Phone:          p.NationalPhoneNumber,
		Website:        p.WebsiteURI,
		Location:       p.FormattedAddress,
		BusinessStatus: p.BusinessStatus,
	}
	if p.PrimaryTypeDisplayName != nil {
		lead.Industry = p.PrimaryTypeDisplayName.Text
	}
	if p.UserRatingCount > 0 {
		rating := p.Rating
		count := p.UserRatingCount
		lead.Rating = &rating
		lead.ReviewCount = &count
	}
	return lead, true
}
