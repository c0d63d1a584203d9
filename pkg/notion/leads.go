package notion

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadrun/internal/model"
)

// Lead statuses in the queue database's Status column.
const (
	StatusQueued    = "Queued"
	StatusContacted = "Contacted"
	StatusFailed    = "Failed"
)

// Column names read from a lead page.
const (
	propName           = "Name"
	propFounder        = "Founder"
	propEmail          = "Email"
	propPhone          = "Phone"
	propWebsite        = "Website"
	propURL            = "URL"
	propLocation       = "Location"
	propIndustry       = "Industry"
	propRating         = "Rating"
	propReviews        = "Reviews"
	propBusinessStatus = "Business Status"
	propStatus         = "Status"
)

// maxQueryPages bounds pagination of a single query.
const maxQueryPages = 100

// QueryAll fetches every page of a database query, following cursors.
func QueryAll(ctx context.Context, c Client, dbID string, base *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor
	for i := 0; i < maxQueryPages; i++ {
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
		if base != nil {
			req.Filter = base.Filter
			req.Sorts = base.Sorts
			req.PageSize = base.PageSize
		}
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all")
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		cursor = resp.NextCursor
	}
	return all, eris.Errorf("notion: query %s exceeded %d pages", dbID, maxQueryPages)
}

// QueuedLeads returns the candidates whose Status is Queued, oldest first.
func QueuedLeads(ctx context.Context, c Client, dbID string) ([]model.LeadCandidate, error) {
	pages, err := QueryAll(ctx, c, dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: propStatus,
			Status:   &notionapi.StatusFilterCondition{Equals: StatusQueued},
		},
		Sorts: []notionapi.SortObject{
			{Timestamp: notionapi.TimestampCreated, Direction: notionapi.SortOrderASC},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "notion: query queued leads")
	}
	out := make([]model.LeadCandidate, 0, len(pages))
	for i := range pages {
		lead := PageToLead(pages[i])
		if lead.CompanyName == "" {
			continue
		}
		out = append(out, lead)
	}
	return out, nil
}

// MarkLead sets the Status column of a lead page.
func MarkLead(ctx context.Context, c Client, pageID, status string) error {
	_, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			propStatus: notionapi.StatusProperty{
				Type:   notionapi.PropertyTypeStatus,
				Status: notionapi.Status{Name: status},
			},
		},
	})
	if err != nil {
		return eris.Wrapf(err, "notion: mark lead %s %s", pageID, status)
	}
	return nil
}

// PageToLead maps a queue page onto a lead candidate. Missing columns are
// left empty.
func PageToLead(p notionapi.Page) model.LeadCandidate {
	props := p.Properties
	lead := model.LeadCandidate{
		ID:             string(p.ID),
		Source:         model.LeadSourceNotion,
		CompanyName:    textOf(props[propName]),
		FounderName:    textOf(props[propFounder]),
		Email:          textOf(props[propEmail]),
		Phone:          textOf(props[propPhone]),
		Website:        textOf(props[propWebsite]),
		Location:       textOf(props[propLocation]),
		Industry:       textOf(props[propIndustry]),
		BusinessStatus: textOf(props[propBusinessStatus]),
	}
	if lead.Website == "" {
		lead.Website = textOf(props[propURL])
	}
	if r, ok := numberOf(props[propRating]); ok {
		lead.Rating = &r
	}
	if n, ok := numberOf(props[propReviews]); ok {
		count := int(n)
		lead.ReviewCount = &count
	}
	return lead
}

func plain(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, t := range rt {
		switch {
		case t.PlainText != "":
			b.WriteString(t.PlainText)
		case t.Text != nil:
			b.WriteString(t.Text.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

func textOf(p notionapi.Property) string {
	switch v := p.(type) {
	case *notionapi.TitleProperty:
		return plain(v.Title)
	case *notionapi.RichTextProperty:
		return plain(v.RichText)
	case *notionapi.EmailProperty:
		return strings.TrimSpace(v.Email)
	case *notionapi.PhoneNumberProperty:
		return strings.TrimSpace(v.PhoneNumber)
	case *notionapi.URLProperty:
		return strings.TrimSpace(v.URL)
	case *notionapi.SelectProperty:
		return v.Select.Name
	case *notionapi.StatusProperty:
		return v.Status.Name
	}
	return ""
}

func numberOf(p notionapi.Property) (float64, bool) {
	if v, ok := p.(*notionapi.NumberProperty); ok {
		return v.Number, true
	}
	return 0, false
}
