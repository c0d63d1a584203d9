package google

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadrun/internal/resilience"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

// searchFieldMask lists the place fields a lead needs.
var searchFieldMask = []string{
	"places.id",
	"places.displayName",
	"places.formattedAddress",
	"places.nationalPhoneNumber",
	"places.websiteUri",
	"places.rating",
	"places.userRatingCount",
	"places.businessStatus",
	"places.primaryTypeDisplayName",
	"nextPageToken",
}

// Client performs Google Places API operations.
type Client interface {
	SearchText(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// SearchRequest is a Places Text Search query. PageToken continues a
// previous search.
type SearchRequest struct {
	TextQuery    string  `json:"textQuery"`
	PageSize     int     `json:"pageSize,omitempty"`
	PageToken    string  `json:"pageToken,omitempty"`
	IncludedType string  `json:"includedType,omitempty"`
	LanguageCode string  `json:"languageCode,omitempty"`
	RegionCode   string  `json:"regionCode,omitempty"`
	OpenNow      bool    `json:"openNow,omitempty"`
	MinRating    float64 `json:"minRating,omitempty"`
}

// SearchResponse is one page of Text Search results.
type SearchResponse struct {
	Places        []Place `json:"places"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

// Place represents a place returned by the API.
type Place struct {
	ID                     string       `json:"id"`
	DisplayName            DisplayName  `json:"displayName"`
	FormattedAddress       string       `json:"formattedAddress,omitempty"`
	NationalPhoneNumber    string       `json:"nationalPhoneNumber,omitempty"`
	WebsiteURI             string       `json:"websiteUri,omitempty"`
	Rating                 float64      `json:"rating,omitempty"`
	UserRatingCount        int          `json:"userRatingCount,omitempty"`
	BusinessStatus         string       `json:"businessStatus,omitempty"`
	PrimaryTypeDisplayName *DisplayName `json:"primaryTypeDisplayName,omitempty"`
}

// DisplayName holds a localized text value.
type DisplayName struct {
	Text string `json:"text"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Google Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchText(ctx context.Context, sr SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(sr.TextQuery) == "" {
		return nil, eris.New("google: empty text query")
	}
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, eris.Wrap(err, "google: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", strings.Join(searchFieldMask, ","))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "google: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "google: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("google: unexpected status %d: %s", resp.StatusCode, string(respBody))
		return nil, resilience.FromHTTPResponse(err, resp.StatusCode, resp.Header, time.Now())
	}

	var result SearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "google: unmarshal response")
	}

	return &result, nil
}
