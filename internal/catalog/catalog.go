// Package catalog is the external movie/TV catalog client (TMDB). Category
// listings feed the category cache; single-item lookups back request
// validation.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/store"
)

const (
	defaultBaseURL  = "https://api.themoviedb.org/3"
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 4 << 20
)

// Known category names per media type.
var movieCategories = map[string]string{
	"popular":     "/movie/popular",
	"upcoming":    "/movie/upcoming",
	"now_playing": "/movie/now_playing",
	"top_rated":   "/movie/top_rated",
}

var tvCategories = map[string]string{
	"popular":    "/tv/popular",
	"top_rated":  "/tv/top_rated",
	"on_the_air": "/tv/on_the_air",
}

// Client talks to the catalog API.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// New builds a catalog client. An empty baseURL uses the public API.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "catalog request failed", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return apperr.New(apperr.KindNotFound, "catalog item not found")
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.KindUpstream, "catalog returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.KindUpstream, "catalog returned a malformed response", err)
	}
	return nil
}

// Item is one catalog entry, normalized across movies and TV.
type Item struct {
	TmdbID      int64   `json:"tmdbId"`
	Title       string  `json:"title"`
	Overview    string  `json:"overview"`
	PosterPath  *string `json:"posterPath,omitempty"`
	ReleaseDate *string `json:"releaseDate,omitempty"`
	VoteAverage float64 `json:"voteAverage"`
}

type rawItem struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	Overview     string  `json:"overview"`
	PosterPath   *string `json:"poster_path"`
	ReleaseDate  *string `json:"release_date"`
	FirstAirDate *string `json:"first_air_date"`
	VoteAverage  float64 `json:"vote_average"`
}

func (r rawItem) normalize() Item {
	item := Item{
		TmdbID:      r.ID,
		Title:       r.Title,
		Overview:    r.Overview,
		PosterPath:  r.PosterPath,
		ReleaseDate: r.ReleaseDate,
		VoteAverage: r.VoteAverage,
	}
	if item.Title == "" {
		item.Title = r.Name
	}
	if item.ReleaseDate == nil {
		item.ReleaseDate = r.FirstAirDate
	}
	return item
}

// Page is one page of a category listing.
type Page struct {
	Page       int    `json:"page"`
	TotalPages int    `json:"totalPages"`
	Items      []Item `json:"items"`
}

// CategoryPath resolves a category name for a media type; false when unknown.
func CategoryPath(mediaType store.MediaType, category string) (string, bool) {
	if mediaType == store.MediaTypeMovie {
		p, ok := movieCategories[category]
		return p, ok
	}
	p, ok := tvCategories[category]
	return p, ok
}

// Categories lists the known category names for a media type.
func Categories(mediaType store.MediaType) []string {
	src := movieCategories
	if mediaType == store.MediaTypeTV {
		src = tvCategories
	}
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	return names
}

// CategoryPage fetches one page of a category listing.
func (c *Client) CategoryPage(ctx context.Context, mediaType store.MediaType, category string, page int) (*Page, error) {
	path, ok := CategoryPath(mediaType, category)
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unknown category %q for %s", category, mediaType)
	}
	var raw struct {
		Page       int       `json:"page"`
		TotalPages int       `json:"total_pages"`
		Results    []rawItem `json:"results"`
	}
	if err := c.get(ctx, path, url.Values{"page": {strconv.Itoa(page)}}, &raw); err != nil {
		return nil, err
	}
	out := &Page{Page: raw.Page, TotalPages: raw.TotalPages, Items: make([]Item, 0, len(raw.Results))}
	for _, r := range raw.Results {
		out.Items = append(out.Items, r.normalize())
	}
	return out, nil
}

// Details carries the metadata the request service copies onto a new request.
type Details struct {
	Item
	NumberOfSeasons int `json:"numberOfSeasons,omitempty"`
}

// GetDetails fetches a single title by TMDB id.
func (c *Client) GetDetails(ctx context.Context, mediaType store.MediaType, tmdbID int64) (*Details, error) {
	path := fmt.Sprintf("/movie/%d", tmdbID)
	if mediaType == store.MediaTypeTV {
		path = fmt.Sprintf("/tv/%d", tmdbID)
	}
	var raw struct {
		rawItem
		NumberOfSeasons int `json:"number_of_seasons"`
	}
	if err := c.get(ctx, path, nil, &raw); err != nil {
		return nil, err
	}
	return &Details{Item: raw.normalize(), NumberOfSeasons: raw.NumberOfSeasons}, nil
}

// Search queries the catalog across movies or TV.
func (c *Client) Search(ctx context.Context, mediaType store.MediaType, query string, page int) (*Page, error) {
	path := "/search/movie"
	if mediaType == store.MediaTypeTV {
		path = "/search/tv"
	}
	var raw struct {
		Page       int       `json:"page"`
		TotalPages int       `json:"total_pages"`
		Results    []rawItem `json:"results"`
	}
	q := url.Values{"query": {query}, "page": {strconv.Itoa(page)}}
	if err := c.get(ctx, path, q, &raw); err != nil {
		return nil, err
	}
	out := &Page{Page: raw.Page, TotalPages: raw.TotalPages, Items: make([]Item, 0, len(raw.Results))}
	for _, r := range raw.Results {
		out.Items = append(out.Items, r.normalize())
	}
	return out, nil
}
