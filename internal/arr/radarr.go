package arr

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Radarr is the movie download manager client.
type Radarr struct {
	*Client
}

// NewRadarr builds a Radarr client.
func NewRadarr(baseURL, apiKey string) *Radarr {
	return &Radarr{Client: NewClient("Radarr", baseURL, apiKey)}
}

// NewRadarrWithTimeout builds a Radarr client with an explicit per-call
// timeout; zero defers to the caller's context deadline.
func NewRadarrWithTimeout(baseURL, apiKey string, timeout time.Duration) *Radarr {
	return &Radarr{Client: NewClientWithTimeout("Radarr", baseURL, apiKey, timeout)}
}

// Movie is the subset of a Radarr movie record the service consumes.
type Movie struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	TmdbID  int64  `json:"tmdbId"`
	HasFile bool   `json:"hasFile"`
}

// GetMovieByTmdbID finds an existing movie by TMDB id. Returns nil when the
// movie is not in Radarr yet.
func (r *Radarr) GetMovieByTmdbID(ctx context.Context, tmdbID int64) (*Movie, error) {
	var movies []Movie
	err := r.Get(ctx, "/movie", url.Values{"tmdbId": {strconv.FormatInt(tmdbID, 10)}}, &movies)
	if err != nil {
		return nil, err
	}
	if len(movies) == 0 {
		return nil, nil
	}
	return &movies[0], nil
}

// ListMovies enumerates every movie Radarr manages.
func (r *Radarr) ListMovies(ctx context.Context) ([]Movie, error) {
	var movies []Movie
	if err := r.Get(ctx, "/movie", nil, &movies); err != nil {
		return nil, err
	}
	return movies, nil
}

// lookupMovie is the richer record the lookup endpoint returns; it carries
// the metadata the add payload needs.
type lookupMovie struct {
	Title            string `json:"title"`
	TmdbID           int64  `json:"tmdbId"`
	Year             int    `json:"year"`
	TitleSlug        string `json:"titleSlug"`
	Images           []any  `json:"images"`
	QualityProfileID int64  `json:"qualityProfileId"`
}

// AddMovieInput configures an add call.
type AddMovieInput struct {
	TmdbID              int64
	QualityProfileID    int
	RootFolderPath      string
	MinimumAvailability string
	Tags                []int64
	SearchNow           bool
}

// AddMovie looks up the movie and posts the add payload. Returns the Radarr
// id of the created record.
func (r *Radarr) AddMovie(ctx context.Context, in AddMovieInput) (int64, error) {
	term := fmt.Sprintf("tmdb:%d", in.TmdbID)
	var results []lookupMovie
	if err := r.Get(ctx, "/movie/lookup", url.Values{"term": {term}}, &results); err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("tmdb id %d not found in Radarr lookup", in.TmdbID)
	}
	found := results[0]

	payload := map[string]any{
		"title":               found.Title,
		"tmdbId":              found.TmdbID,
		"year":                found.Year,
		"titleSlug":           found.TitleSlug,
		"images":              found.Images,
		"qualityProfileId":    in.QualityProfileID,
		"rootFolderPath":      in.RootFolderPath,
		"minimumAvailability": in.MinimumAvailability,
		"monitored":           true,
		"tags":                in.Tags,
		"addOptions": map[string]any{
			"searchForMovie": in.SearchNow,
		},
	}
	var created Movie
	if err := r.Post(ctx, "/movie", payload, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}
