package arr

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Sonarr is the series download manager client.
type Sonarr struct {
	*Client
}

// NewSonarr builds a Sonarr client.
func NewSonarr(baseURL, apiKey string) *Sonarr {
	return &Sonarr{Client: NewClient("Sonarr", baseURL, apiKey)}
}

// NewSonarrWithTimeout builds a Sonarr client with an explicit per-call
// timeout; zero defers to the caller's context deadline.
func NewSonarrWithTimeout(baseURL, apiKey string, timeout time.Duration) *Sonarr {
	return &Sonarr{Client: NewClientWithTimeout("Sonarr", baseURL, apiKey, timeout)}
}

// Monitor types for the series add payload.
const (
	MonitorAll              = "all"
	MonitorSpecificSeasons  = "specificSeasons"
	MonitorSpecificEpisodes = "specificEpisodes"
)

// Series is the subset of a Sonarr series record the service consumes.
type Series struct {
	ID         int64            `json:"id"`
	Title      string           `json:"title"`
	TvdbID     int64            `json:"tvdbId"`
	TmdbID     int64            `json:"tmdbId"`
	Statistics SeriesStatistics `json:"statistics"`
	Seasons    []Season         `json:"seasons"`
}

// SeriesStatistics carries the downloaded-file counters.
type SeriesStatistics struct {
	EpisodeFileCount int `json:"episodeFileCount"`
	EpisodeCount     int `json:"episodeCount"`
}

// Season is one season entry on a series record.
type Season struct {
	SeasonNumber int  `json:"seasonNumber"`
	Monitored    bool `json:"monitored"`
}

// ListSeries enumerates every series Sonarr manages.
func (s *Sonarr) ListSeries(ctx context.Context) ([]Series, error) {
	var series []Series
	if err := s.Get(ctx, "/series", nil, &series); err != nil {
		return nil, err
	}
	return series, nil
}

// GetSeriesByTmdbID scans the series list for a TMDB id match. Sonarr keys on
// TVDB ids, so the list endpoint is the reliable path. Returns nil when not
// managed yet.
func (s *Sonarr) GetSeriesByTmdbID(ctx context.Context, tmdbID int64) (*Series, error) {
	series, err := s.ListSeries(ctx)
	if err != nil {
		return nil, err
	}
	for i := range series {
		if series[i].TmdbID == tmdbID {
			return &series[i], nil
		}
	}
	return nil, nil
}

type lookupSeries struct {
	Title      string   `json:"title"`
	TvdbID     int64    `json:"tvdbId"`
	TmdbID     int64    `json:"tmdbId"`
	Year       int      `json:"year"`
	TitleSlug  string   `json:"titleSlug"`
	Images     []any    `json:"images"`
	Seasons    []Season `json:"seasons"`
	SeriesType string   `json:"seriesType"`
}

// AddSeriesInput configures an add call.
type AddSeriesInput struct {
	TmdbID            int64
	QualityProfileID  int
	LanguageProfileID int
	RootFolderPath    string
	MonitorType       string
	MonitoredSeasons  []int // consulted for specificSeasons/specificEpisodes
	Tags              []int64
	SearchNow         bool
}

// AddSeries looks up the series and posts the add payload. Returns the
// Sonarr id of the created record.
func (s *Sonarr) AddSeries(ctx context.Context, in AddSeriesInput) (int64, error) {
	term := fmt.Sprintf("tmdb:%d", in.TmdbID)
	var results []lookupSeries
	if err := s.Get(ctx, "/series/lookup", url.Values{"term": {term}}, &results); err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("tmdb id %d not found in Sonarr lookup", in.TmdbID)
	}
	found := results[0]

	monitorType := in.MonitorType
	if monitorType == "" {
		monitorType = MonitorAll
	}
	seasons := found.Seasons
	if monitorType != MonitorAll {
		wanted := make(map[int]bool, len(in.MonitoredSeasons))
		for _, n := range in.MonitoredSeasons {
			wanted[n] = true
		}
		for i := range seasons {
			seasons[i].Monitored = wanted[seasons[i].SeasonNumber]
		}
	}

	payload := map[string]any{
		"title":             found.Title,
		"tvdbId":            found.TvdbID,
		"year":              found.Year,
		"titleSlug":         found.TitleSlug,
		"images":            found.Images,
		"seriesType":        found.SeriesType,
		"qualityProfileId":  in.QualityProfileID,
		"languageProfileId": in.LanguageProfileID,
		"rootFolderPath":    in.RootFolderPath,
		"seasons":           seasons,
		"monitored":         true,
		"tags":              in.Tags,
		"addOptions": map[string]any{
			"monitor":                  monitorType,
			"searchForMissingEpisodes": in.SearchNow,
		},
	}
	var created Series
	if err := s.Post(ctx, "/series", payload, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// LanguageProfile is a named downstream language profile (series only).
type LanguageProfile struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// LanguageProfiles enumerates the downstream language profiles.
func (s *Sonarr) LanguageProfiles(ctx context.Context) ([]LanguageProfile, error) {
	var profiles []LanguageProfile
	if err := s.Get(ctx, "/languageprofile", nil, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}
