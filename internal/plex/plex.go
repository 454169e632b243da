// Package plex is a read-only client for the Plex media server library API.
// The library sync walks sections and resolves items to TMDB ids via the
// agent GUIDs Plex attaches to each record.
package plex

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 10 << 20
	pageSize        = 200
)

// Client talks to one Plex server.
type Client struct {
	url   string
	token string
	httpc *http.Client
}

// New builds a client for the given server URL and token.
func New(serverURL, token string) *Client {
	return &Client{
		url:   strings.TrimRight(serverURL, "/"),
		token: token,
		httpc: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("plex request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plex returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("plex parse response: %w", err)
	}
	return nil
}

// TestConnection probes the server identity endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	var container struct {
		XMLName xml.Name `xml:"MediaContainer"`
	}
	return c.get(ctx, "/identity", &container)
}

// Library is one library section on the server.
type Library struct {
	Key   string
	Title string
	Type  string // "movie" or "show"
}

type sectionsContainer struct {
	XMLName     xml.Name `xml:"MediaContainer"`
	Directories []struct {
		Key   string `xml:"key,attr"`
		Title string `xml:"title,attr"`
		Type  string `xml:"type,attr"`
	} `xml:"Directory"`
}

// Libraries enumerates the server's library sections.
func (c *Client) Libraries(ctx context.Context) ([]Library, error) {
	var container sectionsContainer
	if err := c.get(ctx, "/library/sections", &container); err != nil {
		return nil, err
	}
	libraries := make([]Library, 0, len(container.Directories))
	for _, d := range container.Directories {
		libraries = append(libraries, Library{Key: d.Key, Title: d.Title, Type: d.Type})
	}
	return libraries, nil
}

type guid struct {
	ID string `xml:"id,attr"`
}

type videoContainer struct {
	XMLName   xml.Name `xml:"MediaContainer"`
	TotalSize int      `xml:"totalSize,attr"`
	Videos    []struct {
		RatingKey   string `xml:"ratingKey,attr"`
		Title       string `xml:"title,attr"`
		Year        string `xml:"year,attr"`
		ParentIndex string `xml:"parentIndex,attr"`
		Index       string `xml:"index,attr"`
		Guids       []guid `xml:"Guid"`
	} `xml:"Video"`
	Directories []struct {
		RatingKey string `xml:"ratingKey,attr"`
		Title     string `xml:"title,attr"`
		Year      string `xml:"year,attr"`
		Guids     []guid `xml:"Guid"`
	} `xml:"Directory"`
}

// Movie is one movie in a library section, resolved to its TMDB id.
// Items whose GUIDs carry no TMDB id are skipped by MovieItems.
type Movie struct {
	RatingKey string
	TmdbID    int64
	Title     string
	Year      *int
}

// MovieItems pages through a movie section and returns every item with a
// resolvable TMDB id.
func (c *Client) MovieItems(ctx context.Context, sectionKey string) ([]Movie, error) {
	var movies []Movie
	for start := 0; ; start += pageSize {
		var container videoContainer
		path := fmt.Sprintf("/library/sections/%s/all?type=1&includeGuids=1&X-Plex-Container-Start=%d&X-Plex-Container-Size=%d",
			sectionKey, start, pageSize)
		if err := c.get(ctx, path, &container); err != nil {
			return nil, err
		}
		for _, v := range container.Videos {
			tmdbID := tmdbGUID(v.Guids)
			if tmdbID == 0 {
				continue
			}
			movies = append(movies, Movie{
				RatingKey: v.RatingKey,
				TmdbID:    tmdbID,
				Title:     v.Title,
				Year:      atoiPtr(v.Year),
			})
		}
		if start+pageSize >= container.TotalSize {
			break
		}
	}
	return movies, nil
}

// Show is one TV show in a library section, resolved to its TMDB id.
type Show struct {
	RatingKey string
	TmdbID    int64
	Title     string
}

// ShowItems pages through a show section and returns every show with a
// resolvable TMDB id.
func (c *Client) ShowItems(ctx context.Context, sectionKey string) ([]Show, error) {
	var shows []Show
	for start := 0; ; start += pageSize {
		var container videoContainer
		path := fmt.Sprintf("/library/sections/%s/all?type=2&includeGuids=1&X-Plex-Container-Start=%d&X-Plex-Container-Size=%d",
			sectionKey, start, pageSize)
		if err := c.get(ctx, path, &container); err != nil {
			return nil, err
		}
		for _, d := range container.Directories {
			tmdbID := tmdbGUID(d.Guids)
			if tmdbID == 0 {
				continue
			}
			shows = append(shows, Show{RatingKey: d.RatingKey, TmdbID: tmdbID, Title: d.Title})
		}
		if start+pageSize >= container.TotalSize {
			break
		}
	}
	return shows, nil
}

// Episode is one episode of a show.
type Episode struct {
	SeasonNumber  int
	EpisodeNumber int
	Title         string
}

// Episodes enumerates every episode of a show via its leaves listing.
func (c *Client) Episodes(ctx context.Context, showRatingKey string) ([]Episode, error) {
	var container videoContainer
	path := fmt.Sprintf("/library/metadata/%s/allLeaves", showRatingKey)
	if err := c.get(ctx, path, &container); err != nil {
		return nil, err
	}
	episodes := make([]Episode, 0, len(container.Videos))
	for _, v := range container.Videos {
		season, sok := atoi(v.ParentIndex)
		episode, eok := atoi(v.Index)
		if !sok || !eok {
			continue
		}
		episodes = append(episodes, Episode{
			SeasonNumber:  season,
			EpisodeNumber: episode,
			Title:         v.Title,
		})
	}
	return episodes, nil
}

func tmdbGUID(guids []guid) int64 {
	for _, g := range guids {
		if rest, ok := strings.CutPrefix(g.ID, "tmdb://"); ok {
			if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func atoiPtr(s string) *int {
	if n, ok := atoi(s); ok {
		return &n
	}
	return nil
}
