// Package arr speaks the v3 HTTP API shared by the downstream download
// managers (Radarr for movies, Sonarr for series).
package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fetcharr/fetcharr/internal/apperr"
)

const (
	// DefaultTimeout bounds a single API call; dispatch paths may pass a
	// shorter caller deadline via context.
	DefaultTimeout = 10 * time.Second

	maxResponseBody = 4 << 20
)

// Client is the shared HTTP plumbing for the v3 API family.
type Client struct {
	baseURL string
	apiKey  string
	name    string
	httpc   *http.Client
}

// NewClient builds a client for one downstream endpoint with the default
// per-call timeout.
func NewClient(name, baseURL, apiKey string) *Client {
	return NewClientWithTimeout(name, baseURL, apiKey, DefaultTimeout)
}

// NewClientWithTimeout builds a client with an explicit per-call timeout. A
// zero timeout leaves total call time to the caller's context deadline; the
// dispatcher uses that with its own 30 s cap.
func NewClientWithTimeout(name, baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		name:    name,
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u := c.baseURL + "/api/v3" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, apperr.Wrap(apperr.KindIntegrationTimeout,
				fmt.Sprintf("%s did not respond in time", c.name), err)
		}
		return nil, apperr.Wrap(apperr.KindUpstream,
			fmt.Sprintf("%s connection failed", c.name), err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.Newf(apperr.KindUpstream, "%s returned status %d: %s",
			c.name, resp.StatusCode, truncate(respBody, 200))
	}
	return json.RawMessage(respBody), nil
}

func isTimeout(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// Get issues a GET against an API path.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	raw, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindUpstream, c.name+" returned a malformed response", err)
	}
	return nil
}

// Post issues a POST with a JSON body against an API path.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	raw, err := c.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindUpstream, c.name+" returned a malformed response", err)
	}
	return nil
}

// TestConnection probes the system status endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	return c.Get(ctx, "/system/status", nil, nil)
}

// RootFolder is a configured storage root on the downstream service.
type RootFolder struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

// RootFolders enumerates the downstream storage roots.
func (c *Client) RootFolders(ctx context.Context) ([]RootFolder, error) {
	var folders []RootFolder
	if err := c.Get(ctx, "/rootfolder", nil, &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

// QualityProfile is a named downstream quality profile.
type QualityProfile struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// QualityProfiles enumerates the downstream quality profiles.
func (c *Client) QualityProfiles(ctx context.Context) ([]QualityProfile, error) {
	var profiles []QualityProfile
	if err := c.Get(ctx, "/qualityprofile", nil, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// QueueItem is one entry in the downstream download queue.
type QueueItem struct {
	ID       int64  `json:"id"`
	MovieID  int64  `json:"movieId,omitempty"`
	SeriesID int64  `json:"seriesId,omitempty"`
	Status   string `json:"status"`
}

type queuePage struct {
	Records []QueueItem `json:"records"`
}

// Queue returns the downstream download queue.
func (c *Client) Queue(ctx context.Context) ([]QueueItem, error) {
	var page queuePage
	if err := c.Get(ctx, "/queue", url.Values{"pageSize": {"1000"}}, &page); err != nil {
		return nil, err
	}
	return page.Records, nil
}
