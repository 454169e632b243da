package plex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// accountURL is the plex.tv identity endpoint; unlike the server API it
// speaks JSON.
const accountURL = "https://plex.tv/api/v2/user"

// ErrInvalidPlexToken means plex.tv rejected the token.
var ErrInvalidPlexToken = errors.New("plex token is invalid")

// Account is the plex.tv identity behind an auth token.
type Account struct {
	ID       int64  `json:"id"`
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Thumb    string `json:"thumb"`
}

// VerifyAccount resolves the plex.tv account that owns a token. The OAuth
// pin flow happens client-side; the server only ever sees the final token.
func VerifyAccount(ctx context.Context, token string) (*Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, accountURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Plex-Token", token)
	req.Header.Set("X-Plex-Client-Identifier", "fetcharr")
	req.Header.Set("X-Plex-Product", "Fetcharr")
	req.Header.Set("Accept", "application/json")

	httpc := &http.Client{Timeout: defaultTimeout}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plex.tv request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidPlexToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plex.tv returned status %d", resp.StatusCode)
	}
	var account Account
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&account); err != nil {
		return nil, fmt.Errorf("plex.tv parse response: %w", err)
	}
	return &account, nil
}
