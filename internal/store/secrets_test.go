package store

import (
	"context"
	"strings"
	"testing"

	"github.com/fetcharr/fetcharr/internal/crypto"
)

func TestInstanceAPIKeySealedAtRest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	codec, err := crypto.NewCodec("app-secret")
	if err != nil {
		t.Fatalf("NewCodec error = %v", err)
	}
	st.UseSecrets(codec)

	inst := createTestInstance(t, st, "radarr", ServiceTypeMovies)
	if inst.APIKey != "test-key" {
		t.Fatalf("APIKey = %q, want plaintext through the store", inst.APIKey)
	}

	var raw string
	if err := st.DB().QueryRowContext(ctx,
		`SELECT api_key FROM service_instances WHERE id = ?`, inst.ID).Scan(&raw); err != nil {
		t.Fatalf("raw select error = %v", err)
	}
	if !strings.HasPrefix(raw, crypto.EncryptedPrefix) {
		t.Fatalf("stored api_key = %q, want sealed", raw)
	}

	// Updates re-seal.
	newKey := "rotated-key"
	updated, err := st.UpdateInstance(ctx, inst.ID, UpdateInstanceInput{APIKey: &newKey})
	if err != nil {
		t.Fatalf("UpdateInstance error = %v", err)
	}
	if updated.APIKey != "rotated-key" {
		t.Fatalf("APIKey = %q after rotate", updated.APIKey)
	}
}

func TestSettingsTokensSealedAtRest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.EnsureSettings(ctx); err != nil {
		t.Fatalf("EnsureSettings error = %v", err)
	}

	codec, err := crypto.NewCodec("app-secret")
	if err != nil {
		t.Fatalf("NewCodec error = %v", err)
	}
	st.UseSecrets(codec)

	token := "plex-token"
	key := "tmdb-key"
	updated, err := st.UpdateSettings(ctx, UpdateSettingsInput{
		PlexToken:  &token,
		TmdbAPIKey: &key,
	})
	if err != nil {
		t.Fatalf("UpdateSettings error = %v", err)
	}
	if updated.PlexToken != "plex-token" || updated.TmdbAPIKey != "tmdb-key" {
		t.Fatalf("settings = %+v, want plaintext through the store", updated)
	}

	var rawToken, rawKey string
	if err := st.DB().QueryRowContext(ctx,
		`SELECT plex_token, tmdb_api_key FROM settings WHERE id = 1`).Scan(&rawToken, &rawKey); err != nil {
		t.Fatalf("raw select error = %v", err)
	}
	if !crypto.IsEncrypted(rawToken) || !crypto.IsEncrypted(rawKey) {
		t.Fatalf("stored tokens = %q %q, want sealed", rawToken, rawKey)
	}
}

func TestLegacyPlaintextRowsStillRead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Row written before encryption was enabled.
	inst := createTestInstance(t, st, "radarr", ServiceTypeMovies)

	codec, err := crypto.NewCodec("app-secret")
	if err != nil {
		t.Fatalf("NewCodec error = %v", err)
	}
	st.UseSecrets(codec)

	got, err := st.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance error = %v", err)
	}
	if got.APIKey != "test-key" {
		t.Fatalf("APIKey = %q, want legacy plaintext pass-through", got.APIKey)
	}
}
