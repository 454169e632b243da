// Package store is the typed entity store: hand-written queries over the
// SQLite connection, enum validation on load, and the indexed query helpers
// the services build on.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/fetcharr/fetcharr/internal/crypto"
)

var (
	// ErrNotFound is returned when an entity lookup misses.
	ErrNotFound = errors.New("entity not found")
	// ErrReferenced is returned when a delete is blocked by soft references.
	ErrReferenced = errors.New("entity is referenced by existing requests")
)

// Store provides typed CRUD over the entity tables.
type Store struct {
	db      *sql.DB
	secrets *crypto.Codec
}

// New creates a store on top of an open connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// UseSecrets enables at-rest encryption for stored credentials (instance API
// keys, the Plex token, the TMDB key). Rows written before the codec was set
// read back unchanged.
func (s *Store) UseSecrets(codec *crypto.Codec) {
	s.secrets = codec
}

// DB exposes the underlying connection for callers that need transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) sealSecret(value string) (string, error) {
	if s.secrets == nil {
		return value, nil
	}
	return s.secrets.Encrypt(value)
}

func (s *Store) openSecret(value string) (string, error) {
	if s.secrets == nil {
		return value, nil
	}
	return s.secrets.Decrypt(value)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

func nullBool(v *bool) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	n := int64(0)
	if *v {
		n = 1
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
