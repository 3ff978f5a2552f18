// Package auth implements the Credential Store: API key verification against
// the hashed-key convention and the public-path allowlist.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gated-run/gated/internal/kv"
)

// keyPrefix is prepended to the hashed credential key before the lookup.
const keyPrefix = "keys:"

// Reason classifies why verify failed, used to choose the 401 message.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonMissing  Reason = "missing"
	ReasonUnknown  Reason = "unknown"
	ReasonInactive Reason = "inactive"
	ReasonExpired  Reason = "expired"
)

// Result is the outcome of a verify call.
type Result struct {
	Authenticated bool
	UserID        string
	Scopes        []string
	FunctionID    string
	Reason        Reason
}

// record is the JSON shape stored at keys:<sha256(key)>.
type record struct {
	UserID     string     `json:"userId,omitempty"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Scopes     []string   `json:"scopes,omitempty"`
	FunctionID string     `json:"functionId,omitempty"`
}

// defaultPublicPaths are always treated as public regardless of configuration.
var defaultPublicPaths = []string{"/", "/health"}

// Store is the Credential Store. It is read-only from the perspective of the
// HTTP layer; key provisioning happens out of band.
type Store struct {
	kv           kv.Store
	publicPaths  []string
	now          func() time.Time
}

// New returns a Credential Store backed by store, with the given additional
// public path patterns (each may end in a trailing "*" wildcard) appended to
// the static defaults.
func New(store kv.Store, publicPaths []string) *Store {
	return &Store{kv: store, publicPaths: publicPaths, now: time.Now}
}

// hashKey returns the lowercase hex SHA-256 digest of the UTF-8 bytes of key.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify looks up presentedKey in the store and classifies the outcome.
// An empty presentedKey always yields ReasonMissing.
func (s *Store) Verify(ctx context.Context, presentedKey string) Result {
	if presentedKey == "" {
		return Result{Reason: ReasonMissing}
	}

	storeKey := keyPrefix + hashKey(presentedKey)
	raw, err := s.kv.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Result{Reason: ReasonUnknown}
		}
		return Result{Reason: ReasonUnknown}
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Result{Reason: ReasonUnknown}
	}

	if !rec.Active {
		return Result{Reason: ReasonInactive}
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(s.now()) {
		return Result{Reason: ReasonExpired}
	}

	return Result{
		Authenticated: true,
		UserID:        rec.UserID,
		Scopes:        rec.Scopes,
		FunctionID:    rec.FunctionID,
	}
}

// SweepExpired deletes every credential record whose expiresAt has passed.
// Returns the number of records removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	keys, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(now) {
			if err := s.kv.Delete(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// ExtractKey reads the presented key from a request's headers in the
// spec-mandated order: X-API-Key first, then Authorization: Bearer.
func ExtractKey(header func(string) string) string {
	if k := header("X-API-Key"); k != "" {
		return k
	}
	if auth := header("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return rest
		}
	}
	return ""
}

// IsPublic reports whether path matches the static defaults or any
// configured public path pattern. A pattern ending in "*" matches any path
// sharing its prefix; otherwise the match is exact.
func (s *Store) IsPublic(path string) bool {
	for _, p := range defaultPublicPaths {
		if path == p {
			return true
		}
	}
	for _, p := range s.publicPaths {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}
