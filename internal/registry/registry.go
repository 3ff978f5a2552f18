// Package registry implements the Function Registry: the authoritative
// metadata store for deployed functions, keyed over a generic kv.Store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gated-run/gated/internal/domain"
	"github.com/gated-run/gated/internal/kv"
)

// ErrVersionNotFound is returned by Rollback when toVersion does not exist.
var ErrVersionNotFound = errors.New("registry: version not found")

// ValidationError names the invalid field and the reason it failed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

const manifestKey = "registry:_manifest"

func latestKey(id string) string          { return "registry:" + id }
func versionKey(id, version string) string { return "registry:" + id + ":v:" + version }

// Registry is the Function Registry, backed by a kv.Store.
type Registry struct {
	kv  kv.Store
	now func() time.Time
}

// New returns a Registry over store.
func New(store kv.Store) *Registry {
	return &Registry{kv: store, now: time.Now}
}

// Validate enforces the put-time invariants on metadata, independent of
// whether this is a latest-slot or version write.
func Validate(m *domain.FunctionMetadata) error {
	if !domain.ValidFunctionID(m.ID) {
		return &ValidationError{Field: "id", Reason: "must match the function id syntax"}
	}
	if !domain.ValidLanguage(string(m.Language)) {
		return &ValidationError{Field: "language", Reason: "not in the supported language set"}
	}
	if m.EntryPoint == "" {
		m.EntryPoint = domain.DefaultEntryPoint(m.Language)
	}
	if !domain.ValidEntryPoint(m.EntryPoint) {
		return &ValidationError{Field: "entryPoint", Reason: "must be a relative path without traversal"}
	}
	if m.Version != "" && !domain.ValidVersion(m.Version) {
		return &ValidationError{Field: "version", Reason: "must be a valid semver string"}
	}
	for name, constraint := range m.Dependencies {
		if name == "" {
			return &ValidationError{Field: "dependencies", Reason: "dependency name must not be empty"}
		}
		if constraint == "" {
			return &ValidationError{Field: "dependencies", Reason: "dependency version constraint must not be empty"}
		}
	}
	return nil
}

// Put upserts the latest metadata for m.ID. createdAt is preserved if a
// latest record already exists; updatedAt is always set to now.
func (r *Registry) Put(ctx context.Context, m domain.FunctionMetadata) error {
	if err := Validate(&m); err != nil {
		return err
	}

	now := r.now()
	if existing, err := r.Get(ctx, m.ID); err == nil && existing != nil && existing.CreatedAt != nil {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = &now
	}
	m.UpdatedAt = &now

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := r.kv.Put(ctx, latestKey(m.ID), data); err != nil {
		return err
	}
	return r.touchManifest(ctx, m.ID)
}

// PutVersion immutably writes metadata at (id, version). A second write to
// the same (id, version) with different bytes fails with domain.ErrVersionExists.
func (r *Registry) PutVersion(ctx context.Context, id, version string, m domain.FunctionMetadata) error {
	m.ID = id
	m.Version = version
	if err := Validate(&m); err != nil {
		return err
	}

	key := versionKey(id, version)
	existing, err := r.kv.Get(ctx, key)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	if existing != nil {
		var prev domain.FunctionMetadata
		if err := json.Unmarshal(existing, &prev); err == nil {
			prev.CreatedAt, prev.UpdatedAt = nil, nil
			cmp := m
			cmp.CreatedAt, cmp.UpdatedAt = nil, nil
			prevBytes, _ := json.Marshal(prev)
			cmpBytes, _ := json.Marshal(cmp)
			if string(prevBytes) != string(cmpBytes) {
				return domain.ErrVersionExists
			}
		}
		return nil // idempotent redeploy of identical bytes
	}

	now := r.now()
	m.CreatedAt = &now
	m.UpdatedAt = &now
	data, err = json.Marshal(m)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, key, data)
}

// Get returns the latest metadata for id, or nil if absent.
func (r *Registry) Get(ctx context.Context, id string) (*domain.FunctionMetadata, error) {
	return r.getKey(ctx, latestKey(id))
}

// GetVersion returns the metadata pinned to (id, version), or nil if absent.
func (r *Registry) GetVersion(ctx context.Context, id, version string) (*domain.FunctionMetadata, error) {
	return r.getKey(ctx, versionKey(id, version))
}

func (r *Registry) getKey(ctx context.Context, key string) (*domain.FunctionMetadata, error) {
	raw, err := r.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m domain.FunctionMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListVersions returns the versions recorded for id, in lexical key order.
func (r *Registry) ListVersions(ctx context.Context, id string) ([]string, error) {
	prefix := "registry:" + id + ":v:"
	keys, err := r.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(keys))
	for _, k := range keys {
		versions = append(versions, k[len(prefix):])
	}
	return versions, nil
}

// List returns the current (latest) metadata across all ids.
func (r *Registry) List(ctx context.Context) ([]domain.FunctionMetadata, error) {
	ids, err := r.manifestIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FunctionMetadata, 0, len(ids))
	for _, id := range ids {
		m, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

// Delete removes the latest record and every version record. It does not
// touch the code store; callers cascade to it themselves.
func (r *Registry) Delete(ctx context.Context, id string) error {
	versions, err := r.ListVersions(ctx, id)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if err := r.kv.Delete(ctx, versionKey(id, v)); err != nil {
			return err
		}
	}
	if err := r.kv.Delete(ctx, latestKey(id)); err != nil {
		return err
	}
	return r.removeFromManifest(ctx, id)
}

// Rollback copies the metadata at (id, toVersion) into the latest slot.
func (r *Registry) Rollback(ctx context.Context, id, toVersion string) error {
	m, err := r.GetVersion(ctx, id, toVersion)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrVersionNotFound
	}
	return r.Put(ctx, *m)
}

// touchManifest adds id to the manifest set if not already present.
func (r *Registry) touchManifest(ctx context.Context, id string) error {
	ids, err := r.manifestIDs(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return r.writeManifest(ctx, ids)
}

func (r *Registry) removeFromManifest(ctx context.Context, id string) error {
	ids, err := r.manifestIDs(ctx)
	if err != nil {
		return err
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return r.writeManifest(ctx, out)
}

func (r *Registry) manifestIDs(ctx context.Context) ([]string, error) {
	raw, err := r.kv.Get(ctx, manifestKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Registry) writeManifest(ctx context.Context, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, manifestKey, data)
}
