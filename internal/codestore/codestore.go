// Package codestore implements the Code Store: artifact persistence over a
// generic kv.Store, with the "base64 means binary" string-in/string-out
// convention at this layer.
package codestore

import (
	"context"
	"errors"
	"strings"

	"github.com/gated-run/gated/internal/kv"
)

const fallbackNoPrecompiled = "no_precompiled_code"

func latestKey(id string) string            { return "code:" + id }
func versionedKey(id, version string) string { return "code:" + id + ":v:" + version }
func sourceKey(id string) string            { return "code:" + id + ":source" }
func sourceVersionedKey(id, version string) string {
	return "code:" + id + ":v:" + version + ":source"
}
func sourcemapKey(id string) string { return "code:" + id + ":sourcemap" }

// Result is the outcome of GetCompiledOrSource.
type Result struct {
	Code            string
	UsedPrecompiled bool
	FallbackReason  string
}

// Store is the Code Store, backed by a kv.Store.
type Store struct {
	kv kv.Store
}

// New returns a Code Store over store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

func (s *Store) artifactKey(id string, version string) string {
	if version == "" {
		return latestKey(id)
	}
	return versionedKey(id, version)
}

// Put writes the execution artifact for id (optionally at a specific version).
func (s *Store) Put(ctx context.Context, id, artifact, version string) error {
	return s.kv.Put(ctx, s.artifactKey(id, version), []byte(artifact))
}

// PutCompiled writes the compiled artifact as the execution target and
// mirrors the original source to the :source key.
func (s *Store) PutCompiled(ctx context.Context, id, compiled, source, version string) error {
	if err := s.kv.Put(ctx, s.artifactKey(id, version), []byte(compiled)); err != nil {
		return err
	}
	key := sourceKey(id)
	if version != "" {
		key = sourceVersionedKey(id, version)
	}
	return s.kv.Put(ctx, key, []byte(source))
}

// PutSourceMap persists a version-3 source map JSON document.
func (s *Store) PutSourceMap(ctx context.Context, id, sourceMap string) error {
	return s.kv.Put(ctx, sourcemapKey(id), []byte(sourceMap))
}

// Get returns the execution artifact for id, preferring compiled over source.
func (s *Store) Get(ctx context.Context, id, version string) (string, error) {
	raw, err := s.kv.Get(ctx, s.artifactKey(id, version))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// GetCompiledOrSource returns the compiled artifact if present, falling back
// to the retained source with fallbackReason "no_precompiled_code".
func (s *Store) GetCompiledOrSource(ctx context.Context, id, version string) (Result, error) {
	compiled, err := s.Get(ctx, id, version)
	if err != nil {
		return Result{}, err
	}
	if compiled != "" {
		return Result{Code: compiled, UsedPrecompiled: true}, nil
	}

	key := sourceKey(id)
	if version != "" {
		key = sourceVersionedKey(id, version)
	}
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Code: string(raw), UsedPrecompiled: false, FallbackReason: fallbackNoPrecompiled}, nil
}

// DeleteAll removes every key prefixed with code:<id>.
func (s *Store) DeleteAll(ctx context.Context, id string) error {
	keys, err := s.kv.List(ctx, "code:"+id)
	if err != nil {
		return err
	}
	for _, k := range keys {
		// List uses a plain prefix match; guard against e.g. "code:foo2" matching "code:foo".
		if k != latestKey(id) && !strings.HasPrefix(k, "code:"+id+":") {
			continue
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
