// Package loader implements the Function Loader: a bounded in-memory cache
// fronting the registry and code store, coalescing concurrent loads of the
// same function via singleflight.
package loader

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gated-run/gated/internal/apierr"
	"github.com/gated-run/gated/internal/cache"
	"github.com/gated-run/gated/internal/codestore"
	"github.com/gated-run/gated/internal/domain"
	"github.com/gated-run/gated/internal/registry"
)

// Handle binds resolved metadata and a code artifact into something the
// orchestrator can dispatch to the sandbox.
type Handle struct {
	Metadata domain.FunctionMetadata
	Code     string
}

// Result is the outcome of Load.
type Result struct {
	Handle            Handle
	FromCache         bool
	LoadTimeMs        int64
	Degraded          bool
	DegradationReason string
}

func cacheKey(id, version string) string {
	if version == "" {
		return id + "@latest"
	}
	return id + "@" + version
}

// Loader is the Function Loader.
type Loader struct {
	registry  *registry.Registry
	codeStore *codestore.Store
	cache     *cache.Cache[string, Handle]
	group     singleflight.Group
	now       func() time.Time
}

// New returns a Loader fronting reg and code with the given cache options.
func New(reg *registry.Registry, code *codestore.Store, opts cache.Options) *Loader {
	return &Loader{
		registry:  reg,
		codeStore: code,
		cache:     cache.New[string, Handle](opts),
		now:       time.Now,
	}
}

// Load resolves metadata and code for (id, version), coalescing concurrent
// callers for the same key into a single underlying fetch.
func (l *Loader) Load(ctx context.Context, id, version string) (Result, error) {
	key := cacheKey(id, version)

	if handle, ok := l.cache.Get(key); ok {
		return Result{Handle: handle, FromCache: true}, nil
	}

	start := l.now()
	v, err, _ := l.group.Do(key, func() (any, error) {
		return l.fetch(ctx, id, version)
	})
	loadTime := l.now().Sub(start).Milliseconds()

	if err != nil {
		return Result{}, err
	}

	handle := v.(Handle)
	l.cache.Set(key, handle)
	return Result{Handle: handle, FromCache: false, LoadTimeMs: loadTime}, nil
}

func (l *Loader) fetch(ctx context.Context, id, version string) (Handle, error) {
	var meta *domain.FunctionMetadata
	var err error
	if version == "" {
		meta, err = l.registry.Get(ctx, id)
	} else {
		meta, err = l.registry.GetVersion(ctx, id, version)
	}
	if err != nil {
		return Handle{}, err
	}
	if meta == nil {
		return Handle{}, apierr.NotFound(fmt.Sprintf("function %q not found", id))
	}

	result, err := l.codeStore.GetCompiledOrSource(ctx, id, version)
	if err != nil {
		return Handle{}, err
	}
	if result.Code == "" {
		return Handle{}, apierr.NotFound(fmt.Sprintf("code for function %q not found", id))
	}

	return Handle{Metadata: *meta, Code: result.Code}, nil
}

// Invalidate drops the cached handle for id's latest slot. Callers only ever
// load with an empty version (see orchestrator.Invoke), so this is
// currently the only cache entry id can occupy; a version-specific load path
// would need to invalidate cacheKey(id, version) here too.
func (l *Loader) Invalidate(id string) {
	l.cache.Delete(cacheKey(id, ""))
}
