// Package deploy implements the Deploy Handler: POST /api/functions, the
// compile-then-persist pipeline described in §4.8.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gated-run/gated/internal/apierr"
	"github.com/gated-run/gated/internal/codestore"
	"github.com/gated-run/gated/internal/compiler"
	"github.com/gated-run/gated/internal/domain"
	"github.com/gated-run/gated/internal/loader"
	"github.com/gated-run/gated/internal/registry"
)

// Request is the parsed JSON body of a deploy request.
type Request struct {
	ID           string            `json:"id"`
	Version      string            `json:"version"`
	Language     string            `json:"language"`
	Code         string            `json:"code"`
	EntryPoint   string            `json:"entryPoint"`
	Dependencies map[string]string `json:"dependencies"`
	Description  string            `json:"description"`
	Author       string            `json:"author"`
}

// Response is the 200 body of a successful deploy.
type Response struct {
	ID         string     `json:"id"`
	Version    string     `json:"version"`
	URL        string     `json:"url"`
	Compiled   bool       `json:"compiled"`
	CompiledAt *time.Time `json:"compiledAt,omitempty"`
}

// Handler is the Deploy Handler.
type Handler struct {
	Registry  *registry.Registry
	CodeStore *codestore.Store
	Loader    *loader.Loader
	Origin    string

	mu sync.Mutex // serializes deploys so the first writer of an (id, version) wins
}

// New returns a Deploy Handler.
func New(reg *registry.Registry, code *codestore.Store, ld *loader.Loader, origin string) *Handler {
	return &Handler{Registry: reg, CodeStore: code, Loader: ld, Origin: origin}
}

// validateRequired checks the required fields in order so the first missing field is named
// in the 400 response, matching §4.8 step 2.
func validateRequired(req Request) error {
	if req.ID == "" {
		return apierr.Validation("Missing required field: id")
	}
	if req.Version == "" {
		return apierr.Validation("Missing required field: version")
	}
	if req.Language == "" {
		return apierr.Validation("Missing required field: language")
	}
	if req.Code == "" {
		return apierr.Validation("Missing required field: code")
	}
	return nil
}

// Deploy runs the full pipeline: validate, compile, persist code-before-metadata,
// invalidate the loader cache, and respond.
func (h *Handler) Deploy(ctx context.Context, req Request) (Response, error) {
	if err := validateRequired(req); err != nil {
		return Response{}, err
	}

	entryPoint := req.EntryPoint
	lang := domain.Language(req.Language)
	if entryPoint == "" {
		entryPoint = domain.DefaultEntryPoint(lang)
	}

	meta := domain.FunctionMetadata{
		ID:           req.ID,
		Version:      req.Version,
		Language:     lang,
		EntryPoint:   entryPoint,
		Dependencies: req.Dependencies,
		Description:  req.Description,
		Author:       req.Author,
	}
	if err := registry.Validate(&meta); err != nil {
		return Response{}, err
	}

	result, err := compiler.Compile(lang, req.Code)
	if err != nil {
		return Response{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// An (id, version) already stored with a different artifact is a conflict;
	// the same artifact makes the redeploy idempotent.
	existing, err := h.CodeStore.Get(ctx, req.ID, req.Version)
	if err != nil {
		return Response{}, apierr.Internal(err)
	}
	if existing != "" && existing != result.Artifact {
		return Response{}, domain.ErrVersionExists
	}

	// Persist in the spec-mandated order: code before metadata, so a reader
	// who finds metadata is guaranteed to find the artifact.
	if result.Compiled && result.Artifact != req.Code {
		if err := h.CodeStore.PutCompiled(ctx, req.ID, result.Artifact, req.Code, req.Version); err != nil {
			return Response{}, apierr.Internal(err)
		}
		if err := h.CodeStore.PutCompiled(ctx, req.ID, result.Artifact, req.Code, ""); err != nil {
			return Response{}, apierr.Internal(err)
		}
	} else {
		if err := h.CodeStore.Put(ctx, req.ID, result.Artifact, req.Version); err != nil {
			return Response{}, apierr.Internal(err)
		}
		if err := h.CodeStore.Put(ctx, req.ID, result.Artifact, ""); err != nil {
			return Response{}, apierr.Internal(err)
		}
	}

	if err := h.Registry.PutVersion(ctx, req.ID, req.Version, meta); err != nil {
		return Response{}, err
	}
	if err := h.Registry.Put(ctx, meta); err != nil {
		return Response{}, err
	}

	h.Loader.Invalidate(req.ID)

	return Response{
		ID:         req.ID,
		Version:    req.Version,
		URL:        fmt.Sprintf("%s/functions/%s", h.Origin, req.ID),
		Compiled:   result.Compiled,
		CompiledAt: result.CompiledAt,
	}, nil
}
