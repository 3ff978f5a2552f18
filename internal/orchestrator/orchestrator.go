// Package orchestrator implements the Invocation Orchestrator: routing,
// authentication, rate limiting, registry lookup, body normalization, and
// sandbox dispatch for one inbound request, per §4.7.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/gated-run/gated/internal/apierr"
	"github.com/gated-run/gated/internal/auth"
	"github.com/gated-run/gated/internal/domain"
	"github.com/gated-run/gated/internal/loader"
	"github.com/gated-run/gated/internal/ratelimit"
	"github.com/gated-run/gated/internal/registry"
	"github.com/gated-run/gated/internal/sandbox"
)

// executedWith names the invocation strategy reported in _meta, matching
// the contract's literal value for non-RPC fetch dispatch.
const executedWith = "worker_loaders"

// Info is the 200 response body for a GET .../info request.
type Info struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Version  string `json:"version"`
	Language string `json:"language"`
}

// InvokeResult is the 200 response body for a successful (system-level)
// invocation. For function-reported failures Body carries an "error" field.
type InvokeResult struct {
	Body any
	Meta Meta
}

// Meta is the _meta envelope attached to every invocation response.
type Meta struct {
	DurationMs   int64  `json:"duration"`
	ExecutedWith string `json:"executedWith"`
}

// Orchestrator wires together the collaborators a single request touches.
type Orchestrator struct {
	Credentials     *auth.Store // nil means authentication is not configured
	Limiter         *ratelimit.Composite
	Registry        *registry.Registry
	Loader          *loader.Loader
	Dispatcher      sandbox.Dispatcher // nil means no sandbox binding configured
	DispatchTimeout time.Duration
	now             func() time.Time
}

// New returns an Orchestrator. DispatchTimeout defaults to
// sandbox.DefaultDispatchTimeout when zero.
func New(creds *auth.Store, limiter *ratelimit.Composite, reg *registry.Registry, ld *loader.Loader, dispatcher sandbox.Dispatcher) *Orchestrator {
	return &Orchestrator{
		Credentials:     creds,
		Limiter:         limiter,
		Registry:        reg,
		Loader:          ld,
		Dispatcher:      dispatcher,
		DispatchTimeout: sandbox.DefaultDispatchTimeout,
		now:             time.Now,
	}
}

// authenticate maps a credential verify outcome to an error, or nil on
// success (also returning the authenticated userId).
func (o *Orchestrator) authenticate(ctx context.Context, r *http.Request, path string) (string, error) {
	if o.Credentials == nil || o.Credentials.IsPublic(path) {
		return "", nil
	}

	key := auth.ExtractKey(r.Header.Get)
	result := o.Credentials.Verify(ctx, key)
	if result.Authenticated {
		return result.UserID, nil
	}

	switch result.Reason {
	case auth.ReasonMissing:
		return "", apierr.Unauthenticated("Missing API key")
	case auth.ReasonExpired:
		return "", apierr.Unauthenticated("API key has expired")
	default:
		return "", apierr.Unauthenticated("Invalid API key")
	}
}

// Info handles GET /functions/<id>[/info] and GET /api/functions/<id>.
func (o *Orchestrator) Info(ctx context.Context, r *http.Request, id string) (Info, error) {
	if _, err := o.gate(ctx, r, id); err != nil {
		return Info{}, err
	}

	meta, err := o.Registry.Get(ctx, id)
	if err != nil {
		return Info{}, apierr.Internal(err)
	}
	if meta == nil {
		return Info{}, apierr.NotFound(fmt.Sprintf("function %q not found", id))
	}

	return Info{ID: meta.ID, Status: "available", Version: meta.Version, Language: string(meta.Language)}, nil
}

// gate validates the function id, then runs authentication and rate
// limiting, shared by Info and Invoke. On success it returns the
// authenticated userId (empty when auth is not configured or the path is
// public). Public paths bypass rate limiting entirely, same as auth.
func (o *Orchestrator) gate(ctx context.Context, r *http.Request, id string) (string, error) {
	if !domain.ValidFunctionID(id) {
		return "", apierr.Validation("invalid function id")
	}

	path := r.URL.Path
	userID, err := o.authenticate(ctx, r, path)
	if err != nil {
		return "", err
	}

	if o.Limiter != nil && !o.isPublic(path) {
		clientIP := ratelimit.ClientIP(r)
		result := o.Limiter.CheckAndIncrementAll(map[string]string{"ip": clientIP, "function": id})
		if !result.Allowed {
			return "", rateLimitedError(result)
		}
	}
	return userID, nil
}

// isPublic reports whether path is exempt from rate limiting, matching the
// same configured public-endpoint list authentication bypasses.
func (o *Orchestrator) isPublic(path string) bool {
	return o.Credentials != nil && o.Credentials.IsPublic(path)
}

func rateLimitedError(result ratelimit.CompositeResult) error {
	return &rateLimitError{category: result.BlockingCategory, resetAt: result.ResetAt}
}

// rateLimitError carries the fields the HTTP layer needs to build the
// 429 response (Retry-After, X-RateLimit-Reset, blocking category message).
type rateLimitError struct {
	category string
	resetAt  time.Time
}

func (e *rateLimitError) Error() string { return "rate limit exceeded: " + e.category }

// RetryAfterSeconds returns the ceiling of the seconds until resetAt.
func (e *rateLimitError) RetryAfterSeconds() int64 {
	ms := time.Until(e.resetAt).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return (ms + 999) / 1000
}

func (e *rateLimitError) ResetAtMs() int64 { return e.resetAt.UnixMilli() }
func (e *rateLimitError) Category() string { return e.category }

// AsRateLimitError extracts rate-limit response fields from err, if it is one.
func AsRateLimitError(err error) (retryAfter int64, resetAtMs int64, category string, ok bool) {
	rle, isRLE := err.(*rateLimitError)
	if !isRLE {
		return 0, 0, "", false
	}
	return rle.RetryAfterSeconds(), rle.ResetAtMs(), rle.Category(), true
}

// Invoke handles POST /functions/<id>[/invoke].
func (o *Orchestrator) Invoke(ctx context.Context, r *http.Request, id string) (InvokeResult, error) {
	if _, err := o.gate(ctx, r, id); err != nil {
		return InvokeResult{}, err
	}

	meta, err := o.Registry.Get(ctx, id)
	if err != nil {
		return InvokeResult{}, apierr.Internal(err)
	}
	if meta == nil {
		return InvokeResult{}, apierr.NotFound(fmt.Sprintf("function %q not found", id))
	}

	normalized, err := normalizeBody(r)
	if err != nil {
		return InvokeResult{}, err
	}

	if o.Dispatcher == nil {
		return InvokeResult{}, &apierr.Error{Code: apierr.CodeNotConfigured, Status: http.StatusNotImplemented, Message: "no sandbox binding configured for this deployment"}
	}

	handle, err := o.Loader.Load(ctx, id, "")
	if err != nil {
		return InvokeResult{}, err
	}

	// RPC-style invocations (a non-empty "method" field) invoke the sandbox
	// handle directly as target.invoke(method, ...params); everything else
	// goes through the generic fetch request synthesis.
	method, params, rpc := isRPCStyle(normalized)

	start := o.now()
	respBody, respContentType, dispatchErr := o.dispatch(ctx, id, handle.Handle, normalized, method, params, rpc)
	duration := o.now().Sub(start).Milliseconds()

	reportedWith := executedWith
	if rpc {
		reportedWith = "rpc"
	}
	meta2 := Meta{DurationMs: duration, ExecutedWith: reportedWith}

	if dispatchErr != nil {
		reason := "internal"
		if errors.Is(dispatchErr, context.DeadlineExceeded) {
			reason = "Timeout"
		}
		return InvokeResult{Body: map[string]any{"error": reason, "_meta": meta2}, Meta: meta2}, nil
	}

	if respContentType == "application/json" {
		var parsed map[string]any
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			parsed = map[string]any{"result": string(respBody)}
		}
		parsed["_meta"] = meta2
		return InvokeResult{Body: parsed, Meta: meta2}, nil
	}

	return InvokeResult{Body: map[string]any{"result": string(respBody), "_meta": meta2}, Meta: meta2}, nil
}

// dispatch resolves the sandbox stub for id and routes to either the RPC
// invocation path (§4.7 step 8) or the generic fetch request synthesis
// (§4.7 step 9), depending on rpc.
func (o *Orchestrator) dispatch(ctx context.Context, id string, handle loader.Handle, normalized NormalizedRequest, method string, params []any, rpc bool) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.DispatchTimeout)
	defer cancel()

	stub, err := o.Dispatcher.Get(id, func() (sandbox.ModuleSpec, error) {
		return sandbox.ModuleSpec{
			MainModule:        handle.Metadata.EntryPoint,
			Modules:           map[string]string{handle.Metadata.EntryPoint: handle.Code},
			CompatibilityDate: "2024-01-01",
		}, nil
	})
	if err != nil {
		return nil, "", err
	}
	entrypoint := stub.GetEntrypoint()

	var resp *http.Response
	if rpcEntrypoint, ok := entrypoint.(sandbox.RPCEntrypoint); rpc && ok {
		resp, err = o.dispatchRPC(ctx, rpcEntrypoint, method, params)
	} else {
		resp, err = o.dispatchFetch(ctx, entrypoint, normalized)
	}
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, "", err
	}
	body := buf.Bytes()

	contentType := resp.Header.Get("Content-Type")
	if ct, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = ct
	}
	return body, contentType, nil
}

// dispatchFetch builds and sends the isolated sandbox request per §4.7 step
// 9: a fresh request carrying only the normalized body, never the inbound
// request's headers, query string, or URL.
func (o *Orchestrator) dispatchFetch(ctx context.Context, entrypoint sandbox.Entrypoint, normalized NormalizedRequest) (*http.Response, error) {
	payload, err := json.Marshal(normalized.Body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://sandbox/invoke", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return entrypoint.Fetch(req)
}

// dispatchRPC invokes target.invoke(method, ...params) per §4.7 step 8,
// bypassing the generic fetch request entirely.
func (o *Orchestrator) dispatchRPC(ctx context.Context, entrypoint sandbox.RPCEntrypoint, method string, params []any) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://sandbox/invoke", nil)
	if err != nil {
		return nil, err
	}
	return entrypoint.Invoke(req, method, params)
}
