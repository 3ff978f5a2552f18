package api_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gated-run/gated/internal/api"
	"github.com/gated-run/gated/internal/auth"
	"github.com/gated-run/gated/internal/cache"
	"github.com/gated-run/gated/internal/codestore"
	"github.com/gated-run/gated/internal/deploy"
	"github.com/gated-run/gated/internal/kv"
	"github.com/gated-run/gated/internal/loader"
	"github.com/gated-run/gated/internal/orchestrator"
	"github.com/gated-run/gated/internal/ratelimit"
	"github.com/gated-run/gated/internal/registry"
	"github.com/gated-run/gated/internal/sandbox"
)

// echoEntrypoint returns whatever JSON body it was sent, wrapped in a 200.
type echoEntrypoint struct{}

func (echoEntrypoint) Fetch(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func newTestServer(t *testing.T) (*api.Server, *registry.Registry, *deploy.Handler) {
	t.Helper()
	store := kv.NewMemStore()
	reg := registry.New(store)
	code := codestore.New(store)
	ld := loader.New(reg, code, cache.Options{})
	dep := deploy.New(reg, code, ld, "https://gated.example")

	ip := ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 1000})
	t.Cleanup(ip.Stop)
	fn := ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 1000})
	t.Cleanup(fn.Stop)
	composite := ratelimit.NewComposite([]string{"ip", "function"}, map[string]*ratelimit.Limiter{"ip": ip, "function": fn})

	dispatcher := &sandbox.InProcess{Entrypoint: echoEntrypoint{}}
	orch := orchestrator.New(nil, composite, reg, ld, dispatcher)

	return &api.Server{Orchestrator: orch, Deploy: dep, Registry: reg}, reg, dep
}

func deployBody(id, version, language, code string) []byte {
	b, _ := json.Marshal(deploy.Request{ID: id, Version: version, Language: language, Code: code, EntryPoint: "index.js"})
	return b
}

func TestRouter_DeployThenInfo(t *testing.T) {
	srv, _, _ := newTestServer(t)
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/functions", bytes.NewReader(deployBody("fn1", "1.0.0", "javascript", "export default { fetch() { return new Response('ok') } }")))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/functions/fn1/info", nil)
	r.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	var info orchestrator.Info
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &info))
	assert.Equal(t, "fn1", info.ID)
	assert.Equal(t, "1.0.0", info.Version)
}

func TestRouter_InvokeRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/functions", bytes.NewReader(deployBody("fn1", "1.0.0", "javascript", "export default { fetch() { return new Response('ok') } }")))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	invokeBody, _ := json.Marshal(map[string]any{"hello": "world"})
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/functions/fn1/invoke", bytes.NewReader(invokeBody))
	req2.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &body))
	assert.Equal(t, "world", body["hello"])
}

func TestRouter_MalformedInvokeBodyIsRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/functions", bytes.NewReader(deployBody("fn1", "1.0.0", "javascript", "export default { fetch() { return new Response('ok') } }")))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/functions/fn1/invoke", bytes.NewReader([]byte("{not json")))
	req2.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestRouter_DeployMissingFieldsRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/functions", bytes.NewReader([]byte(`{"id":"fn1"}`)))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_ConcurrentDeploySameVersionOneWinsOneConflicts(t *testing.T) {
	srv, _, _ := newTestServer(t)
	r := api.NewRouter(srv)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/functions", bytes.NewReader(deployBody("fn1", "1.0.0", "javascript", "export default { fetch() { return new Response('v"+string(rune('0'+idx))+"') } }")))
			r.ServeHTTP(w, req)
			codes[idx] = w.Code
		}(i)
	}
	wg.Wait()

	okCount, conflictCount := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			okCount++
		case http.StatusConflict:
			conflictCount++
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, conflictCount)
}

func TestRouter_DeleteCascadesToCodeStore(t *testing.T) {
	srv, _, dep := newTestServer(t)
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/functions", bytes.NewReader(deployBody("fn1", "1.0.0", "javascript", "export default { fetch() { return new Response('ok') } }")))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodDelete, "/api/functions/fn1", nil)
	r.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	meta, err := srv.Registry.Get(req.Context(), "fn1")
	require.NoError(t, err)
	assert.Nil(t, meta)

	artifact, err := dep.CodeStore.Get(req.Context(), "fn1", "")
	require.NoError(t, err)
	assert.Empty(t, artifact)
}

func TestRouter_RateLimitExhaustionReturns429(t *testing.T) {
	store := kv.NewMemStore()
	reg := registry.New(store)
	code := codestore.New(store)
	ld := loader.New(reg, code, cache.Options{})
	dep := deploy.New(reg, code, ld, "https://gated.example")

	ip := ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 2})
	t.Cleanup(ip.Stop)
	composite := ratelimit.NewComposite([]string{"ip"}, map[string]*ratelimit.Limiter{"ip": ip})
	dispatcher := &sandbox.InProcess{Entrypoint: echoEntrypoint{}}
	orch := orchestrator.New(nil, composite, reg, ld, dispatcher)
	srv := &api.Server{Orchestrator: orch, Deploy: dep, Registry: reg}
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/functions", bytes.NewReader(deployBody("fn1", "1.0.0", "javascript", "export default { fetch() { return new Response('ok') } }")))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var codes []int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/functions/fn1/info", nil)
		req.RemoteAddr = "203.0.113.5:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	last := httptest.NewRecorder()
	lastReq := httptest.NewRequest(http.MethodGet, "/functions/fn1/info", nil)
	lastReq.RemoteAddr = "203.0.113.5:1234"
	r.ServeHTTP(last, lastReq)
	retryAfter := last.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
}

func putCredential(t *testing.T, store kv.Store, rawKey string) {
	t.Helper()
	sum := sha256.Sum256([]byte(rawKey))
	record := map[string]any{"userId": "user-1", "active": true}
	raw, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "keys:"+hex.EncodeToString(sum[:]), raw))
}

func TestRouter_AuthBearerAndAPIKeyForms(t *testing.T) {
	store := kv.NewMemStore()
	reg := registry.New(store)
	code := codestore.New(store)
	ld := loader.New(reg, code, cache.Options{})
	dep := deploy.New(reg, code, ld, "https://gated.example")
	putCredential(t, store, "sekret-token")

	creds := auth.New(store, nil)
	ip := ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 1000})
	t.Cleanup(ip.Stop)
	composite := ratelimit.NewComposite([]string{"ip"}, map[string]*ratelimit.Limiter{"ip": ip})
	dispatcher := &sandbox.InProcess{Entrypoint: echoEntrypoint{}}
	orch := orchestrator.New(creds, composite, reg, ld, dispatcher)
	srv := &api.Server{Orchestrator: orch, Deploy: dep, Registry: reg}
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/functions/fn1/info", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/functions/fn1/info", nil)
	req2.Header.Set("Authorization", "Bearer sekret-token")
	r.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusNotFound, w2.Code)

	w3 := httptest.NewRecorder()
	req3 := httptest.NewRequest(http.MethodGet, "/functions/fn1/info", nil)
	req3.Header.Set("X-API-Key", "sekret-token")
	r.ServeHTTP(w3, req3)
	assert.Equal(t, http.StatusNotFound, w3.Code)
}

func TestRouter_XFunctionIDHeaderFallback(t *testing.T) {
	srv, _, _ := newTestServer(t)
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/functions", bytes.NewReader(deployBody("fn1", "1.0.0", "javascript", "export default { fetch() { return new Response('ok') } }")))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/functions/info", nil)
	req2.Header.Set("X-Function-Id", "fn1")
	r.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	var info orchestrator.Info
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &info))
	assert.Equal(t, "fn1", info.ID)
}

func TestRouter_PathTakesPrecedenceOverHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/functions", bytes.NewReader(deployBody("fn1", "1.0.0", "javascript", "export default { fetch() { return new Response('ok') } }")))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/functions/fn1/info", nil)
	req2.Header.Set("X-Function-Id", "does-not-exist")
	r.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	var info orchestrator.Info
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &info))
	assert.Equal(t, "fn1", info.ID)
}

func TestRouter_UnsupportedMethodReturns405WithJSONBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/functions/fn1", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	var body api.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "not allowed")
}

func TestRouter_InvalidFunctionIDReturns400(t *testing.T) {
	srv, _, _ := newTestServer(t)
	r := api.NewRouter(srv)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/functions/-bad-start/info", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_HealthReachableWithoutAuthOrRateLimit(t *testing.T) {
	store := kv.NewMemStore()
	reg := registry.New(store)
	code := codestore.New(store)
	ld := loader.New(reg, code, cache.Options{})
	dep := deploy.New(reg, code, ld, "https://gated.example")
	creds := auth.New(store, nil)
	ip := ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 1})
	t.Cleanup(ip.Stop)
	composite := ratelimit.NewComposite([]string{"ip"}, map[string]*ratelimit.Limiter{"ip": ip})
	orch := orchestrator.New(creds, composite, reg, ld, nil)
	srv := &api.Server{Orchestrator: orch, Deploy: dep, Registry: reg}
	r := api.NewRouter(srv)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
}
