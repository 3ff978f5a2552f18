package sandbox

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gated-run/gated/internal/transport"
)

// DefaultDispatchTimeout bounds a single sandbox dispatch call, per §5's
// suggested default.
const DefaultDispatchTimeout = 30 * time.Second

// HTTPDispatcher dispatches to a single fixed sandbox endpoint over h2c (or
// TLS, when GRPC_TLS_CA is set), matching the warm-pool executor's client
// construction style. It keeps one entrypoint per instance id; this
// deployment does not model per-id addressing, so every instance id
// resolves to the same endpoint.
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client

	mu        sync.Mutex
	instances map[string]Stub
}

// NewHTTPDispatcher returns a Dispatcher that POSTs to endpoint, using a
// client built from the GRPC_TLS_CA/GRPC_TLS_CERT/GRPC_TLS_KEY environment
// variables (h2c cleartext if unset).
func NewHTTPDispatcher(endpoint string) (*HTTPDispatcher, error) {
	client, err := transport.NewGRPCClient(transport.TLSConfigFromEnv())
	if err != nil {
		return nil, err
	}
	client.Timeout = DefaultDispatchTimeout
	return &HTTPDispatcher{
		endpoint:  endpoint,
		client:    client,
		instances: make(map[string]Stub),
	}, nil
}

// Get returns the stub for instanceID, creating one via factory if absent.
// The endpoint is fixed, so the module spec factory produces is not used to
// select a backend; it exists to satisfy the sandbox contract for callers
// that rely on lazy construction semantics.
func (d *HTTPDispatcher) Get(instanceID string, factory Factory) (Stub, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if stub, ok := d.instances[instanceID]; ok {
		return stub, nil
	}
	if _, err := factory(); err != nil {
		return nil, err
	}
	stub := &httpStub{endpoint: d.endpoint, client: d.client}
	d.instances[instanceID] = stub
	return stub, nil
}

type httpStub struct {
	endpoint string
	client   *http.Client
}

func (s *httpStub) GetEntrypoint() Entrypoint {
	return &httpEntrypoint{endpoint: s.endpoint, client: s.client}
}

type httpEntrypoint struct {
	endpoint string
	client   *http.Client
}

func (e *httpEntrypoint) Fetch(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = e.endpoint
	return e.client.Do(req)
}

// Invoke sends method/params to the sandbox's RPC path, per
// sandbox.RPCEntrypoint, instead of forwarding a generic fetch body.
func (e *httpEntrypoint) Invoke(req *http.Request, method string, params []any) (*http.Response, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	rpcReq, err := http.NewRequestWithContext(req.Context(), http.MethodPost,
		"http://"+e.endpoint+"/rpc/"+url.PathEscape(method), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	rpcReq.Header.Set("Content-Type", "application/json")
	return e.client.Do(rpcReq)
}
