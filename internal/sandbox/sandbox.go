// Package sandbox models the external code-execution collaborator the
// orchestrator dispatches invocations to. The core only assumes the object
// exposes get(instanceId, factory) -> stub, and stub.getEntrypoint().fetch
// per §4.9; this package defines that contract plus an HTTP-backed and an
// in-process implementation.
package sandbox

import (
	"net/http"
)

// ModuleSpec is what the lazily-invoked factory returns: the module set the
// dispatcher needs to construct (or locate) an execution instance.
type ModuleSpec struct {
	MainModule        string
	Modules           map[string]string
	CompatibilityDate string
}

// Factory lazily produces the module spec for an instance. It is only
// invoked when the dispatcher does not already have a warm instance.
type Factory func() (ModuleSpec, error)

// Entrypoint is the single affordance exposed by a sandbox stub.
type Entrypoint interface {
	Fetch(req *http.Request) (*http.Response, error)
}

// RPCEntrypoint is implemented by entrypoints that can invoke a handle
// directly as target.invoke(method, ...params), per §4.7 step 8, instead of
// going through the generic fetch request synthesis. req carries the
// context the call should respect; its URL/body are not used. Entrypoints
// that don't implement this fall back to the generic fetch path with the
// normalized body forwarded as-is.
type RPCEntrypoint interface {
	Invoke(req *http.Request, method string, params []any) (*http.Response, error)
}

// Stub is a handle to one running (or startable) sandbox instance.
type Stub interface {
	GetEntrypoint() Entrypoint
}

// Dispatcher is the sandbox-side collaborator: get(instanceId, factory) -> stub.
type Dispatcher interface {
	Get(instanceID string, factory Factory) (Stub, error)
}
