package sandbox

import "net/http"

// HandlerFunc adapts a plain request-to-response function into an Entrypoint, used by tests
// and by in-process sandbox bindings that don't need a network hop.
type HandlerFunc func(req *http.Request) (*http.Response, error)

func (f HandlerFunc) Fetch(req *http.Request) (*http.Response, error) { return f(req) }

// InProcess is a Dispatcher that always returns the same Entrypoint,
// regardless of instance id. Used in tests to stand in for a sandbox without
// a real HTTP round trip.
type InProcess struct {
	Entrypoint Entrypoint
}

func (d *InProcess) Get(_ string, factory Factory) (Stub, error) {
	if _, err := factory(); err != nil {
		return nil, err
	}
	return &inProcessStub{entrypoint: d.Entrypoint}, nil
}

type inProcessStub struct {
	entrypoint Entrypoint
}

func (s *inProcessStub) GetEntrypoint() Entrypoint { return s.entrypoint }
