package telemetry

import "github.com/example/commatch/internal/observability"

type Client interface {
	Incr(name string)
}

type nop struct{}

func NewNop() Client {
	return nop{}
}

func (nop) Incr(name string) {
	_ = name
}

type registryClient struct{}

// NewRegistry counts through the shared metrics registry.
func NewRegistry() Client {
	return registryClient{}
}

func (registryClient) Incr(name string) {
	observability.Default.IncCounter(name, nil, 1)
}
